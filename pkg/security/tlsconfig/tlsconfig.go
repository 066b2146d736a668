// Package tlsconfig builds TLS settings for the management API. Peer
// replication traffic is not encrypted.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var (
    ErrNoKeyPair = errors.New("tlsconfig: certificate and key are required")
    ErrBadCA     = errors.New("tlsconfig: no certificates found in CA file")
)

// reloadEvery bounds how long a loaded key pair is reused before the files
// are read again, so certificates can be rotated in place.
const reloadEvery = 10 * time.Second

// Options are the management TLS inputs, yaml-tagged for bootstrap.Config.
type Options struct {
    Enable             bool   `yaml:"enable"`
    CAFile             string `yaml:"ca"`
    CertFile           string `yaml:"cert"`
    KeyFile            string `yaml:"key"`
    ServerName         string `yaml:"server_name"`
    InsecureSkipVerify bool   `yaml:"skip_verify"`
}

// Server returns the listener config, nil when disabled. With a CA file
// clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrNoKeyPair }
    r := &keyPair{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.get(); err != nil { return nil, err }
    cfg := &tls.Config{
        MinVersion:     tls.VersionTLS12,
        GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() },
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns the dialer config, nil when disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        r := &keyPair{cert: o.CertFile, key: o.KeyFile}
        if _, err := r.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("%w: %s", ErrBadCA, path) }
    return pool, nil
}

// keyPair caches a certificate loaded from disk for reloadEvery.
type keyPair struct {
    cert, key string

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.loaded) < reloadEvery { return k.cached, nil }
    c, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        // keep serving the previous pair while a rotation is half written
        if k.cached != nil { return k.cached, nil }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    k.cached, k.loaded = &c, time.Now()
    return k.cached, nil
}
