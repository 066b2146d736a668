// Package bootstrap assembles a ticketd node from a Config: the cluster
// core, seed discovery and the management API.
package bootstrap

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "time"

    "github.com/goccy/go-yaml"
    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-ticketd/pkg/cluster"
    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/discovery"
    dDNS "github.com/amirimatin/go-ticketd/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-ticketd/pkg/discovery/file"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ticketd/pkg/ticket"
    "github.com/amirimatin/go-ticketd/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-ticketd/pkg/transport/grpc"
    "github.com/amirimatin/go-ticketd/pkg/transport/httpjson"
)

// DiscoveryConfig selects extra seed sources beyond Peers.
type DiscoveryConfig struct {
    // Kind is "static" (Peers only), "dns" or "file".
    Kind     string        `yaml:"kind"`
    DNSNames []string      `yaml:"dns_names"`
    File     string        `yaml:"file"`
    Env      string        `yaml:"env"`
    Refresh  time.Duration `yaml:"refresh"`
}

// Config is the file and flag level description of a node.
type Config struct {
    NodeID   int      `yaml:"node_id"`
    Host     string   `yaml:"host"`
    RaftPort int      `yaml:"raft_port"`
    Peers    []string `yaml:"peers"`

    DataDir    string `yaml:"data_dir"`
    DBName     string `yaml:"db_name"`
    MaxEntries int    `yaml:"max_entries"`
    NoSync     bool   `yaml:"no_sync"`

    Period          time.Duration `yaml:"period"`
    ElectionTimeout time.Duration `yaml:"election_timeout"`
    RequestTimeout  time.Duration `yaml:"request_timeout"`
    WaitTimeout     time.Duration `yaml:"wait_timeout"`
    MaxWaits        int           `yaml:"max_waits"`

    // MgmtProto is "http", "grpc" or "none".
    MgmtProto      string `yaml:"mgmt_proto"`
    MgmtPortOffset int    `yaml:"mgmt_port_offset"`
    // MgmtAddr overrides host:(raft port + offset) as the bind address.
    MgmtAddr string `yaml:"mgmt_addr"`

    // TLS protects the management API only.
    TLS tlsconfig.Options `yaml:"tls"`

    Discovery DiscoveryConfig `yaml:"discovery"`

    Trace   bool `yaml:"trace"`
    Debug   bool `yaml:"debug"`
    LogJSON bool `yaml:"log_json"`

    Logger *log.Logger `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
    return Config{
        Host:           "127.0.0.1",
        RaftPort:       discovery.DefaultPort,
        DataDir:        ".",
        Period:         100 * time.Millisecond,
        MgmtProto:      "http",
        MgmtPortOffset: transport.DefaultMgmtPortOffset,
        Discovery:      DiscoveryConfig{Kind: "static"},
    }
}

// Load reads a YAML file over Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
    cfg := Default()
    if path == "" { return cfg, nil }
    data, err := os.ReadFile(path)
    if err != nil {
        if os.IsNotExist(err) { return cfg, nil }
        return cfg, err
    }
    if err := yaml.Unmarshal(data, &cfg); err != nil { return cfg, fmt.Errorf("bootstrap: parse %s: %w", path, err) }
    return cfg, nil
}

// Validate checks the settings the given mode depends on.
func (c Config) Validate(mode cluster.Mode) error {
    var result error
    if c.DataDir == "" { result = multierror.Append(result, errors.New("bootstrap: data_dir is required")) }
    switch c.MgmtProto {
    case "", "http", "grpc", "none":
    default:
        result = multierror.Append(result, fmt.Errorf("bootstrap: unknown mgmt_proto %q", c.MgmtProto))
    }
    switch c.Discovery.Kind {
    case "", "static":
    case "dns":
        if len(c.Discovery.DNSNames) == 0 { result = multierror.Append(result, errors.New("bootstrap: discovery dns needs dns_names")) }
    case "file":
        if c.Discovery.File == "" && c.Discovery.Env == "" { result = multierror.Append(result, errors.New("bootstrap: discovery file needs file or env")) }
    default:
        result = multierror.Append(result, fmt.Errorf("bootstrap: unknown discovery kind %q", c.Discovery.Kind))
    }
    if mode == cluster.ModeStart || mode == cluster.ModeJoin {
        if c.NodeID < 0 { result = multierror.Append(result, fmt.Errorf("bootstrap: invalid node_id %d", c.NodeID)) }
        if c.RaftPort <= 0 || c.RaftPort > 65535 { result = multierror.Append(result, fmt.Errorf("bootstrap: invalid raft_port %d", c.RaftPort)) }
    }
    if mode == cluster.ModeJoin && len(c.Peers) == 0 && (c.Discovery.Kind == "" || c.Discovery.Kind == "static") {
        result = multierror.Append(result, errors.New("bootstrap: join needs at least one peer"))
    }
    return result
}

func (c Config) discovery() discovery.Discovery {
    switch c.Discovery.Kind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: c.Discovery.DNSNames, Port: c.RaftPort, Refresh: c.Discovery.Refresh, Logger: c.Logger})
    case "file":
        return dFile.New(dFile.Options{Path: c.Discovery.File, Env: c.Discovery.Env, Port: c.RaftPort, Refresh: c.Discovery.Refresh})
    }
    return nil
}

// mgmtServer is implemented by both management transports.
type mgmtServer interface {
    Start(ctx context.Context, svc transport.Service) error
    Stop(ctx context.Context) error
    Addr() string
}

// Node is an assembled ticketd process.
type Node struct {
    Cluster *cluster.Cluster
    cfg     Config
    mgmt    mgmtServer
    cancel  context.CancelFunc
}

// Build assembles a node without starting it.
func Build(cfg Config, mode cluster.Mode) (*Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.MgmtPortOffset == 0 { cfg.MgmtPortOffset = transport.DefaultMgmtPortOffset }
    if err := cfg.Validate(mode); err != nil { return nil, err }
    logutil.SetDebug(cfg.Debug || logutil.DebugEnabled())
    if cfg.LogJSON { logutil.SetJSON(true) }

    cl, err := cluster.New(cluster.Options{
        Mode:            mode,
        NodeID:          consensus.NodeID(cfg.NodeID),
        Host:            cfg.Host,
        RaftPort:        cfg.RaftPort,
        Peers:           cfg.Peers,
        Discovery:       cfg.discovery(),
        DataDir:         cfg.DataDir,
        DBName:          cfg.DBName,
        MaxEntries:      cfg.MaxEntries,
        NoSync:          cfg.NoSync,
        Period:          cfg.Period,
        ElectionTimeout: cfg.ElectionTimeout,
        RequestTimeout:  cfg.RequestTimeout,
        MaxWaits:        cfg.MaxWaits,
        WaitTimeout:     cfg.WaitTimeout,
        Logger:          cfg.Logger,
    })
    if err != nil { return nil, err }

    n := &Node{Cluster: cl, cfg: cfg}
    srvTLS, err := cfg.TLS.Server()
    if err != nil {
        _ = cl.Close()
        return nil, err
    }
    bind := cfg.MgmtAddr
    if bind == "" { bind = transport.MgmtAddr(cl.Host(), cl.RaftPort(), cfg.MgmtPortOffset) }
    switch cfg.MgmtProto {
    case "grpc":
        n.mgmt = mgmtgrpc.NewServer(bind, cfg.MgmtPortOffset).UseTLS(srvTLS)
    case "none":
    default:
        n.mgmt = httpjson.NewServer(bind, cfg.MgmtPortOffset, cfg.Logger).UseTLS(srvTLS)
    }
    return n, nil
}

// Run builds and starts a node. The caller owns Close.
func Run(ctx context.Context, cfg Config, mode cluster.Mode) (*Node, error) {
    n, err := Build(cfg, mode)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    return n, nil
}

// Start starts the cluster, then the management server.
func (n *Node) Start(ctx context.Context) error {
    if err := n.Cluster.Start(ctx); err != nil { return err }
    if n.mgmt == nil { return nil }
    mctx, cancel := context.WithCancel(context.Background())
    n.cancel = cancel
    if err := n.mgmt.Start(mctx, Service(n.Cluster)); err != nil { return fmt.Errorf("bootstrap: management server: %w", err) }
    logutil.Infof(n.cfg.Logger, "management %s api on %s", n.cfg.MgmtProto, n.mgmt.Addr())
    return nil
}

// MgmtAddr is the bound management address, empty when disabled.
func (n *Node) MgmtAddr() string {
    if n.mgmt == nil { return "" }
    return n.mgmt.Addr()
}

// Close stops the management server and the cluster.
func (n *Node) Close() error {
    var result error
    if n.cancel != nil { n.cancel() }
    if n.mgmt != nil {
        if err := n.mgmt.Stop(context.Background()); err != nil { result = multierror.Append(result, err) }
    }
    if err := n.Cluster.Close(); err != nil { result = multierror.Append(result, err) }
    return result
}

// Service adapts a cluster to the management transports.
func Service(c *cluster.Cluster) transport.Service { return service{c} }

type service struct{ c *cluster.Cluster }

func (s service) Issue(ctx context.Context) (ticket.Ticket, error) { return s.c.Issue(ctx) }

func (s service) Lookup(_ context.Context, v uint64) (bool, error) { return s.c.Lookup(v) }

func (s service) Status(ctx context.Context) ([]byte, error) {
    st, err := s.c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (s service) Leave(context.Context) error { return s.c.Leave() }
