// Package dns resolves join seeds from DNS. SRV names (_svc._proto.domain)
// carry their own ports; A/AAAA names use Options.Port.
package dns

import (
    "context"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/discovery"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
)

type Options struct {
    // Names are SRV records, hostnames, or literal host:port seeds.
    Names []string
    // Port for A/AAAA answers. Defaults to discovery.DefaultPort.
    Port int
    // Refresh is how long answers are cached. Defaults to 5s.
    Refresh time.Duration
    // Timeout bounds one resolution round. Defaults to 2s.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type resolver struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port <= 0 { opts.Port = discovery.DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &resolver{opts: opts}
}

func (r *resolver) Seeds() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    if len(r.cache) == 0 || time.Since(r.last) >= r.opts.Refresh {
        ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
        r.cache = r.resolve(ctx)
        cancel()
        r.last = time.Now()
    }
    return append([]string(nil), r.cache...)
}

func (r *resolver) resolve(ctx context.Context) []string {
    var out []string
    for _, name := range r.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case isSRV(name):
            out = append(out, r.srv(ctx, name)...)
        case hasPort(name):
            out = append(out, name)
        default:
            out = append(out, r.host(ctx, name)...)
        }
    }
    return discovery.Normalize(out, r.opts.Port)
}

func (r *resolver) srv(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" { return nil }
    _, recs, err := r.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Warnf(r.opts.Logger, "discovery/dns: SRV %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(recs))
    for _, a := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (r *resolver) host(ctx context.Context, name string) []string {
    ips, err := r.opts.Resolver.LookupHost(ctx, name)
    if err != nil {
        logutil.Warnf(r.opts.Logger, "discovery/dns: lookup %s: %v", name, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(r.opts.Port))) }
    return out
}

func isSRV(name string) bool { return strings.HasPrefix(name, "_") && strings.Contains(name, "._") }

func hasPort(name string) bool {
    _, _, err := net.SplitHostPort(name)
    return err == nil
}

// parseSRVName splits _service._proto.domain.
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return parts[0][1:], parts[1][1:], parts[2]
}
