// Package cli holds the ticketd cobra commands: node runners for each
// startup mode and thin management clients.
package cli

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-ticketd/pkg/bootstrap"
    "github.com/amirimatin/go-ticketd/pkg/cluster"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/security/tlsconfig"
    tracing "github.com/amirimatin/go-ticketd/pkg/observability/tracing"
    "github.com/amirimatin/go-ticketd/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-ticketd/pkg/transport/grpc"
    "github.com/amirimatin/go-ticketd/pkg/transport/httpjson"
)

// leaveGrace bounds how long an interrupted follower waits for its removal
// to be acknowledged.
const leaveGrace = 10 * time.Second

// AddAll attaches every ticketd command to root.
func AddAll(root *cobra.Command) {
    for _, m := range []cluster.Mode{cluster.ModeStart, cluster.ModeJoin, cluster.ModeRestart, cluster.ModeLeave} {
        root.AddCommand(NewNodeCmd(m))
    }
    root.AddCommand(NewIssueCmd(), NewLookupCmd(), NewStatusCmd())
}

var nodeShort = map[cluster.Mode]string{
    cluster.ModeStart:   "Bootstrap a new cluster with this node as leader",
    cluster.ModeJoin:    "Join an existing cluster through one of its peers",
    cluster.ModeRestart: "Restart a node from its data directory",
    cluster.ModeLeave:   "Restart a node and have it leave the cluster",
}

// nodeFlags are the node settings settable from the command line; set
// flags override the config file.
type nodeFlags struct {
    config    string
    id        int
    host      string
    raftPort  int
    peers     []string
    data      string
    db        string
    mgmtProto string
    mgmtAddr  string
    discovery string
    dnsNames  []string
    seedsFile string
    seedsEnv  string
    trace     bool
    debug     bool
    logJSON   bool
    tls       tlsconfig.Options
}

func registerTLS(fs *pflag.FlagSet, o *tlsconfig.Options) {
    fs.BoolVar(&o.Enable, "tls-enable", false, "serve or call the management API over TLS")
    fs.StringVar(&o.CAFile, "tls-ca", "", "CA certificate (PEM); on servers it also requires client certificates")
    fs.StringVar(&o.CertFile, "tls-cert", "", "certificate (PEM)")
    fs.StringVar(&o.KeyFile, "tls-key", "", "private key (PEM)")
    fs.StringVar(&o.ServerName, "tls-server-name", "", "expected server name")
    fs.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server certificate verification (DEV ONLY)")
}

func (f *nodeFlags) register(fs *pflag.FlagSet, mode cluster.Mode) {
    fs.StringVar(&f.config, "config", "", "YAML config file")
    if mode == cluster.ModeStart || mode == cluster.ModeJoin {
        fs.IntVar(&f.id, "id", 0, "node id")
        fs.IntVar(&f.raftPort, "raft-port", 9000, "peer protocol port")
    }
    fs.StringVar(&f.host, "host", "127.0.0.1", "bind and advertised host")
    fs.StringSliceVar(&f.peers, "peer", nil, "seed peer host:port (repeatable)")
    fs.StringVar(&f.data, "data", ".", "data directory (must exist)")
    fs.StringVar(&f.db, "db", "", "database file name inside --data")
    fs.StringVar(&f.mgmtProto, "mgmt-proto", "http", "management API: http|grpc|none")
    fs.StringVar(&f.mgmtAddr, "mgmt-addr", "", "management bind address (default host:raft-port+1)")
    fs.StringVar(&f.discovery, "discovery", "static", "extra seed source: static|dns|file")
    fs.StringSliceVar(&f.dnsNames, "dns-names", nil, "DNS names or SRV records for --discovery=dns")
    fs.StringVar(&f.seedsFile, "seeds-file", "", "seed file or glob for --discovery=file")
    fs.StringVar(&f.seedsEnv, "seeds-env", "", "env var with comma separated seeds for --discovery=file")
    fs.BoolVar(&f.trace, "trace", false, "enable OpenTelemetry stdout tracing")
    fs.BoolVar(&f.debug, "debug", false, "log consensus and peer traffic")
    fs.BoolVar(&f.logJSON, "log-json", false, "log JSON lines")
    registerTLS(fs, &f.tls)
}

// config loads the file, then applies the flags that were set.
func (f *nodeFlags) build(fs *pflag.FlagSet) (bootstrap.Config, error) {
    cfg, err := bootstrap.Load(f.config)
    if err != nil { return cfg, err }
    set := func(name string) bool { return f.config == "" || fs.Changed(name) }
    if set("id") && fs.Lookup("id") != nil { cfg.NodeID = f.id }
    if set("raft-port") && fs.Lookup("raft-port") != nil { cfg.RaftPort = f.raftPort }
    if set("host") { cfg.Host = f.host }
    if fs.Changed("peer") { cfg.Peers = f.peers }
    if set("data") { cfg.DataDir = f.data }
    if fs.Changed("db") { cfg.DBName = f.db }
    if set("mgmt-proto") { cfg.MgmtProto = f.mgmtProto }
    if fs.Changed("mgmt-addr") { cfg.MgmtAddr = f.mgmtAddr }
    if set("discovery") { cfg.Discovery.Kind = f.discovery }
    if fs.Changed("dns-names") { cfg.Discovery.DNSNames = f.dnsNames }
    if fs.Changed("seeds-file") { cfg.Discovery.File = f.seedsFile }
    if fs.Changed("seeds-env") { cfg.Discovery.Env = f.seedsEnv }
    if fs.Changed("tls-enable") { cfg.TLS.Enable = f.tls.Enable }
    if fs.Changed("tls-ca") { cfg.TLS.CAFile = f.tls.CAFile }
    if fs.Changed("tls-cert") { cfg.TLS.CertFile = f.tls.CertFile }
    if fs.Changed("tls-key") { cfg.TLS.KeyFile = f.tls.KeyFile }
    cfg.Trace = cfg.Trace || f.trace
    cfg.Debug = cfg.Debug || f.debug
    cfg.LogJSON = cfg.LogJSON || f.logJSON
    return cfg, nil
}

// NewNodeCmd returns the command that runs a node in the given mode.
func NewNodeCmd(mode cluster.Mode) *cobra.Command {
    var f nodeFlags
    cmd := &cobra.Command{
        Use:   mode.String(),
        Short: nodeShort[mode],
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := f.build(cmd.Flags())
            if err != nil { return err }
            cfg.Logger = log.Default()
            if cfg.Trace {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(cfg.Logger, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }
            n, err := bootstrap.Run(cmd.Context(), cfg, mode)
            if err != nil { return err }
            defer n.Close()
            fmt.Fprintf(cmd.OutOrStdout(), "node %d running (%s). Press Ctrl+C to leave.\n", n.Cluster.ID(), mode)
            return serve(n.Cluster, interrupts(), cfg.Logger)
        },
    }
    f.register(cmd.Flags(), mode)
    return cmd
}

// leaver is the part of a node serve drives.
type leaver interface {
    Leave() error
    Done() <-chan struct{}
}

// serve blocks until the node left the cluster or was told to stop. The
// first SIGINT asks the leader to remove this node and waits for the
// acknowledgment; SIGTERM or a second SIGINT stops at once.
func serve(n leaver, sigs <-chan os.Signal, l *log.Logger) error {
    var grace <-chan time.Time
    for {
        select {
        case <-n.Done():
            logutil.Infof(l, "left the cluster")
            return nil
        case <-grace:
            logutil.Warnf(l, "leave not acknowledged within %s, stopping", leaveGrace)
            return nil
        case s := <-sigs:
            if s != os.Interrupt || grace != nil { return nil }
            err := n.Leave()
            switch {
            case err == nil:
                grace = time.After(leaveGrace)
            case errors.Is(err, cluster.ErrLeaderCannotLeave), errors.Is(err, cluster.ErrNoLeader), errors.Is(err, cluster.ErrLeft):
                logutil.Warnf(l, "not leaving: %v", err)
                return nil
            default:
                return err
            }
        }
    }
}

func interrupts() <-chan os.Signal {
    ch := make(chan os.Signal, 2)
    signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
    return ch
}

type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration
    tls     tlsconfig.Options
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
    fs.StringVar(&f.addr, "addr", "127.0.0.1:9001", "management address of any node")
    fs.StringVar(&f.proto, "mgmt-proto", "http", "management protocol: http|grpc")
    fs.DurationVar(&f.timeout, "timeout", 5*time.Second, "request timeout")
    registerTLS(fs, &f.tls)
}

func (f *clientFlags) client() (transport.Client, func(), error) {
    cfg, err := f.tls.Client()
    if err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    if f.proto == "grpc" {
        c := mgmtgrpc.NewClient(f.timeout).UseTLS(cfg)
        return c, c.Close, nil
    }
    return httpjson.NewClient(f.timeout).UseTLS(cfg), func() {}, nil
}

// NewIssueCmd returns "issue": request a ticket, following redirects.
func NewIssueCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "issue",
        Short: "Issue a ticket",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
            defer cancel()
            resp, err := c.Issue(ctx, f.addr)
            if err != nil { return fmt.Errorf("issue: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    f.register(cmd.Flags())
    return cmd
}

// NewLookupCmd returns "lookup TICKET".
func NewLookupCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "lookup TICKET",
        Short: "Report whether a ticket was issued",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            var v uint64
            if _, err := fmt.Sscan(args[0], &v); err != nil { return fmt.Errorf("bad ticket %q", args[0]) }
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
            defer cancel()
            ok, err := c.Lookup(ctx, f.addr, v)
            if err != nil { return fmt.Errorf("lookup: %w", err) }
            return printJSON(cmd.OutOrStdout(), transport.LookupResponse{Ticket: v, Issued: ok})
        },
    }
    f.register(cmd.Flags())
    return cmd
}

// NewStatusCmd returns "status".
func NewStatusCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's cluster status as JSON",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            c, done, err := f.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
            defer cancel()
            data, err := c.GetStatus(ctx, f.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    f.register(cmd.Flags())
    return cmd
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}
