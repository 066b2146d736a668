package cluster

import (
    "errors"
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/discovery"
)

// Mode selects how a node enters the cluster.
type Mode int

const (
    // ModeStart bootstraps a new single-node cluster with this node as leader.
    ModeStart Mode = iota
    // ModeJoin contacts seed peers and waits to be added by the leader.
    ModeJoin
    // ModeRestart rebuilds the node from its database and rejoins.
    ModeRestart
    // ModeLeave restarts, then asks the leader to remove this node.
    ModeLeave
)

func (m Mode) String() string {
    switch m {
    case ModeStart:
        return "start"
    case ModeJoin:
        return "join"
    case ModeRestart:
        return "restart"
    case ModeLeave:
        return "leave"
    default:
        return fmt.Sprintf("mode(%d)", int(m))
    }
}

// ParseMode maps a command name to a Mode.
func ParseMode(s string) (Mode, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "start":
        return ModeStart, nil
    case "join":
        return ModeJoin, nil
    case "restart":
        return ModeRestart, nil
    case "leave":
        return ModeLeave, nil
    }
    return 0, fmt.Errorf("cluster: unknown mode %q", s)
}

// fresh reports whether the mode starts from an empty database.
func (m Mode) fresh() bool { return m == ModeStart || m == ModeJoin }

// Options carries the runtime configuration of a node. Instances are
// typically produced from bootstrap.Config.
type Options struct {
    Mode Mode
    // NodeID is required for start and join; restart and leave read it
    // from the database.
    NodeID consensus.NodeID
    // Host is both the bind host and the address announced to peers.
    Host string
    // RaftPort is the peer protocol port. Restart and leave read it from
    // the database when zero.
    RaftPort int
    // Peers are "host:port" seeds contacted by a joining node.
    Peers []string
    // Discovery, when set, supplies additional seeds.
    Discovery discovery.Discovery

    // DataDir must exist. DBName defaults to store.DefaultName.
    DataDir string
    DBName  string
    // MaxEntries caps the persisted log; zero means unbounded.
    MaxEntries int
    // NoSync disables fsync. Tests only.
    NoSync bool

    // Period is the tick of the periodic loop; default 100ms.
    Period          time.Duration
    ElectionTimeout time.Duration
    RequestTimeout  time.Duration
    // RejoinEvery is the number of ticks between handshake retries while a
    // joining node knows no leader; default 10.
    RejoinEvery int

    // Ticket commit wait tuning, see ticket.Options.
    MaxWaits    int
    WaitTimeout time.Duration

    Logger *log.Logger
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Period <= 0 { o.Period = 100 * time.Millisecond }
    if o.RejoinEvery <= 0 { o.RejoinEvery = 10 }
    if o.Host == "" { o.Host = "127.0.0.1" }
}

// Validate performs a minimal validation of Options. It does not touch the
// disk or the network.
func (o Options) Validate() error {
    if o.DataDir == "" {
        return errors.New("cluster: empty data directory")
    }
    if o.Mode < ModeStart || o.Mode > ModeLeave {
        return fmt.Errorf("cluster: invalid mode %d", int(o.Mode))
    }
    if o.Mode.fresh() {
        if o.NodeID < 0 {
            return fmt.Errorf("cluster: invalid node id %d", o.NodeID)
        }
        if o.RaftPort <= 0 || o.RaftPort > 65535 {
            return fmt.Errorf("cluster: invalid raft port %d", o.RaftPort)
        }
    }
    if o.Mode == ModeJoin && len(o.Peers) == 0 && o.Discovery == nil {
        return errors.New("cluster: join needs at least one peer")
    }
    return nil
}
