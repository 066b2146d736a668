// Package membership replicates cluster configuration through the consensus
// log. Adding or removing a node is a log entry like any other; the change
// takes effect on every member when that entry commits.
package membership

import (
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/hashicorp/go-msgpack/v2/codec"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
    "github.com/amirimatin/go-ticketd/pkg/peer"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

// Change is the payload of a configuration entry. Whether it adds, adds as
// non-voting or removes is the entry's type.
type Change struct {
    NodeID consensus.NodeID `codec:"node_id"`
    Host   string           `codec:"host"`
    Port   int              `codec:"port"`
}

var mh = &codec.MsgpackHandle{}

func EncodeChange(ch Change) ([]byte, error) {
    var out []byte
    if err := codec.NewEncoderBytes(&out, mh).Encode(ch); err != nil { return nil, err }
    return out, nil
}

func DecodeChange(b []byte) (Change, error) {
    var ch Change
    if err := codec.NewDecoderBytes(b, mh).Decode(&ch); err != nil {
        return Change{}, fmt.Errorf("membership: decode change: %w", err)
    }
    return ch, nil
}

var ErrNotConfigChange = errors.New("membership: not a configuration entry")

type EventType string

const (
    // EventJoin: a node entered the configuration (voting or not).
    EventJoin EventType = "join"
    // EventPromote: a non-voting node became voting.
    EventPromote EventType = "promote"
    EventLeave   EventType = "leave"
)

// Event is emitted for every applied configuration change.
type Event struct {
    Type   EventType
    Member Member
    At     time.Time
}

// Links is the part of the peer manager the coordinator drives.
type Links interface {
    Add(host string, port int) *peer.Conn
    ByNode(id consensus.NodeID) *peer.Conn
    Connect(c *peer.Conn)
    Send(c *peer.Conn, m wire.Message) error
}

// Coordinator proposes and applies configuration changes. Like the core it
// drives, it is used under the process-wide consensus lock.
type Coordinator struct {
    core  consensus.Core
    links Links
    self  consensus.NodeID
    log   *log.Logger
    view  *View

    // OnEvent, if set, observes applied changes.
    OnEvent func(Event)
}

func New(core consensus.Core, links Links, logger *log.Logger) *Coordinator {
    if logger == nil { logger = log.Default() }
    return &Coordinator{core: core, links: links, self: core.ID(), log: logger, view: NewView()}
}

// View is the applied configuration.
func (c *Coordinator) View() *View { return c.view }

// Members lists the applied configuration ordered by id.
func (c *Coordinator) Members() []Member { return c.view.Members() }

// ProposeChange submits a configuration entry of the given kind through the
// core. It fails when this node is not the leader or another change is
// still pending.
func (c *Coordinator) ProposeChange(kind consensus.EntryType, host string, port int, id consensus.NodeID) (consensus.Proposal, error) {
    if !kind.IsConfigChange() { return consensus.Proposal{}, ErrNotConfigChange }
    data, err := EncodeChange(Change{NodeID: id, Host: host, Port: port})
    if err != nil { return consensus.Proposal{}, err }
    p, err := c.core.Propose(consensus.Entry{Type: kind, Data: data})
    if err != nil {
        obsmetrics.MembershipChanges.WithLabelValues(kind.String(), "rejected").Inc()
        return consensus.Proposal{}, fmt.Errorf("membership: propose %s %d: %w", kind, id, err)
    }
    obsmetrics.MembershipChanges.WithLabelValues(kind.String(), "proposed").Inc()
    logutil.Infof(c.log, "membership: proposed %s node %d (%s:%d) at index %d", kind, id, host, port, p.Index)
    return p, nil
}

// ApplyChange makes a committed configuration entry take effect locally.
func (c *Coordinator) ApplyChange(e consensus.Entry) error {
    if !e.Type.IsConfigChange() { return ErrNotConfigChange }
    ch, err := DecodeChange(e.Data)
    if err != nil { return err }
    obsmetrics.MembershipChanges.WithLabelValues(e.Type.String(), "applied").Inc()

    if e.Type == consensus.EntryRemoveNode {
        c.applyRemove(ch)
    } else {
        c.applyAdd(e.Type, ch)
    }
    obsmetrics.ClusterMembers.Set(float64(c.view.Len()))
    return nil
}

func (c *Coordinator) applyRemove(ch Change) {
    conn := c.links.ByNode(ch.NodeID)
    c.core.RemoveNode(ch.NodeID)
    m, _ := c.view.Get(ch.NodeID)
    c.view.Remove(ch.NodeID)
    logutil.Infof(c.log, "membership: node %d removed", ch.NodeID)
    if conn != nil {
        // the connection stays so the leave acknowledgment can be delivered
        conn.Unbind()
        if c.core.IsLeader() && ch.NodeID != c.self {
            if err := c.links.Send(conn, wire.LeaveResponse{}); err != nil {
                logutil.Warnf(c.log, "membership: leave response to %d: %v", ch.NodeID, err)
            }
        }
    }
    if m.ID == consensus.NoNode { m = Member{ID: ch.NodeID, Host: ch.Host, Port: ch.Port} }
    c.emit(EventLeave, m)
}

func (c *Coordinator) applyAdd(kind consensus.EntryType, ch Change) {
    isSelf := ch.NodeID == c.self
    prev, known := c.view.Get(ch.NodeID)
    var n consensus.Node
    if kind == consensus.EntryAddNode {
        n = c.core.AddNode(ch.NodeID, isSelf)
    } else {
        n = c.core.AddNonVotingNode(ch.NodeID, isSelf)
    }
    m := Member{ID: ch.NodeID, Host: ch.Host, Port: ch.Port, Voting: n.Voting(), Self: isSelf}
    c.view.Put(m)

    if !isSelf {
        conn := c.links.ByNode(ch.NodeID)
        if conn == nil { conn = c.links.Add(ch.Host, ch.Port) }
        conn.Bind(n)
        if conn.State() == peer.Disconnected { c.links.Connect(conn) }
    }

    switch {
    case !known:
        logutil.Infof(c.log, "membership: node %d joined (voting=%v)", ch.NodeID, m.Voting)
        c.emit(EventJoin, m)
    case !prev.Voting && m.Voting:
        logutil.Infof(c.log, "membership: node %d promoted to voting", ch.NodeID)
        c.emit(EventPromote, m)
    }
}

// Promote proposes a voting AddNode for a non-voting node that caught up.
// Wired to the core's sufficient-logs callback.
func (c *Coordinator) Promote(n consensus.Node) {
    m, ok := c.view.Get(n.ID())
    if !ok {
        conn := c.links.ByNode(n.ID())
        if conn == nil {
            logutil.Warnf(c.log, "membership: cannot promote unknown node %d", n.ID())
            return
        }
        m = Member{ID: n.ID(), Host: conn.Host(), Port: conn.Port()}
    }
    if _, err := c.ProposeChange(consensus.EntryAddNode, m.Host, m.Port, m.ID); err != nil {
        logutil.Warnf(c.log, "membership: promote %d: %v", m.ID, err)
    }
}

func (c *Coordinator) emit(t EventType, m Member) {
    if c.OnEvent == nil { return }
    c.OnEvent(Event{Type: t, Member: m, At: time.Now()})
}
