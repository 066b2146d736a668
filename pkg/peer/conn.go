// Package peer owns the replication links between cluster members: dialing,
// accepting, the handshake on connect, reassembly of inbound frames and
// dispatch of decoded messages under the process-wide consensus lock.
package peer

import (
    "net"
    "strconv"
    "sync"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

// State is the lifecycle of a Conn.
type State int32

const (
    Disconnected State = iota
    Connecting
    Connected
)

func (s State) String() string {
    switch s {
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    default:
        return "disconnected"
    }
}

// Conn is one peer link. Its identity (host, advertised port) survives
// disconnects; only Manager.Remove destroys it. Every accessor expects the
// manager's lock to be held.
type Conn struct {
    host     string
    port     int
    state    State
    outbound bool
    removed  bool
    counted  bool

    // peer is the node id learned from a handshake or a binding.
    peer consensus.NodeID
    node consensus.Node

    dec  wire.Decoder
    link *link
}

func (c *Conn) Host() string { return c.host }

// Port is the peer's advertised replication port; zero until an inbound
// connection handshakes.
func (c *Conn) Port() int     { return c.port }
func (c *Conn) SetPort(p int) { c.port = p }

func (c *Conn) Addr() string { return net.JoinHostPort(c.host, strconv.Itoa(c.port)) }

func (c *Conn) State() State { return c.state }

// Outbound reports whether this process dialed the connection.
func (c *Conn) Outbound() bool { return c.outbound }

func (c *Conn) Node() consensus.Node { return c.node }

// PeerID is the remote node id, NoNode until known.
func (c *Conn) PeerID() consensus.NodeID { return c.peer }
func (c *Conn) SetPeerID(id consensus.NodeID) { c.peer = id }

// Bind attaches a consensus node handle to the connection.
func (c *Conn) Bind(n consensus.Node) {
    c.node = n
    if n != nil { c.peer = n.ID() }
}

// Unbind detaches the node handle; the connection and peer id stay.
func (c *Conn) Unbind() { c.node = nil }

// link is one live socket of a Conn. A reconnect replaces the link, so
// goroutines of a dead link notice they are stale and exit.
type link struct {
    nc   net.Conn
    out  chan []byte
    done chan struct{}
    once sync.Once
}

func newLink(nc net.Conn, queue int) *link {
    return &link{nc: nc, out: make(chan []byte, queue), done: make(chan struct{})}
}

func (l *link) close() {
    l.once.Do(func() {
        close(l.done)
        _ = l.nc.Close()
    })
}
