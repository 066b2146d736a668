package cluster

import (
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/peer"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

// dispatch handles one decoded peer message. The peer manager calls it with
// the cluster lock held.
func (c *Cluster) dispatch(conn *peer.Conn, m wire.Message) error {
    if c.left { return nil }
    switch msg := m.(type) {
    case wire.Handshake:
        return c.onHandshake(conn, msg)
    case wire.HandshakeResponse:
        return c.onHandshakeResponse(conn, msg)
    case wire.Leave:
        return c.onLeave(conn)
    case wire.LeaveResponse:
        return c.onLeaveResponse()
    case wire.RequestVote:
        resp, err := c.core.RecvRequestVote(c.nodeOf(conn), msg.RequestVote)
        c.reply(conn, wire.RequestVoteResponse{RequestVoteResponse: resp})
        return err
    case wire.RequestVoteResponse:
        return c.core.RecvRequestVoteResponse(c.nodeOf(conn), msg.RequestVoteResponse)
    case wire.AppendEntries:
        resp, err := c.core.RecvAppendEntries(c.nodeOf(conn), msg.AppendEntries)
        c.reply(conn, wire.AppendEntriesResponse{AppendEntriesResponse: resp})
        return err
    case wire.AppendEntriesResponse:
        err := c.core.RecvAppendEntriesResponse(c.nodeOf(conn), msg.AppendEntriesResponse)
        // the commit index may have moved
        c.signal.Broadcast()
        return err
    }
    return fmt.Errorf("cluster: unexpected message %s", m.Type())
}

func (c *Cluster) reply(conn *peer.Conn, m wire.Message) {
    if err := c.peers.Send(conn, m); err != nil {
        logutil.Debugf(c.log, "cluster: reply %s to %s: %v", m.Type(), conn.Addr(), err)
    }
}

// nodeOf is the core's handle for the sender on conn, nil when the sender
// is not in the configuration yet.
func (c *Cluster) nodeOf(conn *peer.Conn) consensus.Node {
    if n := conn.Node(); n != nil { return n }
    if id := conn.PeerID(); id != consensus.NoNode {
        if n := c.core.Node(id); n != nil {
            conn.Bind(n)
            return n
        }
    }
    return nil
}

func (c *Cluster) onHandshake(conn *peer.Conn, hs wire.Handshake) error {
    if hs.NodeID == c.id {
        logutil.Warnf(c.log, "cluster: %s is this node, dropping", conn.Addr())
        c.peers.Remove(conn)
        return nil
    }
    if conn = c.dedupe(conn, hs); conn == nil { return nil }
    conn.SetPort(hs.RaftPort)
    conn.SetPeerID(hs.NodeID)
    c.peers.MarkConnected(conn)

    node := c.core.Node(hs.NodeID)
    if node != nil { conn.Bind(node) }

    switch leader := c.core.LeaderID(); {
    case leader == consensus.NoNode:
        return c.respondHandshake(conn, false, consensus.LeaderInfo{ID: consensus.NoNode})
    case leader != c.id:
        return c.respondHandshake(conn, false, c.leaderInfo())
    case node != nil:
        return c.respondHandshake(conn, true, consensus.LeaderInfo{})
    }
    // an unknown node joins as non-voting and is promoted once caught up
    if _, err := c.coord.ProposeChange(consensus.EntryAddNonVotingNode, conn.Host(), hs.RaftPort, hs.NodeID); err != nil {
        logutil.Warnf(c.log, "cluster: admit node %d: %v", hs.NodeID, err)
        return c.respondHandshake(conn, false, consensus.LeaderInfo{ID: consensus.NoNode})
    }
    return c.respondHandshake(conn, true, consensus.LeaderInfo{})
}

// dedupe keeps a single connection per peer when both sides dialed each
// other. The socket dialed by the node with the lower id survives. It
// returns the connection to continue the handshake on, or nil when conn
// was discarded.
func (c *Cluster) dedupe(conn *peer.Conn, hs wire.Handshake) *peer.Conn {
    old := c.peers.ByNode(hs.NodeID)
    if old == conn { old = nil }
    if old == nil {
        if o := c.peers.Find(conn.Host(), hs.RaftPort); o != conn { old = o }
    }
    if old == nil { return conn }
    if old.Outbound() && !conn.Outbound() && old.State() != peer.Disconnected && c.id < hs.NodeID {
        logutil.Debugf(c.log, "cluster: keeping own connection to %d, dropping theirs", hs.NodeID)
        c.peers.Remove(conn)
        return nil
    }
    if n := old.Node(); n != nil { conn.Bind(n) }
    logutil.Debugf(c.log, "cluster: replacing connection %s for node %d", old, hs.NodeID)
    c.peers.Remove(old)
    return conn
}

func (c *Cluster) respondHandshake(conn *peer.Conn, ok bool, li consensus.LeaderInfo) error {
    resp := wire.HandshakeResponse{Success: ok, NodeID: c.id}
    if !ok && li.Known() && li.Port != 0 {
        resp.LeaderHost, resp.LeaderPort = li.Host, li.Port
    }
    return c.peers.Send(conn, resp)
}

func (c *Cluster) onHandshakeResponse(conn *peer.Conn, r wire.HandshakeResponse) error {
    if !r.Success {
        if r.LeaderPort == 0 {
            logutil.Debugf(c.log, "cluster: %s refused the handshake, no leader known", conn.Addr())
            return nil
        }
        if r.LeaderHost == c.opts.Host && r.LeaderPort == c.raftPort { return nil }
        logutil.Infof(c.log, "redirecting to %s:%d...", r.LeaderHost, r.LeaderPort)
        c.addSeed(r.LeaderHost, r.LeaderPort)
        lc := c.peers.Add(r.LeaderHost, r.LeaderPort)
        if lc.State() == peer.Connected {
            return c.peers.Send(lc, wire.Handshake{NodeID: c.id, RaftPort: c.raftPort})
        }
        c.peers.Connect(lc)
        return nil
    }
    n := c.core.Node(r.NodeID)
    if n == nil { n = c.core.AddNonVotingNode(r.NodeID, false) }
    conn.Bind(n)
    logutil.Infof(c.log, "connected to leader %d at %s", r.NodeID, conn.Addr())
    return nil
}

func (c *Cluster) onLeave(conn *peer.Conn) error {
    n := c.nodeOf(conn)
    if n == nil {
        // already removed; the acknowledgment may have been lost
        if conn.PeerID() != consensus.NoNode && c.core.IsLeader() {
            return c.peers.Send(conn, wire.LeaveResponse{})
        }
        logutil.Warnf(c.log, "cluster: leave from %s: not a member", conn.Addr())
        return nil
    }
    host, port := conn.Host(), conn.Port()
    if m, ok := c.coord.View().Get(n.ID()); ok { host, port = m.Host, m.Port }
    _, err := c.coord.ProposeChange(consensus.EntryRemoveNode, host, port, n.ID())
    switch {
    case err == nil:
        logutil.Infof(c.log, "node %d asked to leave", n.ID())
    case errors.Is(err, consensus.ErrConfigChangePending):
        // a repeat while the removal is in flight
    default:
        logutil.Warnf(c.log, "cluster: leave request from %d failed: %v", n.ID(), err)
    }
    return nil
}

// onLeaveResponse tears the node down once its removal committed. The
// process owner watches Done and calls Stop.
func (c *Cluster) onLeaveResponse() error {
    if !c.leaving {
        logutil.Warnf(c.log, "cluster: unexpected leave response ignored")
        return nil
    }
    c.left = true
    c.leaving = false
    if err := c.store.Drop(); err != nil { logutil.Errorf(c.log, "cluster: drop database: %v", err) }
    logutil.Infof(c.log, "shutdown complete, node %d left the cluster", c.id)
    c.eb.publish(Event{Type: EventLeft, At: time.Now()})
    close(c.done)
    c.signal.Broadcast()
    return nil
}
