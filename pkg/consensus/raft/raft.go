// Package raftcons is a leader-based consensus decision core: elections with
// randomized timeouts, log matching with conflict truncation and commit
// advancement over voting nodes. It performs no I/O of its own; every send
// and every durable write is requested through consensus.Callbacks.
package raftcons

import (
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/zhangyunhao116/fastrand"

    c "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
)

type role uint8

const (
    follower role = iota
    candidate
    leader
)

func (r role) String() string {
    switch r {
    case candidate:
        return "candidate"
    case leader:
        return "leader"
    default:
        return "follower"
    }
}

// Core implements consensus.Core. It is not safe for concurrent use.
type Core struct {
    opts Options
    cb   c.Callbacks
    log  *log.Logger

    id       c.NodeID
    nodes    nodeTable
    entries  *entryLog
    role     role
    term     uint64
    votedFor c.NodeID
    leader   c.NodeID

    commitIdx   uint64
    lastApplied uint64
    // index of the newest configuration change; pending while > commitIdx
    cfgChangeIdx uint64

    elapsed time.Duration
    timeout time.Duration
}

var _ c.Core = (*Core)(nil)

// New creates a core with an empty node table. The host adds itself (and any
// known peers) through AddNode/AddNonVotingNode.
func New(opts Options, cb c.Callbacks) (*Core, error) {
    if opts.NodeID < 0 { return nil, fmt.Errorf("raftcons: invalid node id %d", opts.NodeID) }
    if cb == nil { return nil, errors.New("raftcons: nil callbacks") }
    opts.setDefaults()
    el, err := newEntryLog(opts.LogStore)
    if err != nil { return nil, fmt.Errorf("raftcons: log store: %w", err) }
    core := &Core{
        opts:     opts,
        cb:       cb,
        log:      opts.Logger,
        id:       opts.NodeID,
        nodes:    newNodeTable(),
        entries:  el,
        votedFor: c.NoNode,
        leader:   c.NoNode,
    }
    core.resetTimeout()
    return core, nil
}

func (r *Core) resetTimeout() {
    et := r.opts.ElectionTimeout
    r.timeout = et + time.Duration(fastrand.Int63n(int64(et)))
    r.elapsed = 0
}

// ---- queries ----

func (r *Core) ID() c.NodeID        { return r.id }
func (r *Core) LeaderID() c.NodeID  { return r.leader }
func (r *Core) IsLeader() bool      { return r.role == leader }
func (r *Core) Term() uint64        { return r.term }
func (r *Core) VotedFor() c.NodeID  { return r.votedFor }
func (r *Core) CommitIndex() uint64 { return r.commitIdx }
func (r *Core) LastIndex() uint64   { return r.entries.lastIndex() }
func (r *Core) LastApplied() uint64 { return r.lastApplied }

func (r *Core) Leader() c.Node {
    if r.leader == c.NoNode { return nil }
    return r.Node(r.leader)
}

func (r *Core) Entry(index uint64) (c.Entry, bool) { return r.entries.get(index) }

func (r *Core) Node(id c.NodeID) c.Node {
    n := r.nodes.get(id)
    if n == nil { return nil }
    return n
}

// Nodes lists members ordered by id.
func (r *Core) Nodes() []c.Node {
    out := make([]c.Node, 0, r.nodes.len())
    r.nodes.each(func(n *node) { out = append(out, n) })
    return out
}

func (r *Core) NumVotingNodes() int { return r.nodes.voting() }

func (r *Core) self() *node { return r.nodes.get(r.id) }

func (r *Core) selfVoting() bool {
    s := r.self()
    return s != nil && s.voting
}

// ---- membership ----

func (r *Core) AddNode(id c.NodeID, self bool) c.Node {
    if n := r.nodes.get(id); n != nil {
        if !n.voting { logutil.Debugf(r.log, "raftcons: node %d promoted to voting", id) }
        n.voting = true
        n.self = n.self || self
        return n
    }
    n := &node{id: id, voting: true, self: self || id == r.id, nextIdx: r.entries.lastIndex() + 1}
    r.nodes.put(n)
    return n
}

func (r *Core) AddNonVotingNode(id c.NodeID, self bool) c.Node {
    if n := r.nodes.get(id); n != nil { return n }
    n := &node{id: id, self: self || id == r.id, nextIdx: r.entries.lastIndex() + 1}
    r.nodes.put(n)
    return n
}

func (r *Core) RemoveNode(id c.NodeID) {
    r.nodes.remove(id)
    if r.leader == id && id != r.id { r.leader = c.NoNode }
}

// ---- timers ----

// Periodic advances the election/heartbeat clock and applies whatever has
// committed since the last call.
func (r *Core) Periodic(elapsed time.Duration) error {
    r.elapsed += elapsed
    switch {
    case r.role != leader && r.selfVoting() && r.nodes.voting() == 1:
        if err := r.BecomeLeader(); err != nil { return err }
    case r.role == leader:
        if r.elapsed >= r.opts.RequestTimeout {
            r.elapsed = 0
            r.sendHeartbeats()
        }
    case r.elapsed >= r.timeout:
        if r.selfVoting() && r.nodes.voting() > 1 {
            if err := r.startElection(); err != nil { return err }
        } else {
            r.resetTimeout()
        }
    }
    return r.ApplyAll()
}

// ---- term / role transitions ----

func (r *Core) setTerm(term uint64) error {
    if err := r.cb.PersistTerm(term); err != nil { return err }
    if err := r.cb.PersistVote(c.NoNode); err != nil { return err }
    r.term = term
    r.votedFor = c.NoNode
    return nil
}

func (r *Core) voteFor(id c.NodeID) error {
    if err := r.cb.PersistVote(id); err != nil { return err }
    r.votedFor = id
    return nil
}

func (r *Core) becomeFollower(term uint64) error {
    if term > r.term {
        if err := r.setTerm(term); err != nil { return err }
    }
    if r.role != follower { logutil.Debugf(r.log, "raftcons: %d stepping down to follower in term %d", r.id, r.term) }
    r.role = follower
    return nil
}

func (r *Core) startElection() error {
    if err := r.setTerm(r.term + 1); err != nil { return err }
    if err := r.voteFor(r.id); err != nil { return err }
    r.role = candidate
    r.leader = c.NoNode
    r.resetTimeout()
    logutil.Debugf(r.log, "raftcons: %d starting election for term %d", r.id, r.term)

    r.nodes.each(func(n *node) { n.votedForMe = n.id == r.id })
    m := c.RequestVote{
        Term:         r.term,
        CandidateID:  r.id,
        LastLogIndex: r.entries.lastIndex(),
        LastLogTerm:  r.entries.lastTerm(),
    }
    r.nodes.each(func(n *node) {
        if n.id == r.id || !n.voting { return }
        if err := r.cb.SendRequestVote(n, m); err != nil {
            logutil.Debugf(r.log, "raftcons: requestvote to %d: %v", n.id, err)
        }
    })
    return nil
}

// BecomeLeader moves to a new term, votes for itself and takes leadership
// without an election. Used to bootstrap a single-node cluster.
func (r *Core) BecomeLeader() error {
    if err := r.setTerm(r.term + 1); err != nil { return err }
    if err := r.voteFor(r.id); err != nil { return err }
    r.becomeLeader()
    return nil
}

func (r *Core) becomeLeader() {
    r.role = leader
    r.leader = r.id
    r.elapsed = 0
    last := r.entries.lastIndex()
    r.nodes.each(func(n *node) {
        n.nextIdx = last + 1
        n.matchIdx = 0
        n.sufficientLogs = false
    })
    // an uncommitted configuration change from an earlier term stays pending
    r.cfgChangeIdx = 0
    for i := r.commitIdx + 1; i <= last; i++ {
        if e, ok := r.entries.get(i); ok && e.Type.IsConfigChange() { r.cfgChangeIdx = i }
    }
    logutil.Infof(r.log, "raftcons: %d became leader for term %d", r.id, r.term)
    r.sendHeartbeats()
}

func (r *Core) votes() int {
    v := 0
    r.nodes.each(func(n *node) {
        if n.voting && n.votedForMe { v++ }
    })
    return v
}

// ---- votes ----

func (r *Core) RecvRequestVote(from c.Node, m c.RequestVote) (c.RequestVoteResponse, error) {
    // a node that heard from a live leader recently refuses to help unseat it
    if r.leader != c.NoNode && r.leader != m.CandidateID && r.elapsed < r.opts.ElectionTimeout {
        return c.RequestVoteResponse{Term: r.term}, nil
    }
    if m.Term > r.term {
        if err := r.becomeFollower(m.Term); err != nil { return c.RequestVoteResponse{Term: r.term}, err }
        r.leader = c.NoNode
    }
    resp := c.RequestVoteResponse{Term: r.term}
    if m.Term < r.term || !r.selfVoting() { return resp, nil }
    if r.votedFor != c.NoNode && r.votedFor != m.CandidateID { return resp, nil }
    lastTerm := r.entries.lastTerm()
    upToDate := m.LastLogTerm > lastTerm || (m.LastLogTerm == lastTerm && m.LastLogIndex >= r.entries.lastIndex())
    if !upToDate { return resp, nil }
    if err := r.voteFor(m.CandidateID); err != nil { return resp, err }
    r.elapsed = 0
    resp.VoteGranted = true
    logutil.Debugf(r.log, "raftcons: %d voted for %d in term %d", r.id, m.CandidateID, r.term)
    return resp, nil
}

func (r *Core) RecvRequestVoteResponse(from c.Node, m c.RequestVoteResponse) error {
    if m.Term > r.term {
        r.leader = c.NoNode
        return r.becomeFollower(m.Term)
    }
    if r.role != candidate || m.Term != r.term || from == nil || !m.VoteGranted { return nil }
    n := r.nodes.get(from.ID())
    if n == nil || !n.voting { return nil }
    n.votedForMe = true
    if r.votes() > r.nodes.voting()/2 { r.becomeLeader() }
    return nil
}

// ---- replication ----

func (r *Core) sendHeartbeats() {
    r.nodes.each(func(n *node) {
        if n.id != r.id { r.sendAppendEntries(n) }
    })
}

func (r *Core) sendAppendEntries(n *node) {
    next := n.nextIdx
    if next == 0 { next = 1 }
    prev := next - 1
    prevTerm, _ := r.entries.termAt(prev)
    m := c.AppendEntries{
        Term:         r.term,
        PrevLogIndex: prev,
        PrevLogTerm:  prevTerm,
        LeaderCommit: r.commitIdx,
    }
    if e, ok := r.entries.get(next); ok { m.Entries = []c.Entry{e} }
    if err := r.cb.SendAppendEntries(n, m); err != nil {
        logutil.Debugf(r.log, "raftcons: appendentries to %d: %v", n.id, err)
    }
}

func (r *Core) RecvAppendEntries(from c.Node, m c.AppendEntries) (c.AppendEntriesResponse, error) {
    resp := c.AppendEntriesResponse{Term: r.term, CurrentIndex: r.entries.lastIndex()}
    if m.Term < r.term { return resp, nil }
    if err := r.becomeFollower(m.Term); err != nil { return resp, err }
    if from != nil { r.leader = from.ID() }
    r.elapsed = 0
    resp.Term = r.term

    prev := m.PrevLogIndex
    if prev > 0 {
        t, ok := r.entries.termAt(prev)
        if !ok {
            resp.CurrentIndex = r.entries.lastIndex()
            return resp, nil
        }
        if t != m.PrevLogTerm {
            if prev > r.commitIdx {
                if err := r.popFrom(prev); err != nil { return resp, err }
            }
            resp.CurrentIndex = prev - 1
            return resp, nil
        }
    }

    for i, e := range m.Entries {
        idx := prev + 1 + uint64(i)
        if have, ok := r.entries.get(idx); ok {
            if have.Term == e.Term { continue }
            if idx <= r.commitIdx {
                return resp, fmt.Errorf("raftcons: conflict at committed index %d", idx)
            }
            if err := r.popFrom(idx); err != nil { return resp, err }
        }
        if _, err := r.appendLocal(e); err != nil {
            logutil.Warnf(r.log, "raftcons: append %d refused: %v", idx, err)
            resp.CurrentIndex = r.entries.lastIndex()
            return resp, nil
        }
    }

    matched := prev + uint64(len(m.Entries))
    if m.LeaderCommit > r.commitIdx {
        commit := m.LeaderCommit
        if matched < commit { commit = matched }
        if commit > r.commitIdx { r.commitIdx = commit }
    }
    resp.Success = true
    resp.CurrentIndex = matched
    resp.FirstIndex = prev + 1
    return resp, nil
}

func (r *Core) RecvAppendEntriesResponse(from c.Node, m c.AppendEntriesResponse) error {
    if from == nil { return nil }
    if m.Term > r.term {
        r.leader = c.NoNode
        return r.becomeFollower(m.Term)
    }
    if r.role != leader || m.Term != r.term { return nil }
    n := r.nodes.get(from.ID())
    if n == nil { return nil }

    if !m.Success {
        next := n.nextIdx - 1
        if m.CurrentIndex+1 < next { next = m.CurrentIndex + 1 }
        if next < 1 { next = 1 }
        n.nextIdx = next
        r.sendAppendEntries(n)
        return nil
    }

    if m.CurrentIndex > n.matchIdx { n.matchIdx = m.CurrentIndex }
    if m.CurrentIndex+1 > n.nextIdx { n.nextIdx = m.CurrentIndex + 1 }

    last := r.entries.lastIndex()
    if !n.voting && !n.sufficientLogs && n.matchIdx >= last && !r.configChangePending() {
        n.sufficientLogs = true
        r.cb.NodeHasSufficientLogs(n)
    }
    r.advanceCommit()
    if n.nextIdx <= r.entries.lastIndex() { r.sendAppendEntries(n) }
    return nil
}

func (r *Core) configChangePending() bool { return r.cfgChangeIdx > r.commitIdx }

// advanceCommit commits the highest current-term index stored on a majority
// of voting nodes. Earlier entries commit with it.
func (r *Core) advanceCommit() {
    if r.role != leader { return }
    voting := r.nodes.voting()
    if voting == 0 { return }
    last := r.entries.lastIndex()
    for idx := last; idx > r.commitIdx; idx-- {
        t, ok := r.entries.termAt(idx)
        if !ok || t < r.term { return }
        if t > r.term { continue }
        count := 0
        r.nodes.each(func(n *node) {
            if !n.voting { return }
            if n.id == r.id {
                if last >= idx { count++ }
                return
            }
            if n.matchIdx >= idx { count++ }
        })
        if count > voting/2 {
            r.commitIdx = idx
            return
        }
    }
}

// appendLocal offers e to the host and appends it once accepted.
func (r *Core) appendLocal(e c.Entry) (uint64, error) {
    idx := r.entries.lastIndex() + 1
    if err := r.cb.LogOffer(e, idx); err != nil { return 0, err }
    if _, err := r.entries.append(e); err != nil { return 0, err }
    if e.Type.IsConfigChange() { r.cfgChangeIdx = idx }
    return idx, nil
}

// popFrom removes uncommitted entries from index onwards, newest first,
// telling the host about each one.
func (r *Core) popFrom(index uint64) error {
    if index <= r.commitIdx { return fmt.Errorf("raftcons: refusing to pop committed index %d", index) }
    for i := r.entries.lastIndex(); i >= index; i-- {
        e, ok := r.entries.get(i)
        if !ok { return fmt.Errorf("%w: %d", errMissingEntry, i) }
        if err := r.cb.LogPop(e, i); err != nil { return err }
    }
    if err := r.entries.truncate(index); err != nil { return err }
    if r.cfgChangeIdx >= index { r.cfgChangeIdx = 0 }
    return nil
}

// ---- proposals ----

// Propose appends e at the end of the leader's log. The entry id is drawn
// at random when zero; the term is always the current one.
func (r *Core) Propose(e c.Entry) (c.Proposal, error) {
    if r.role != leader { return c.Proposal{}, c.ErrNotLeader }
    if e.Type.IsConfigChange() && r.configChangePending() { return c.Proposal{}, c.ErrConfigChangePending }
    if e.ID == 0 { e.ID = fastrand.Uint64() }
    e.Term = r.term
    idx, err := r.appendLocal(e)
    if err != nil { return c.Proposal{}, err }
    r.nodes.each(func(n *node) {
        if n.id != r.id && n.nextIdx == idx { r.sendAppendEntries(n) }
    })
    r.advanceCommit()
    return c.Proposal{ID: e.ID, Term: e.Term, Index: idx}, nil
}

// ProposalStatus reports whether the entry described by p committed. A
// different entry at p.Index means the proposal was lost to a leader change.
func (r *Core) ProposalStatus(p c.Proposal) c.ProposalState {
    e, ok := r.entries.get(p.Index)
    if !ok { return c.ProposalPending }
    if e.Term != p.Term || e.ID != p.ID { return c.ProposalInvalidated }
    if p.Index <= r.commitIdx { return c.ProposalCommitted }
    return c.ProposalPending
}

// ---- restart ----

// AppendEntry appends a recovered entry. The host is still offered the
// entry; it is expected to skip the durable write while replaying.
func (r *Core) AppendEntry(e c.Entry) error {
    _, err := r.appendLocal(e)
    return err
}

// SetCommitIndex raises the commit index, never past the last entry.
func (r *Core) SetCommitIndex(index uint64) {
    if last := r.entries.lastIndex(); index > last { index = last }
    if index > r.commitIdx { r.commitIdx = index }
}

func (r *Core) LoadState(term uint64, votedFor c.NodeID) {
    r.term = term
    r.votedFor = votedFor
}

// ApplyAll hands every committed, not yet applied entry to the host in
// index order.
func (r *Core) ApplyAll() error {
    for r.lastApplied < r.commitIdx {
        idx := r.lastApplied + 1
        e, ok := r.entries.get(idx)
        if !ok { return fmt.Errorf("%w: %d", errMissingEntry, idx) }
        if err := r.cb.ApplyLog(e, idx); err != nil { return fmt.Errorf("raftcons: apply %d: %w", idx, err) }
        r.lastApplied = idx
    }
    return nil
}

// Role is the current role name, for status output.
func (r *Core) Role() string { return r.role.String() }
