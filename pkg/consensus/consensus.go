// Package consensus defines the contract between the replication layer and a
// leader-based consensus decision core. The core owns elections, log
// matching and commit advancement; everything that touches the network or
// the disk is requested from the host through Callbacks.
package consensus

import (
    "errors"
    "time"
)

// NodeID identifies a cluster member. NoNode marks "nobody" (no vote cast,
// leader unknown).
type NodeID int64

const NoNode NodeID = -1

// EntryType tags a log entry as application data or a membership change.
type EntryType uint8

const (
    EntryNormal EntryType = iota
    EntryAddNonVotingNode
    EntryAddNode
    EntryRemoveNode
)

// IsConfigChange reports whether entries of this type change membership.
func (t EntryType) IsConfigChange() bool {
    return t == EntryAddNonVotingNode || t == EntryAddNode || t == EntryRemoveNode
}

func (t EntryType) String() string {
    switch t {
    case EntryNormal:
        return "normal"
    case EntryAddNonVotingNode:
        return "add_nonvoting"
    case EntryAddNode:
        return "add"
    case EntryRemoveNode:
        return "remove"
    default:
        return "unknown"
    }
}

// Entry is one replicated log record. Its index is its position in the log
// and is not carried in the record itself.
type Entry struct {
    ID   uint64    `codec:"id"`
    Term uint64    `codec:"term"`
    Type EntryType `codec:"type"`
    Data []byte    `codec:"data"`
}

type RequestVote struct {
    Term         uint64 `codec:"term"`
    CandidateID  NodeID `codec:"candidate_id"`
    LastLogIndex uint64 `codec:"last_log_idx"`
    LastLogTerm  uint64 `codec:"last_log_term"`
}

type RequestVoteResponse struct {
    Term        uint64 `codec:"term"`
    VoteGranted bool   `codec:"vote_granted"`
}

// AppendEntries replicates entries following PrevLogIndex. An empty Entries
// slice is a heartbeat.
type AppendEntries struct {
    Term         uint64  `codec:"term"`
    PrevLogIndex uint64  `codec:"prev_log_idx"`
    PrevLogTerm  uint64  `codec:"prev_log_term"`
    LeaderCommit uint64  `codec:"leader_commit"`
    Entries      []Entry `codec:"-"`
}

type AppendEntriesResponse struct {
    Term         uint64 `codec:"term"`
    Success      bool   `codec:"success"`
    CurrentIndex uint64 `codec:"current_idx"`
    FirstIndex   uint64 `codec:"first_idx"`
}

// Proposal identifies an entry accepted by the leader. It is used to ask the
// core whether that exact entry has since committed.
type Proposal struct {
    ID    uint64
    Term  uint64
    Index uint64
}

// ProposalState is the observable outcome of a proposal.
type ProposalState int

const (
    // ProposalPending means the entry is in the log but not yet committed.
    ProposalPending ProposalState = iota
    ProposalCommitted
    // ProposalInvalidated means a different entry now occupies the index.
    ProposalInvalidated
)

func (s ProposalState) String() string {
    switch s {
    case ProposalCommitted:
        return "committed"
    case ProposalInvalidated:
        return "invalidated"
    default:
        return "pending"
    }
}

var (
    ErrNotLeader           = errors.New("consensus: not leader")
    ErrConfigChangePending = errors.New("consensus: configuration change already pending")
    ErrNodeUnknown         = errors.New("consensus: unknown node")
)

// Node is the core's handle for a cluster member.
type Node interface {
    ID() NodeID
    Voting() bool
}

// Transport sends messages the core produces. Sends are fire-and-forget.
type Transport interface {
    SendRequestVote(node Node, m RequestVote) error
    SendAppendEntries(node Node, m AppendEntries) error
}

// Persistence makes core state durable. LogOffer is invoked before an entry
// is considered appended; a non-nil error leaves the log unchanged.
type Persistence interface {
    PersistTerm(term uint64) error
    PersistVote(id NodeID) error
    LogOffer(e Entry, index uint64) error
    // LogPoll is the compaction hook for the oldest entry.
    LogPoll(e Entry, index uint64) error
    // LogPop is called for each entry removed from the tail on conflict.
    LogPop(e Entry, index uint64) error
}

// Applier receives committed entries and catch-up notifications.
type Applier interface {
    ApplyLog(e Entry, index uint64) error
    // NodeHasSufficientLogs fires once per non-voting node when it has caught
    // up with the leader's log.
    NodeHasSufficientLogs(node Node)
}

// Callbacks is everything the core needs from its host.
type Callbacks interface {
    Transport
    Persistence
    Applier
}

// Queries is the read-only view of the core used by the host.
type Queries interface {
    ID() NodeID
    Leader() Node
    LeaderID() NodeID
    IsLeader() bool
    Term() uint64
    VotedFor() NodeID
    CommitIndex() uint64
    LastIndex() uint64
    LastApplied() uint64
    Entry(index uint64) (Entry, bool)
    Node(id NodeID) Node
    Nodes() []Node
    NumVotingNodes() int
}

// Core is a consensus decision core. Implementations are not safe for
// concurrent use; the host serializes every call under one lock.
type Core interface {
    Queries
    Reconfigurer

    // Periodic advances timers by elapsed and applies committed entries.
    Periodic(elapsed time.Duration) error
    RecvRequestVote(from Node, m RequestVote) (RequestVoteResponse, error)
    RecvRequestVoteResponse(from Node, m RequestVoteResponse) error
    RecvAppendEntries(from Node, m AppendEntries) (AppendEntriesResponse, error)
    RecvAppendEntriesResponse(from Node, m AppendEntriesResponse) error

    // Propose appends e on the leader and starts replicating it.
    Propose(e Entry) (Proposal, error)
    ProposalStatus(p Proposal) ProposalState

    // AppendEntry appends a recovered entry during restart.
    AppendEntry(e Entry) error
    SetCommitIndex(index uint64)
    // LoadState restores term and vote without persisting them again.
    LoadState(term uint64, votedFor NodeID)
    BecomeLeader() error
    ApplyAll() error
}
