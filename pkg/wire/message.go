package wire

import (
    "fmt"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

// Type is the one-byte tag that leads every tagged frame.
type Type uint8

const (
    TypeHandshake Type = iota
    TypeHandshakeResponse
    TypeLeave
    TypeLeaveResponse
    TypeRequestVote
    TypeRequestVoteResponse
    TypeAppendEntries
    TypeAppendEntriesResponse
)

func (t Type) String() string {
    switch t {
    case TypeHandshake:
        return "handshake"
    case TypeHandshakeResponse:
        return "handshake_response"
    case TypeLeave:
        return "leave"
    case TypeLeaveResponse:
        return "leave_response"
    case TypeRequestVote:
        return "requestvote"
    case TypeRequestVoteResponse:
        return "requestvote_response"
    case TypeAppendEntries:
        return "appendentries"
    case TypeAppendEntriesResponse:
        return "appendentries_response"
    default:
        return fmt.Sprintf("type(%d)", uint8(t))
    }
}

// Message is one of the peer protocol messages. The set is closed: only the
// types in this package implement it.
type Message interface {
    Type() Type
    isMessage()
}

// Handshake is the first message on every outbound connection.
type Handshake struct {
    RaftPort int              `codec:"raft_port"`
    NodeID   consensus.NodeID `codec:"node_id"`
}

// HandshakeResponse answers a handshake. On failure LeaderHost/LeaderPort
// point at the leader when one is known.
type HandshakeResponse struct {
    Success    bool             `codec:"success"`
    LeaderPort int              `codec:"leader_port"`
    NodeID     consensus.NodeID `codec:"node_id"`
    LeaderHost string           `codec:"leader_host"`
}

// Leave asks the leader to remove the sender from the cluster.
type Leave struct{}

// LeaveResponse tells a removed node its removal committed.
type LeaveResponse struct{}

type RequestVote struct{ consensus.RequestVote }

type RequestVoteResponse struct{ consensus.RequestVoteResponse }

type AppendEntries struct{ consensus.AppendEntries }

type AppendEntriesResponse struct{ consensus.AppendEntriesResponse }

func (Handshake) Type() Type             { return TypeHandshake }
func (HandshakeResponse) Type() Type     { return TypeHandshakeResponse }
func (Leave) Type() Type                 { return TypeLeave }
func (LeaveResponse) Type() Type         { return TypeLeaveResponse }
func (RequestVote) Type() Type           { return TypeRequestVote }
func (RequestVoteResponse) Type() Type   { return TypeRequestVoteResponse }
func (AppendEntries) Type() Type         { return TypeAppendEntries }
func (AppendEntriesResponse) Type() Type { return TypeAppendEntriesResponse }

func (Handshake) isMessage()             {}
func (HandshakeResponse) isMessage()     {}
func (Leave) isMessage()                 {}
func (LeaveResponse) isMessage()         {}
func (RequestVote) isMessage()           {}
func (RequestVoteResponse) isMessage()   {}
func (AppendEntries) isMessage()         {}
func (AppendEntriesResponse) isMessage() {}

// appendEntriesHeader is the fixed part of an AppendEntries frame.
type appendEntriesHeader struct {
    Term         uint64 `codec:"term"`
    PrevLogIndex uint64 `codec:"prev_log_idx"`
    PrevLogTerm  uint64 `codec:"prev_log_term"`
    LeaderCommit uint64 `codec:"leader_commit"`
    NEntries     int    `codec:"n_entries"`
}

// entryFrame is the untagged payload frame that follows an AppendEntries
// header with a positive entry count.
type entryFrame struct {
    ID   uint64              `codec:"id"`
    Term uint64              `codec:"term"`
    Type consensus.EntryType `codec:"type"`
    Data []byte              `codec:"data"`
}
