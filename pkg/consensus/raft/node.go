package raftcons

import (
    "github.com/zhangyunhao116/skipmap"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

// node is the core's view of a member: replication progress on the leader
// and vote tracking while campaigning.
type node struct {
    id         consensus.NodeID
    voting     bool
    self       bool
    nextIdx    uint64
    matchIdx   uint64
    votedForMe bool
    // sufficientLogs latches once the catch-up callback fired.
    sufficientLogs bool
}

func (n *node) ID() consensus.NodeID { return n.id }
func (n *node) Voting() bool         { return n.voting }

var _ consensus.Node = (*node)(nil)

// nodeTable keeps members ordered by id so fan-out and status listings are
// deterministic.
type nodeTable struct {
    m *skipmap.FuncMap[consensus.NodeID, *node]
}

func newNodeTable() nodeTable {
    return nodeTable{m: skipmap.NewFunc[consensus.NodeID, *node](func(a, b consensus.NodeID) bool { return a < b })}
}

func (t nodeTable) get(id consensus.NodeID) *node {
    n, ok := t.m.Load(id)
    if !ok { return nil }
    return n
}

func (t nodeTable) put(n *node)                 { t.m.Store(n.id, n) }
func (t nodeTable) remove(id consensus.NodeID)  { t.m.Delete(id) }
func (t nodeTable) len() int                    { return t.m.Len() }

func (t nodeTable) each(fn func(n *node)) {
    t.m.Range(func(_ consensus.NodeID, n *node) bool {
        fn(n)
        return true
    })
}

func (t nodeTable) voting() int {
    c := 0
    t.each(func(n *node) {
        if n.voting { c++ }
    })
    return c
}
