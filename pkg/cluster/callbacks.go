package cluster

import (
    "fmt"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/store"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

// raftHost implements consensus.Callbacks for the node's core. The core only
// calls it with the cluster lock held.
type raftHost struct{ c *Cluster }

var _ consensus.Callbacks = raftHost{}

func (h raftHost) SendRequestVote(n consensus.Node, m consensus.RequestVote) error {
    return h.c.send(n, wire.RequestVote{RequestVote: m})
}

func (h raftHost) SendAppendEntries(n consensus.Node, m consensus.AppendEntries) error {
    return h.c.send(n, wire.AppendEntries{AppendEntries: m})
}

func (c *Cluster) send(n consensus.Node, m wire.Message) error {
    conn := c.peers.ByNode(n.ID())
    if conn == nil { return fmt.Errorf("cluster: no connection to node %d", n.ID()) }
    return c.peers.Send(conn, m)
}

func (h raftHost) PersistTerm(term uint64) error {
    return h.c.store.PutUint64(store.SchemaState, store.KeyTerm, term)
}

func (h raftHost) PersistVote(id consensus.NodeID) error {
    return h.c.store.PutInt64(store.SchemaState, store.KeyVotedFor, int64(id))
}

// LogOffer writes the entry before the core appends it. Entries replayed
// from the database are already there.
func (h raftHost) LogOffer(e consensus.Entry, index uint64) error {
    if h.c.replaying { return nil }
    return h.c.store.AppendEntry(index, e)
}

// LogPoll is the compaction hook; the log is never compacted.
func (h raftHost) LogPoll(consensus.Entry, uint64) error { return nil }

func (h raftHost) LogPop(_ consensus.Entry, index uint64) error {
    logutil.Debugf(h.c.log, "cluster: popping superseded entry %d", index)
    return h.c.store.DeleteEntry(index)
}

// ApplyLog makes a committed entry visible: configuration entries change
// membership, application entries record a ticket. The applied index is
// then persisted as the commit index.
func (h raftHost) ApplyLog(e consensus.Entry, index uint64) error {
    c := h.c
    if e.Type.IsConfigChange() {
        if err := c.coord.ApplyChange(e); err != nil { return err }
    } else if len(e.Data) > 0 {
        _, dup, err := c.store.Get(store.SchemaDocs, e.Data)
        if err != nil { return err }
        if dup {
            logutil.Debugf(c.log, "cluster: entry %d: %q already applied", index, e.Data)
        } else if err := c.store.Put(store.SchemaDocs, e.Data, nil); err != nil {
            return err
        }
    }
    return c.store.PutUint64(store.SchemaState, store.KeyCommitIndex, index)
}

func (h raftHost) NodeHasSufficientLogs(n consensus.Node) { h.c.coord.Promote(n) }
