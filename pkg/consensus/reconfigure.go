package consensus

// Reconfigurer mutates the core's node table. Membership entries are applied
// through it once committed.
type Reconfigurer interface {
    // AddNode adds a voting node, or promotes an existing non-voting one.
    AddNode(id NodeID, self bool) Node
    // AddNonVotingNode adds a node that receives the log but does not count
    // toward quorum. An existing node is returned unchanged.
    AddNonVotingNode(id NodeID, self bool) Node
    RemoveNode(id NodeID)
}
