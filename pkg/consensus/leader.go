package consensus

// LeaderInfo describes the current known leader as seen by the replication
// layer.
type LeaderInfo struct {
    ID   NodeID `json:"id"`
    Host string `json:"host,omitempty"`
    Port int    `json:"port,omitempty"`
    Term uint64 `json:"term"`
}

// Known reports whether a leader is set.
func (l LeaderInfo) Known() bool { return l.ID != NoNode }
