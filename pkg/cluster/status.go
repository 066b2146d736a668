package cluster

import (
    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/membership"
)

// ClusterStatus is a JSON-serializable snapshot of one node's view of the
// cluster, served by the management endpoints.
type ClusterStatus struct {
    // Healthy is true when a leader is known.
    Healthy     bool                 `json:"healthy"`
    NodeID      consensus.NodeID     `json:"node_id"`
    Mode        string               `json:"mode"`
    Role        string               `json:"role"`
    Term        uint64               `json:"term"`
    CommitIndex uint64               `json:"commit_index"`
    LastIndex   uint64               `json:"last_index"`
    LastApplied uint64               `json:"last_applied"`
    Leader      consensus.LeaderInfo `json:"leader"`
    Members     []membership.Member  `json:"members"`
    Peers       []PeerStatus         `json:"peers"`
    // Warnings contains non-fatal observations (e.g., degraded states).
    Warnings []string `json:"warnings,omitempty"`
}

// PeerStatus describes one replication connection.
type PeerStatus struct {
    Addr     string           `json:"addr"`
    State    string           `json:"state"`
    NodeID   consensus.NodeID `json:"node_id"`
    Outbound bool             `json:"outbound"`
}
