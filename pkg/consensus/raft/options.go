package raftcons

import (
    "log"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

// Options configure the decision core.
type Options struct {
    NodeID consensus.NodeID
    Logger *log.Logger

    // Timeouts (optional). Zero means defaults.
    // ElectionTimeout is the base follower timeout; each term draws a random
    // value in [ElectionTimeout, 2*ElectionTimeout).
    ElectionTimeout time.Duration
    // RequestTimeout is the leader heartbeat interval.
    RequestTimeout time.Duration

    // LogStore holds the in-memory log. A fresh raft.InmemStore when nil.
    LogStore raft.LogStore
}

const (
    DefaultElectionTimeout = 2000 * time.Millisecond
    DefaultRequestTimeout  = 500 * time.Millisecond
)

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.ElectionTimeout <= 0 { o.ElectionTimeout = DefaultElectionTimeout }
    if o.RequestTimeout <= 0 { o.RequestTimeout = DefaultRequestTimeout }
    if o.LogStore == nil { o.LogStore = raft.NewInmemStore() }
}
