package cluster

import "errors"

var (
    ErrNoState           = errors.New("cluster: no persisted node state, start or join a cluster first")
    ErrNoLeader          = errors.New("cluster: no leader at the moment")
    ErrLeaderCannotLeave = errors.New("cluster: the leader cannot leave the cluster")
    ErrStopped           = errors.New("cluster: stopped")
    ErrLeft              = errors.New("cluster: node has left the cluster")
)
