package transport

import (
    "net"
    "strconv"
)

// DefaultMgmtPortOffset places a node's management listener next to its
// replication port.
const DefaultMgmtPortOffset = 1

// MgmtAddr is the management address of the node replicating on
// host:raftPort.
func MgmtAddr(host string, raftPort, offset int) string {
    return net.JoinHostPort(host, strconv.Itoa(raftPort+offset))
}
