package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Name:      "members_total",
        Help:      "Current number of nodes in the replicated configuration",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    Term = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Name:      "term",
        Help:      "Current consensus term",
    })

    CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Name:      "commit_index",
        Help:      "Index of the most recently applied committed entry",
    })

    MembershipChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ticketd",
        Name:      "membership_changes_total",
        Help:      "Membership change entries proposed or applied, by kind and stage",
    }, []string{"kind", "stage"})

    // Peer transport
    PeerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "peer",
        Name:      "messages_total",
        Help:      "Peer protocol messages by type and direction",
    }, []string{"type", "direction"})
    PeerConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Subsystem: "peer",
        Name:      "connections",
        Help:      "Peer connections by state",
    }, []string{"state"})
    PeerReconnects = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "peer",
        Name:      "reconnects_total",
        Help:      "Outbound connection attempts triggered by sends on idle connections",
    })
    PeerProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "peer",
        Name:      "protocol_errors_total",
        Help:      "Connections reset because of undecodable input",
    })
    PeerDroppedSends = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "peer",
        Name:      "dropped_sends_total",
        Help:      "Messages dropped because the connection was not connected",
    })

    // Tickets
    Proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "ticket",
        Name:      "proposals_total",
        Help:      "Ticket proposals by outcome",
    }, []string{"result"})
    TicketsIssued = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "ticket",
        Name:      "issued_total",
        Help:      "Tickets committed through this node",
    })
    TicketCollisions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "ticket",
        Name:      "collisions_total",
        Help:      "Candidate ticket ids rejected because they were already taken",
    })

    // Storage
    StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "store",
        Name:      "ops_total",
        Help:      "Store operations by schema and op",
    }, []string{"schema", "op"})
    StoreEntries = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Subsystem: "store",
        Name:      "entries",
        Help:      "Log entries held in the entries schema",
    })

    // Management API client connections
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ticketd",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ticketd",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(Term)
        prometheus.MustRegister(CommitIndex)
        prometheus.MustRegister(MembershipChanges)
        // peer
        prometheus.MustRegister(PeerMessages)
        prometheus.MustRegister(PeerConnections)
        prometheus.MustRegister(PeerReconnects)
        prometheus.MustRegister(PeerProtocolErrors)
        prometheus.MustRegister(PeerDroppedSends)
        // tickets
        prometheus.MustRegister(Proposals)
        prometheus.MustRegister(TicketsIssued)
        prometheus.MustRegister(TicketCollisions)
        // storage
        prometheus.MustRegister(StoreOps)
        prometheus.MustRegister(StoreEntries)
        // management client
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
