package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/membership"
)

type EventType string

const (
    EventLeaderChanged EventType = "leader_changed"
    EventMemberJoin    EventType = "member_join"
    EventMemberPromote EventType = "member_promote"
    EventMemberLeave   EventType = "member_leave"
    // EventLeft fires once, after this node's own removal committed and its
    // database was dropped.
    EventLeft EventType = "left"
)

// Event is an application-consumable event describing cluster state changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type   EventType
    At     time.Time
    Leader *consensus.LeaderInfo
    Member *membership.Member
    Term   uint64
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

// remove closes ch under the bus lock so a concurrent publish never sends
// on a closed channel.
func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}

func memberEvent(e membership.Event) Event {
    m := e.Member
    t := EventMemberJoin
    switch e.Type {
    case membership.EventPromote:
        t = EventMemberPromote
    case membership.EventLeave:
        t = EventMemberLeave
    }
    return Event{Type: t, At: e.At, Member: &m}
}
