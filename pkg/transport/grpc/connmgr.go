package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
)

// Dialer opens a connection to a management address.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches management connections per address. Connections idle
// for longer than ttl with no outstanding users are closed.
type ConnManager struct {
    ttl    time.Duration
    dial   Dialer
    mu     sync.Mutex
    conns  map[string]*pooled
    done   chan struct{}
    closed sync.Once
}

type pooled struct {
    cc    *grpc.ClientConn
    users int
    idle  time.Time
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*pooled), done: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and the func that releases it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc := m.acquire(target); cc != nil {
        obsmetrics.GRPCConnReuse.Inc()
        return cc, m.releaser(target), nil
    }
    // dial without the lock; a concurrent Get may win the race
    cc, err := m.dial(ctx, target)
    if err != nil { return nil, func() {}, err }
    m.mu.Lock()
    if p, ok := m.conns[target]; ok {
        p.users++
        m.mu.Unlock()
        _ = cc.Close()
        obsmetrics.GRPCConnReuse.Inc()
        return p.cc, m.releaser(target), nil
    }
    m.conns[target] = &pooled{cc: cc, users: 1}
    m.mu.Unlock()
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, m.releaser(target), nil
}

func (m *ConnManager) acquire(target string) *grpc.ClientConn {
    m.mu.Lock()
    defer m.mu.Unlock()
    p, ok := m.conns[target]
    if !ok { return nil }
    p.users++
    return p.cc
}

func (m *ConnManager) releaser(target string) func() {
    var once sync.Once
    return func() {
        once.Do(func() {
            m.mu.Lock()
            defer m.mu.Unlock()
            if p, ok := m.conns[target]; ok {
                if p.users > 0 { p.users-- }
                p.idle = time.Now()
            }
        })
    }
}

// Len is the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// evictIdle closes unused connections idle since before cutoff.
func (m *ConnManager) evictIdle(cutoff time.Time) int {
    m.mu.Lock()
    defer m.mu.Unlock()
    n := 0
    for addr, p := range m.conns {
        if p.users > 0 || !p.idle.Before(cutoff) { continue }
        _ = p.cc.Close()
        delete(m.conns, addr)
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
        n++
    }
    return n
}

// Close closes every cached connection and stops the janitor.
func (m *ConnManager) Close() {
    m.closed.Do(func() { close(m.done) })
    m.mu.Lock()
    defer m.mu.Unlock()
    for addr, p := range m.conns {
        _ = p.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.conns, addr)
    }
}

func (m *ConnManager) janitor() {
    t := time.NewTicker(m.ttl / 2)
    defer t.Stop()
    for {
        select {
        case <-m.done:
            return
        case now := <-t.C:
            m.evictIdle(now.Add(-m.ttl))
        }
    }
}
