package peer

import (
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

var (
    ErrNotConnected = errors.New("peer: not connected")
    ErrClosed       = errors.New("peer: manager closed")
    ErrQueueFull    = errors.New("peer: send queue full")
)

// Handler receives every decoded message. It runs with the manager's lock
// held and must not block.
type Handler interface {
    HandleMessage(c *Conn, m wire.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, m wire.Message) error

func (f HandlerFunc) HandleMessage(c *Conn, m wire.Message) error { return f(c, m) }

type Options struct {
    // NodeID and RaftPort are announced in the handshake of every outbound
    // connection.
    NodeID   consensus.NodeID
    RaftPort int
    // BindAddr is the listen address, e.g. "0.0.0.0:9000". Empty disables
    // Listen.
    BindAddr string

    // Lock is the process-wide consensus lock. Dispatch runs under it.
    Lock    sync.Locker
    Handler Handler
    Logger  *log.Logger

    DialTimeout  time.Duration // default 2s
    WriteTimeout time.Duration // default 2s
    // SendQueue is the per-connection outbound buffer; default 256 frames.
    SendQueue int
    // ReadBuffer is the per-read chunk size; default 64 KiB.
    ReadBuffer int
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.DialTimeout <= 0 { o.DialTimeout = 2 * time.Second }
    if o.WriteTimeout <= 0 { o.WriteTimeout = 2 * time.Second }
    if o.SendQueue <= 0 { o.SendQueue = 256 }
    if o.ReadBuffer <= 0 { o.ReadBuffer = 64 << 10 }
}

// Manager owns the set of peer connections. Exported methods other than
// Listen, Addr and Close expect the caller to hold Options.Lock.
type Manager struct {
    opts Options
    log  *log.Logger
    mu   sync.Locker
    h    Handler

    ln     net.Listener
    conns  []*Conn
    closed bool
    wg     sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
    if opts.Lock == nil { return nil, errors.New("peer: nil lock") }
    if opts.Handler == nil { return nil, errors.New("peer: nil handler") }
    opts.setDefaults()
    return &Manager{opts: opts, log: opts.Logger, mu: opts.Lock, h: opts.Handler}, nil
}

// Listen binds the replication listener and starts accepting.
func (m *Manager) Listen() error {
    if m.opts.BindAddr == "" { return nil }
    ln, err := net.Listen("tcp", m.opts.BindAddr)
    if err != nil { return fmt.Errorf("peer: listen %s: %w", m.opts.BindAddr, err) }
    m.mu.Lock()
    m.ln = ln
    m.mu.Unlock()
    m.wg.Add(1)
    go m.acceptLoop(ln)
    logutil.Infof(m.log, "peer: listening on %s", ln.Addr())
    return nil
}

// Addr is the bound listener address, nil before Listen.
func (m *Manager) Addr() net.Addr {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ln == nil { return nil }
    return m.ln.Addr()
}

func (m *Manager) acceptLoop(ln net.Listener) {
    defer m.wg.Done()
    for {
        nc, err := ln.Accept()
        if err != nil {
            if errors.Is(err, net.ErrClosed) { return }
            logutil.Warnf(m.log, "peer: accept: %v", err)
            time.Sleep(50 * time.Millisecond)
            continue
        }
        m.accept(nc)
    }
}

// accept registers an inbound connection. It stays Connecting until the
// remote's handshake is processed.
func (m *Manager) accept(nc net.Conn) {
    host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        _ = nc.Close()
        return
    }
    c := &Conn{host: host, peer: consensus.NoNode}
    m.conns = append(m.conns, c)
    m.setState(c, Connecting)
    m.attach(c, nc)
    logutil.Debugf(m.log, "peer: accepted %s", nc.RemoteAddr())
}

// Add returns the connection for host:port, creating a disconnected one
// when none exists.
func (m *Manager) Add(host string, port int) *Conn {
    if c := m.Find(host, port); c != nil { return c }
    c := &Conn{host: host, port: port, outbound: true, peer: consensus.NoNode}
    m.conns = append(m.conns, c)
    m.setState(c, Disconnected)
    return c
}

// Find returns the connection for host:port, if any.
func (m *Manager) Find(host string, port int) *Conn {
    for _, c := range m.conns {
        if c.port == port && c.host == host { return c }
    }
    return nil
}

// ByNode returns the connection bound to node id, falling back to any
// connection whose handshake announced that id.
func (m *Manager) ByNode(id consensus.NodeID) *Conn {
    var fallback *Conn
    for _, c := range m.conns {
        if c.node != nil && c.node.ID() == id { return c }
        if fallback == nil && c.peer == id { fallback = c }
    }
    return fallback
}

// Conns is a snapshot of every known connection.
func (m *Manager) Conns() []*Conn {
    out := make([]*Conn, len(m.conns))
    copy(out, m.conns)
    return out
}

// Connect starts dialing c. Only a disconnected connection with a known
// port is dialed; the dial itself runs without the lock.
func (m *Manager) Connect(c *Conn) {
    if m.closed || c.removed || c.state != Disconnected || c.port == 0 { return }
    c.outbound = true
    m.setState(c, Connecting)
    addr := c.Addr()
    m.wg.Add(1)
    go func() {
        defer m.wg.Done()
        nc, err := net.DialTimeout("tcp", addr, m.opts.DialTimeout)
        m.mu.Lock()
        defer m.mu.Unlock()
        if m.closed || c.removed || c.state != Connecting {
            if nc != nil { _ = nc.Close() }
            return
        }
        if err != nil {
            logutil.Debugf(m.log, "peer: dial %s: %v", addr, err)
            m.setState(c, Disconnected)
            return
        }
        m.attach(c, nc)
        hs := wire.Handshake{NodeID: m.opts.NodeID, RaftPort: m.opts.RaftPort}
        if err := m.enqueue(c, hs); err != nil {
            logutil.Warnf(m.log, "peer: handshake to %s: %v", addr, err)
            m.Disconnect(c)
            return
        }
        m.setState(c, Connected)
        logutil.Debugf(m.log, "peer: connected to %s", addr)
    }()
}

// MarkConnected records a completed inbound handshake.
func (m *Manager) MarkConnected(c *Conn) {
    if c.link == nil { return }
    m.setState(c, Connected)
}

// Send queues msg on c. A message for a connection that is not connected
// is dropped; a disconnected connection is redialed for later sends.
func (m *Manager) Send(c *Conn, msg wire.Message) error {
    if m.closed { return ErrClosed }
    if c == nil { return ErrNotConnected }
    if c.state != Connected {
        obsmetrics.PeerDroppedSends.Inc()
        if c.state == Disconnected && c.port != 0 {
            obsmetrics.PeerReconnects.Inc()
            m.Connect(c)
        }
        return ErrNotConnected
    }
    return m.enqueue(c, msg)
}

func (m *Manager) enqueue(c *Conn, msg wire.Message) error {
    b, err := wire.Encode(msg)
    if err != nil { return err }
    select {
    case c.link.out <- b:
        obsmetrics.PeerMessages.WithLabelValues(msg.Type().String(), "out").Inc()
        return nil
    default:
        obsmetrics.PeerDroppedSends.Inc()
        return ErrQueueFull
    }
}

// OnBytes feeds b to c's decoder and dispatches every complete message. A
// decode error resets the connection.
func (m *Manager) OnBytes(c *Conn, b []byte) error {
    c.dec.Feed(b)
    for {
        msg, err := c.dec.Next()
        if errors.Is(err, wire.ErrNeedMore) { return nil }
        if err != nil {
            obsmetrics.PeerProtocolErrors.Inc()
            logutil.Warnf(m.log, "peer: protocol error from %s: %v", c.Addr(), err)
            m.drop(c)
            return err
        }
        obsmetrics.PeerMessages.WithLabelValues(msg.Type().String(), "in").Inc()
        if err := m.h.HandleMessage(c, msg); err != nil {
            logutil.Warnf(m.log, "peer: handle %s from %s: %v", msg.Type(), c.Addr(), err)
        }
        if c.link == nil { return nil }
    }
}

// Disconnect closes the socket and clears transient state; the connection
// stays registered and may be redialed.
func (m *Manager) Disconnect(c *Conn) {
    if c.link != nil {
        c.link.close()
        c.link = nil
    }
    c.dec.Reset()
    m.setState(c, Disconnected)
}

// drop disconnects c after a socket failure. An inbound connection that
// never handshaked cannot be redialed and is forgotten instead.
func (m *Manager) drop(c *Conn) {
    if !c.outbound && c.port == 0 {
        m.Remove(c)
        return
    }
    m.Disconnect(c)
}

// Remove disconnects c and forgets it.
func (m *Manager) Remove(c *Conn) {
    m.Disconnect(c)
    if c.counted {
        obsmetrics.PeerConnections.WithLabelValues(c.state.String()).Dec()
        c.counted = false
    }
    c.removed = true
    for i, x := range m.conns {
        if x == c {
            m.conns = append(m.conns[:i], m.conns[i+1:]...)
            break
        }
    }
}

// Close stops the listener, closes every connection and waits for the
// manager's goroutines. It must be called without the lock held.
func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    var err error
    if m.ln != nil { err = m.ln.Close() }
    for _, c := range m.conns {
        m.Disconnect(c)
    }
    m.mu.Unlock()
    m.wg.Wait()
    return err
}

func (m *Manager) setState(c *Conn, s State) {
    if c.removed { return }
    if c.counted { obsmetrics.PeerConnections.WithLabelValues(c.state.String()).Dec() }
    obsmetrics.PeerConnections.WithLabelValues(s.String()).Inc()
    c.counted = true
    c.state = s
}

// attach starts the reader and writer goroutines of a fresh socket.
func (m *Manager) attach(c *Conn, nc net.Conn) {
    l := newLink(nc, m.opts.SendQueue)
    c.link = l
    c.dec.Reset()
    m.wg.Add(2)
    go m.writeLoop(c, l)
    go m.readLoop(c, l)
}

func (m *Manager) writeLoop(c *Conn, l *link) {
    defer m.wg.Done()
    for {
        select {
        case <-l.done:
            return
        case b := <-l.out:
            _ = l.nc.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
            if _, err := l.nc.Write(b); err != nil {
                m.mu.Lock()
                if c.link == l {
                    logutil.Debugf(m.log, "peer: write %s: %v", c.Addr(), err)
                    m.drop(c)
                }
                m.mu.Unlock()
                return
            }
        }
    }
}

func (m *Manager) readLoop(c *Conn, l *link) {
    defer m.wg.Done()
    buf := make([]byte, m.opts.ReadBuffer)
    for {
        n, err := l.nc.Read(buf)
        if n > 0 {
            m.mu.Lock()
            if c.link != l {
                m.mu.Unlock()
                return
            }
            _ = m.OnBytes(c, buf[:n])
            m.mu.Unlock()
        }
        if err != nil {
            m.mu.Lock()
            if c.link == l {
                if errors.Is(err, io.EOF) {
                    logutil.Debugf(m.log, "peer: %s closed the connection", c.Addr())
                } else {
                    logutil.Debugf(m.log, "peer: read %s: %v", c.Addr(), err)
                }
                m.drop(c)
            }
            m.mu.Unlock()
            return
        }
    }
}

// String renders the connection for logs and status output.
func (c *Conn) String() string {
    return c.host + ":" + strconv.Itoa(c.port) + "/" + c.state.String()
}
