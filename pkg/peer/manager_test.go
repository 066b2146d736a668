package peer

import (
    "io"
    "log"
    "net"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

type received struct {
    c *Conn
    m wire.Message
}

type testPeer struct {
    mu  sync.Mutex
    mgr *Manager
    ch  chan received
    // onMsg runs under the lock before the message is recorded.
    onMsg func(c *Conn, m wire.Message)
}

func newTestPeer(t *testing.T, id consensus.NodeID) *testPeer {
    t.Helper()
    p := &testPeer{ch: make(chan received, 64)}
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    port := ln.Addr().(*net.TCPAddr).Port
    require.NoError(t, ln.Close())

    mgr, err := New(Options{
        NodeID:   id,
        RaftPort: port,
        BindAddr: ln.Addr().String(),
        Lock:     &p.mu,
        Logger:   log.New(io.Discard, "", 0),
        Handler: HandlerFunc(func(c *Conn, m wire.Message) error {
            if p.onMsg != nil { p.onMsg(c, m) }
            p.ch <- received{c, m}
            return nil
        }),
    })
    require.NoError(t, err)
    require.NoError(t, mgr.Listen())
    p.mgr = mgr
    t.Cleanup(func() { _ = mgr.Close() })
    return p
}

func (p *testPeer) port() int { return p.mgr.opts.RaftPort }

func (p *testPeer) next(t *testing.T) received {
    t.Helper()
    select {
    case r := <-p.ch:
        return r
    case <-time.After(3 * time.Second):
        t.Fatalf("timed out waiting for message")
    }
    return received{}
}

func waitState(t *testing.T, p *testPeer, c *Conn, want State) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        p.mu.Lock()
        s := c.State()
        p.mu.Unlock()
        if s == want { return }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("connection did not reach %s", want)
}

func TestManager_ConnectSendsHandshake(t *testing.T) {
    a, b := newTestPeer(t, 1), newTestPeer(t, 2)
    b.mu.Lock()
    b.onMsg = func(c *Conn, m wire.Message) {
        if hs, ok := m.(wire.Handshake); ok {
            c.SetPort(hs.RaftPort)
            c.SetPeerID(hs.NodeID)
            b.mgr.MarkConnected(c)
        }
    }
    b.mu.Unlock()

    a.mu.Lock()
    c := a.mgr.Add("127.0.0.1", b.port())
    assert.Equal(t, Disconnected, c.State())
    a.mgr.Connect(c)
    a.mu.Unlock()

    r := b.next(t)
    hs, ok := r.m.(wire.Handshake)
    require.True(t, ok, "first message is %T", r.m)
    assert.Equal(t, consensus.NodeID(1), hs.NodeID)
    assert.Equal(t, a.port(), hs.RaftPort)
    waitState(t, a, c, Connected)

    b.mu.Lock()
    assert.Equal(t, Connected, r.c.State())
    assert.Equal(t, consensus.NodeID(1), r.c.PeerID())
    assert.False(t, r.c.Outbound())
    assert.Same(t, r.c, b.mgr.ByNode(1))
    assert.Same(t, r.c, b.mgr.Find("127.0.0.1", a.port()))
    // reply on the inbound connection
    require.NoError(t, b.mgr.Send(r.c, wire.HandshakeResponse{Success: true, NodeID: 2}))
    b.mu.Unlock()

    resp := a.next(t)
    hr, ok := resp.m.(wire.HandshakeResponse)
    require.True(t, ok)
    assert.True(t, hr.Success)
    assert.Same(t, c, resp.c)
}

func TestManager_AppendEntriesReassembled(t *testing.T) {
    a, b := newTestPeer(t, 1), newTestPeer(t, 2)
    a.mu.Lock()
    c := a.mgr.Add("127.0.0.1", b.port())
    a.mgr.Connect(c)
    a.mu.Unlock()
    waitState(t, a, c, Connected)
    _ = b.next(t) // handshake

    ae := wire.AppendEntries{AppendEntries: consensus.AppendEntries{
        Term: 3, PrevLogIndex: 4, PrevLogTerm: 2, LeaderCommit: 4,
        Entries: []consensus.Entry{{ID: 9, Term: 3, Data: []byte("123")}},
    }}
    a.mu.Lock()
    require.NoError(t, a.mgr.Send(c, ae))
    a.mu.Unlock()
    got, ok := b.next(t).m.(wire.AppendEntries)
    require.True(t, ok)
    assert.Equal(t, ae.AppendEntries, got.AppendEntries)
}

func TestManager_SendOnDisconnectedRedials(t *testing.T) {
    a, b := newTestPeer(t, 1), newTestPeer(t, 2)
    a.mu.Lock()
    c := a.mgr.Add("127.0.0.1", b.port())
    err := a.mgr.Send(c, wire.Leave{})
    a.mu.Unlock()
    require.ErrorIs(t, err, ErrNotConnected)

    // the dropped message is not delivered, but the redial handshakes
    r := b.next(t)
    _, ok := r.m.(wire.Handshake)
    require.True(t, ok, "got %T", r.m)
    waitState(t, a, c, Connected)
}

func TestManager_EOFKeepsConnection(t *testing.T) {
    a, b := newTestPeer(t, 1), newTestPeer(t, 2)
    a.mu.Lock()
    c := a.mgr.Add("127.0.0.1", b.port())
    a.mgr.Connect(c)
    a.mu.Unlock()
    waitState(t, a, c, Connected)
    r := b.next(t)

    b.mu.Lock()
    b.mgr.Remove(r.c)
    assert.Empty(t, b.mgr.Conns())
    b.mu.Unlock()

    waitState(t, a, c, Disconnected)
    a.mu.Lock()
    assert.Len(t, a.mgr.Conns(), 1)
    assert.Equal(t, b.port(), c.Port())
    a.mu.Unlock()
}

func TestManager_ProtocolErrorResets(t *testing.T) {
    b := newTestPeer(t, 2)
    nc, err := net.Dial("tcp", b.mgr.Addr().String())
    require.NoError(t, err)
    defer nc.Close()
    // a frame with an unknown tag
    _, err = nc.Write([]byte{0, 0, 0, 1, 200})
    require.NoError(t, err)

    _ = nc.SetReadDeadline(time.Now().Add(3 * time.Second))
    _, err = nc.Read(make([]byte, 1))
    require.Error(t, err, "server should close the connection")

    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        b.mu.Lock()
        n := len(b.mgr.Conns())
        b.mu.Unlock()
        if n == 0 { return }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("unidentified connection was not forgotten")
}

func TestManager_AddReusesHostPort(t *testing.T) {
    var mu sync.Mutex
    m, err := New(Options{Lock: &mu, Handler: HandlerFunc(func(*Conn, wire.Message) error { return nil })})
    require.NoError(t, err)
    mu.Lock()
    defer mu.Unlock()
    c1 := m.Add("10.0.0.1", 9000)
    c2 := m.Add("10.0.0.1", 9000)
    c3 := m.Add("10.0.0.1", 9001)
    assert.Same(t, c1, c2)
    assert.NotSame(t, c1, c3)
    assert.Len(t, m.Conns(), 2)

    n := fakeNode(4)
    c3.Bind(n)
    assert.Same(t, c3, m.ByNode(4))
    c3.Unbind()
    assert.Nil(t, c3.Node())
    assert.Same(t, c3, m.ByNode(4), "peer id survives unbind")

    m.Remove(c1)
    assert.Nil(t, m.Find("10.0.0.1", 9000))
    assert.Equal(t, "10.0.0.1:9001", c3.Addr())
}

func TestNew_RequiresLockAndHandler(t *testing.T) {
    _, err := New(Options{})
    require.Error(t, err)
    _, err = New(Options{Lock: &sync.Mutex{}})
    require.Error(t, err)
}

type fakeNode consensus.NodeID

func (n fakeNode) ID() consensus.NodeID { return consensus.NodeID(n) }
func (n fakeNode) Voting() bool         { return true }
