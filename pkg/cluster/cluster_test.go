package cluster

import (
    "context"
    "errors"
    "io"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/peer"
    "github.com/amirimatin/go-ticketd/pkg/store"
    "github.com/amirimatin/go-ticketd/pkg/ticket"
)

func freePort(t *testing.T) int {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freePort: %v", err) }
    defer ln.Close()
    return ln.Addr().(*net.TCPAddr).Port
}

func itoa(i int) string { return strconv.Itoa(i) }

type nodeConf struct {
    mode  Mode
    id    consensus.NodeID
    port  int
    dir   string
    peers []string
}

func testOptions(s nodeConf) Options {
    return Options{
        Mode:            s.mode,
        NodeID:          s.id,
        Host:            "127.0.0.1",
        RaftPort:        s.port,
        Peers:           s.peers,
        DataDir:         s.dir,
        NoSync:          true,
        Period:          20 * time.Millisecond,
        ElectionTimeout: 400 * time.Millisecond,
        RequestTimeout:  60 * time.Millisecond,
        RejoinEvery:     5,
        WaitTimeout:     500 * time.Millisecond,
        Logger:          log.New(io.Discard, "", 0),
    }
}

func startNode(t *testing.T, s nodeConf) *Cluster {
    t.Helper()
    c, err := New(testOptions(s))
    if err != nil { t.Fatalf("new node %d: %v", s.id, err) }
    if err := c.Start(context.Background()); err != nil { t.Fatalf("start node %d: %v", s.id, err) }
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(d)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timed out waiting for %s", what) }
        time.Sleep(20 * time.Millisecond)
    }
}

func votingMembers(t *testing.T, c *Cluster) int {
    t.Helper()
    st, err := c.Status(context.Background())
    require.NoError(t, err)
    n := 0
    for _, m := range st.Members {
        if m.Voting { n++ }
    }
    return n
}

func issue(t *testing.T, c *Cluster) ticket.Ticket {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    tk, err := c.Issue(ctx)
    require.NoError(t, err)
    return tk
}

func waitLeader(t *testing.T, nodes []*Cluster) *Cluster {
    t.Helper()
    var leader *Cluster
    waitFor(t, 10*time.Second, "a leader", func() bool {
        for _, n := range nodes {
            if n.IsLeader() {
                leader = n
                return true
            }
        }
        return false
    })
    return leader
}

// peerAddrs counts connections per advertised address. Inbound sockets that
// have not handshaked yet carry no port and are skipped.
func peerAddrs(c *Cluster) map[string]int {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make(map[string]int)
    for _, p := range c.peers.Conns() {
        if p.Port() == 0 { continue }
        out[p.Addr()]++
    }
    return out
}

func connectedPeers(c *Cluster) int {
    c.mu.Lock()
    defer c.mu.Unlock()
    n := 0
    for _, p := range c.peers.Conns() {
        if p.Port() != 0 && p.State() == peer.Connected { n++ }
    }
    return n
}

// threeNodes starts a leader and joins two nodes to it, waiting until every
// node sees three voting members.
func threeNodes(t *testing.T) []*Cluster {
    t.Helper()
    p0 := freePort(t)
    seed := "127.0.0.1:" + itoa(p0)
    n0 := startNode(t, nodeConf{mode: ModeStart, id: 0, port: p0, dir: t.TempDir()})
    n1 := startNode(t, nodeConf{mode: ModeJoin, id: 1, port: freePort(t), dir: t.TempDir(), peers: []string{seed}})
    waitFor(t, 10*time.Second, "node 1 promoted", func() bool { return votingMembers(t, n0) == 2 })
    n2 := startNode(t, nodeConf{mode: ModeJoin, id: 2, port: freePort(t), dir: t.TempDir(), peers: []string{seed}})
    nodes := []*Cluster{n0, n1, n2}
    for _, n := range nodes {
        n := n
        waitFor(t, 10*time.Second, "three voting members on node "+itoa(int(n.ID())), func() bool { return votingMembers(t, n) == 3 })
    }
    return nodes
}

func TestCluster_StartIssuesTickets(t *testing.T) {
    n := startNode(t, nodeConf{mode: ModeStart, id: 0, port: freePort(t), dir: t.TempDir()})
    require.True(t, n.IsLeader())

    tk := issue(t, n)
    ok, err := n.Lookup(tk.Value)
    require.NoError(t, err)
    assert.True(t, ok)
    assert.NotZero(t, tk.EntryID)

    st, err := n.Status(context.Background())
    require.NoError(t, err)
    assert.True(t, st.Healthy)
    assert.Equal(t, "leader", st.Role)
    require.Len(t, st.Members, 1)
    assert.True(t, st.Members[0].Self)
    // the self AddNode plus the ticket
    assert.Equal(t, uint64(2), st.CommitIndex)
}

func TestCluster_ThreeNodeJoinReplicates(t *testing.T) {
    nodes := threeNodes(t)
    leader := nodes[0]
    require.True(t, leader.IsLeader())

    tk := issue(t, leader)
    for _, n := range nodes[1:] {
        n := n
        waitFor(t, 5*time.Second, "ticket applied on follower", func() bool {
            ok, err := n.Lookup(tk.Value)
            return err == nil && ok
        })
        li := n.LeaderInfo()
        assert.Equal(t, consensus.NodeID(0), li.ID)
        assert.Equal(t, leader.RaftPort(), li.Port)
    }
}

func TestCluster_FollowerRedirects(t *testing.T) {
    nodes := threeNodes(t)
    _, err := nodes[1].Issue(context.Background())
    require.ErrorIs(t, err, ticket.ErrNotLeader)
    var re *ticket.RedirectError
    require.True(t, errors.As(err, &re))
    assert.Equal(t, consensus.NodeID(0), re.LeaderID)
    assert.Equal(t, "127.0.0.1", re.Host)
    assert.Equal(t, nodes[0].RaftPort(), re.Port)

    // resubmitting to the leader succeeds
    tk := issue(t, nodes[0])
    ok, err := nodes[0].Lookup(tk.Value)
    require.NoError(t, err)
    assert.True(t, ok)
}

func TestCluster_RestartReplaysTickets(t *testing.T) {
    dir := t.TempDir()
    port := freePort(t)
    n, err := New(testOptions(nodeConf{mode: ModeStart, id: 7, port: port, dir: dir}))
    require.NoError(t, err)
    require.NoError(t, n.Start(context.Background()))
    var issued []uint64
    for i := 0; i < 5; i++ {
        issued = append(issued, issue(t, n).Value)
    }
    before, err := n.Status(context.Background())
    require.NoError(t, err)
    require.NoError(t, n.Close())

    // restart twice: replaying an already applied log changes nothing
    for round := 0; round < 2; round++ {
        r, err := New(testOptions(nodeConf{mode: ModeRestart, dir: dir}))
        require.NoError(t, err)
        assert.Equal(t, consensus.NodeID(7), r.ID())
        assert.Equal(t, port, r.RaftPort())
        require.NoError(t, r.Start(context.Background()))
        for _, v := range issued {
            ok, err := r.Lookup(v)
            require.NoError(t, err)
            assert.True(t, ok, "ticket %d lost on restart", v)
        }
        st, err := r.Status(context.Background())
        require.NoError(t, err)
        assert.Equal(t, before.LastIndex, st.LastIndex)
        assert.Equal(t, before.CommitIndex, st.CommitIndex)
        require.Len(t, st.Members, 1)
        assert.True(t, st.Members[0].Voting)
        require.NoError(t, r.Close())
    }

    // a single voter elects itself after restart and keeps issuing
    r := startNode(t, nodeConf{mode: ModeRestart, dir: dir})
    waitFor(t, 5*time.Second, "self election", r.IsLeader)
    tk := issue(t, r)
    for _, v := range issued { assert.NotEqual(t, v, tk.Value) }
}

func TestCluster_RestartFollowerCatchesUp(t *testing.T) {
    nodes := threeNodes(t)
    issue(t, nodes[0])
    follower := nodes[2]
    dir := follower.opts.DataDir
    require.NoError(t, follower.Close())

    tk := issue(t, nodes[0])
    r := startNode(t, nodeConf{mode: ModeRestart, dir: dir})
    waitFor(t, 10*time.Second, "restarted follower applies the missed ticket", func() bool {
        ok, err := r.Lookup(tk.Value)
        return err == nil && ok
    })
}

func TestCluster_ThreeNodeRestartReplaysTickets(t *testing.T) {
    nodes := threeNodes(t)
    tk := issue(t, nodes[0])
    var dirs []string
    for _, n := range nodes {
        n := n
        waitFor(t, 5*time.Second, "ticket applied on node "+itoa(int(n.ID())), func() bool {
            ok, err := n.Lookup(tk.Value)
            return err == nil && ok
        })
        dirs = append(dirs, n.opts.DataDir)
    }
    for _, n := range nodes { require.NoError(t, n.Close()) }

    var restarted []*Cluster
    for _, dir := range dirs {
        restarted = append(restarted, startNode(t, nodeConf{mode: ModeRestart, dir: dir}))
    }
    for _, r := range restarted {
        ok, err := r.Lookup(tk.Value)
        require.NoError(t, err)
        assert.True(t, ok, "ticket lost on node %d after replay", r.ID())
        assert.Equal(t, 3, votingMembers(t, r))
    }

    leader := waitLeader(t, restarted)
    next := issue(t, leader)
    assert.NotEqual(t, tk.Value, next.Value)
}

func TestCluster_LeaderFailover(t *testing.T) {
    nodes := threeNodes(t)
    first := issue(t, nodes[0])
    require.NoError(t, nodes[0].Close())

    survivors := nodes[1:]
    leader := waitLeader(t, survivors)
    assert.NotEqual(t, consensus.NodeID(0), leader.ID())

    ok, err := leader.Lookup(first.Value)
    require.NoError(t, err)
    assert.True(t, ok)
    next := issue(t, leader)
    for _, n := range survivors {
        n := n
        waitFor(t, 5*time.Second, "ticket from the new leader applied", func() bool {
            ok, err := n.Lookup(next.Value)
            return err == nil && ok
        })
    }
}

// Two joiners that name each other as seeds dial each other at the same
// time; each must end up with a single connection per peer address.
func TestCluster_CrossedDialsKeepOneConnection(t *testing.T) {
    p0, p1, p2 := freePort(t), freePort(t), freePort(t)
    addr := func(p int) string { return "127.0.0.1:" + itoa(p) }
    n0 := startNode(t, nodeConf{mode: ModeStart, id: 0, port: p0, dir: t.TempDir()})
    n1 := startNode(t, nodeConf{mode: ModeJoin, id: 1, port: p1, dir: t.TempDir(), peers: []string{addr(p2), addr(p0)}})
    n2 := startNode(t, nodeConf{mode: ModeJoin, id: 2, port: p2, dir: t.TempDir(), peers: []string{addr(p1), addr(p0)}})
    nodes := []*Cluster{n0, n1, n2}
    for _, n := range nodes {
        n := n
        waitFor(t, 15*time.Second, "three voting members on node "+itoa(int(n.ID())), func() bool { return votingMembers(t, n) == 3 })
    }
    for _, n := range nodes {
        n := n
        waitFor(t, 5*time.Second, "connected to every peer from node "+itoa(int(n.ID())), func() bool {
            return connectedPeers(n) >= 2
        })
        for a, count := range peerAddrs(n) {
            assert.Equal(t, 1, count, "node %d has %d connections to %s", n.ID(), count, a)
        }
    }
    tk := issue(t, n0)
    for _, n := range nodes[1:] {
        n := n
        waitFor(t, 5*time.Second, "ticket applied", func() bool {
            ok, err := n.Lookup(tk.Value)
            return err == nil && ok
        })
    }
}

func TestCluster_LeaveDropsDatabase(t *testing.T) {
    p0 := freePort(t)
    n0 := startNode(t, nodeConf{mode: ModeStart, id: 0, port: p0, dir: t.TempDir()})
    n1 := startNode(t, nodeConf{mode: ModeJoin, id: 1, port: freePort(t), dir: t.TempDir(), peers: []string{"127.0.0.1:" + itoa(p0)}})
    waitFor(t, 10*time.Second, "node 1 promoted", func() bool { return votingMembers(t, n1) == 2 })

    require.ErrorIs(t, n0.Leave(), ErrLeaderCannotLeave)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := n1.Subscribe(ctx)
    require.NoError(t, n1.Leave())
    select {
    case <-n1.Done():
    case <-time.After(10 * time.Second):
        t.Fatalf("leave was not acknowledged")
    }
    _, err := os.Stat(filepath.Join(n1.opts.DataDir, store.DefaultName))
    assert.True(t, os.IsNotExist(err), "database should be removed")
    waitFor(t, 5*time.Second, "leader sees one member", func() bool { return votingMembers(t, n0) == 1 })

    _, err = n1.Issue(context.Background())
    require.ErrorIs(t, err, ErrLeft)

    sawLeft := false
    for !sawLeft {
        select {
        case ev := <-events:
            sawLeft = ev.Type == EventLeft
        case <-time.After(time.Second):
            t.Fatalf("no left event")
        }
    }
}

func TestCluster_ManySequentialTicketsAreUnique(t *testing.T) {
    if testing.Short() { t.Skip("long") }
    n := startNode(t, nodeConf{mode: ModeStart, id: 0, port: freePort(t), dir: t.TempDir()})
    seen := make(map[uint64]struct{}, 10000)
    for i := 0; i < 10000; i++ {
        tk := issue(t, n)
        if _, dup := seen[tk.Value]; dup { t.Fatalf("ticket %d issued twice", tk.Value) }
        seen[tk.Value] = struct{}{}
    }
    st, err := n.Status(context.Background())
    require.NoError(t, err)
    assert.Equal(t, uint64(10001), st.CommitIndex)
}

func TestCluster_SubscribeSeesLeaderChange(t *testing.T) {
    n, err := New(testOptions(nodeConf{mode: ModeStart, id: 0, port: freePort(t), dir: t.TempDir()}))
    require.NoError(t, err)
    t.Cleanup(func() { _ = n.Close() })
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := n.Subscribe(ctx)
    require.NoError(t, n.Start(context.Background()))
    for {
        select {
        case ev := <-events:
            if ev.Type != EventLeaderChanged { continue }
            require.NotNil(t, ev.Leader)
            assert.Equal(t, consensus.NodeID(0), ev.Leader.ID)
            return
        case <-time.After(3 * time.Second):
            t.Fatalf("no leader_changed event")
        }
    }
}

func TestCluster_RestartWithoutState(t *testing.T) {
    _, err := New(testOptions(nodeConf{mode: ModeRestart, dir: t.TempDir()}))
    require.ErrorIs(t, err, ErrNoState)
}

func TestCluster_MissingDataDir(t *testing.T) {
    _, err := New(testOptions(nodeConf{mode: ModeStart, port: 9000, dir: filepath.Join(t.TempDir(), "nope")}))
    require.ErrorIs(t, err, store.ErrNoDataDir)
}

func TestOptions_Validate(t *testing.T) {
    ok := testOptions(nodeConf{mode: ModeJoin, id: 1, port: 9001, dir: "/tmp", peers: []string{"127.0.0.1:9000"}})
    require.NoError(t, ok.Validate())

    bad := ok
    bad.Peers = nil
    assert.Error(t, bad.Validate(), "join without seeds")
    bad = ok
    bad.RaftPort = 0
    assert.Error(t, bad.Validate())
    bad = ok
    bad.DataDir = ""
    assert.Error(t, bad.Validate())
    bad = ok
    bad.NodeID = -1
    assert.Error(t, bad.Validate())

    restart := Options{Mode: ModeRestart, DataDir: "/tmp"}
    assert.NoError(t, restart.Validate(), "restart reads id and port from disk")
}

func TestParseMode(t *testing.T) {
    for _, m := range []Mode{ModeStart, ModeJoin, ModeRestart, ModeLeave} {
        got, err := ParseMode(m.String())
        require.NoError(t, err)
        assert.Equal(t, m, got)
    }
    _, err := ParseMode("bogus")
    assert.Error(t, err)
}
