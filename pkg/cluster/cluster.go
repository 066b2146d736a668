// Package cluster is the server context of a ticketd node. It owns the
// consensus core, the peer connections, the store and the single lock that
// serializes them, and drives the periodic loop.
package cluster

import (
    "context"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-multierror"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    raftcons "github.com/amirimatin/go-ticketd/pkg/consensus/raft"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/membership"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
    "github.com/amirimatin/go-ticketd/pkg/observability/tracing"
    "github.com/amirimatin/go-ticketd/pkg/peer"
    "github.com/amirimatin/go-ticketd/pkg/store"
    "github.com/amirimatin/go-ticketd/pkg/ticket"
    "github.com/amirimatin/go-ticketd/pkg/wire"
)

// Cluster is one node. Every field below mu is guarded by it; mu is also the
// lock the peer manager dispatches under and the one the ticket wait
// releases.
type Cluster struct {
    opts Options
    log  *log.Logger
    mu   sync.Mutex

    id       consensus.NodeID
    raftPort int
    mode     Mode

    store  *store.Store
    core   *raftcons.Core
    peers  *peer.Manager
    coord  *membership.Coordinator
    issuer *ticket.Issuer
    signal *ticket.CommitSignal
    eb     eventBus

    seeds      []seed
    replaying  bool
    leaving    bool
    left       bool
    ticks      int
    lastLeader consensus.NodeID
    lastCommit uint64

    started bool
    stopped bool
    stopCh  chan struct{}
    done    chan struct{}
    wg      sync.WaitGroup
}

type seed struct {
    host string
    port int
}

// New opens the node's database and assembles its components. It performs
// no network activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    obsmetrics.Register()

    if opts.Mode.fresh() {
        if err := removeStale(opts); err != nil { return nil, err }
    }
    st, err := store.Open(store.Options{
        Dir:        opts.DataDir,
        Name:       opts.DBName,
        NoSync:     opts.NoSync,
        MaxEntries: opts.MaxEntries,
        Logger:     opts.Logger,
    })
    if err != nil { return nil, err }

    c := &Cluster{
        opts:       opts,
        log:        opts.Logger,
        mode:       opts.Mode,
        store:      st,
        lastLeader: consensus.NoNode,
        stopCh:     make(chan struct{}),
        done:       make(chan struct{}),
        signal:     ticket.NewCommitSignal(),
    }
    if err := c.loadIdentity(); err != nil {
        _ = st.Close()
        return nil, err
    }

    c.core, err = raftcons.New(raftcons.Options{
        NodeID:          c.id,
        Logger:          opts.Logger,
        ElectionTimeout: opts.ElectionTimeout,
        RequestTimeout:  opts.RequestTimeout,
    }, raftHost{c})
    if err != nil {
        _ = st.Close()
        return nil, err
    }
    c.peers, err = peer.New(peer.Options{
        NodeID:   c.id,
        RaftPort: c.raftPort,
        BindAddr: net.JoinHostPort(opts.Host, strconv.Itoa(c.raftPort)),
        Lock:     &c.mu,
        Handler:  peer.HandlerFunc(c.dispatch),
        Logger:   opts.Logger,
    })
    if err != nil {
        _ = st.Close()
        return nil, err
    }
    c.coord = membership.New(c.core, c.peers, opts.Logger)
    c.coord.OnEvent = func(e membership.Event) { c.eb.publish(memberEvent(e)) }
    c.issuer, err = ticket.New(ticket.Options{
        Lock:        &c.mu,
        Core:        c.core,
        Signal:      c.signal,
        Taken:       c.taken,
        Leader:      c.leaderInfo,
        Logger:      opts.Logger,
        MaxWaits:    opts.MaxWaits,
        WaitTimeout: opts.WaitTimeout,
    })
    if err != nil {
        _ = st.Close()
        return nil, err
    }
    return c, nil
}

// removeStale deletes the database left by an earlier cluster. Start and
// join always begin from an empty log.
func removeStale(opts Options) error {
    name := opts.DBName
    if name == "" { name = store.DefaultName }
    path := filepath.Join(opts.DataDir, name)
    if _, err := os.Stat(path); err != nil { return nil }
    logutil.Warnf(opts.Logger, "cluster: %s: discarding existing database %s", opts.Mode, path)
    if err := os.Remove(path); err != nil { return fmt.Errorf("cluster: remove %s: %w", path, err) }
    return nil
}

// loadIdentity persists the node id and port of a fresh node, or reads
// them back on restart.
func (c *Cluster) loadIdentity() error {
    if c.mode.fresh() {
        c.id, c.raftPort = c.opts.NodeID, c.opts.RaftPort
        if err := c.store.PutInt64(store.SchemaState, store.KeyID, int64(c.id)); err != nil { return err }
        return c.store.PutUint64(store.SchemaState, store.KeyRaftPort, uint64(c.raftPort))
    }
    id, ok, err := c.store.GetInt64(store.SchemaState, store.KeyID)
    if err != nil { return err }
    if !ok { return ErrNoState }
    c.id = consensus.NodeID(id)
    c.raftPort = c.opts.RaftPort
    if port, ok, err := c.store.GetUint64(store.SchemaState, store.KeyRaftPort); err != nil {
        return err
    } else if ok {
        c.raftPort = int(port)
    }
    if c.raftPort <= 0 { return fmt.Errorf("%w: raft port missing", ErrNoState) }
    return nil
}

// Start binds the peer listener, enters the cluster according to the mode
// and launches the periodic loop.
func (c *Cluster) Start(ctx context.Context) error {
    ctx, end := tracing.StartSpan(ctx, "cluster.Start", attribute.String("mode", c.mode.String()))
    defer end()
    c.mu.Lock()
    if c.started || c.stopped {
        c.mu.Unlock()
        return nil
    }
    c.started = true
    c.mu.Unlock()

    if err := c.peers.Listen(); err != nil {
        tracing.RecordError(ctx, err)
        return err
    }
    c.mu.Lock()
    err := c.enter()
    c.mu.Unlock()
    if err != nil {
        tracing.RecordError(ctx, err)
        return err
    }
    c.wg.Add(1)
    go c.loop()
    logutil.Infof(c.log, "node %d started (%s) at %s:%d", c.id, c.mode, c.opts.Host, c.raftPort)
    return nil
}

func (c *Cluster) enter() error {
    switch c.mode {
    case ModeStart:
        c.core.AddNode(c.id, true)
        if err := c.core.BecomeLeader(); err != nil { return err }
        // the first configuration is a cluster of one
        if _, err := c.coord.ProposeChange(consensus.EntryAddNode, c.opts.Host, c.raftPort, c.id); err != nil { return err }
        return c.core.ApplyAll()
    case ModeJoin:
        c.core.AddNonVotingNode(c.id, true)
        c.dialSeeds()
        return nil
    default:
        c.core.AddNonVotingNode(c.id, true)
        if err := c.recover(); err != nil { return err }
        c.leaving = c.mode == ModeLeave
        return nil
    }
}

// recover rebuilds the core from the database: entries, then the commit
// index, then the applied state, then term and vote. Applying configuration
// entries reconnects to the other members.
func (c *Cluster) recover() error {
    c.replaying = true
    err := c.store.Replay(func(idx uint64, e consensus.Entry) error {
        if want := c.core.LastIndex() + 1; idx != want {
            return fmt.Errorf("%w: entry %d where %d was expected", store.ErrCorrupt, idx, want)
        }
        return c.core.AppendEntry(e)
    })
    c.replaying = false
    if err != nil { return fmt.Errorf("cluster: replay: %w", err) }

    commit, ok, err := c.store.GetUint64(store.SchemaState, store.KeyCommitIndex)
    if err != nil { return err }
    if ok { c.core.SetCommitIndex(commit) }
    if err := c.core.ApplyAll(); err != nil { return fmt.Errorf("cluster: apply: %w", err) }

    term, _, err := c.store.GetUint64(store.SchemaState, store.KeyTerm)
    if err != nil { return err }
    vote, ok, err := c.store.GetInt64(store.SchemaState, store.KeyVotedFor)
    if err != nil { return err }
    if !ok { vote = int64(consensus.NoNode) }
    c.core.LoadState(term, consensus.NodeID(vote))
    logutil.Infof(c.log, "recovered %d entries, commit=%d term=%d members=%d",
        c.core.LastIndex(), c.core.CommitIndex(), term, c.coord.View().Len())
    return nil
}

func (c *Cluster) dialSeeds() {
    c.collectSeeds()
    for _, s := range c.seeds {
        logutil.Infof(c.log, "connecting to %s:%d", s.host, s.port)
        c.peers.Connect(c.peers.Add(s.host, s.port))
    }
}

// collectSeeds merges the configured peers with what discovery currently
// reports.
func (c *Cluster) collectSeeds() {
    addrs := append([]string(nil), c.opts.Peers...)
    if c.opts.Discovery != nil { addrs = append(addrs, c.opts.Discovery.Seeds()...) }
    for _, a := range addrs {
        host, ps, err := net.SplitHostPort(a)
        if err != nil {
            logutil.Warnf(c.log, "cluster: bad peer address %q: %v", a, err)
            continue
        }
        port, err := strconv.Atoi(ps)
        if err != nil || port <= 0 {
            logutil.Warnf(c.log, "cluster: bad peer port in %q", a)
            continue
        }
        c.addSeed(host, port)
    }
}

func (c *Cluster) addSeed(host string, port int) {
    if host == c.opts.Host && port == c.raftPort { return }
    for _, s := range c.seeds {
        if s.host == host && s.port == port { return }
    }
    c.seeds = append(c.seeds, seed{host: host, port: port})
}

func (c *Cluster) loop() {
    defer c.wg.Done()
    t := time.NewTicker(c.opts.Period)
    defer t.Stop()
    for {
        select {
        case <-c.stopCh:
            return
        case <-t.C:
            c.tick()
        }
    }
}

func (c *Cluster) tick() {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.left || c.stopped { return }
    c.ticks++
    if err := c.core.Periodic(c.opts.Period); err != nil {
        logutil.Errorf(c.log, "cluster: periodic: %v", err)
    }
    if c.leaving { c.sendLeave() }
    if c.mode == ModeJoin && c.core.LeaderID() == consensus.NoNode && c.ticks%c.opts.RejoinEvery == 0 {
        c.rejoin()
    }
    c.observe()
}

// rejoin re-sends the handshake to every seed while no leader is known.
func (c *Cluster) rejoin() {
    if c.opts.Discovery != nil { c.collectSeeds() }
    hs := wire.Handshake{NodeID: c.id, RaftPort: c.raftPort}
    for _, s := range c.seeds {
        conn := c.peers.Add(s.host, s.port)
        switch conn.State() {
        case peer.Connected:
            if err := c.peers.Send(conn, hs); err != nil {
                logutil.Debugf(c.log, "cluster: rejoin %s: %v", conn.Addr(), err)
            }
        case peer.Disconnected:
            c.peers.Connect(conn)
        }
    }
}

func (c *Cluster) sendLeave() {
    leader := c.core.LeaderID()
    if leader == consensus.NoNode || leader == c.id { return }
    conn := c.peers.ByNode(leader)
    if conn == nil { return }
    if err := c.peers.Send(conn, wire.Leave{}); err != nil {
        logutil.Debugf(c.log, "cluster: leave request to %d: %v", leader, err)
    }
}

// observe publishes leader changes, wakes commit waiters and refreshes the
// consensus gauges.
func (c *Cluster) observe() {
    leader := c.core.LeaderID()
    if leader != c.lastLeader {
        c.lastLeader = leader
        li := c.leaderInfo()
        obsmetrics.LeaderChanges.Inc()
        logutil.Infof(c.log, "leader change observed: id=%d term=%d", li.ID, li.Term)
        c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &li, Term: li.Term})
        c.signal.Broadcast()
    }
    if commit := c.core.CommitIndex(); commit != c.lastCommit {
        c.lastCommit = commit
        c.signal.Broadcast()
    }
    obsmetrics.Term.Set(float64(c.core.Term()))
    obsmetrics.CommitIndex.Set(float64(c.core.LastApplied()))
    if c.core.IsLeader() {
        obsmetrics.IsLeader.Set(1)
    } else {
        obsmetrics.IsLeader.Set(0)
    }
}

// leaderInfo resolves the leader's replication address. Called with the
// lock held.
func (c *Cluster) leaderInfo() consensus.LeaderInfo {
    id := c.core.LeaderID()
    li := consensus.LeaderInfo{ID: id, Term: c.core.Term()}
    switch {
    case id == consensus.NoNode:
    case id == c.id:
        li.Host, li.Port = c.opts.Host, c.raftPort
    default:
        if m, ok := c.coord.View().Get(id); ok {
            li.Host, li.Port = m.Host, m.Port
        } else if conn := c.peers.ByNode(id); conn != nil && conn.Port() != 0 {
            li.Host, li.Port = conn.Host(), conn.Port()
        }
    }
    return li
}

// taken reports whether ticket v was issued. Called with the lock held.
func (c *Cluster) taken(v uint64) (bool, error) {
    _, ok, err := c.store.Get(store.SchemaDocs, ticket.Key(v))
    return ok, err
}

// ---- public API ----

func (c *Cluster) ID() consensus.NodeID { return c.id }
func (c *Cluster) RaftPort() int        { return c.raftPort }
func (c *Cluster) Host() string         { return c.opts.Host }
func (c *Cluster) Mode() Mode           { return c.mode }

// Done is closed once this node's removal committed and its database was
// dropped.
func (c *Cluster) Done() <-chan struct{} { return c.done }

// LeaderInfo is the current leader as seen by this node.
func (c *Cluster) LeaderInfo() consensus.LeaderInfo {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.leaderInfo()
}

func (c *Cluster) IsLeader() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.core.IsLeader()
}

func (c *Cluster) usable() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    switch {
    case c.left:
        return ErrLeft
    case c.stopped:
        return ErrStopped
    }
    return nil
}

// Issue commits a fresh ticket. On a follower it fails with a
// *ticket.RedirectError naming the leader.
func (c *Cluster) Issue(ctx context.Context) (ticket.Ticket, error) {
    if err := c.usable(); err != nil { return ticket.Ticket{}, err }
    return c.issuer.Issue(ctx)
}

// ProposeAndWait replicates value as an application entry and waits for it
// to commit.
func (c *Cluster) ProposeAndWait(ctx context.Context, value []byte) (uint64, error) {
    if err := c.usable(); err != nil { return 0, err }
    return c.issuer.ProposeAndWait(ctx, value)
}

// Lookup reports whether ticket v has been applied on this node.
func (c *Cluster) Lookup(v uint64) (bool, error) {
    if err := c.usable(); err != nil { return false, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.taken(v)
}

// Leave asks the leader to remove this node. The request is repeated every
// tick until the removal is acknowledged; Done is closed then.
func (c *Cluster) Leave() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.left { return ErrLeft }
    switch leader := c.core.LeaderID(); leader {
    case consensus.NoNode:
        return ErrNoLeader
    case c.id:
        return ErrLeaderCannotLeave
    }
    logutil.Infof(c.log, "leaving cluster...")
    c.leaving = true
    c.sendLeave()
    return nil
}

// Status returns a snapshot of this node's view of the cluster.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    _, end := tracing.StartSpan(ctx, "cluster.Status")
    defer end()
    c.mu.Lock()
    defer c.mu.Unlock()
    s := &ClusterStatus{
        NodeID:      c.id,
        Mode:        c.mode.String(),
        Role:        c.core.Role(),
        Term:        c.core.Term(),
        CommitIndex: c.core.CommitIndex(),
        LastIndex:   c.core.LastIndex(),
        LastApplied: c.core.LastApplied(),
        Leader:      c.leaderInfo(),
        Members:     c.coord.Members(),
    }
    s.Healthy = s.Leader.Known() && !c.left
    for _, p := range c.peers.Conns() {
        s.Peers = append(s.Peers, PeerStatus{Addr: p.Addr(), State: p.State().String(), NodeID: p.PeerID(), Outbound: p.Outbound()})
    }
    switch {
    case c.left:
        s.Warnings = append(s.Warnings, "node has left the cluster")
    case !s.Leader.Known():
        s.Warnings = append(s.Warnings, "no leader known")
    case c.leaving:
        s.Warnings = append(s.Warnings, "leave requested")
    }
    obsmetrics.ClusterMembers.Set(float64(len(s.Members)))
    return s, nil
}

// Stop halts the periodic loop, closes every peer connection and the
// database. Safe to call more than once.
func (c *Cluster) Stop(ctx context.Context) error {
    _, end := tracing.StartSpan(ctx, "cluster.Stop")
    defer end()
    c.mu.Lock()
    if c.stopped {
        c.mu.Unlock()
        return nil
    }
    c.stopped = true
    close(c.stopCh)
    c.mu.Unlock()

    c.wg.Wait()
    var result error
    if err := c.peers.Close(); err != nil { result = multierror.Append(result, err) }
    c.mu.Lock()
    if err := c.store.Close(); err != nil { result = multierror.Append(result, err) }
    c.mu.Unlock()
    c.signal.Broadcast()
    logutil.Infof(c.log, "node %d stopped", c.id)
    return result
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }
