package grpc

import (
    "context"
    "errors"
    "net"
    "strconv"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/ticket"
    "github.com/amirimatin/go-ticketd/pkg/transport"
)

type fakeService struct {
    issueErr error
    value    uint64
    issued   map[uint64]bool
}

func (f *fakeService) Issue(context.Context) (ticket.Ticket, error) {
    if f.issueErr != nil { return ticket.Ticket{}, f.issueErr }
    return ticket.Ticket{Value: f.value, EntryID: 3}, nil
}
func (f *fakeService) Lookup(_ context.Context, v uint64) (bool, error) { return f.issued[v], nil }
func (f *fakeService) Status(context.Context) ([]byte, error) { return []byte(`{"role":"leader"}`), nil }
func (f *fakeService) Leave(context.Context) error { return errors.New("cluster: the leader cannot leave") }

func start(t *testing.T, svc transport.Service) string {
    t.Helper()
    s := NewServer("127.0.0.1:0", transport.DefaultMgmtPortOffset)
    ctx, cancel := context.WithCancel(context.Background())
    require.NoError(t, s.Start(ctx, svc))
    t.Cleanup(func() {
        cancel()
        _ = s.Stop(context.Background())
    })
    return s.Addr()
}

func newClient(t *testing.T) *Client {
    c := NewClient(2 * time.Second)
    t.Cleanup(c.Close)
    return c
}

func TestIssueAndLookup(t *testing.T) {
    addr := start(t, &fakeService{value: 77, issued: map[uint64]bool{77: true}})
    c := newClient(t)
    out, err := c.Issue(context.Background(), addr)
    require.NoError(t, err)
    assert.Equal(t, uint64(77), out.Ticket)
    assert.Equal(t, uint64(3), out.ID)

    ok, err := c.Lookup(context.Background(), addr, 77)
    require.NoError(t, err)
    assert.True(t, ok)
    ok, err = c.Lookup(context.Background(), addr, 78)
    require.NoError(t, err)
    assert.False(t, ok)

    st, err := c.GetStatus(context.Background(), addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"role":"leader"}`, string(st))

    _, err = c.Leave(context.Background(), addr)
    require.Error(t, err)
    assert.Contains(t, err.Error(), "leader cannot leave")
    assert.Equal(t, 1, c.cm.Len(), "connection reused across calls")
}

func TestIssueFollowsLeader(t *testing.T) {
    leaderAddr := start(t, &fakeService{value: 9})
    host, ps, err := net.SplitHostPort(leaderAddr)
    require.NoError(t, err)
    port, _ := strconv.Atoi(ps)
    followerAddr := start(t, &fakeService{issueErr: &ticket.RedirectError{LeaderID: 0, Host: host, Port: port - transport.DefaultMgmtPortOffset}})

    c := newClient(t)
    out, err := c.Issue(context.Background(), followerAddr)
    require.NoError(t, err)
    assert.Equal(t, uint64(9), out.Ticket)

    c2 := newClient(t)
    c2.NoFollow = true
    _, err = c2.Issue(context.Background(), followerAddr)
    var re *transport.RedirectError
    require.True(t, errors.As(err, &re), "got %v", err)
    assert.Equal(t, leaderAddr, re.Leader)
}

func TestIssueErrors(t *testing.T) {
    c := newClient(t)
    addr := start(t, &fakeService{issueErr: ticket.ErrTryAgain})
    _, err := c.Issue(context.Background(), addr)
    assert.ErrorIs(t, err, transport.ErrTryAgain)

    addr = start(t, &fakeService{issueErr: &ticket.RedirectError{LeaderID: consensus.NoNode}})
    _, err = c.Issue(context.Background(), addr)
    assert.ErrorIs(t, err, transport.ErrNoLeader)
}

func TestConnManagerEvictsIdle(t *testing.T) {
    addr := start(t, &fakeService{value: 1})
    c := newClient(t)
    _, err := c.Issue(context.Background(), addr)
    require.NoError(t, err)
    require.Equal(t, 1, c.cm.Len())

    cc, rel, err := c.cm.Get(context.Background(), addr)
    require.NoError(t, err)
    require.NotNil(t, cc)
    assert.Zero(t, c.cm.evictIdle(time.Now().Add(time.Hour)), "in use")
    rel()
    rel()
    assert.Equal(t, 1, c.cm.evictIdle(time.Now().Add(time.Hour)))
    assert.Zero(t, c.cm.Len())
}
