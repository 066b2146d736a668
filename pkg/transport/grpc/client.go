package grpc

import (
    "context"
    "crypto/tls"
    "fmt"
    "strings"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-ticketd/pkg/transport"
)

const maxRedirects = 3

type Client struct {
    timeout  time.Duration
    tlsCfg   *tls.Config
    NoFollow bool

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    return grpc.DialContext(ctx, target,
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(creds),
        grpc.WithBlock(),
    )
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

// Issue requests a ticket, following the Leader field of follower replies.
func (c *Client) Issue(ctx context.Context, addr string) (transport.IssueResponse, error) {
    var out transport.IssueResponse
    for hop := 0; ; hop++ {
        out = transport.IssueResponse{}
        if err := c.invoke(ctx, addr, "Issue", &empty{}, &out); err != nil {
            switch status.Code(err) {
            case codes.Aborted:
                return out, transport.ErrTryAgain
            case codes.Unavailable:
                // connection failures share the code
                if strings.Contains(status.Convert(err).Message(), "not leader") {
                    return out, fmt.Errorf("%w: %s", transport.ErrNoLeader, status.Convert(err).Message())
                }
            }
            return out, err
        }
        if out.Leader == "" { return out, nil }
        if c.NoFollow || hop >= maxRedirects { return out, &transport.RedirectError{Leader: out.Leader} }
        addr = out.Leader
    }
}

func (c *Client) Lookup(ctx context.Context, addr string, v uint64) (bool, error) {
    var out transport.LookupResponse
    if err := c.invoke(ctx, addr, "Lookup", &transport.LookupRequest{Ticket: v}, &out); err != nil { return false, err }
    return out.Issued, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) Leave(ctx context.Context, addr string) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &empty{}, &out); err != nil { return out, err }
    if out.Error != "" { return out, fmt.Errorf("leave: %s", out.Error) }
    return out, nil
}

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.Client = (*Client)(nil)
