package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/transport"
)

// maxRedirects bounds how many leader hops Issue follows.
const maxRedirects = 3

// Client is a thin HTTP client for the management API with simple retry
// and backoff. Issue follows leader redirects unless NoFollow is set.
type Client struct {
    httpc    *http.Client
    scheme   string
    NoFollow bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{scheme: "http", httpc: &http.Client{
        Timeout:   timeout,
        Transport: &http.Transport{},
        // redirects are followed by hand so the leader is visible
        CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
    }}
}

// UseTLS switches the client to https with cfg.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if cfg == nil { return c }
    c.httpc.Transport.(*http.Transport).TLSClientConfig = cfg
    c.scheme = "https"
    return c
}

func (c *Client) url(addr, path string) string { return c.scheme + "://" + addr + path }

// Issue requests a ticket from addr.
func (c *Client) Issue(ctx context.Context, addr string) (transport.IssueResponse, error) {
    target := c.url(addr, "/tickets")
    var out transport.IssueResponse
    for hop := 0; ; hop++ {
        code, body, loc, err := c.do(ctx, http.MethodPost, target)
        if err != nil { return out, err }
        out = transport.IssueResponse{}
        switch code {
        case http.StatusOK:
            err := json.Unmarshal(body, &out)
            return out, err
        case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
            _ = json.Unmarshal(body, &out)
            leader := out.Leader
            if u, err := url.Parse(loc); err == nil && u.Host != "" { leader = u.Host }
            if c.NoFollow || hop >= maxRedirects || loc == "" { return out, &transport.RedirectError{Leader: leader} }
            target = loc
        case http.StatusConflict:
            return out, transport.ErrTryAgain
        case http.StatusServiceUnavailable:
            return out, transport.ErrNoLeader
        default:
            _ = json.Unmarshal(body, &out)
            if out.Error != "" { return out, fmt.Errorf("issue status %d: %s", code, out.Error) }
            return out, fmt.Errorf("issue status %d: %s", code, strings.TrimSpace(string(body)))
        }
    }
}

func (c *Client) Lookup(ctx context.Context, addr string, v uint64) (bool, error) {
    code, body, _, err := c.do(ctx, http.MethodGet, c.url(addr, "/tickets/"+strconv.FormatUint(v, 10)))
    if err != nil { return false, err }
    switch code {
    case http.StatusOK:
        return true, nil
    case http.StatusNotFound:
        return false, nil
    }
    return false, fmt.Errorf("lookup status %d: %s", code, strings.TrimSpace(string(body)))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    code, body, _, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"))
    if err != nil { return nil, err }
    if code != http.StatusOK { return nil, fmt.Errorf("status %d: %s", code, string(body)) }
    return body, nil
}

func (c *Client) Leave(ctx context.Context, addr string) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    code, body, _, err := c.do(ctx, http.MethodPost, c.url(addr, "/leave"))
    if err != nil { return out, err }
    _ = json.Unmarshal(body, &out)
    if code != http.StatusAccepted && code != http.StatusOK {
        if out.Error != "" { return out, fmt.Errorf("leave: %s", out.Error) }
        return out, fmt.Errorf("leave status %d: %s", code, string(body))
    }
    return out, nil
}

// do performs one request, retrying transport failures up to three times
// with exponential backoff.
func (c *Client) do(ctx context.Context, method, target string) (int, []byte, string, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, method, target, nil)
        if err != nil { return 0, nil, "", err }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr == nil { return resp.StatusCode, b, resp.Header.Get("Location"), nil }
            err = rerr
        }
        lastErr = err
        select {
        case <-ctx.Done():
            return 0, nil, "", ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return 0, nil, "", lastErr
}

var _ transport.Client = (*Client)(nil)
