package transport

import (
    "context"
    "errors"
    "net/http"

    "github.com/amirimatin/go-ticketd/pkg/ticket"
)

// Service is what the management servers expose. Status is pre-encoded
// JSON so this package does not depend on the cluster types.
type Service interface {
    Issue(ctx context.Context) (ticket.Ticket, error)
    Lookup(ctx context.Context, v uint64) (bool, error)
    Status(ctx context.Context) ([]byte, error)
    Leave(ctx context.Context) error
}

// ErrTryAgain is what a client sees when the proposal did not commit in
// time or was displaced by a leader change.
var ErrTryAgain = errors.New("TRY AGAIN")

// ErrNoLeader is returned when the contacted node knows no leader.
var ErrNoLeader = errors.New("transport: no leader known")

// IssueResponse carries a ticket, or the leader's management address when
// the contacted node is a follower.
type IssueResponse struct {
    Ticket uint64 `json:"ticket"`
    ID     uint64 `json:"id"`
    Leader string `json:"leader,omitempty"`
    Error  string `json:"error,omitempty"`
}

type LookupRequest struct {
    Ticket uint64 `json:"ticket"`
}

type LookupResponse struct {
    Ticket uint64 `json:"ticket"`
    Issued bool   `json:"issued"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// RedirectError is returned by clients when a follower answered and
// redirects were not followed.
type RedirectError struct{ Leader string }

func (e *RedirectError) Error() string { return "transport: not leader, leader at " + e.Leader }

// Client is the management client surface shared by the HTTP and gRPC
// implementations. Issue follows leader redirects.
type Client interface {
    Issue(ctx context.Context, addr string) (IssueResponse, error)
    Lookup(ctx context.Context, addr string, v uint64) (bool, error)
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    Leave(ctx context.Context, addr string) (LeaveResponse, error)
}

// Outcome classifies an Issue error for the wire. leader is the leader's
// management address on redirects.
type Outcome int

const (
    OutcomeOK Outcome = iota
    OutcomeRedirect
    OutcomeNoLeader
    OutcomeTryAgain
    OutcomeTimeout
    OutcomeFailed
)

// Classify maps an issuance error to an Outcome and, for redirects, the
// leader's management address.
func Classify(err error, mgmtOffset int) (Outcome, string) {
    var re *ticket.RedirectError
    switch {
    case err == nil:
        return OutcomeOK, ""
    case errors.As(err, &re):
        if !re.Known() { return OutcomeNoLeader, "" }
        return OutcomeRedirect, MgmtAddr(re.Host, re.Port, mgmtOffset)
    case errors.Is(err, ticket.ErrNotLeader):
        return OutcomeNoLeader, ""
    case errors.Is(err, ticket.ErrTryAgain), errors.Is(err, ticket.ErrInvalidated):
        return OutcomeTryAgain, ""
    case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
        return OutcomeTimeout, ""
    }
    return OutcomeFailed, ""
}

// HTTPStatus is the response code for an Outcome.
func (o Outcome) HTTPStatus() int {
    switch o {
    case OutcomeOK:
        return http.StatusOK
    case OutcomeRedirect:
        return http.StatusTemporaryRedirect
    case OutcomeNoLeader:
        return http.StatusServiceUnavailable
    case OutcomeTryAgain:
        return http.StatusConflict
    case OutcomeTimeout:
        return http.StatusGatewayTimeout
    }
    return http.StatusInternalServerError
}
