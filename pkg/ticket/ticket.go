// Package ticket issues unique ticket numbers through the replicated log.
// A caller proposes a value and blocks until that exact entry commits,
// is lost to a leader change, or a bounded number of waits elapses.
package ticket

import (
    "context"
    "errors"
    "fmt"
    "log"
    "strconv"
    "sync"
    "time"

    "github.com/zhangyunhao116/fastrand"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
    "github.com/amirimatin/go-ticketd/pkg/observability/tracing"
)

var (
    // ErrTryAgain means the proposal neither committed nor failed within the
    // wait bound. It may still commit later.
    ErrTryAgain    = errors.New("ticket: try again")
    ErrInvalidated = errors.New("ticket: proposal invalidated by a leader change")
    ErrNotLeader   = errors.New("ticket: not leader")
    ErrExhausted   = errors.New("ticket: no free ticket found")
)

// RedirectError is returned by a node that is not the leader. Host and Port
// are the leader's replication address when it is known.
type RedirectError struct {
    LeaderID consensus.NodeID
    Host     string
    Port     int
}

func (e *RedirectError) Error() string {
    if !e.Known() { return "ticket: not leader, leader unknown" }
    return fmt.Sprintf("ticket: not leader, leader is %d at %s:%d", e.LeaderID, e.Host, e.Port)
}

func (e *RedirectError) Unwrap() error { return ErrNotLeader }

// Known reports whether the leader's address is known.
func (e *RedirectError) Known() bool { return e.LeaderID != consensus.NoNode && e.Host != "" }

// Ticket is an issued ticket and the id of the log entry that carried it.
type Ticket struct {
    Value   uint64 `json:"ticket"`
    EntryID uint64 `json:"id"`
}

// Key is the docs-schema key of a ticket value.
func Key(v uint64) []byte { return []byte(strconv.FormatUint(v, 10)) }

// Proposer is the slice of the consensus core the issuer uses.
type Proposer interface {
    Propose(e consensus.Entry) (consensus.Proposal, error)
    ProposalStatus(p consensus.Proposal) consensus.ProposalState
    ApplyAll() error
}

type Options struct {
    // Lock is the process-wide consensus lock; released while waiting.
    Lock   sync.Locker
    Core   Proposer
    Signal *CommitSignal
    // Taken reports whether a ticket was already issued. Called under Lock.
    Taken func(v uint64) (bool, error)
    // Leader describes the current leader for redirects. Called under Lock.
    Leader func() consensus.LeaderInfo
    Logger *log.Logger

    MaxWaits    int           // default 3
    WaitTimeout time.Duration // default 1s
    MaxAttempts int           // candidate draws per Issue; default 64
    // Rand draws candidate tickets; fastrand.Uint64 when nil.
    Rand func() uint64
}

// Issuer implements propose-and-wait and ticket issuance.
type Issuer struct {
    opts     Options
    log      *log.Logger
    inflight map[uint64]struct{}
}

func New(opts Options) (*Issuer, error) {
    if opts.Lock == nil || opts.Core == nil || opts.Signal == nil { return nil, errors.New("ticket: lock, core and signal are required") }
    if opts.Taken == nil { opts.Taken = func(uint64) (bool, error) { return false, nil } }
    if opts.Leader == nil { opts.Leader = func() consensus.LeaderInfo { return consensus.LeaderInfo{ID: consensus.NoNode} } }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.MaxWaits <= 0 { opts.MaxWaits = 3 }
    if opts.WaitTimeout <= 0 { opts.WaitTimeout = time.Second }
    if opts.MaxAttempts <= 0 { opts.MaxAttempts = 64 }
    if opts.Rand == nil { opts.Rand = fastrand.Uint64 }
    return &Issuer{opts: opts, log: opts.Logger, inflight: make(map[uint64]struct{})}, nil
}

// ProposeAndWait proposes value and waits for that entry to commit. It
// returns the committed entry's id. Cancelling ctx stops the wait but not
// the proposal.
func (i *Issuer) ProposeAndWait(ctx context.Context, value []byte) (uint64, error) {
    ctx, end := tracing.StartSpan(ctx, "ticket.ProposeAndWait")
    defer end()

    i.opts.Lock.Lock()
    p, err := i.opts.Core.Propose(consensus.Entry{Type: consensus.EntryNormal, Data: value})
    if err != nil {
        var redirect error
        if errors.Is(err, consensus.ErrNotLeader) { redirect = i.redirect() }
        i.opts.Lock.Unlock()
        if redirect != nil {
            obsmetrics.Proposals.WithLabelValues("not_leader").Inc()
            return 0, redirect
        }
        obsmetrics.Proposals.WithLabelValues("error").Inc()
        tracing.RecordError(ctx, err)
        return 0, err
    }
    tracing.Annotate(ctx, attribute.Int64("raft.index", int64(p.Index)), attribute.Int64("raft.term", int64(p.Term)))

    for waits := 0; ; waits++ {
        switch i.opts.Core.ProposalStatus(p) {
        case consensus.ProposalCommitted:
            // make the value visible before the caller hears about it
            if err := i.opts.Core.ApplyAll(); err != nil { logutil.Errorf(i.log, "ticket: apply: %v", err) }
            i.opts.Lock.Unlock()
            obsmetrics.Proposals.WithLabelValues("committed").Inc()
            return p.ID, nil
        case consensus.ProposalInvalidated:
            i.opts.Lock.Unlock()
            obsmetrics.Proposals.WithLabelValues("invalidated").Inc()
            return 0, ErrInvalidated
        }
        if waits >= i.opts.MaxWaits {
            i.opts.Lock.Unlock()
            obsmetrics.Proposals.WithLabelValues("try_again").Inc()
            logutil.Debugf(i.log, "ticket: entry %d not committed after %d waits", p.Index, waits)
            return 0, ErrTryAgain
        }
        // taken before unlocking so a broadcast in between is not missed
        wake := i.opts.Signal.Wait()
        i.opts.Lock.Unlock()
        timer := time.NewTimer(i.opts.WaitTimeout)
        select {
        case <-wake:
        case <-timer.C:
        case <-ctx.Done():
            timer.Stop()
            obsmetrics.Proposals.WithLabelValues("cancelled").Inc()
            return 0, ctx.Err()
        }
        timer.Stop()
        i.opts.Lock.Lock()
    }
}

// redirect builds the not-leader error. Called with the lock held.
func (i *Issuer) redirect() error {
    li := i.opts.Leader()
    return &RedirectError{LeaderID: li.ID, Host: li.Host, Port: li.Port}
}

// Issue draws a ticket number not issued before and not being issued
// concurrently, then commits it.
func (i *Issuer) Issue(ctx context.Context) (Ticket, error) {
    ctx, end := tracing.StartSpan(ctx, "ticket.Issue")
    defer end()

    for attempt := 0; attempt < i.opts.MaxAttempts; attempt++ {
        v, ok, err := i.reserve()
        if err != nil { return Ticket{}, err }
        if !ok {
            obsmetrics.TicketCollisions.Inc()
            continue
        }
        tracing.Annotate(ctx, attribute.String("ticket", strconv.FormatUint(v, 10)))
        id, err := i.ProposeAndWait(ctx, Key(v))
        i.opts.Lock.Lock()
        delete(i.inflight, v)
        i.opts.Lock.Unlock()
        if err != nil {
            tracing.RecordError(ctx, err)
            return Ticket{}, err
        }
        obsmetrics.TicketsIssued.Inc()
        return Ticket{Value: v, EntryID: id}, nil
    }
    return Ticket{}, ErrExhausted
}

func (i *Issuer) reserve() (uint64, bool, error) {
    v := i.opts.Rand()
    i.opts.Lock.Lock()
    defer i.opts.Lock.Unlock()
    if _, busy := i.inflight[v]; busy { return v, false, nil }
    taken, err := i.opts.Taken(v)
    if err != nil { return 0, false, fmt.Errorf("ticket: lookup %d: %w", v, err) }
    if taken { return v, false, nil }
    i.inflight[v] = struct{}{}
    return v, true, nil
}
