package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    "github.com/amirimatin/go-ticketd/pkg/observability/tracing"
    "github.com/amirimatin/go-ticketd/pkg/transport"
)

// Server exposes ticket issuance and node management over HTTP/JSON.
type Server struct {
    bind   string
    offset int
    logger *log.Logger

    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., "127.0.0.1:9001").
// mgmtOffset converts a leader's replication port into its management port
// for redirects.
func NewServer(bind string, mgmtOffset int, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, offset: mgmtOffset, logger: logger}
}

// UseTLS serves HTTPS with cfg.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the router for svc.
func (s *Server) Handler(svc transport.Service) http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.Recoverer)
    r.Post("/tickets", s.handleIssue(svc))
    r.Get("/tickets/{ticket}", s.handleLookup(svc))
    r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := svc.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    r.Post("/leave", func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.leave")
        defer end()
        if err := svc.Leave(ctx); err != nil {
            writeJSON(w, http.StatusConflict, transport.LeaveResponse{Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusAccepted, transport.LeaveResponse{Accepted: true})
    })
    r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    r.Handle("/metrics", promhttp.Handler())
    return r
}

func (s *Server) handleIssue(svc transport.Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http.issue")
        defer end()
        t, err := svc.Issue(ctx)
        outcome, leader := transport.Classify(err, s.offset)
        switch outcome {
        case transport.OutcomeOK:
            tracing.Annotate(ctx, attribute.Int64("ticket", int64(t.Value)))
            writeJSON(w, http.StatusOK, transport.IssueResponse{Ticket: t.Value, ID: t.EntryID})
        case transport.OutcomeRedirect:
            scheme := "http"
            if r.TLS != nil { scheme = "https" }
            w.Header().Set("Location", scheme+"://"+leader+"/tickets")
            writeJSON(w, outcome.HTTPStatus(), transport.IssueResponse{Leader: leader, Error: err.Error()})
        case transport.OutcomeTryAgain:
            http.Error(w, transport.ErrTryAgain.Error(), outcome.HTTPStatus())
        default:
            tracing.RecordError(ctx, err)
            if outcome == transport.OutcomeFailed { logutil.Errorf(s.logger, "httpjson: issue: %v", err) }
            writeJSON(w, outcome.HTTPStatus(), transport.IssueResponse{Error: err.Error()})
        }
    }
}

func (s *Server) handleLookup(svc transport.Service) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        v, err := strconv.ParseUint(chi.URLParam(r, "ticket"), 10, 64)
        if err != nil { http.Error(w, fmt.Sprintf("bad ticket: %v", err), http.StatusBadRequest); return }
        ok, err := svc.Lookup(r.Context(), v)
        if err != nil { http.Error(w, fmt.Sprintf("lookup error: %v", err), http.StatusInternalServerError); return }
        code := http.StatusOK
        if !ok { code = http.StatusNotFound }
        writeJSON(w, code, transport.LookupResponse{Ticket: v, Issued: ok})
    }
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// Start launches the server. It is shut down when ctx is canceled.
func (s *Server) Start(ctx context.Context, svc transport.Service) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Handler(svc), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "management http listening on %s", ln.Addr())
    return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}
