package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    obsmetrics "github.com/amirimatin/go-flowcluster/pkg/observability/metrics"
    "github.com/amirimatin/go-flowcluster/pkg/observability/tracing"
    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

// Server exposes the management API over HTTP: status, cluster state,
// job routing, event delivery, lock command forwarding, join/leave and
// metrics/healthz.
type Server struct {
    bind   string
    log    logrus.FieldLogger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    lis net.Listener
}

// NewServer binds to the given TCP address (e.g. ":17946").
func NewServer(bind string, logger logrus.FieldLogger) *Server {
    return &Server{bind: bind, log: logutil.Component(logger, "httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the mux serving h; Start uses it, tests can mount it on
// an httptest server.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", getBlob("status", h.Status))
    mux.HandleFunc("/state", getBlob("state", h.State))
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())

    mux.HandleFunc("/route", post("route", h.Route != nil, func(ctx context.Context, req routing.JobRoutingRequest) (transport.RouteResponse, int) {
        d, err := h.Route(ctx, req)
        switch {
        case errors.Is(err, routing.ErrNoEligibleNode):
            return transport.RouteResponse{Decision: d, Backpressure: true, Error: err.Error()}, http.StatusServiceUnavailable
        case err != nil:
            return transport.RouteResponse{Decision: d, Error: err.Error()}, http.StatusBadRequest
        }
        return transport.RouteResponse{Decision: d}, http.StatusOK
    }))
    mux.HandleFunc("/deliver", post("deliver", h.Deliver != nil, func(ctx context.Context, req transport.DeliverRequest) (transport.DeliverResponse, int) {
        if err := h.Deliver(ctx, req.Payload); err != nil {
            return transport.DeliverResponse{Error: err.Error()}, http.StatusBadRequest
        }
        return transport.DeliverResponse{}, http.StatusOK
    }))
    mux.HandleFunc("/apply", post("apply", h.Apply != nil, func(ctx context.Context, req transport.ApplyRequest) (transport.ApplyResponse, int) {
        out, err := h.Apply(ctx, req.Command)
        if err != nil { return transport.ApplyResponse{Error: err.Error()}, http.StatusInternalServerError }
        return transport.ApplyResponse{Data: out}, http.StatusOK
    }))
    mux.HandleFunc("/join", post("join", h.Join != nil, func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, int) {
        out, err := h.Join(ctx, req)
        if err != nil {
            out.Accepted, out.Error = false, err.Error()
            return out, http.StatusInternalServerError
        }
        return out, http.StatusOK
    }))
    mux.HandleFunc("/leave", post("leave", h.Leave != nil, func(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, int) {
        out, err := h.Leave(ctx, req)
        if err != nil { return transport.LeaveResponse{Error: err.Error()}, http.StatusInternalServerError }
        return out, http.StatusOK
    }))
    return mux
}

func getBlob(name string, fn func(context.Context) ([]byte, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, name+" not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        data, err := fn(ctx)
        obsmetrics.RPCRequests.WithLabelValues("http", name, result(err == nil)).Inc()
        if err != nil { http.Error(w, fmt.Sprintf("%s error: %v", name, err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }
}

func post[Req, Resp any](name string, supported bool, fn func(context.Context, Req) (Resp, int)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if !supported { http.Error(w, name+" not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        resp, code := fn(ctx, req)
        obsmetrics.RPCRequests.WithLabelValues("http", name, result(code == http.StatusOK)).Inc()
        w.Header().Set("Content-Type", "application/json")
        w.WriteHeader(code)
        _ = json.NewEncoder(w).Encode(resp)
    }
}

func result(ok bool) string {
    if ok { return "ok" }
    return "error"
}

// Start launches the HTTP server. It is shut down when ctx is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.lis = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.WithError(err).Error("server error")
        }
    }()
    return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
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

var _ transport.RPCServer = (*Server)(nil)
