package selfcheck

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SinkReport is the health endpoint view of one sink
type SinkReport struct {
	core.SinkStats
	Health string `json:"health"`
}

// Report is the body served on /healthz
type Report struct {
	Status       string       `json:"status"`
	State        string       `json:"state"`
	Unconfigured uint64       `json:"unconfigured"`
	PostShutdown uint64       `json:"post_shutdown"`
	Dropped      uint64       `json:"dropped"`
	Sinks        []SinkReport `json:"sinks"`
}

// Healthy reports whether the core is configured and no sink is degraded
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// NewReport snapshots the stats of c
func NewReport(c *core.Core) Report {
	st := c.Stats()
	r := Report{
		Status:       "ok",
		State:        st.State.String(),
		Unconfigured: st.Unconfigured,
		PostShutdown: st.PostShutdown,
		Dropped:      st.Dropped(),
		Sinks:        make([]SinkReport, 0, len(st.Sinks)),
	}
	if st.State != core.StateConfigured {
		r.Status = r.State
	}
	for _, s := range st.Sinks {
		r.Sinks = append(r.Sinks, SinkReport{SinkStats: s, Health: s.Health.String()})
		if s.Health == core.HealthDegraded && r.Status == "ok" {
			r.Status = "degraded"
		}
	}
	return r
}

// Server serves /metrics and /healthz for one core
type Server struct {
	core     *core.Core
	registry *prometheus.Registry
	server   *http.Server
	listener net.Listener
	guard    *auth.Middleware
}

// Option customizes a Server
type Option func(*Server)

// WithAuth requires API keys on every endpoint, as enforced by m
func WithAuth(m *auth.Middleware) Option {
	return func(s *Server) {
		s.guard = m
	}
}

// NewServer registers the self-check collector on a fresh registry, together with
// the Go runtime and process collectors, and binds addr
func NewServer(c *core.Core, addr, namespace string, opts ...Option) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(c, namespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{core: c, registry: reg, listener: listener}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler routes /metrics and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.guard != nil {
		return s.guard.Wrap(mux)
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	report := NewReport(s.core)
	body, err := json.Marshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	log.Printf("[SELFCHECK] Serving /metrics and /healthz on %s", s.Addr())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting up to five seconds for open requests
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
