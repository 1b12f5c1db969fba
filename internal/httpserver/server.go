// Package httpserver serves the local control socket: health, current
// sample, history document, metrics and a live sample stream.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/gpu-monitor/internal/config"
	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/sampler"
	"github.com/skobkin/gpu-monitor/internal/smi"
	"github.com/skobkin/gpu-monitor/internal/snapshot"
	"github.com/skobkin/gpu-monitor/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	socketPerm        = 0o660
)

// Sampler is the view of the sampling loop the server needs.
type Sampler interface {
	Latest() (sampler.Sample, bool)
	Status() (sampler.Status, bool)
	Ready() bool
	State() sampler.State
	Subscribe() (<-chan sampler.Sample, func())
}

// History renders the snapshot document on demand.
type History interface {
	Document(ctx context.Context, now time.Time) (snapshot.Document, error)
}

// Deps are the components the routes read from. Nil members disable the
// routes that need them.
type Deps struct {
	Sampler Sampler
	History History
	Metrics http.Handler
	GPU     *gpu.Info
}

// Server wraps the control socket.
type Server struct {
	cfg        config.Config
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "control_socket"),
	}
	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/current", s.handleCurrent)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws", s.handleWS)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	s.httpServer = &http.Server{
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured unix socket until Shutdown. A stale
// socket file left by a previous run is replaced.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if path == "" {
		return fmt.Errorf("socket path must be set")
	}
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, socketPerm); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("listening", "addr", l.Addr().String())
	err := s.httpServer.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.cfg.SocketPath != "" {
		if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	info := s.readiness()
	status := http.StatusOK
	if info.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

type currentResponse struct {
	Sample    sampler.Sample `json:"sample"`
	State     sampler.State  `json:"state"`
	Stored    bool           `json:"stored"`
	Pending   int            `json:"pending"`
	LastError string         `json:"last_error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	GPU       *gpu.Info      `json:"gpu,omitempty"`
	Processes []smi.Process  `json:"processes"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.deps.Sampler == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	st, ok := s.deps.Sampler.Status()
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}
	resp := currentResponse{
		Sample:    st.Sample,
		State:     s.deps.Sampler.State(),
		Stored:    st.Stored,
		Pending:   st.Pending,
		LastError: st.LastError,
		UpdatedAt: st.UpdatedAt,
		GPU:       s.deps.GPU,
		Processes: st.Processes,
	}
	if resp.Processes == nil {
		resp.Processes = []smi.Process{}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.deps.History == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	doc, err := s.deps.History.Document(r.Context(), time.Now())
	if err != nil {
		s.loggerFromContext(r.Context()).Warn("failed to render history", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, r, http.StatusOK, doc)
}

type readyResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) readiness() readyResponse {
	if s.deps.Sampler == nil {
		return readyResponse{Status: "degraded", Reason: "sampler_not_configured"}
	}
	state := string(s.deps.Sampler.State())
	if s.deps.Sampler.Ready() {
		return readyResponse{Status: "ok", State: state}
	}
	return readyResponse{Status: "initializing", State: state, Reason: "waiting_for_samples"}
}

// Collectors exposes stream counters for registration on the metrics registry.
func (s *Server) Collectors() []prometheus.Collector {
	const namespace, subsystem = "gpu_monitor", "ws"
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "active_connections",
			Help: "Current number of live stream clients.",
		}, func() float64 { return float64(s.wsActive.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "connections_total",
			Help: "Live stream connections accepted since start.",
		}, func() float64 { return float64(s.wsTotal.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "rejected_total",
			Help: "Live stream connections rejected due to capacity.",
		}, func() float64 { return float64(s.wsRejected.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "messages_sent_total",
			Help: "Live stream messages sent to clients.",
		}, func() float64 { return float64(s.wsSent.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "messages_dropped_total",
			Help: "Live stream messages dropped due to backpressure.",
		}, func() float64 { return float64(s.wsDropped.Load()) }),
	}
}
