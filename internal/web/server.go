// Package web provides the HTTP status page and intent endpoints for the
// relay-timer daemon.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/relay-timer/internal/driver"
	"github.com/sweeney/relay-timer/internal/metrics"
	"github.com/sweeney/relay-timer/internal/relay"
	"github.com/sweeney/relay-timer/internal/status"
)

// Controller applies user intents. driver.Bank satisfies it.
type Controller interface {
	Toggle(id int) (relay.Snapshot, error)
	ForceOn(id int) (relay.Snapshot, error)
	Start(id int, on, off time.Duration) (relay.Snapshot, error)
	Stop(id int) (relay.Snapshot, error)
	Reset(id int) (relay.Snapshot, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithIntentMetrics counts intents handled by the server.
func WithIntentMetrics(m *metrics.Intents) Option {
	return func(s *Server) { s.intents = m }
}

// Server serves the status page and intent endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	log        *zap.Logger
	metrics    http.Handler
	intents    *metrics.Intents
}

// New creates a Server that reads state from tracker and forwards intents
// to ctrl.
func New(addr string, tracker *status.Tracker, ctrl Controller, opts ...Option) *Server {
	s := &Server{tracker: tracker, ctrl: ctrl, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)
	mux.HandleFunc("POST /relays/{id}/{action}", s.handleIntent)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Warn("render status page", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.respond(w, r, id, relay.Snapshot{}, fmt.Errorf("%w: %q", driver.ErrUnknownChannel, r.PathValue("id")))
		return
	}

	var snap relay.Snapshot
	switch action {
	case "toggle":
		snap, err = s.ctrl.Toggle(id)
	case "on":
		snap, err = s.ctrl.ForceOn(id)
	case "start":
		req, derr := decodeStart(w, r)
		if derr != nil {
			http.Error(w, derr.Error(), http.StatusBadRequest)
			return
		}
		snap, err = s.ctrl.Start(id,
			time.Duration(req.OnMs)*time.Millisecond,
			time.Duration(req.OffMs)*time.Millisecond)
	case "stop":
		snap, err = s.ctrl.Stop(id)
	case "reset":
		snap, err = s.ctrl.Reset(id)
	default:
		http.NotFound(w, r)
		return
	}

	s.intents.Observe("http", action, err)
	if err != nil {
		s.log.Warn("intent failed",
			zap.Int("channel", id),
			zap.String("action", action),
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
	} else {
		s.log.Info("intent",
			zap.Int("channel", id),
			zap.String("action", action),
			zap.String("remote", r.RemoteAddr))
	}
	s.respond(w, r, id, snap, err)
}

// respond writes the intent result. Form posts are redirected back to the
// status page on success.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, id int, snap relay.Snapshot, err error) {
	code := statusCode(err)
	if !wantsJSON(r) {
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	var resp IntentResponse
	if err != nil {
		resp.Error = err.Error()
	}
	if c, ok := s.tracker.Snapshot().Channel(id); ok && code != http.StatusNotFound {
		if !snap.Now.IsZero() {
			c.Snapshot = snap
		}
		j := status.FormatChannel(c)
		resp.Relay = &j
	}
	writeJSON(w, code, resp)
}

// statusCode maps intent errors to HTTP status codes. A hardware error is
// 503 even though the logical state change was committed.
func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, driver.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrHardwareUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
