// Package api serves the status endpoint: a JSON dump of the learned
// address tables and the connection state table.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/endoor-net/endoor/internal/bridge"
	"github.com/endoor-net/endoor/internal/state"
)

// Paths served by the status API.
const (
	DumpPath   = "/api/v1/dump"
	StatesPath = "/api/v1/states"
)

// Server renders switch snapshots over HTTP.
type Server struct {
	sw     *bridge.Switch
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the time source used for the curtime field.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a status server over sw.
func New(sw *bridge.Switch, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		sw:     sw,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the status API. Unknown paths
// yield 404; methods other than GET and HEAD yield 501, preserving the
// behavior of the original fixed-function server this replaces.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DumpPath, s.handleDump)
	mux.HandleFunc(StatesPath, s.handleStates)
	return mux
}

// dumpPayload is the body of /api/v1/dump.
type dumpPayload struct {
	Curtime    int64                  `json:"curtime"`
	Interfaces []bridge.IfaceSnapshot `json:"interfaces"`
}

// statesPayload is the body of /api/v1/states.
type statesPayload struct {
	Curtime int64                 `json:"curtime"`
	States  []state.StateSnapshot `json:"states"`
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, r, dumpPayload{
		Curtime:    s.now().Unix(),
		Interfaces: s.sw.Snapshot(),
	})
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, r, statesPayload{
		Curtime: s.now().Unix(),
		States:  s.sw.States().Snapshot(),
	})
}

// serveJSON writes payload for GET and the headers alone for HEAD.
func (s *Server) serveJSON(w http.ResponseWriter, r *http.Request, payload any) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "not implemented", http.StatusNotImplemented)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal status payload",
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(body); err != nil {
		s.logger.Debug("write status response",
			slog.String("error", err.Error()),
		)
	}
}
