// Package web serves the read-only status dashboard: a JSON view of the
// live supervision tree and arbiter registry, with updates pushed to
// WebSocket subscribers and crash reports rendered to HTML.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/btcsuite/btclog/v2"
)

var log = btclog.Disabled

// UseLogger installs a logger for dashboard events.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// TreeSnapshot is one observation of the local supervision tree.
type TreeSnapshot struct {
	Actor     ActorInfo         `json:"actor"`
	Nurseries []NurserySnapshot `json:"nurseries"`
}

// ActorInfo describes the hosting actor.
type ActorInfo struct {
	Name       string         `json:"name"`
	InstanceID string         `json:"instance_id"`
	ListenAddr string         `json:"listen_addr"`
	Modules    []string       `json:"modules"`
	Statespace map[string]any `json:"statespace,omitempty"`
}

// NurserySnapshot describes one supervision scope and its children.
type NurserySnapshot struct {
	Cancelled bool            `json:"cancelled"`
	Children  []ChildSnapshot `json:"children"`
}

// ChildSnapshot describes one supervised child.
type ChildSnapshot struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	PID        int    `json:"pid,omitempty"`
}

// Source supplies the dashboard's data. The daemon adapts the booted
// runtime onto this.
type Source interface {
	// Tree snapshots the local actor and its nurseries.
	Tree(ctx context.Context) (TreeSnapshot, error)

	// ArbiterTable returns name → endpoint for every registered actor,
	// or nil when this process has no arbiter view.
	ArbiterTable(ctx context.Context) (map[string]string, error)
}

// Config carries the server's dependencies.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Source supplies tree and registry snapshots.
	Source Source
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     Config
	hub     *Hub
	crashes *crashLog
	httpSrv *http.Server
}

// NewServer constructs the dashboard server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(),
		crashes: newCrashLog(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/arbiter", s.handleArbiter)
	mux.HandleFunc("GET /api/v1/crashes", s.handleCrashes)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Run serves until ctx is done, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	log.Infof("web: dashboard listening on %s", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// RecordCrash renders and stores a crash report, and pushes it to every
// WebSocket subscriber.
func (s *Server) RecordCrash(origin, kind, message, traceback string) {
	report := s.crashes.add(origin, kind, message, traceback)
	s.hub.Broadcast(&WSMessage{Type: WSMsgTypeCrash, Payload: report})
}

// NotifyTreeChanged pushes a fresh tree snapshot to WebSocket subscribers.
func (s *Server) NotifyTreeChanged(ctx context.Context) {
	snap, err := s.cfg.Source.Tree(ctx)
	if err != nil {
		log.Debugf("web: tree snapshot: %v", err)
		return
	}
	s.hub.Broadcast(&WSMessage{Type: WSMsgTypeTree, Payload: snap})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Source.Tree(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleArbiter(w http.ResponseWriter, r *http.Request) {
	table, err := s.cfg.Source.ArbiterTable(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if table == nil {
		table = map[string]string{}
	}
	writeJSON(w, table)
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.crashes.all())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("web: encode response: %v", err)
	}
}
