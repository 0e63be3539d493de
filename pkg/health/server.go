// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Server provides health, readiness, and metrics HTTP endpoints, plus the
// recent-events API and page when an event source is set.
type Server struct {
	logger    *zap.Logger
	stats     *Stats
	version   string
	addr      string
	hookState func() string
	events    func() interface{}
	ready     atomic.Bool
	server    *http.Server
	bound     net.Addr
}

// NewServer creates a health server. hookState reports the current hook
// handle state for /health and may be nil.
func NewServer(addr, version string, stats *Stats, hookState func() string, logger *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		version:   version,
		stats:     stats,
		hookState: hookState,
		logger:    logger,
	}
}

// SetReady marks the hook as installed.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetEvents serves the value returned by events, encoded as JSON, at
// /api/events and a page polling it at /. Call before Start.
func (s *Server) SetEvents(events func() interface{}) {
	s.events = events
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	if s.events != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
		mux.HandleFunc("GET /{$}", s.handleEventsPage)
	}
	return mux
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.bound = ln.Addr()
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address once started, else the configured one.
func (s *Server) Addr() string {
	if s.bound != nil {
		return s.bound.String()
	}
	return s.addr
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Hook    string `json:"hook,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	}
	if s.hookState != nil {
		resp.Hook = s.hookState()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.events()); err != nil {
		s.logger.Debug("encode events failed", zap.Error(err))
	}
}

func (s *Server) handleEventsPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(eventsPage))
}

// eventsPage lists /api/events newest first and refreshes every two seconds.
const eventsPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>photonring</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #444; padding: 4px 8px; text-align: left; }
.high { color: #f55; font-weight: bold; }
.info { color: #8c8; }
</style>
</head>
<body>
<h1>photonring: kprobe registrations</h1>
<p id="status">loading</p>
<table>
<thead><tr><th>seq</th><th>time</th><th>type</th><th>data</th><th>severity</th></tr></thead>
<tbody id="rows"></tbody>
</table>
<script>
function cell(tr, text, cls) {
  var td = document.createElement("td");
  td.textContent = text;
  if (cls) td.className = cls;
  tr.appendChild(td);
}
function refresh() {
  fetch("/api/events").then(function (r) { return r.json(); }).then(function (events) {
    var rows = document.getElementById("rows");
    rows.textContent = "";
    (events || []).slice().reverse().forEach(function (ev) {
      var tr = document.createElement("tr");
      cell(tr, ev.seq);
      cell(tr, new Date(ev.ts * 1000).toLocaleString());
      cell(tr, ev.type);
      cell(tr, JSON.stringify(ev.data));
      cell(tr, ev.severity, ev.severity);
      rows.appendChild(tr);
    });
    document.getElementById("status").textContent =
      (events || []).length + " events, updated " + new Date().toLocaleTimeString();
  }).catch(function () {});
}
setInterval(refresh, 2000);
refresh();
</script>
</body>
</html>
`
