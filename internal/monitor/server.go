// Package monitor is an optional local HTTP listener for a running session:
// status JSON, Prometheus metrics, and listen-in audio over plain HTTP or
// WebRTC. It only observes the decoded stream; it is never a call peer.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/pipeline"
)

// StatusFunc reports the session being monitored.
type StatusFunc func() pipeline.Status

// Server serves the monitor endpoints.
type Server struct {
	broadcaster *Broadcaster
	webrtc      *webrtcHandler
	stream      *streamHandler
	status      StatusFunc
	logger      *slog.Logger

	srv *http.Server
	ln  net.Listener
}

// Status is the /api/status body.
type Status struct {
	pipeline.Status
	StreamListeners int `json:"stream_listeners"`
	WebRTCPeers     int `json:"webrtc_peers"`
}

// New builds a monitor for a session of format f. gatherer backs /metrics;
// nil uses the default registry.
func New(f audio.Format, status StatusFunc, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger = logger.With("component", "monitor")

	b := NewBroadcaster()
	s := &Server{
		broadcaster: b,
		webrtc:      newWebRTCHandler(b, f, logger),
		stream:      &streamHandler{broadcaster: b, format: f, logger: logger},
		status:      status,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/stream", s.stream)
	mux.Handle("/offer", s.webrtc)

	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Tap feeds a decoded frame to listeners. It never blocks and is meant to
// be passed to pipeline.WithTap.
func (s *Server) Tap(frame audio.Frame) {
	s.broadcaster.Publish(frame)
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("monitor listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown ends all listeners, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Close()
	s.webrtc.wait()
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := Status{
		StreamListeners: int(s.stream.active.Load()),
		WebRTCPeers:     s.webrtc.PeerCount(),
	}
	if s.status != nil {
		body.Status = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write status", "error", err)
	}
}
