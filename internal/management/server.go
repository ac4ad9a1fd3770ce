// Package management serves the daemon's operator surface over HTTP: the
// coordinator state, a health probe, and flat-text counters. Access is
// limited by an address-prefix ACL; with an empty ACL every client is
// admitted.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"dfp/internal/logging"
)

type Server struct {
	snapshot func() any
	metrics  func() map[string]float64
	log      *logging.Logger
	server   *http.Server
	listener net.Listener

	aclMu sync.RWMutex
	acl   []netip.Prefix
}

type Option func(*Server)

// WithMetrics exposes the callback's counters on /metrics.
func WithMetrics(fn func() map[string]float64) Option {
	return func(s *Server) { s.metrics = fn }
}

func WithACL(prefixes []netip.Prefix) Option {
	return func(s *Server) { s.SetACL(prefixes) }
}

func New(bind string, snapshot func() any, log *logging.Logger, opts ...Option) (*Server, error) {
	if bind == "" {
		bind = "127.0.0.1:7878"
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("management listen: %w", err)
	}

	s := &Server{
		snapshot: snapshot,
		log:      log,
		listener: listener,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.guarded(s.handleState))
	mux.HandleFunc("/healthz", s.guarded(s.handleHealth))
	mux.HandleFunc("/metrics", s.guarded(s.handleMetrics))

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) Start() {
	go func() {
		s.log.Info("management server listening", "addr", s.listener.Addr())
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("management server failed", "err", err)
		}
	}()
}

func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) SetACL(prefixes []netip.Prefix) {
	s.aclMu.Lock()
	s.acl = append([]netip.Prefix(nil), prefixes...)
	s.aclMu.Unlock()
}

func (s *Server) allowed(remote string) bool {
	s.aclMu.RLock()
	acl := s.acl
	s.aclMu.RUnlock()
	if len(acl) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range acl {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	payload, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	values := s.metrics()
	lines := make([]string, 0, len(values))
	for name, value := range values {
		lines = append(lines, strings.ReplaceAll(name, " ", "_")+" "+formatValue(value))
	}
	sort.Strings(lines)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, line := range lines {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

func formatValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}
