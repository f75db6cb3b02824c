// Package server exposes the gateway's health over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"larkgate/pkg/config"
	"larkgate/pkg/logger"
)

// HealthChecker reports per-channel health. channels.Manager satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) map[string]error
}

type Health struct {
	Status   string            `json:"status"`
	Channels map[string]string `json:"channels"`
	Token    string            `json:"token,omitempty"`
	Uptime   string            `json:"uptime"`
}

type Server struct {
	addr    string
	started time.Time

	mu         sync.RWMutex
	channels   HealthChecker
	tokenCheck func() error
	server     *http.Server
	listener   net.Listener
}

func NewServer(cfg config.GatewayConfig) *Server {
	return &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		started: time.Now(),
	}
}

// SetChannels swaps the checker, e.g. after a config reload built a new
// channel manager.
func (s *Server) SetChannels(hc HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = hc
}

// SetTokenCheck adds the token refresher to the report. nil removes it.
func (s *Server) SetTokenCheck(check func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCheck = check
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	return s.withCORS(mux)
}

// Start binds the listener before returning so a busy port is reported to the
// caller, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	logger.InfoCF("server", "Starting health server", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("server", "Health server failed", map[string]interface{}{
				logger.FieldError: err.Error(),
			})
		}
	}()
	return nil
}

// Addr is the bound address once started, or the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	logger.InfoC("server", "Stopping health server")
	return srv.Shutdown(ctx)
}

// Check builds the health report. Status is "ok" only when every channel and
// the token refresher are healthy.
func (s *Server) Check(ctx context.Context) Health {
	s.mu.RLock()
	channels := s.channels
	tokenCheck := s.tokenCheck
	s.mu.RUnlock()

	h := Health{
		Status:   "ok",
		Channels: map[string]string{},
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
	}
	if channels != nil {
		results := channels.CheckHealth(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := results[name]; err != nil {
				h.Channels[name] = err.Error()
				h.Status = "degraded"
				continue
			}
			h.Channels[name] = "ok"
		}
	}
	if tokenCheck != nil {
		if err := tokenCheck(); err != nil {
			h.Token = err.Error()
			h.Status = "degraded"
		} else {
			h.Token = "ok"
		}
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h := s.Check(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "larkgate gateway running\nTime: %s\n", time.Now().Format(time.RFC3339))
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
