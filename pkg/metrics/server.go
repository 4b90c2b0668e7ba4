// HTTP endpoint for Prometheus scraping
//
// /metrics serves the labcore registry, /health reports liveness with the
// process uptime and /ready asks the daemon whether it accepts commands.
// Scrapes may be protected with basic authentication.
//
// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labcore/pkg/log"
)

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	// Addr to listen on, e.g. ":9100" or "127.0.0.1:0"
	Addr string

	// Username and Password enable basic auth on /metrics
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Ready reports whether the daemon accepts commands; a nil Ready
	// means ready as soon as the endpoint listens
	Ready func() error
}

// DefaultServerConfig returns the built-in endpoint settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes a Metrics registry over HTTP.
type Server struct {
	cfg     ServerConfig
	metrics *Metrics
	handler http.Handler
	http    *http.Server
	log     *log.Logger

	mu      sync.RWMutex
	running bool
	bound   string
}

// NewServer builds the endpoint for m; it does not listen yet.
func NewServer(m *Metrics, cfg ServerConfig) *Server {
	s := &Server{
		cfg:     cfg,
		metrics: m,
		log:     log.GetLogger("metrics"),
	}

	scrape := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		ErrorLog: promLogger{s.log},
	})
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.basicAuth(scrape))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	s.handler = mux

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the endpoint routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("serving metrics on %s", ln.Addr())

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields a serve error,
// if any, and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting scrapes and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// Running reports whether the endpoint listens.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound address once listening, the configured one
// before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bound != "" {
		return s.bound
	}
	return s.cfg.Addr
}

type healthReport struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime_seconds"`
	Listen string  `json:"listen"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthReport{
		Status: "ok",
		Uptime: time.Since(s.metrics.startTime).Seconds(),
		Listen: s.Addr(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	err := s.ready()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "not ready: %v\n", err)
		return
	}
	fmt.Fprintln(w, "ready")
}

func (s *Server) ready() error {
	if !s.Running() {
		return fmt.Errorf("metrics endpoint not listening")
	}
	if s.cfg.Ready != nil {
		return s.cfg.Ready()
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "labcore metrics")
	fmt.Fprintln(w, "  /metrics  Prometheus exposition")
	fmt.Fprintln(w, "  /health   liveness and uptime")
	fmt.Fprintln(w, "  /ready    command server readiness")
}

// basicAuth guards next when credentials are configured.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="labcore metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// promLogger routes promhttp errors to the metrics logger.
type promLogger struct {
	l *log.Logger
}

func (p promLogger) Println(v ...interface{}) {
	p.l.Error("%s", fmt.Sprintln(v...))
}
