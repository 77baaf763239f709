// Package hub implements the per-session telemetry hub: a loopback websocket
// server that keeps the authoritative agent registry for one session, fans
// state out to subscribers and routes commands to publishers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server serves one session's hub over HTTP.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// New creates a hub server for cfg.SessionID.
func New(cfg Config, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("session_id", cfg.SessionID).Logger()
	return &Server{
		cfg:      cfg,
		log:      logger,
		registry: NewRegistry(cfg, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     loopbackOrigin,
		},
	}
}

// Registry exposes the server's registry.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWS)
	return loopbackOnly(mux)
}

// SessionHeader carries the hub's session id on /health responses so a
// supervisor can tell its hub from another session's on a colliding port.
const SessionHeader = "X-Pulse-Session"

// ListenAndServe binds addr, which must be a loopback address, and serves
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := CheckLoopback(addr); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the registry and the HTTP server on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.registry.Run(ctx)
	})

	group.Go(func() error {
		return s.registry.WatchLayout(ctx)
	})

	group.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("hub listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(SessionHeader, s.cfg.SessionID)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	id := "c" + strconv.FormatUint(s.nextID.Add(1), 10)
	newConn(id, ws, s.cfg, s.registry, s.log).serve()
}

// CheckLoopback rejects addresses that would expose the hub beyond this host.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid hub address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("hub address %q is not a loopback address", addr)
	}
	return nil
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !isLoopbackHost(host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Hostname())
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
