package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Server struct {
	cfg      *Config
	tr       *Tracker
	store    SwarmStore
	metrics  *Metrics
	registry *prometheus.Registry
}

// NewServer wires the store, validator, metrics and tracker from cfg.
// Nothing touches the network until Run.
func NewServer(cfg *Config) (*Server, error) {
	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetrics(reg)

	ids := NewConnectionValidator(cfg.Server.Secret, cfg.Server.ConnectionIDTTL)
	return &Server{
		cfg:      cfg,
		tr:       NewTracker(store, ids, cfg.Announce, cfg.Store.Timeout, m),
		store:    store,
		metrics:  m,
		registry: reg,
	}, nil
}

// Run starts the server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Server.Secret == fallbackSecret {
		log.Warn().Msg("using insecure default secret key, set -secret or BT_TRACKER__SECRET for production use")
	}
	log.Info().Str("version", version).Str("store", s.cfg.Store.Driver).Msg("starting bt-tracker")
	log.Debug().Msg("debug mode is enabled")

	defer func() {
		if err := s.store.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close store")
		}
	}()

	if err := connectStore(ctx, s.store, s.cfg.Store.ConnectTimeout); err != nil {
		return err
	}

	conn, err := listenUDP(s.cfg.Server.Bind, s.cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on IPv4: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close UDP connection")
		}
	}()
	log.Info().Stringer("addr", conn.LocalAddr()).Int("workers", s.cfg.workers()).Msg("UDP tracker listening")

	if s.cfg.Blacklist.Path != "" {
		err := startBlacklistManager(ctx, s.cfg.Blacklist.Path, s.cfg.Blacklist.Refresh, s.store, s.cfg.Store.Timeout)
		if err != nil {
			return err
		}
	}

	if s.cfg.Store.ReapInterval > 0 {
		go s.reapLoop(ctx)
	}

	var httpSrv *http.Server
	if s.cfg.Metrics.Enabled {
		httpSrv = s.newHTTPServer(s.cfg.Metrics.Addr)
		go func() {
			log.Info().Str("addr", s.cfg.Metrics.Addr).Msg("HTTP server listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		s.tr.listen(ctx, conn, s.cfg.workers())
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	// Unblock the reader but keep the socket open so in-flight handlers can still reply.
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		log.Debug().Err(err).Msg("failed to interrupt UDP reader")
	}
	<-listenDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Debug().Err(err).Msg("failed to shut down HTTP server")
		}
	}

	log.Info().Msg("waiting for in-flight requests to complete...")
	done := make(chan struct{})
	go func() {
		s.tr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		log.Warn().Msg("forcing shutdown after timeout, some handlers incomplete")
		return fmt.Errorf("shutdown timeout")
	}
}

// reapLoop periodically removes peers that stopped announcing.
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Store.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *Server) reap(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Store.ReapInterval)
	defer cancel()

	start := time.Now()
	removed, err := s.store.Reap(ctx, start.Add(-s.cfg.Store.PeerTTL))
	s.metrics.PeersReaped.Add(float64(removed))
	if err != nil {
		log.Error().Err(err).Int("removed", removed).Msg("reap failed")
		return
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("took", time.Since(start)).Msg("reaped stale peers")
	}
}

// listenUDP creates an IPv4 UDP listener on bind:port.
func listenUDP(bind string, port int) (*net.UDPConn, error) {
	ip := net.ParseIP(bind)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bind address %q is not IPv4", bind)
	}
	return net.ListenUDP("udp4", &net.UDPAddr{IP: ip.To4(), Port: port})
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
