package main

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// scrapeFile is one entry of a BEP 48 scrape response.
type scrapeFile struct {
	Complete   int32 `bencode:"complete"`
	Downloaded int32 `bencode:"downloaded"`
	Incomplete int32 `bencode:"incomplete"`
}

type scrapeBody struct {
	Files map[string]scrapeFile `bencode:"files"`
}

type failureBody struct {
	Reason string `bencode:"failure reason"`
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/scrape", s.handleHTTPScrape)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// handleHealthz reports whether the swarm store answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Store.Timeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// handleHTTPScrape answers GET /scrape?info_hash=...&info_hash=... with a
// bencoded BEP 48 dictionary keyed by the raw info hashes.
func (s *Server) handleHTTPScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeBencode(w, http.StatusMethodNotAllowed, failureBody{Reason: "method not allowed"})
		return
	}

	raw := r.URL.Query()["info_hash"]
	if len(raw) == 0 || len(raw) > maxScrapeHashes {
		writeBencode(w, http.StatusBadRequest, failureBody{Reason: "invalid number of info_hash parameters"})
		return
	}

	hashes := make([]HashID, len(raw))
	for i, h := range raw {
		if len(h) != infoHashSize {
			writeBencode(w, http.StatusBadRequest, failureBody{Reason: "info_hash must be 20 bytes"})
			return
		}
		hashes[i] = NewHashID([]byte(h))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Store.Timeout)
	defer cancel()

	stats, err := s.tr.scrapeStats(ctx, hashes)
	if err != nil {
		log.Error().Err(err).Msg("http scrape failed")
		s.metrics.RecordErrorResponse(errReasonStore)
		writeBencode(w, http.StatusInternalServerError, failureBody{Reason: msgInternal})
		return
	}

	body := scrapeBody{Files: make(map[string]scrapeFile, len(hashes))}
	for i, h := range hashes {
		body.Files[string(h[:])] = scrapeFile{
			Complete:   stats[i].Seeders,
			Downloaded: stats[i].Downloads,
			Incomplete: stats[i].Leechers,
		}
	}
	writeBencode(w, http.StatusOK, body)
}

func writeBencode(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		log.Error().Err(err).Msg("failed to encode bencode response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
