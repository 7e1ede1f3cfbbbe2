package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := validConfig()
	cfg.Store.Driver = storeDriverMemory
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func serveHTTP(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.newHTTPServer("127.0.0.1:0").Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBencode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	v, err := bencode.Decode(rec.Body)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected a dictionary, got %T", v)
	return m
}

func TestHTTPScrape(t *testing.T) {
	s := newTestServer(t)
	other := NewHashID([]byte("unknown_torrent_____"))

	seedSwarm(t, s.store, testInfoHash, RoleSeeder, 1, 2)
	seedSwarm(t, s.store, testInfoHash, RoleLeecher, 2, 3)

	q := url.Values{}
	q.Add("info_hash", string(testInfoHash[:]))
	q.Add("info_hash", string(other[:]))
	rec := serveHTTP(s, http.MethodGet, "/scrape?"+q.Encode())

	require.Equal(t, http.StatusOK, rec.Code)
	files, ok := decodeBencode(t, rec)["files"].(map[string]any)
	require.True(t, ok)
	require.Len(t, files, 2)

	assert.Equal(t, map[string]any{
		"complete":   int64(2),
		"downloaded": int64(0),
		"incomplete": int64(3),
	}, files[string(testInfoHash[:])])
	assert.Equal(t, map[string]any{
		"complete":   int64(0),
		"downloaded": int64(0),
		"incomplete": int64(0),
	}, files[string(other[:])])
}

func TestHTTPScrape_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		target string
	}{
		{"no info_hash", "/scrape"},
		{"short info_hash", "/scrape?info_hash=abc"},
		{"hex info_hash", "/scrape?info_hash=" + strings.Repeat("a", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveHTTP(s, http.MethodGet, tt.target)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBencode(t, rec), "failure reason")
		})
	}

	t.Run("wrong method", func(t *testing.T) {
		rec := serveHTTP(s, http.MethodPost, "/scrape")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHTTPScrape_StoreError(t *testing.T) {
	s := newTestServer(t)
	s.tr.store = &failingStore{SwarmStore: s.store, failOn: "stats"}

	rec := serveHTTP(s, http.MethodGet, "/scrape?info_hash="+url.QueryEscape(string(testInfoHash[:])))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgInternal, decodeBencode(t, rec)["failure reason"])
}

func TestHealthz(t *testing.T) {
	t.Run("store up", func(t *testing.T) {
		s := newTestServer(t)
		rec := serveHTTP(s, http.MethodGet, "/healthz")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok\n", rec.Body.String())
	})

	t.Run("store down", func(t *testing.T) {
		s := newTestServer(t)
		redisStore, mr := newTestRedisStore(t)
		mr.Close()
		s.store = redisStore

		rec := serveHTTP(s, http.MethodGet, "/healthz")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.tr.handlePacket(context.Background(), clientAddr, buildConnectPacket(1))

	rec := serveHTTP(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `tracker_packets_received_total{action="connect"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
