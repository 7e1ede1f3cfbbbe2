// Command benchmark drives a UDP tracker with simulated swarms.
//
// Every worker plays one peer: it connects, then loops over a shared pool of
// info hashes announcing with a rotating event and role, and scrapes a batch
// of hashes once per round. Requests are paced by a single token bucket.
//
// Usage: go run ./benchmark -target 127.0.0.1:1337 -duration 30s -workers 100 -rate 20000
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	protocolID      = 0x41727101980
	actionConnect   = 0
	actionAnnounce  = 1
	actionScrape    = 2
	actionError     = 3
	responseTimeout = 5 * time.Second
	connIDLifetime  = time.Minute
)

// BEP 15 announce events
const (
	eventNone uint32 = iota
	eventCompleted
	eventStarted
	eventStopped
)

var errTrackerError = errors.New("tracker returned an error response")

type options struct {
	target   string
	duration time.Duration
	workers  int
	rate     float64
	hashes   int
	scrapeN  int
	numWant  int
	debug    bool
}

// latencies collects samples for one request kind.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  atomic.Uint64
	errResp atomic.Uint64
}

func (l *latencies) record(d time.Duration, err error) {
	switch {
	case errors.Is(err, errTrackerError):
		l.errResp.Add(1)
	case err != nil:
		l.failed.Add(1)
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencies) snapshot() []time.Duration {
	l.mu.Lock()
	s := slices.Clone(l.samples)
	l.mu.Unlock()
	slices.Sort(s)
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100)
	return sorted[min(idx, len(sorted)-1)]
}

type bench struct {
	opts     options
	limiter  *rate.Limiter
	pool     [][20]byte
	connect  latencies
	announce latencies
	scrape   latencies
	peers    atomic.Uint64
}

func newBench(opts options) *bench {
	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	b := &bench{
		opts:    opts,
		limiter: rate.NewLimiter(limit, max(1, opts.workers)),
		pool:    make([][20]byte, opts.hashes),
	}
	for i := range b.pool {
		binary.BigEndian.PutUint64(b.pool[i][0:8], uint64(i)+1)
		copy(b.pool[i][8:], "bench-swarm!")
	}
	return b
}

func (b *bench) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.duration)
	defer cancel()

	log.Info().
		Str("target", b.opts.target).
		Dur("duration", b.opts.duration).
		Int("workers", b.opts.workers).
		Float64("rate", b.opts.rate).
		Int("hashes", b.opts.hashes).
		Msg("starting benchmark")

	start := time.Now()
	var wg sync.WaitGroup
	for id := range b.opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.worker(ctx, id); err != nil {
				log.Warn().Err(err).Int("worker", id).Msg("worker stopped")
			}
		}()
	}
	go b.progress(ctx, start)

	wg.Wait()
	b.report(time.Since(start))
}

func (b *bench) worker(ctx context.Context, id int) error {
	conn, err := net.Dial("udp4", b.opts.target)
	if err != nil {
		return err
	}
	defer conn.Close()

	var peerID [20]byte
	copy(peerID[:8], "-BT0100-")
	binary.BigEndian.PutUint64(peerID[8:16], uint64(id))
	binary.BigEndian.PutUint32(peerID[16:20], rand.Uint32())

	rng := rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano())))
	port := uint16(10000 + id%50000)

	var connID uint64
	var connAt time.Time
	for round := 0; ctx.Err() == nil; round++ {
		if time.Since(connAt) > connIDLifetime {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil
			}
			start := time.Now()
			connID, err = doConnect(conn)
			b.connect.record(time.Since(start), err)
			if err != nil {
				continue
			}
			connAt = time.Now()
		}

		for _, hash := range b.pool {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil
			}
			event, left := pickEvent(rng, round)
			start := time.Now()
			n, err := doAnnounce(conn, connID, hash, peerID, event, left, int32(b.opts.numWant), port)
			b.announce.record(time.Since(start), err)
			b.peers.Add(uint64(n))
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return nil
		}
		batch := b.pool[:min(b.opts.scrapeN, len(b.pool))]
		start := time.Now()
		err = doScrape(conn, connID, batch)
		b.scrape.record(time.Since(start), err)
	}
	return nil
}

// pickEvent mixes the lifecycle of a real client: mostly periodic announces,
// some starts and completions, and the occasional stop.
func pickEvent(rng *rand.Rand, round int) (event uint32, left int64) {
	left = 1 << 20
	if round == 0 {
		return eventStarted, left
	}
	switch r := rng.IntN(100); {
	case r < 5:
		return eventStopped, left
	case r < 15:
		return eventCompleted, 0
	case r < 25:
		return eventStarted, left
	case r < 55:
		return eventNone, 0
	default:
		return eventNone, left
	}
}

func exchange(conn net.Conn, req []byte, buf []byte, action, txID uint32) (int, error) {
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 8 || binary.BigEndian.Uint32(buf[4:8]) != txID {
		return 0, fmt.Errorf("unexpected response of %d bytes", n)
	}
	switch binary.BigEndian.Uint32(buf[0:4]) {
	case action:
		return n, nil
	case actionError:
		return n, fmt.Errorf("%w: %s", errTrackerError, buf[8:n])
	default:
		return 0, fmt.Errorf("unexpected action %d", binary.BigEndian.Uint32(buf[0:4]))
	}
}

func doConnect(conn net.Conn) (uint64, error) {
	txID := rand.Uint32()
	req := binary.BigEndian.AppendUint64(nil, protocolID)
	req = binary.BigEndian.AppendUint32(req, actionConnect)
	req = binary.BigEndian.AppendUint32(req, txID)

	buf := make([]byte, 16)
	n, err := exchange(conn, req, buf, actionConnect, txID)
	if err != nil {
		return 0, err
	}
	if n != 16 {
		return 0, fmt.Errorf("connect response of %d bytes", n)
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

// doAnnounce returns the number of peers in the response.
func doAnnounce(conn net.Conn, connID uint64, hash, peerID [20]byte, event uint32, left int64, numWant int32, port uint16) (int, error) {
	txID := rand.Uint32()
	req := make([]byte, 0, 98)
	req = binary.BigEndian.AppendUint64(req, connID)
	req = binary.BigEndian.AppendUint32(req, actionAnnounce)
	req = binary.BigEndian.AppendUint32(req, txID)
	req = append(req, hash[:]...)
	req = append(req, peerID[:]...)
	req = binary.BigEndian.AppendUint64(req, 0) // downloaded
	req = binary.BigEndian.AppendUint64(req, uint64(left))
	req = binary.BigEndian.AppendUint64(req, 0) // uploaded
	req = binary.BigEndian.AppendUint32(req, event)
	req = binary.BigEndian.AppendUint32(req, 0) // ip
	req = binary.BigEndian.AppendUint32(req, rand.Uint32())
	req = binary.BigEndian.AppendUint32(req, uint32(numWant))
	req = binary.BigEndian.AppendUint16(req, port)

	buf := make([]byte, 1500)
	n, err := exchange(conn, req, buf, actionAnnounce, txID)
	if err != nil || n < 20 {
		return 0, err
	}
	return (n - 20) / 6, nil
}

func doScrape(conn net.Conn, connID uint64, hashes [][20]byte) error {
	txID := rand.Uint32()
	req := binary.BigEndian.AppendUint64(nil, connID)
	req = binary.BigEndian.AppendUint32(req, actionScrape)
	req = binary.BigEndian.AppendUint32(req, txID)
	for _, h := range hashes {
		req = append(req, h[:]...)
	}

	buf := make([]byte, 8+12*len(hashes))
	n, err := exchange(conn, req, buf, actionScrape, txID)
	if err == nil && n != len(buf) {
		return fmt.Errorf("scrape response of %d bytes, want %d", n, len(buf))
	}
	return err
}

func (b *bench) progress(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := len(b.connect.snapshot()) + len(b.announce.snapshot()) + len(b.scrape.snapshot())
			elapsed := time.Since(start)
			log.Info().
				Dur("elapsed", elapsed.Round(time.Second)).
				Int("responses", total).
				Float64("rps", float64(total)/elapsed.Seconds()).
				Msg("progress")
		}
	}
}

func (b *bench) report(elapsed time.Duration) {
	var total int
	for _, k := range []struct {
		name string
		lat  *latencies
	}{
		{"connect", &b.connect},
		{"announce", &b.announce},
		{"scrape", &b.scrape},
	} {
		s := k.lat.snapshot()
		total += len(s)
		log.Info().
			Str("kind", k.name).
			Int("ok", len(s)).
			Uint64("error_responses", k.lat.errResp.Load()).
			Uint64("failed", k.lat.failed.Load()).
			Dur("p50", percentile(s, 50)).
			Dur("p95", percentile(s, 95)).
			Dur("p99", percentile(s, 99)).
			Dur("max", percentile(s, 100)).
			Msg("latency")
	}

	announces := len(b.announce.snapshot())
	var avgPeers float64
	if announces > 0 {
		avgPeers = float64(b.peers.Load()) / float64(announces)
	}
	log.Info().
		Dur("elapsed", elapsed.Round(time.Millisecond)).
		Int("responses", total).
		Float64("rps", float64(total)/elapsed.Seconds()).
		Float64("avg_peers", avgPeers).
		Msg("benchmark complete")
}

func main() {
	var o options
	flag.StringVar(&o.target, "target", "127.0.0.1:1337", "tracker address (host:port)")
	flag.DurationVar(&o.duration, "duration", 30*time.Second, "benchmark duration")
	flag.IntVar(&o.workers, "workers", 100, "number of simulated peers")
	flag.Float64Var(&o.rate, "rate", 0, "total requests per second across workers (0 = unlimited)")
	flag.IntVar(&o.hashes, "hashes", 20, "info hashes shared by all workers")
	flag.IntVar(&o.scrapeN, "scrape", 10, "info hashes per scrape request")
	flag.IntVar(&o.numWant, "numwant", 50, "peers requested per announce")
	flag.BoolVar(&o.debug, "debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	if !o.debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if o.workers < 1 || o.hashes < 1 || o.scrapeN < 1 || o.scrapeN > 74 {
		log.Fatal().Msg("workers and hashes must be positive, scrape must be between 1 and 74")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	newBench(o).run(ctx)
}
