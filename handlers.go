package main

import (
	"context"
	"errors"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	msgBlacklisted = "Blacklisted info hash"
	msgZeroPort    = "port cannot be 0"
	msgInternal    = "internal server error"

	peerLockStripes = 256
)

// Tracker holds everything a datagram handler needs. All fields are set once
// by NewTracker and only read afterwards.
type Tracker struct {
	store   SwarmStore
	ids     *ConnectionValidator
	metrics *Metrics
	now     func() time.Time
	cfg     AnnounceConfig
	timeout time.Duration // per request store deadline

	// peerLocks serializes mutations of the same peer in the same torrent.
	peerLocks [peerLockStripes]sync.Mutex
	wg        sync.WaitGroup
}

func NewTracker(store SwarmStore, ids *ConnectionValidator, cfg AnnounceConfig, timeout time.Duration, m *Metrics) *Tracker {
	return &Tracker{
		store:   store,
		ids:     ids,
		metrics: m,
		now:     time.Now,
		cfg:     cfg,
		timeout: timeout,
	}
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPacketSize)
		return &b
	},
}

// getBuffer returns a read buffer of maxPacketSize bytes.
func getBuffer() *[]byte {
	//nolint:forcetypeassert // the pool only holds *[]byte
	return bufferPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	*b = (*b)[:maxPacketSize]
	bufferPool.Put(b)
}

// clampNumWant resolves the requested peer count. Zero, negative and
// over-limit values all mean "as many as allowed".
func clampNumWant(numWant int32, maxWant int) int {
	if numWant <= 0 || int(numWant) > maxWant {
		return maxWant
	}
	return int(numWant)
}

func (tr *Tracker) peerLock(infoHash, peerID HashID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(infoHash[:])
	h.Write(peerID[:])
	return &tr.peerLocks[h.Sum32()%peerLockStripes]
}

// storeFailure logs a store error and builds the generic error response.
func (tr *Tracker) storeFailure(transactionID uint32, err error) []byte {
	log.Error().Err(err).Uint32("transaction_id", transactionID).Msg("store request failed")
	tr.metrics.RecordErrorResponse(errReasonStore)
	return encodeErrorResponse(transactionID, msgInternal)
}

// Request handlers. Each returns the response to send, or nil to drop.

// handleConnect mints a connection ID bound to the client address. The client
// must present it on every announce and scrape.
func (tr *Tracker) handleConnect(addr *net.UDPAddr, req *connectRequest) []byte {
	connectionID := tr.ids.Mint(addr.IP, tr.now())
	log.Debug().
		Stringer("addr", addr).
		Uint32("transaction_id", req.transactionID).
		Msg("connect")
	return encodeConnectResponse(req.transactionID, connectionID)
}

// handleAnnounce registers the peer and answers with a sample of the swarm.
// Peers of the opposite role come first, same-role peers fill any shortfall.
func (tr *Tracker) handleAnnounce(ctx context.Context, addr *net.UDPAddr, req *announceRequest) []byte {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()

	txID := req.transactionID

	blacklisted, err := tr.store.IsBlacklisted(ctx, req.infoHash)
	if err != nil {
		return tr.storeFailure(txID, err)
	}
	if blacklisted {
		log.Info().
			Str("info_hash", req.infoHash.String()).
			Stringer("addr", addr).
			Msg("announce rejected: blacklisted info hash")
		tr.metrics.RecordErrorResponse(errReasonBlacklisted)
		return encodeErrorResponse(txID, msgBlacklisted)
	}

	// A stopping peer is removed whatever port it reports.
	if req.port == 0 && req.event != eventStopped {
		tr.metrics.RecordErrorResponse(errReasonValidation)
		return encodeErrorResponse(txID, msgZeroPort)
	}

	peer := NewPeerAddr(addr.IP, req.port)
	if req.ipAddr != 0 {
		peer.IP = req.ipAddr
	}
	role := roleOf(req.left)
	numWant := clampNumWant(req.numWant, tr.cfg.MaxNumWant)

	if e := log.Debug(); e.Enabled() {
		e.Stringer("addr", addr).
			Str("info_hash", req.infoHash.String()).
			Str("peer_id", req.peerID.String()).
			Stringer("event", req.event).
			Int64("left", req.left).
			Stringer("peer", peer).
			Int("num_want", numWant).
			Uint32("transaction_id", txID).
			Msg("announce")
	}

	if err := tr.updateSwarm(ctx, req, peer, role); err != nil {
		return tr.storeFailure(txID, err)
	}

	peers, err := tr.store.SamplePeers(ctx, req.infoHash, role.Opposite(), numWant, req.peerID)
	if err != nil {
		return tr.storeFailure(txID, err)
	}
	if short := numWant - len(peers); short > 0 {
		more, err := tr.store.SamplePeers(ctx, req.infoHash, role, short, req.peerID)
		if err != nil {
			return tr.storeFailure(txID, err)
		}
		peers = append(peers, more...)
	}

	stats, err := tr.store.Stats(ctx, req.infoHash)
	if err != nil {
		return tr.storeFailure(txID, err)
	}

	tr.metrics.RecordAnnounce(req.event, len(peers))
	log.Debug().
		Int32("seeders", stats.Seeders).
		Int32("leechers", stats.Leechers).
		Int("peers", len(peers)).
		Msg("announce response")

	return encodeAnnounceResponse(txID, tr.cfg.Interval(), stats.Leechers, stats.Seeders, peers)
}

// updateSwarm applies the announce event to the store.
func (tr *Tracker) updateSwarm(ctx context.Context, req *announceRequest, peer PeerAddr, role Role) error {
	mu := tr.peerLock(req.infoHash, req.peerID)
	mu.Lock()
	defer mu.Unlock()

	switch req.event {
	case eventStopped:
		return tr.store.RemovePeer(ctx, req.infoHash, req.peerID)

	case eventCompleted:
		promoted, err := tr.store.PromotePeer(ctx, req.infoHash, req.peerID)
		if err != nil || promoted {
			return err
		}
		// Not a leecher (unknown, or a repeated completed): store it as a
		// seeder without counting another download.
		return tr.store.UpsertPeer(ctx, req.infoHash, req.peerID, peer, RoleSeeder)

	case eventNone, eventStarted:
		return tr.store.UpsertPeer(ctx, req.infoHash, req.peerID, peer, role)

	default:
		log.Warn().
			Uint32("event", uint32(req.event)).
			Str("info_hash", req.infoHash.String()).
			Msg("unknown announce event, treating as none")
		return tr.store.UpsertPeer(ctx, req.infoHash, req.peerID, peer, role)
	}
}

// scrapeStats returns one entry per hash, in order. Blacklisted and unknown
// torrents yield zeroed stats.
func (tr *Tracker) scrapeStats(ctx context.Context, hashes []HashID) ([]TorrentStats, error) {
	stats := make([]TorrentStats, len(hashes))
	for i, h := range hashes {
		blacklisted, err := tr.store.IsBlacklisted(ctx, h)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			continue
		}
		if stats[i], err = tr.store.Stats(ctx, h); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// handleScrape lets clients ask for torrent statistics without announcing.
func (tr *Tracker) handleScrape(ctx context.Context, addr *net.UDPAddr, req *scrapeRequest) []byte {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()

	log.Debug().
		Stringer("addr", addr).
		Int("hashes", len(req.infoHashes)).
		Uint32("transaction_id", req.transactionID).
		Msg("scrape")

	stats, err := tr.scrapeStats(ctx, req.infoHashes)
	if err != nil {
		return tr.storeFailure(req.transactionID, err)
	}
	return encodeScrapeResponse(req.transactionID, stats)
}

// handlePacket decodes one datagram and routes it by action. Announce and
// scrape require a valid connection ID; anything that fails decoding or
// validation is dropped.
func (tr *Tracker) handlePacket(ctx context.Context, addr *net.UDPAddr, packet []byte) []byte {
	start := time.Now()

	if addr.IP.To4() == nil {
		tr.metrics.RecordDrop(dropNonIPv4)
		return nil
	}

	req, err := decodeRequest(packet)
	if err != nil {
		log.Debug().Err(err).Stringer("addr", addr).Msg("dropping packet")
		tr.metrics.RecordDrop(dropMalformed)
		return nil
	}

	hdr := req.header()
	defer func() { tr.metrics.RecordPacket(hdr.action, time.Since(start)) }()

	if hdr.action != actionConnect && !tr.ids.Validate(hdr.connectionID, addr.IP, tr.now()) {
		log.Debug().
			Stringer("addr", addr).
			Stringer("action", hdr.action).
			Uint64("connection_id", hdr.connectionID).
			Msg("invalid or expired connection id")
		tr.metrics.RecordDrop(dropConnectionID)
		return nil
	}

	switch r := req.(type) {
	case *connectRequest:
		return tr.handleConnect(addr, r)
	case *announceRequest:
		return tr.handleAnnounce(ctx, addr, r)
	case *scrapeRequest:
		return tr.handleScrape(ctx, addr, r)
	default:
		return nil
	}
}

// listen reads datagrams and handles each in its own goroutine, at most
// workers at a time. Handlers outlive ctx so in-flight requests can finish
// during shutdown; Run waits on tr.wg.
func (tr *Tracker) listen(ctx context.Context, conn *net.UDPConn, workers int) {
	sem := make(chan struct{}, workers)
	handlerCtx := context.WithoutCancel(ctx)

	for {
		readBuf := getBuffer()

		n, clientAddr, err := conn.ReadFromUDP(*readBuf)
		if err != nil {
			putBuffer(readBuf)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("failed to read UDP packet")
			continue
		}
		*readBuf = (*readBuf)[:n]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			putBuffer(readBuf)
			tr.metrics.RecordDrop(dropBusy)
			return
		}

		tr.wg.Add(1)
		go func(addr *net.UDPAddr, buf *[]byte) {
			defer tr.wg.Done()
			defer func() { <-sem }()
			defer putBuffer(buf)

			tr.metrics.InFlight.Inc()
			defer tr.metrics.InFlight.Dec()

			response := tr.handlePacket(handlerCtx, addr, *buf)
			if response == nil {
				return
			}
			if _, err := conn.WriteToUDP(response, addr); err != nil {
				log.Debug().Err(err).Stringer("addr", addr).Msg("failed to send response")
			}
		}(clientAddr, readBuf)
	}
}
