package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// SwarmStore keeps per-torrent seeder/leecher sets and counters.
//
// Every set operation is atomic at the store level. Multi-step sequences
// built on top of it (mutate, sample, stats) are not.
type SwarmStore interface {
	// UpsertPeer inserts or replaces peerID in role's set, removes it from the
	// opposite set and refreshes its last-seen marker.
	UpsertPeer(ctx context.Context, infoHash, peerID HashID, addr PeerAddr, role Role) error
	// RemovePeer removes peerID from both sets. Absent peers are not an error.
	RemovePeer(ctx context.Context, infoHash, peerID HashID) error
	// PromotePeer moves peerID from leechers to seeders and counts one download.
	// It reports false, and changes nothing, when peerID is not a leecher.
	PromotePeer(ctx context.Context, infoHash, peerID HashID) (bool, error)
	// SamplePeers returns up to limit addresses from role's set, never exclude.
	SamplePeers(ctx context.Context, infoHash HashID, role Role, limit int, exclude HashID) ([]PeerAddr, error)
	// Stats returns set cardinalities and the downloads counter. Unknown torrents are all zero.
	Stats(ctx context.Context, infoHash HashID) (TorrentStats, error)
	IsBlacklisted(ctx context.Context, infoHash HashID) (bool, error)
	ReplaceBlacklist(ctx context.Context, hashes []HashID) error
	// Reap removes peers last seen before deadline and returns how many were removed.
	Reap(ctx context.Context, deadline time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// StoreError wraps any failure of the backing store, timeouts included.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// newStore builds the configured store adapter.
func newStore(cfg StoreConfig) (SwarmStore, error) {
	switch cfg.Driver {
	case storeDriverRedis:
		return NewRedisStore(cfg), nil
	case storeDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// connectStore pings the store with exponential backoff until it answers,
// ctx is canceled or maxElapsed passes.
func connectStore(ctx context.Context, store SwarmStore, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return store.Ping(pctx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("store not ready")
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}
