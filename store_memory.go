package main

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type memoryPeer struct {
	lastSeen time.Time
	addr     PeerAddr
}

type memoryTorrent struct {
	roles     [2]map[HashID]*memoryPeer // indexed by Role
	mu        sync.RWMutex
	downloads int32
	removed   bool // set under mu once the torrent left the store map
}

// MemoryStore is a process-local SwarmStore. Lock ordering: store -> torrent.
type MemoryStore struct {
	torrents  map[HashID]*memoryTorrent
	blacklist atomic.Pointer[map[HashID]struct{}]
	now       func() time.Time
	mu        sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		torrents: make(map[HashID]*memoryTorrent),
		now:      time.Now,
	}
}

func (s *MemoryStore) getOrCreateTorrent(hash HashID) *memoryTorrent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.torrents[hash]; ok {
		return t
	}
	t := &memoryTorrent{roles: [2]map[HashID]*memoryPeer{
		make(map[HashID]*memoryPeer),
		make(map[HashID]*memoryPeer),
	}}
	s.torrents[hash] = t
	log.Debug().Str("info_hash", hash.String()).Msg("created torrent")
	return t
}

func (s *MemoryStore) getTorrent(hash HashID) *memoryTorrent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.torrents[hash]
}

// lockLiveTorrent returns the torrent for hash with its write lock held.
// A torrent dropped by the reaper between lookup and locking is looked up again.
func (s *MemoryStore) lockLiveTorrent(hash HashID) *memoryTorrent {
	for {
		t := s.getOrCreateTorrent(hash)
		t.mu.Lock()
		if !t.removed {
			return t
		}
		t.mu.Unlock()
	}
}

func (s *MemoryStore) UpsertPeer(_ context.Context, infoHash, peerID HashID, addr PeerAddr, role Role) error {
	t := s.lockLiveTorrent(infoHash)
	delete(t.roles[role.Opposite()], peerID)
	t.roles[role][peerID] = &memoryPeer{addr: addr, lastSeen: s.now()}
	t.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, infoHash, peerID HashID) error {
	t := s.getTorrent(infoHash)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	delete(t.roles[RoleSeeder], peerID)
	delete(t.roles[RoleLeecher], peerID)
	t.mu.Unlock()
	return nil
}

func (s *MemoryStore) PromotePeer(_ context.Context, infoHash, peerID HashID) (bool, error) {
	t := s.getTorrent(infoHash)
	if t == nil {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.roles[RoleLeecher][peerID]
	if !ok {
		return false, nil
	}
	delete(t.roles[RoleLeecher], peerID)
	p.lastSeen = s.now()
	t.roles[RoleSeeder][peerID] = p
	t.downloads++
	return true, nil
}

// SamplePeers picks a random starting offset and walks the role's members from
// there, so repeated calls do not keep returning the same prefix.
func (s *MemoryStore) SamplePeers(
	_ context.Context, infoHash HashID, role Role, limit int, exclude HashID,
) ([]PeerAddr, error) {
	if limit <= 0 {
		return nil, nil
	}
	t := s.getTorrent(infoHash)
	if t == nil {
		return nil, nil
	}

	t.mu.RLock()
	all := make([]PeerAddr, 0, len(t.roles[role]))
	for id, p := range t.roles[role] {
		if id != exclude {
			all = append(all, p.addr)
		}
	}
	t.mu.RUnlock()

	if len(all) == 0 {
		return nil, nil
	}

	n := min(limit, len(all))
	peers := make([]PeerAddr, 0, n)
	//nolint:gosec // G404: math/rand acceptable for peer selection
	start := rand.Intn(len(all))
	for i := range n {
		peers = append(peers, all[(start+i)%len(all)])
	}
	return peers, nil
}

func (s *MemoryStore) Stats(_ context.Context, infoHash HashID) (TorrentStats, error) {
	var st TorrentStats
	t := s.getTorrent(infoHash)
	if t == nil {
		return st, nil
	}
	t.mu.RLock()
	//nolint:gosec // set sizes are bounded well below int32
	st.Seeders = int32(len(t.roles[RoleSeeder]))
	//nolint:gosec // set sizes are bounded well below int32
	st.Leechers = int32(len(t.roles[RoleLeecher]))
	st.Downloads = t.downloads
	t.mu.RUnlock()
	return st, nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, infoHash HashID) (bool, error) {
	m := s.blacklist.Load()
	if m == nil {
		return false, nil
	}
	_, ok := (*m)[infoHash]
	return ok, nil
}

func (s *MemoryStore) ReplaceBlacklist(_ context.Context, hashes []HashID) error {
	m := make(map[HashID]struct{}, len(hashes))
	for _, h := range hashes {
		m[h] = struct{}{}
	}
	s.blacklist.Store(&m)
	return nil
}

// Reap removes stale peers, then drops torrents left empty.
// Downloads of a dropped torrent are forgotten with it.
func (s *MemoryStore) Reap(_ context.Context, deadline time.Time) (int, error) {
	// Snapshot to allow concurrent access during cleanup
	s.mu.RLock()
	hashes := make([]HashID, 0, len(s.torrents))
	for h := range s.torrents {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()

	removed := 0
	var empty []HashID
	for _, hash := range hashes {
		n, isEmpty := s.reapTorrent(hash, deadline)
		removed += n
		if isEmpty {
			empty = append(empty, hash)
		}
	}

	if len(empty) > 0 {
		s.removeEmptyTorrents(empty)
	}
	return removed, nil
}

func (s *MemoryStore) reapTorrent(hash HashID, deadline time.Time) (removed int, isEmpty bool) {
	t := s.getTorrent(hash)
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, peers := range t.roles {
		for id, p := range peers {
			if p.lastSeen.Before(deadline) {
				delete(peers, id)
				removed++
			}
		}
	}
	return removed, len(t.roles[RoleSeeder])+len(t.roles[RoleLeecher]) == 0
}

// removeEmptyTorrents deletes torrents that are still empty after reaping.
func (s *MemoryStore) removeEmptyTorrents(empty []HashID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range empty {
		t, ok := s.torrents[hash]
		if !ok {
			continue
		}
		t.mu.Lock()
		stillEmpty := len(t.roles[RoleSeeder])+len(t.roles[RoleLeecher]) == 0
		if stillEmpty {
			t.removed = true
			delete(s.torrents, hash)
		}
		t.mu.Unlock()
		if stillEmpty {
			log.Debug().Str("info_hash", hash.String()).Msg("removed inactive torrent")
		}
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
