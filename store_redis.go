package main

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves a leecher into the seeder set and counts the download
// in one atomic step. Non-leechers are left untouched.
//
//	KEYS: leechers, seeders, downloads, seen   ARGV: peer_id, now
var promoteScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('SADD', KEYS[2], ARGV[1])
  redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// reapScript selects and removes stale peers of one torrent in a single step,
// so a peer refreshing its last-seen score concurrently is never removed.
// The torrent leaves the index once no peer is left.
//
//	KEYS: seen, seeders, leechers, peers, index   ARGV: max score (exclusive), info hash
var reapScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(stale) do
  redis.call('SREM', KEYS[2], id)
  redis.call('SREM', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('ZREM', KEYS[1], id)
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[5], ARGV[2])
end
return #stale
`)

// RedisStore keeps swarms in Redis:
//
//	{prefix}:{info_hash}:seeders    set of peer ids (hex)
//	{prefix}:{info_hash}:leechers   set of peer ids (hex)
//	{prefix}:{info_hash}:peers      hash peer id -> packed ipv4:4 + port:2
//	{prefix}:{info_hash}:seen       zset peer id -> unix last-seen
//	{prefix}:{info_hash}:downloads  counter
//	{prefix}:index                  set of info hashes with peers
//	{blacklist_key}                 set of blocked info hashes (hex)
type RedisStore struct {
	rdb          redis.UniversalClient
	now          func() time.Time
	prefix       string
	blacklistKey string
}

func NewRedisStore(cfg StoreConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return newRedisStoreWithClient(rdb, cfg.KeyPrefix, cfg.BlacklistKey)
}

func newRedisStoreWithClient(rdb redis.UniversalClient, prefix, blacklistKey string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, blacklistKey: blacklistKey, now: time.Now}
}

func (s *RedisStore) key(infoHash HashID, suffix string) string {
	return s.prefix + ":" + infoHash.String() + ":" + suffix
}

func (s *RedisStore) roleKey(infoHash HashID, role Role) string {
	return s.key(infoHash, role.String())
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func packPeerAddr(addr PeerAddr) []byte {
	b := make([]byte, 0, peerAddrSize)
	b = binary.BigEndian.AppendUint32(b, addr.IP)
	return binary.BigEndian.AppendUint16(b, addr.Port)
}

func unpackPeerAddr(b string) (PeerAddr, bool) {
	if len(b) != peerAddrSize {
		return PeerAddr{}, false
	}
	return PeerAddr{
		IP:   binary.BigEndian.Uint32([]byte(b[0:4])),
		Port: binary.BigEndian.Uint16([]byte(b[4:6])),
	}, true
}

func (s *RedisStore) UpsertPeer(ctx context.Context, infoHash, peerID HashID, addr PeerAddr, role Role) error {
	member := peerID.String()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.roleKey(infoHash, role.Opposite()), member)
		pipe.SAdd(ctx, s.roleKey(infoHash, role), member)
		pipe.HSet(ctx, s.key(infoHash, "peers"), member, packPeerAddr(addr))
		pipe.ZAdd(ctx, s.key(infoHash, "seen"), redis.Z{Score: float64(s.now().Unix()), Member: member})
		pipe.SAdd(ctx, s.indexKey(), infoHash.String())
		return nil
	})
	return storeErr("upsert peer", err)
}

func (s *RedisStore) RemovePeer(ctx context.Context, infoHash, peerID HashID) error {
	member := peerID.String()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.roleKey(infoHash, RoleSeeder), member)
		pipe.SRem(ctx, s.roleKey(infoHash, RoleLeecher), member)
		pipe.HDel(ctx, s.key(infoHash, "peers"), member)
		pipe.ZRem(ctx, s.key(infoHash, "seen"), member)
		return nil
	})
	return storeErr("remove peer", err)
}

func (s *RedisStore) PromotePeer(ctx context.Context, infoHash, peerID HashID) (bool, error) {
	keys := []string{
		s.roleKey(infoHash, RoleLeecher),
		s.roleKey(infoHash, RoleSeeder),
		s.key(infoHash, "downloads"),
		s.key(infoHash, "seen"),
	}
	n, err := promoteScript.Run(ctx, s.rdb, keys, peerID.String(), s.now().Unix()).Int()
	if err != nil {
		return false, storeErr("promote peer", err)
	}
	return n == 1, nil
}

// SamplePeers uses SRANDMEMBER, which picks distinct random members on every call.
// One extra member is drawn so the excluded peer can be filtered out.
func (s *RedisStore) SamplePeers(
	ctx context.Context, infoHash HashID, role Role, limit int, exclude HashID,
) ([]PeerAddr, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := s.rdb.SRandMemberN(ctx, s.roleKey(infoHash, role), int64(limit+1)).Result()
	if err != nil {
		return nil, storeErr("sample peers", err)
	}

	skip := exclude.String()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m != skip && len(ids) < limit {
			ids = append(ids, m)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.HMGet(ctx, s.key(infoHash, "peers"), ids...).Result()
	if err != nil {
		return nil, storeErr("sample peers", err)
	}

	peers := make([]PeerAddr, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // removed between SRANDMEMBER and HMGET
		}
		if addr, ok := unpackPeerAddr(str); ok {
			peers = append(peers, addr)
		}
	}
	return peers, nil
}

func (s *RedisStore) Stats(ctx context.Context, infoHash HashID) (TorrentStats, error) {
	var (
		seeders   *redis.IntCmd
		leechers  *redis.IntCmd
		downloads *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		seeders = pipe.SCard(ctx, s.roleKey(infoHash, RoleSeeder))
		leechers = pipe.SCard(ctx, s.roleKey(infoHash, RoleLeecher))
		downloads = pipe.Get(ctx, s.key(infoHash, "downloads"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return TorrentStats{}, storeErr("stats", err)
	}

	var st TorrentStats
	//nolint:gosec // set sizes are bounded well below int32
	st.Seeders = int32(seeders.Val())
	//nolint:gosec // set sizes are bounded well below int32
	st.Leechers = int32(leechers.Val())
	if d, err := downloads.Result(); err == nil {
		n, convErr := strconv.ParseInt(d, 10, 32)
		if convErr != nil {
			return TorrentStats{}, storeErr("stats", convErr)
		}
		st.Downloads = int32(n)
	}
	return st, nil
}

func (s *RedisStore) IsBlacklisted(ctx context.Context, infoHash HashID) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.blacklistKey, infoHash.String()).Result()
	if err != nil {
		return false, storeErr("blacklist lookup", err)
	}
	return ok, nil
}

func (s *RedisStore) ReplaceBlacklist(ctx context.Context, hashes []HashID) error {
	members := make([]any, len(hashes))
	for i, h := range hashes {
		members[i] = h.String()
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.blacklistKey)
		if len(members) > 0 {
			pipe.SAdd(ctx, s.blacklistKey, members...)
		}
		return nil
	})
	return storeErr("replace blacklist", err)
}

// Reap walks the index and removes peers whose last-seen score is before deadline.
// Torrents left without peers leave the index; their downloads counter stays.
func (s *RedisStore) Reap(ctx context.Context, deadline time.Time) (int, error) {
	hashes, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, storeErr("reap", err)
	}

	removed := 0
	for _, hex := range hashes {
		n, err := s.reapTorrent(ctx, hex, deadline)
		removed += n
		if err != nil {
			return removed, storeErr("reap", err)
		}
	}
	return removed, nil
}

func (s *RedisStore) reapTorrent(ctx context.Context, hex string, deadline time.Time) (int, error) {
	base := s.prefix + ":" + hex + ":"
	keys := []string{base + "seen", base + "seeders", base + "leechers", base + "peers", s.indexKey()}
	return reapScript.Run(ctx, s.rdb, keys, "("+strconv.FormatInt(deadline.Unix(), 10), hex).Int()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
