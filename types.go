package main

import (
	"encoding/hex"
	"fmt"
	"net"
)

// HashID represents a 20-byte identifier (info_hash or peer_id)
// Per BEP 15, both info_hash and peer_id are exactly 20 bytes (SHA-1 hash length)
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (packet validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

// String returns the lowercase hex form, which is also the store key form.
func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// PeerAddr is the 6-byte wire projection of a peer: IPv4 + port.
type PeerAddr struct {
	IP   uint32
	Port uint16
}

// NewPeerAddr packs an IPv4 address. Non-IPv4 addresses yield a zero IP.
func NewPeerAddr(ip net.IP, port uint16) PeerAddr {
	v4 := ip.To4()
	if v4 == nil {
		return PeerAddr{Port: port}
	}
	return PeerAddr{
		IP:   uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]),
		Port: port,
	}
}

func (p PeerAddr) NetIP() net.IP {
	return net.IPv4(byte(p.IP>>24), byte(p.IP>>16), byte(p.IP>>8), byte(p.IP)).To4()
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", p.NetIP(), p.Port)
}

// Role partitions a swarm. A peer id lives in at most one role per torrent.
type Role uint8

const (
	RoleLeecher Role = iota
	RoleSeeder
)

func roleOf(left int64) Role {
	if left == 0 {
		return RoleSeeder
	}
	return RoleLeecher
}

func (r Role) Opposite() Role {
	if r == RoleSeeder {
		return RoleLeecher
	}
	return RoleSeeder
}

func (r Role) String() string {
	if r == RoleSeeder {
		return "seeders"
	}
	return "leechers"
}

// TorrentStats are the aggregate counters of one swarm.
// Seeders and leechers are derived from set membership, downloads is a stored counter.
type TorrentStats struct {
	Seeders   int32
	Leechers  int32
	Downloads int32
}
