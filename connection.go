package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"
)

const defaultConnectionIDTTL = 2 * time.Minute // per BEP 15

// ConnectionValidator mints and checks stateless connection IDs (syn-cookie approach).
// Connection ID = HMAC-SHA256(key, client_ip + bucket)[0:8], bucket = unix / ttl.
// An ID validates in its own bucket and the next one, so it lives between ttl and 2*ttl.
// The key is derived once at startup and never rotated.
type ConnectionValidator struct {
	key [32]byte
	ttl time.Duration
}

func NewConnectionValidator(secret string, ttl time.Duration) *ConnectionValidator {
	if ttl < time.Second {
		ttl = defaultConnectionIDTTL
	}
	return &ConnectionValidator{key: sha256.Sum256([]byte(secret)), ttl: ttl}
}

// Mint returns the connection ID for ip at time now.
func (v *ConnectionValidator) Mint(ip net.IP, now time.Time) uint64 {
	return v.sign(ip, v.bucket(now))
}

// Validate fails closed: any ID not signed for ip in the current or the previous bucket is rejected.
func (v *ConnectionValidator) Validate(id uint64, ip net.IP, now time.Time) bool {
	bucket := v.bucket(now)
	var got [8]byte
	binary.BigEndian.PutUint64(got[:], id)

	for _, b := range [2]int64{bucket, bucket - 1} {
		var want [8]byte
		binary.BigEndian.PutUint64(want[:], v.sign(ip, b))
		if hmac.Equal(got[:], want[:]) {
			return true
		}
	}
	return false
}

func (v *ConnectionValidator) bucket(now time.Time) int64 {
	return now.Unix() / int64(v.ttl/time.Second)
}

func (v *ConnectionValidator) sign(ip net.IP, bucket int64) uint64 {
	mac := hmac.New(sha256.New, v.key[:])
	mac.Write(ip.To16())
	var b [8]byte
	//nolint:gosec // bucket is a positive unix-derived value
	binary.BigEndian.PutUint64(b[:], uint64(bucket))
	mac.Write(b[:])
	return binary.BigEndian.Uint64(mac.Sum(nil)[:8])
}
