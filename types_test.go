package main

import (
	"bytes"
	"net"
	"testing"
)

// per BEP 15, both info_hash and peer_id are 20 bytes
func TestHashID_NewHashID(t *testing.T) {
	t.Run("creates HashID from exactly 20 bytes", func(t *testing.T) {
		data := []byte("12345678901234567890")
		h := NewHashID(data)

		if !bytes.Equal(h[:], data) {
			t.Errorf("expected %v, got %v", data, h[:])
		}
	})

	t.Run("creates HashID from more than 20 bytes (uses first 20)", func(t *testing.T) {
		h := NewHashID([]byte("12345678901234567890extra"))

		expected := []byte("12345678901234567890")
		if !bytes.Equal(h[:], expected) {
			t.Errorf("expected %v, got %v", expected, h[:])
		}
	})

	t.Run("short input is zero padded", func(t *testing.T) {
		h := NewHashID([]byte{0xAA})

		if h[0] != 0xAA || h[19] != 0 {
			t.Errorf("unexpected padding: %v", h[:])
		}
	})
}

// 20 bytes -> 40 hex chars, lowercase, used verbatim in store keys
func TestHashID_String(t *testing.T) {
	t.Run("zero value", func(t *testing.T) {
		var h HashID
		if s := h.String(); s != "0000000000000000000000000000000000000000" {
			t.Errorf("got %s", s)
		}
	})

	t.Run("known bytes are lowercase hex", func(t *testing.T) {
		h := NewHashID([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
			0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0xAB})

		expected := "0102030405060708090a0b0c0d0e0f10111213ab"
		if s := h.String(); s != expected {
			t.Errorf("expected %s, got %s", expected, s)
		}
	})

	t.Run("different inputs produce different hex", func(t *testing.T) {
		h1 := NewHashID([]byte("12345678901234567890"))
		h2 := NewHashID([]byte("abcdefghijklmnopqrst"))

		if h1.String() == h2.String() {
			t.Error("different inputs should produce different hex strings")
		}
	})
}

func TestPeerAddr(t *testing.T) {
	t.Run("packs IPv4 in network order", func(t *testing.T) {
		p := NewPeerAddr(net.ParseIP("192.168.1.2"), 6881)

		if p.IP != 0xC0A80102 {
			t.Errorf("IP = %#x, want 0xC0A80102", p.IP)
		}
		if p.String() != "192.168.1.2:6881" {
			t.Errorf("String() = %s", p.String())
		}
	})

	t.Run("IPv6 yields zero IP", func(t *testing.T) {
		p := NewPeerAddr(net.ParseIP("2001:db8::1"), 6881)

		if p.IP != 0 {
			t.Errorf("IP = %#x, want 0", p.IP)
		}
	})

	t.Run("NetIP round trips", func(t *testing.T) {
		ip := net.ParseIP("10.20.30.40")
		if got := NewPeerAddr(ip, 1).NetIP(); !got.Equal(ip) {
			t.Errorf("NetIP() = %s, want %s", got, ip)
		}
	})
}

func TestRole(t *testing.T) {
	if roleOf(0) != RoleSeeder {
		t.Error("left=0 must be a seeder")
	}
	if roleOf(1) != RoleLeecher {
		t.Error("left>0 must be a leecher")
	}
	if RoleSeeder.Opposite() != RoleLeecher || RoleLeecher.Opposite() != RoleSeeder {
		t.Error("Opposite() is not symmetric")
	}
}
