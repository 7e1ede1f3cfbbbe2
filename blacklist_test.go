package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	blockedHex = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"
	otherHex   = "d4e5f6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6ef"
)

func mustHash(t *testing.T, s string) HashID {
	t.Helper()
	hashes, err := loadBlacklistFile(writeBlacklist(t, t.TempDir(), s))
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	return hashes[0]
}

func writeBlacklist(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "blacklist.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLoadBlacklistFile(t *testing.T) {
	t.Run("valid file with comments and empty lines", func(t *testing.T) {
		content := `# This is a comment
a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0

# Another comment
d4e5f6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6ef

`
		hashes, err := loadBlacklistFile(writeBlacklist(t, t.TempDir(), content))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hashes) != 2 {
			t.Fatalf("expected 2 hashes, got %d", len(hashes))
		}
		if hashes[0].String() != blockedHex {
			t.Errorf("first hash = %s, want %s", hashes[0], blockedHex)
		}
	})

	t.Run("nonexistent file", func(t *testing.T) {
		_, err := loadBlacklistFile(filepath.Join(t.TempDir(), "nonexistent.txt"))
		if err == nil {
			t.Error("expected an error for a missing file")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		hashes, err := loadBlacklistFile(writeBlacklist(t, t.TempDir(), ""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hashes) != 0 {
			t.Errorf("expected no hashes, got %d", len(hashes))
		}
	})

	t.Run("invalid lines skipped", func(t *testing.T) {
		content := blockedHex + "\ninvalid_hash_here\nzzb2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0\n" + otherHex + "\n"
		hashes, err := loadBlacklistFile(writeBlacklist(t, t.TempDir(), content))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hashes) != 2 {
			t.Errorf("expected 2 valid hashes, got %d", len(hashes))
		}
	})

	t.Run("case insensitive hex", func(t *testing.T) {
		hashes, err := loadBlacklistFile(writeBlacklist(t, t.TempDir(), "A1B2C3D4E5F6A7B8C9D0E1F2A3B4C5D6E7F8A9B0\n"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hashes) != 1 || hashes[0].String() != blockedHex {
			t.Errorf("expected %s, got %v", blockedHex, hashes)
		}
	})
}

func TestStartBlacklistManager(t *testing.T) {
	dir := t.TempDir()
	path := writeBlacklist(t, dir, blockedHex)
	blocked := mustHash(t, blockedHex)
	other := mustHash(t, otherHex)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	require.NoError(t, startBlacklistManager(ctx, path, 10*time.Millisecond, store, time.Second))

	ok, err := store.IsBlacklisted(ctx, blocked)
	require.NoError(t, err)
	assert.True(t, ok, "initial load")

	writeBlacklist(t, dir, otherHex)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		ok, _ := store.IsBlacklisted(ctx, other)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "reload after mtime change")

	ok, err = store.IsBlacklisted(ctx, blocked)
	require.NoError(t, err)
	assert.False(t, ok, "reload replaces the previous set")
}

func TestStartBlacklistManager_MissingFile(t *testing.T) {
	err := startBlacklistManager(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Minute,
		NewMemoryStore(), time.Second)
	assert.Error(t, err)
}
