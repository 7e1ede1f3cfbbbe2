package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// loadBlacklistFile reads one hex info hash per line.
// Empty lines and lines starting with # are ignored, bad lines are skipped.
func loadBlacklistFile(path string) ([]HashID, error) {
	//nolint:gosec // path is controlled by the operator
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist file: %w", err)
	}
	//nolint:errcheck // read-only file
	defer file.Close()

	var hashes []HashID
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if len(line) != 2*infoHashSize {
			log.Warn().Int("line", lineNum).Msg("blacklist: invalid hash length (expected 40 hex chars), skipping")
			continue
		}

		decoded, err := hex.DecodeString(line)
		if err != nil {
			log.Warn().Int("line", lineNum).Msg("blacklist: invalid hex string, skipping")
			continue
		}
		hashes = append(hashes, NewHashID(decoded))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blacklist file: %w", err)
	}
	return hashes, nil
}

// reloadBlacklist loads path and swaps the store's block set.
func reloadBlacklist(ctx context.Context, path string, store SwarmStore, timeout time.Duration) error {
	hashes, err := loadBlacklistFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := store.ReplaceBlacklist(ctx, hashes); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("hashes", len(hashes)).Msg("loaded blacklist")
	return nil
}

// startBlacklistManager loads the blacklist and reloads it whenever the file's
// mtime changes, checking every refresh. It stops when ctx is canceled.
func startBlacklistManager(
	ctx context.Context, path string, refresh time.Duration, store SwarmStore, timeout time.Duration,
) error {
	if err := reloadBlacklist(ctx, path, store, timeout); err != nil {
		return err
	}

	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					log.Warn().Err(err).Msg("failed to stat blacklist file")
					continue
				}
				if fi.ModTime().Equal(lastMod) {
					continue
				}
				// Keep the previous set when the reload fails.
				if err := reloadBlacklist(ctx, path, store, timeout); err != nil {
					log.Error().Err(err).Msg("failed to reload blacklist")
					continue
				}
				lastMod = fi.ModTime()
			}
		}
	}()
	return nil
}
