package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "dev"

const fallbackSecret = "bt-tracker-default-secret-do-not-use-in-production"

// options are the command-line overrides. Zero values leave the config alone.
//
//nolint:govet // field alignment is acceptable
type options struct {
	configPath  string
	port        int
	secret      string
	blacklist   string
	storeDriver string
	redisAddr   string
	metricsAddr string
	debug       bool
	showVersion bool
}

// parseFlags parses command-line flags. Defaults come from the environment:
//   - BT_TRACKER__CONFIG: path to the YAML config file
//   - BT_TRACKER__PORT: UDP port (must be > 0)
//   - BT_TRACKER__SECRET: secret key for connection ID signing
//   - BT_TRACKER__BLACKLIST: path to the blacklist file
//   - BT_TRACKER__STORE: store driver (redis or memory)
//   - BT_TRACKER__REDIS: redis address
//   - BT_TRACKER__METRICS: HTTP address for /metrics, /healthz and /scrape
//   - DEBUG: enables debug logs if set
func parseFlags(args []string) options {
	defaultPort := 0
	if p, err := strconv.Atoi(os.Getenv("BT_TRACKER__PORT")); err == nil && p > 0 {
		defaultPort = p
	}
	defaultConfig := os.Getenv("BT_TRACKER__CONFIG")
	defaultSecret := os.Getenv("BT_TRACKER__SECRET")
	defaultBlacklist := os.Getenv("BT_TRACKER__BLACKLIST")
	defaultStore := os.Getenv("BT_TRACKER__STORE")
	defaultRedis := os.Getenv("BT_TRACKER__REDIS")
	defaultMetrics := os.Getenv("BT_TRACKER__METRICS")
	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("bt-tracker", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to YAML config file [env BT_TRACKER__CONFIG]")
	fs.StringVar(configPath, "c", defaultConfig, "alias to -config")

	port := fs.Int("port", defaultPort, "UDP port to listen on, default 1337 [env BT_TRACKER__PORT]")
	fs.IntVar(port, "p", defaultPort, "alias to -port")

	secret := fs.String("secret", "", "secret key for connection ID signing [env BT_TRACKER__SECRET]")
	fs.StringVar(secret, "s", "", "alias to -secret")

	blacklist := fs.String("blacklist", defaultBlacklist,
		"path to blacklist file, one hex info_hash per line [env BT_TRACKER__BLACKLIST]")
	fs.StringVar(blacklist, "b", defaultBlacklist, "alias to -blacklist")

	storeDriver := fs.String("store", defaultStore, "swarm store driver: redis or memory [env BT_TRACKER__STORE]")
	redisAddr := fs.String("redis", defaultRedis, "redis address host:port [env BT_TRACKER__REDIS]")
	metricsAddr := fs.String("metrics", defaultMetrics,
		"enable the HTTP server on this address [env BT_TRACKER__METRICS]")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nBT Tracker: %s\nBitTorrent UDP Tracker (BEP 15)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	//nolint:errcheck // ExitOnError exits on invalid flags
	_ = fs.Parse(args)

	// Env secret is applied here so it never shows up in -help output
	if *secret == "" {
		*secret = defaultSecret
	}

	return options{
		configPath:  *configPath,
		port:        *port,
		secret:      *secret,
		blacklist:   *blacklist,
		storeDriver: *storeDriver,
		redisAddr:   *redisAddr,
		metricsAddr: *metricsAddr,
		debug:       *debug,
		showVersion: *showVersion,
	}
}

// apply overlays the non-zero options onto cfg.
func (o options) apply(cfg *Config) {
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	if o.secret != "" {
		cfg.Server.Secret = o.secret
	}
	if o.blacklist != "" {
		cfg.Blacklist.Path = o.blacklist
	}
	if o.storeDriver != "" {
		cfg.Store.Driver = o.storeDriver
	}
	if o.redisAddr != "" {
		cfg.Store.Addr = o.redisAddr
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
}

// buildConfig layers defaults, the YAML file, env and flags, in that order.
func buildConfig(o options) (*Config, error) {
	cfg := DefaultConfig()
	if o.configPath != "" {
		if err := LoadConfig(o.configPath, cfg); err != nil {
			return nil, err
		}
	}
	o.apply(cfg)

	if cfg.Server.Secret == "" {
		cfg.Server.Secret = fallbackSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Level and format are already validated.
func newLogger(cfg LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func main() {
	opts := parseFlags(os.Args[1:])

	if opts.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
	log.Logger = newLogger(cfg.Logging, os.Stderr)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	ctx, stop := setupSignalHandling()
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
