// Package config loads process configuration from command line flags, with
// environment variables as defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Listeners
	Address           string
	HTTPPort          int // 0 disables plain HTTP
	HTTPSPort         int // 0 disables HTTPS
	HTTPSRedirectPort int // 0 disables the HTTP to HTTPS redirect server
	MetricsAddr       string

	// Served tree
	Directory string

	// ACME
	ACMECacheDirectory string
	ACMEDomains        []string

	// Lightning node, at most one backend
	LNDRPCAuthority          string
	LNDRPCCertPath           string
	LNDRPCMacaroonPath       string
	CoreLightningRPCFilePath string
	MockLightning            bool
	MockAutoSettle           time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Download history
	DBPath string
	Stats  bool

	// Abuse limits
	Dev                bool // disables rate limiting
	TrustProxy         bool // take client IPs from X-Forwarded-For and X-Real-IP
	MaxPendingInvoices int  // 0 = unlimited
}

// Load parses args (without the program name) with defaults taken from the
// environment, then validates the result.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("agora", flag.ContinueOnError)

	fs.StringVar(&cfg.Address, "address", envOr("AGORA_ADDRESS", "0.0.0.0"), "Listen on `address` for incoming requests")
	fs.IntVar(&cfg.HTTPPort, "http-port", envInt("AGORA_HTTP_PORT", 0), "Listen on `port` for incoming HTTP requests")
	fs.IntVar(&cfg.HTTPSPort, "https-port", envInt("AGORA_HTTPS_PORT", 0), "Listen on `port` for incoming HTTPS requests")
	fs.IntVar(&cfg.HTTPSRedirectPort, "https-redirect-port", envInt("AGORA_HTTPS_REDIRECT_PORT", 0), "Listen on `port` for HTTP requests and redirect them to HTTPS")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOr("AGORA_METRICS_ADDR", ""), "Serve Prometheus metrics on `address`, disabled if empty")
	fs.StringVar(&cfg.Directory, "directory", envOr("AGORA_DIRECTORY", ""), "Serve files from `directory`")
	fs.StringVar(&cfg.ACMECacheDirectory, "acme-cache-directory", envOr("AGORA_ACME_CACHE_DIRECTORY", ""), "Store ACME TLS certificates in `directory`")
	fs.Var((*stringList)(&cfg.ACMEDomains), "acme-domain", "Request a TLS certificate for `domain`, may be repeated")
	fs.StringVar(&cfg.LNDRPCAuthority, "lnd-rpc-authority", envOr("AGORA_LND_RPC_AUTHORITY", ""), "Connect to LND's REST gateway at `host:port`")
	fs.StringVar(&cfg.LNDRPCCertPath, "lnd-rpc-cert-path", envOr("AGORA_LND_RPC_CERT_PATH", ""), "Read LND's TLS certificate from `path`")
	fs.StringVar(&cfg.LNDRPCMacaroonPath, "lnd-rpc-macaroon-path", envOr("AGORA_LND_RPC_MACAROON_PATH", ""), "Read the LND invoice macaroon from `path`")
	fs.StringVar(&cfg.CoreLightningRPCFilePath, "core-lightning-rpc-file-path", envOr("AGORA_CORE_LIGHTNING_RPC_FILE_PATH", ""), "Connect to Core Lightning's RPC socket at `path`")
	fs.BoolVar(&cfg.MockLightning, "mock-lightning", envBool("AGORA_MOCK_LIGHTNING", false), "Use an in-memory Lightning node (development only)")
	fs.DurationVar(&cfg.MockAutoSettle, "mock-auto-settle", envDuration("AGORA_MOCK_AUTO_SETTLE", 0), "Settle mock invoices after `duration`, never if zero")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("AGORA_LOG_LEVEL", "info"), "Log `level`: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", envOr("AGORA_LOG_FORMAT", "console"), "Log `format`: console or json")
	fs.StringVar(&cfg.DBPath, "db", envOr("AGORA_DB", ""), "Record download history in the SQLite database at `path`")
	fs.BoolVar(&cfg.Stats, "stats", false, "Show download statistics and exit")
	fs.BoolVar(&cfg.Dev, "dev", envBool("AGORA_DEV", false), "Development mode: disables rate limiting")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", envBool("AGORA_TRUST_PROXY", false), "Identify clients by X-Forwarded-For and X-Real-IP, for use behind a reverse proxy")
	fs.IntVar(&cfg.MaxPendingInvoices, "max-pending-invoices", envInt("AGORA_MAX_PENDING_INVOICES", 0), "Maximum files a client IP may hold unpaid invoices for, unlimited if zero")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if len(cfg.ACMEDomains) == 0 {
		for _, d := range strings.Split(os.Getenv("AGORA_ACME_DOMAINS"), ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.ACMEDomains = append(cfg.ACMEDomains, d)
			}
		}
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration describes a runnable server.
func (c *Config) Validate() error {
	if c.Stats {
		if c.DBPath == "" {
			return errors.New("-stats requires -db")
		}
		return nil
	}

	if c.Directory == "" {
		return errors.New("-directory is required")
	}
	for name, port := range map[string]int{
		"-http-port":           c.HTTPPort,
		"-https-port":          c.HTTPSPort,
		"-https-redirect-port": c.HTTPSRedirectPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.HTTPPort == 0 && c.HTTPSPort == 0 {
		return errors.New("at least one of -http-port or -https-port is required")
	}
	if c.HTTPSPort != 0 {
		if c.ACMECacheDirectory == "" {
			return errors.New("-https-port requires -acme-cache-directory")
		}
		if len(c.ACMEDomains) == 0 {
			return errors.New("-https-port requires at least one -acme-domain")
		}
	}
	if c.HTTPSRedirectPort != 0 && c.HTTPSPort == 0 {
		return errors.New("-https-redirect-port requires -https-port")
	}

	if (c.LNDRPCCertPath != "" || c.LNDRPCMacaroonPath != "") && c.LNDRPCAuthority == "" {
		return errors.New("-lnd-rpc-cert-path and -lnd-rpc-macaroon-path require -lnd-rpc-authority")
	}
	backends := 0
	for _, set := range []bool{c.LNDRPCAuthority != "", c.CoreLightningRPCFilePath != "", c.MockLightning} {
		if set {
			backends++
		}
	}
	if backends > 1 {
		return errors.New("-lnd-rpc-authority, -core-lightning-rpc-file-path and -mock-lightning are mutually exclusive")
	}
	if c.MockAutoSettle < 0 {
		return errors.New("-mock-auto-settle must not be negative")
	}
	if c.MaxPendingInvoices < 0 {
		return errors.New("-max-pending-invoices must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
