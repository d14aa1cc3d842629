// Package config holds mediabin settings loaded from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon + media server settings.
// Load from env and/or a .env file (call LoadEnvFile(".env") before Load).
type Config struct {
	// Paths
	HomeDir    string // e.g. ~/.mediabin; daemon state (pid, socket, log) lives under HomeDir/daemon
	LedgerPath string // SQLite ledger file; "" = HomeDir/ledger.db or the remembered last path

	// Scheduler
	MaxConcurrentDownloads int           // bound on simultaneous downloads
	PollInterval           time.Duration // scheduler wake interval when no enqueue arrives

	// Fetcher
	YTDLPPath string // yt-dlp binary name or path

	// Media server
	ServePort int  // media HTTP server port
	Tailscale bool // bind the media server to the tailscale0 interface only

	// IPC
	MaxClientConns int // cap on concurrent IPC connections
}

// Load reads config from environment with defaults suitable for a single-user install.
func Load() *Config {
	c := &Config{
		HomeDir:                getEnv("MEDIABIN_HOME", defaultHome()),
		LedgerPath:             os.Getenv("MEDIABIN_LEDGER"),
		MaxConcurrentDownloads: getEnvInt("MEDIABIN_MAX_CONCURRENT", 3),
		PollInterval:           getEnvDuration("MEDIABIN_POLL_INTERVAL", time.Second),
		YTDLPPath:              getEnv("MEDIABIN_YTDLP", "yt-dlp"),
		ServePort:              getEnvInt("MEDIABIN_PORT", 80),
		Tailscale:              getEnvBool("MEDIABIN_TAILSCALE", false),
		MaxClientConns:         getEnvInt("MEDIABIN_MAX_CLIENT_CONNS", 16),
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxClientConns <= 0 {
		c.MaxClientConns = 16
	}
	return c
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mediabin")
}

// DaemonDir is where the pid file, socket and log live.
func (c *Config) DaemonDir() string { return filepath.Join(c.HomeDir, "daemon") }

// PidFile returns the daemon pid file path.
func (c *Config) PidFile() string { return filepath.Join(c.DaemonDir(), "process.pid") }

// SocketFile returns the IPC socket path.
func (c *Config) SocketFile() string { return filepath.Join(c.DaemonDir(), "socket.sock") }

// LogFile returns the daemon log file path.
func (c *Config) LogFile() string { return filepath.Join(c.DaemonDir(), "log.txt") }

// LastLedgerPathFile remembers the ledger chosen on a previous --start-service.
func (c *Config) LastLedgerPathFile() string { return filepath.Join(c.HomeDir, "last_ledgerpath") }

// ResolveLedgerPath picks the ledger file: explicit override, then the
// remembered last path, then HomeDir/ledger.db. The result is absolute and is
// written back to LastLedgerPathFile so restarts reuse it.
func (c *Config) ResolveLedgerPath(override string) (string, error) {
	p := override
	if p == "" {
		p = c.LedgerPath
	}
	if p == "" {
		if b, err := os.ReadFile(c.LastLedgerPathFile()); err == nil {
			p = strings.TrimSpace(string(b))
		}
	}
	if p == "" {
		p = filepath.Join(c.HomeDir, "ledger.db")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(c.LastLedgerPathFile(), []byte(abs+"\n"), 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
