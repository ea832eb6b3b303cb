package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Base URL of the messaging backend, e.g. http://localhost:8080.
	// REST calls go to <ServerURL>/api/..., the live channel to
	// ws(s)://<host>/ws.
	ServerURL string `env:"CHAT_SERVER_URL"`

	// Account credentials. Optional: when empty the persisted token is
	// used, and login must happen interactively. Both or neither.
	Username string `env:"CHAT_USERNAME"`
	Password string `env:"CHAT_PASSWORD"`

	// Path of the bolt database holding the persisted token. Defaults to
	// ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Live channel tuning. ReconnectDelay is fixed, there is no backoff.
	// A zero PingInterval disables heartbeats.
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	// Front ends. At least one must be enabled.
	EnableTerminal bool   `env:"ENABLE_TERMINAL" envDefault:"true"`
	EnableMCP      bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr  string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`

	// Bearer keys accepted on /mcp. Format: "name1:cs_key1,name2:cs_key2".
	// Required when MCP is enabled.
	MCPAPIKeys string `env:"MCP_API_KEYS"`

	// Environment controls log format, LogLevel overrides its default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It usually holds the account password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CHAT_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHAT_SERVER_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("CHAT_SERVER_URL has no host")
	}

	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("CHAT_USERNAME and CHAT_PASSWORD must be set together")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.PingInterval < 0 {
		return fmt.Errorf("PING_INTERVAL must not be negative")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if !c.EnableTerminal && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_TERMINAL or ENABLE_MCP must be true")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	if c.EnableMCP {
		keys, err := c.ParseMCPAPIKeys()
		if err != nil {
			return fmt.Errorf("MCP_API_KEYS: %w", err)
		}

		if len(keys) == 0 {
			return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
		}
	}

	return nil
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "name1:cs_key1,name2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]auth.APIKey, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []auth.APIKey

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		key := pair[idx+1:]
		if name == "" || key == "" {
			return nil, fmt.Errorf("empty name or key in entry %d", len(keys)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(keys)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(keys)+1, auth.APIKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(auth.APIKeyPrefix):]); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(keys)+1)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in MCP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		keys = append(keys, auth.APIKey{Name: name, Key: key})
	}

	return keys, nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// HasCredentials reports whether an account was configured for
// non-interactive login.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
