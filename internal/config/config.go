// Package config loads HostD and Server configuration from the environment
// (spec.md §6.6), following the teacher's flat-struct, env-var-first style
// (internal/relay.ServerConfig) rather than a general-purpose config
// framework. An optional one-layer YAML overlay fills in values an env var
// did not set.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// HostConfig holds relayd-host's runtime configuration.
type HostConfig struct {
	ServerBaseURL string `yaml:"server_base_url"`
	HostID        string `yaml:"host_id"`
	HostToken     string `yaml:"host_token"`
	LocalSocket   string `yaml:"local_unix_socket"`
	SpoolDBPath   string `yaml:"spool_db_path"`
	LogPath       string `yaml:"hostd_log_path"`

	RedactionExtraRegex []string `yaml:"redaction_extra_regex"`

	CodexMode             string `yaml:"relay_codex_mode"`             // tui|structured|mcp|auto
	OpenCodeMode          string `yaml:"relay_opencode_mode"`          // tui|pty|structured|json
	OpenCodePermissionMode string `yaml:"relay_opencode_permission_mode"` // auto|inherit

	CodexProbeTimeout time.Duration `yaml:"-"`
	PTYFlushInterval  time.Duration `yaml:"-"`
	PTYMaxBatchBytes  int           `yaml:"-"`

	ToolModeAutoRuns    int `yaml:"-"`
	ToolModeAutoTTLSecs int `yaml:"-"`

	BinOverrides map[string]string `yaml:"-"` // RELAY_<TOOL>_BIN overrides, uppercased tool name -> path
}

// LoadHostConfig reads env vars first, then fills any gap from
// ~/.relay/config.yaml, then applies defaults and clamps (spec.md §6.6,
// §5 "Cancellation and timeouts").
func LoadHostConfig() (HostConfig, error) {
	cfg := HostConfig{
		ServerBaseURL:          os.Getenv("SERVER_BASE_URL"),
		HostID:                 os.Getenv("HOST_ID"),
		HostToken:              os.Getenv("HOST_TOKEN"),
		LocalSocket:            os.Getenv("LOCAL_UNIX_SOCKET"),
		SpoolDBPath:            os.Getenv("SPOOL_DB_PATH"),
		LogPath:                os.Getenv("HOSTD_LOG_PATH"),
		CodexMode:              os.Getenv("RELAY_CODEX_MODE"),
		OpenCodeMode:           os.Getenv("RELAY_OPENCODE_MODE"),
		OpenCodePermissionMode: os.Getenv("RELAY_OPENCODE_PERMISSION_MODE"),
	}
	if v := os.Getenv("REDACTION_EXTRA_REGEX"); v != "" {
		cfg.RedactionExtraRegex = strings.Split(v, ",")
	}

	if home, err := os.UserHomeDir(); err == nil {
		overlayPath := filepath.Join(home, ".relay", "config.yaml")
		if data, err := os.ReadFile(overlayPath); err == nil {
			var overlay HostConfig
			if yaml.Unmarshal(data, &overlay) == nil {
				cfg.fillFrom(overlay)
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadBinOverrides()
	return cfg, nil
}

func (c *HostConfig) fillFrom(overlay HostConfig) {
	if c.ServerBaseURL == "" {
		c.ServerBaseURL = overlay.ServerBaseURL
	}
	if c.HostID == "" {
		c.HostID = overlay.HostID
	}
	if c.HostToken == "" {
		c.HostToken = overlay.HostToken
	}
	if c.LocalSocket == "" {
		c.LocalSocket = overlay.LocalSocket
	}
	if c.SpoolDBPath == "" {
		c.SpoolDBPath = overlay.SpoolDBPath
	}
	if c.LogPath == "" {
		c.LogPath = overlay.LogPath
	}
	if c.CodexMode == "" {
		c.CodexMode = overlay.CodexMode
	}
	if c.OpenCodeMode == "" {
		c.OpenCodeMode = overlay.OpenCodeMode
	}
	if c.OpenCodePermissionMode == "" {
		c.OpenCodePermissionMode = overlay.OpenCodePermissionMode
	}
	if len(c.RedactionExtraRegex) == 0 {
		c.RedactionExtraRegex = overlay.RedactionExtraRegex
	}
}

func (c *HostConfig) applyDefaults() {
	if c.HostID == "" {
		c.HostID = "host-" + uuid.NewString()
	}
	if c.HostToken == "" {
		c.HostToken = "dev-token"
	}
	if home, err := os.UserHomeDir(); err == nil {
		if c.LocalSocket == "" {
			c.LocalSocket = filepath.Join(home, ".relay", "relay-hostd.sock")
		}
		if c.SpoolDBPath == "" {
			c.SpoolDBPath = filepath.Join(home, ".relay", "spool.db")
		}
	}
	if c.CodexMode == "" {
		c.CodexMode = "tui"
	}
	if c.OpenCodeMode == "" {
		c.OpenCodeMode = "structured"
	}
	if c.OpenCodePermissionMode == "" {
		c.OpenCodePermissionMode = "auto"
	}

	c.CodexProbeTimeout = clampDuration(envDurationMS("RELAY_CODEX_PROBE_TIMEOUT_MS", 5000), 250*time.Millisecond, 60*time.Second)
	c.PTYFlushInterval = clampDuration(envDurationMS("RELAY_PTY_OUTPUT_FLUSH_MS", 120), 20*time.Millisecond, 2*time.Second)
	c.PTYMaxBatchBytes = clampInt(envInt("RELAY_PTY_OUTPUT_MAX_BYTES", 16*1024), 1024, 1024*1024)
	c.ToolModeAutoRuns = envInt("RELAY_TOOL_MODE_AUTO_RUNS", 5)
	c.ToolModeAutoTTLSecs = envInt("RELAY_TOOL_MODE_AUTO_TTL_SECS", 86400)
}

// loadBinOverrides scans the environment for RELAY_<TOOL>_BIN entries.
func (c *HostConfig) loadBinOverrides() {
	c.BinOverrides = map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(k, "RELAY_") && strings.HasSuffix(k, "_BIN") {
			tool := strings.TrimSuffix(strings.TrimPrefix(k, "RELAY_"), "_BIN")
			c.BinOverrides[strings.ToUpper(tool)] = v
		}
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMS(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ServerConfig holds relayd-server's runtime configuration, directly
// modeled on the teacher's relay.ServerConfig (internal/relay/server.go).
type ServerConfig struct {
	BindAddr            string
	DatabaseURL         string
	JWTSecret           string
	AdminUsername       string
	AdminPasswordHash   string // Argon2id PHC string
	RedactionExtraRegex []string
	WebDistDir          string
	LogPath             string
}

// LoadServerConfig reads relayd-server's configuration from the
// environment (spec.md §6.6).
func LoadServerConfig() ServerConfig {
	cfg := ServerConfig{
		BindAddr:          os.Getenv("BIND_ADDR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminUsername:     os.Getenv("ADMIN_USERNAME"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		WebDistDir:        os.Getenv("WEB_DIST_DIR"),
		LogPath:           os.Getenv("SERVER_LOG_PATH"),
	}
	if v := os.Getenv("REDACTION_EXTRA_REGEX"); v != "" {
		cfg.RedactionExtraRegex = strings.Split(v, ",")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8080"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "relay-server.db"
	}
	return cfg
}
