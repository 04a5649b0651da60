// Package config loads relay configuration from a YAML file with
// environment overrides and sensible defaults for every knob.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full relay configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	TLS         TLSConfig         `yaml:"tls"`
	MOTD        MOTDConfig        `yaml:"motd"`
	Allowlist   AllowlistConfig   `yaml:"allowlist"`
	Banlist     BanlistConfig     `yaml:"banlist"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Channels    ChannelsConfig    `yaml:"channels"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Name string `yaml:"name"`
}

type LimitsConfig struct {
	RateLimitMs         int `yaml:"rate_limit_ms"`
	MessageBufferSize   int `yaml:"message_buffer_size"`
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"` // 0 = unlimited
}

type TimeoutsConfig struct {
	IdleTimeoutMs         int `yaml:"idle_timeout_ms"`
	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs    int `yaml:"heartbeat_timeout_ms"`
	VerificationTimeoutMs int `yaml:"verification_timeout_ms"`
	ChallengeTimeoutMs    int `yaml:"challenge_timeout_ms"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both halves of the TLS keypair are configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type MOTDConfig struct {
	Text string `yaml:"text"`
	File string `yaml:"file"`
}

// Load resolves the effective MOTD: inline text wins over a file.
func (m MOTDConfig) Load() string {
	if m.Text != "" {
		return m.Text
	}
	if m.File != "" {
		data, err := os.ReadFile(m.File)
		if err != nil {
			slog.Warn("failed to read MOTD file", "path", m.File, "error", err)
			return ""
		}
		return strings.TrimRight(string(data), "\n")
	}
	return ""
}

type AllowlistConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Strict   bool   `yaml:"strict"`
	AdminKey string `yaml:"admin_key"`
	File     string `yaml:"file"`
}

type BanlistConfig struct {
	File string `yaml:"file"`
}

type ReputationConfig struct {
	SnapshotPath   string `yaml:"snapshot_path"`
	ScaleKByAmount bool   `yaml:"scale_k_by_amount"`
}

type ArbitrationConfig struct {
	Enabled              bool `yaml:"enabled"`
	PanelSize            int  `yaml:"panel_size"`
	MinArbiterRating     int  `yaml:"min_arbiter_rating"`
	MinArbiterTxns       int  `yaml:"min_arbiter_transactions"`
	MinArbiterAgeMs      int  `yaml:"min_arbiter_age_ms"`
	RevealWindowMs       int  `yaml:"reveal_window_ms"`
	EvidenceWindowMs     int  `yaml:"evidence_window_ms"`
	DeliberationWindowMs int  `yaml:"deliberation_window_ms"`
	ArbiterReward        int  `yaml:"arbiter_reward"`
	ArbiterPenalty       int  `yaml:"arbiter_penalty"`
}

type ChannelsConfig struct {
	Defaults []string `yaml:"defaults"`
}

// Load reads the config file at path (missing file means all defaults),
// applies environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
			slog.Warn("config file not found, using defaults", "path", path)
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := getEnvInt("AGENTCHAT_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	c.Server.Host = getEnv("AGENTCHAT_HOST", c.Server.Host)
	c.Server.Name = getEnv("AGENTCHAT_SERVER_NAME", c.Server.Name)

	if v := getEnvInt("AGENTCHAT_RATE_LIMIT_MS", 0); v > 0 {
		c.Limits.RateLimitMs = v
	}
	if v := getEnvInt("AGENTCHAT_MESSAGE_BUFFER_SIZE", 0); v > 0 {
		c.Limits.MessageBufferSize = v
	}
	if v := getEnvInt("AGENTCHAT_MAX_CONNECTIONS_PER_IP", -1); v >= 0 {
		c.Limits.MaxConnectionsPerIP = v
	}

	if v := getEnvInt("AGENTCHAT_IDLE_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.IdleTimeoutMs = v
	}
	if v := getEnvInt("AGENTCHAT_HEARTBEAT_INTERVAL_MS", 0); v > 0 {
		c.Timeouts.HeartbeatIntervalMs = v
	}
	if v := getEnvInt("AGENTCHAT_HEARTBEAT_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.HeartbeatTimeoutMs = v
	}
	if v := getEnvInt("AGENTCHAT_VERIFICATION_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.VerificationTimeoutMs = v
	}
	if v := getEnvInt("AGENTCHAT_CHALLENGE_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.ChallengeTimeoutMs = v
	}

	c.TLS.CertFile = getEnv("AGENTCHAT_TLS_CERT", c.TLS.CertFile)
	c.TLS.KeyFile = getEnv("AGENTCHAT_TLS_KEY", c.TLS.KeyFile)

	c.MOTD.Text = getEnv("AGENTCHAT_MOTD", c.MOTD.Text)
	c.MOTD.File = getEnv("AGENTCHAT_MOTD_FILE", c.MOTD.File)

	c.Allowlist.Enabled = getEnvBool("AGENTCHAT_ALLOWLIST_ENABLED", c.Allowlist.Enabled)
	c.Allowlist.Strict = getEnvBool("AGENTCHAT_ALLOWLIST_STRICT", c.Allowlist.Strict)
	c.Allowlist.AdminKey = getEnv("AGENTCHAT_ADMIN_KEY", c.Allowlist.AdminKey)
	c.Allowlist.File = getEnv("AGENTCHAT_ALLOWLIST_FILE", c.Allowlist.File)
	c.Banlist.File = getEnv("AGENTCHAT_BANLIST_FILE", c.Banlist.File)

	c.Reputation.SnapshotPath = getEnv("AGENTCHAT_RATINGS_PATH", c.Reputation.SnapshotPath)
	c.Reputation.ScaleKByAmount = getEnvBool("AGENTCHAT_SCALE_K_BY_AMOUNT", c.Reputation.ScaleKByAmount)

	c.Arbitration.Enabled = getEnvBool("AGENTCHAT_ARBITRATION_ENABLED", c.Arbitration.Enabled)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 6667
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Name == "" {
		c.Server.Name = "agentchat"
	}
	if c.Limits.RateLimitMs == 0 {
		c.Limits.RateLimitMs = 1000
	}
	if c.Limits.MessageBufferSize == 0 {
		c.Limits.MessageBufferSize = 200
	}
	if c.Timeouts.IdleTimeoutMs == 0 {
		c.Timeouts.IdleTimeoutMs = 300000
	}
	if c.Timeouts.HeartbeatIntervalMs == 0 {
		c.Timeouts.HeartbeatIntervalMs = 30000
	}
	if c.Timeouts.HeartbeatTimeoutMs == 0 {
		c.Timeouts.HeartbeatTimeoutMs = 10000
	}
	if c.Timeouts.VerificationTimeoutMs == 0 {
		c.Timeouts.VerificationTimeoutMs = 30000
	}
	if c.Timeouts.ChallengeTimeoutMs == 0 {
		c.Timeouts.ChallengeTimeoutMs = 60000
	}
	if c.Reputation.SnapshotPath == "" {
		c.Reputation.SnapshotPath = "data/ratings.json"
	}
	if len(c.Channels.Defaults) == 0 {
		c.Channels.Defaults = []string{"#general", "#random", "#discovery"}
	}
	if c.Arbitration.PanelSize == 0 {
		c.Arbitration.PanelSize = 3
	}
	if c.Arbitration.MinArbiterRating == 0 {
		c.Arbitration.MinArbiterRating = 1100
	}
	if c.Arbitration.MinArbiterTxns == 0 {
		c.Arbitration.MinArbiterTxns = 5
	}
	if c.Arbitration.MinArbiterAgeMs == 0 {
		c.Arbitration.MinArbiterAgeMs = 600000
	}
	if c.Arbitration.RevealWindowMs == 0 {
		c.Arbitration.RevealWindowMs = 120000
	}
	if c.Arbitration.EvidenceWindowMs == 0 {
		c.Arbitration.EvidenceWindowMs = 600000
	}
	if c.Arbitration.DeliberationWindowMs == 0 {
		c.Arbitration.DeliberationWindowMs = 600000
	}
	if c.Arbitration.ArbiterReward == 0 {
		c.Arbitration.ArbiterReward = 2
	}
	if c.Arbitration.ArbiterPenalty == 0 {
		c.Arbitration.ArbiterPenalty = 1
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
