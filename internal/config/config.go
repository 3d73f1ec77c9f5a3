package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings like "20s" or "30m" into a duration.
// Plain time.Duration fields would only accept integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalText(data []byte) error {
	v, err := time.ParseDuration(string(data))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(data), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// NodeConfig is the top-level meshberryd configuration.
type NodeConfig struct {
	Name          string          `toml:"name"`
	CompanionAddr string          `toml:"companion_addr"`
	HTTPAddr      string          `toml:"http_addr"`
	CorsOrigins   []string        `toml:"cors_origins"`
	Forwarding    bool            `toml:"forwarding"`
	Delivery      DeliveryConfig  `toml:"delivery"`
	Repeater      RepeaterConfig  `toml:"repeater"`
	Channels      []ChannelConfig `toml:"channels"`
}

// DeliveryConfig tunes the DM retry policy. Table capacities are
// compile-time constants, not configuration.
type DeliveryConfig struct {
	FloodTimeout    Duration `toml:"flood_timeout"`
	DirectTimeout   Duration `toml:"direct_timeout"`
	FloodRetries    int      `toml:"flood_retries"`
	DirectRetryBase int      `toml:"direct_retry_base"`
	DirectRetryCap  int      `toml:"direct_retry_cap"`
	PathTTL         Duration `toml:"path_ttl"`
}

type RepeaterConfig struct {
	LoginTimeout Duration `toml:"login_timeout"`
}

type ChannelConfig struct {
	Name   string `toml:"name"`
	Secret string `toml:"secret"` // hex, 32 bytes
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name:          "MeshBerry",
		CompanionAddr: ":5000",
		HTTPAddr:      ":9180",
		Forwarding:    true,
		Delivery: DeliveryConfig{
			FloodTimeout:    Duration(20 * time.Second),
			DirectTimeout:   Duration(10 * time.Second),
			FloodRetries:    3,
			DirectRetryBase: 2,
			DirectRetryCap:  8,
			PathTTL:         Duration(30 * time.Minute),
		},
		Repeater: RepeaterConfig{
			LoginTimeout: Duration(10 * time.Second),
		},
	}
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "MeshBerry"
	}
	if cfg.CompanionAddr == "" {
		cfg.CompanionAddr = ":5000"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	if len(cfg.Name) > 31 {
		return fmt.Errorf("node name too long: %d bytes (max 31)", len(cfg.Name))
	}
	if cfg.Delivery.FloodTimeout <= 0 || cfg.Delivery.DirectTimeout <= 0 {
		return fmt.Errorf("delivery timeouts must be positive")
	}
	if cfg.Delivery.FloodRetries < 0 || cfg.Delivery.DirectRetryBase < 0 {
		return fmt.Errorf("delivery retry counts must be non-negative")
	}
	if cfg.Delivery.DirectRetryCap < cfg.Delivery.DirectRetryBase {
		return fmt.Errorf("direct_retry_cap below direct_retry_base")
	}
	if cfg.Delivery.PathTTL <= 0 {
		return fmt.Errorf("path_ttl must be positive")
	}
	if cfg.Repeater.LoginTimeout <= 0 {
		return fmt.Errorf("login_timeout must be positive")
	}
	for i, ch := range cfg.Channels {
		if err := ValidateChannelEntry(ch); err != nil {
			return fmt.Errorf("channel[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateChannelEntry(ch ChannelConfig) error {
	if strings.TrimSpace(ch.Name) == "" {
		return fmt.Errorf("missing name")
	}
	secret, err := hex.DecodeString(ch.Secret)
	if err != nil {
		return fmt.Errorf("secret not valid hex: %w", err)
	}
	if len(secret) != 32 {
		return fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}
	return nil
}

// SecretBytes decodes the channel secret. Callers must have validated first.
func (ch ChannelConfig) SecretBytes() [32]byte {
	var out [32]byte
	raw, err := hex.DecodeString(ch.Secret)
	if err == nil {
		copy(out[:], raw)
	}
	return out
}
