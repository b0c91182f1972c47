package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*BridgeConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads configPath and calls onChange with every later version of the
// file that loads cleanly. Versions that fail to load are logged and
// skipped; the running configuration stays in force.
func Watch(configPath string, log *zap.Logger, onChange func(*BridgeConfig)) (*BridgeConfig, error) {
	if configPath == "" {
		return nil, errors.New("watching configuration requires a config file")
	}
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Error("Configuration change rejected",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		log.Info("Configuration reloaded",
			zap.String("file", e.Name),
			zap.Int("channels", len(next.Channels)))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Set defaults matching DefaultBridgeConfig
	def := DefaultBridgeConfig()
	v.SetDefault("bridge.bus_url", def.BusURL)
	v.SetDefault("bridge.db_url", "")
	v.SetDefault("bridge.sampling_interval", def.SamplingInterval.String())
	v.SetDefault("bridge.cipher_delimiter", def.CipherDelimiter)
	v.SetDefault("bridge.catalog_file", "")
	v.SetDefault("bridge.health_host", def.HealthHost)
	v.SetDefault("bridge.health_port", def.HealthPort)
	v.SetDefault("bridge.metrics_addr", "")

	// Bind environment variables with PB_ prefix
	v.SetEnvPrefix("PB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*BridgeConfig, error) {
	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &BridgeConfig{
		BusURL:           v.GetString("bridge.bus_url"),
		DBURL:            v.GetString("bridge.db_url"),
		SamplingInterval: v.GetDuration("bridge.sampling_interval"),
		CipherDelimiter:  v.GetString("bridge.cipher_delimiter"),
		CatalogFile:      v.GetString("bridge.catalog_file"),
		HealthHost:       v.GetString("bridge.health_host"),
		HealthPort:       v.GetInt("bridge.health_port"),
		MetricsAddr:      v.GetString("bridge.metrics_addr"),
	}

	var docs []ChannelDocument
	if err := v.UnmarshalKey("channels", &docs); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		p, err := d.Policy()
		if err != nil {
			return nil, fmt.Errorf("channels[%d]: %w", i, err)
		}
		id := p.ListenerType + "/" + p.ChannelID
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("channels[%d]: %w: %s", i, types.ErrDuplicateChannel, id)
		}
		seen[id] = struct{}{}
		cfg.Channels = append(cfg.Channels, p)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig checks the transport URL, port range and sampling interval.
func validateConfig(cfg *BridgeConfig) error {
	if cfg.BusURL == "" {
		return fmt.Errorf("bus_url must be set")
	}
	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("health_port must be between 0 and 65535, got %d", cfg.HealthPort)
	}
	if cfg.SamplingInterval <= 0 {
		return fmt.Errorf("sampling_interval must be positive, got %v", cfg.SamplingInterval)
	}
	if cfg.CipherDelimiter == "" {
		return fmt.Errorf("cipher_delimiter must not be empty")
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only key material. Only
// the config file is inspected; PB_CIPHER_KEY in the environment is the
// intended source.
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range []string{"cipher_key", "digest_key", "bridge.cipher_key", "bridge.digest_key"} {
		if v.InConfig(key) {
			return fmt.Errorf("key material not allowed in config files (use PB_CIPHER_KEY and PB_DIGEST_KEY environment variables)")
		}
	}
	return nil
}
