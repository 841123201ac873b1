package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// VPN_PROVISIONER_DB_PATH for db.path.
const EnvPrefix = "VPN_PROVISIONER"

// Loader handles configuration loading from YAML files, environment
// variables and command-line flags.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	l := &Loader{v: viper.New()}
	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	for _, p := range searchPaths() {
		l.v.AddConfigPath(p)
	}
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.setDefaults()
	return l
}

func searchPaths() []string {
	return []string{"/etc/vpn-provisioner", "$HOME/.vpn-provisioner", "."}
}

// SetConfigFile pins the loader to one file instead of the search paths.
func (l *Loader) SetConfigFile(path string) {
	if path != "" {
		l.v.SetConfigFile(path)
	}
}

// BindFlag binds a command-line flag to a config key. Flags override the
// file and environment once set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for key %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the config file if present, applies env overrides, and
// validates the result. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the file that was read, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// GetString returns the raw value of key.
func (l *Loader) GetString(key string) string { return l.v.GetString(key) }

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")
	l.v.SetDefault("log.component", "vpn-provisioner")

	l.v.SetDefault("api.listen_addr", ":8080")
	l.v.SetDefault("api.read_timeout", "15s")
	l.v.SetDefault("api.write_timeout", "60s")

	l.v.SetDefault("db.path", "./data/provisioner.db")
	l.v.SetDefault("db.max_open_conns", 1)
	l.v.SetDefault("db.max_idle_conns", 1)
	l.v.SetDefault("db.conn_max_lifetime", "5m")
	l.v.SetDefault("db.busy_timeout", "5s")

	l.v.SetDefault("device.connect_timeout", "10s")
	l.v.SetDefault("device.request_timeout", "15s")
	l.v.SetDefault("device.rate_limit", 10)
	l.v.SetDefault("device.rate_burst", 5)
	l.v.SetDefault("device.breaker_failure_threshold", 3)
	l.v.SetDefault("device.breaker_reset_timeout", "1m")

	l.v.SetDefault("reconciler.interval", "5m")
	l.v.SetDefault("reconciler.max_concurrent_servers", 4)

	l.v.SetDefault("lifecycle.interval", "1m")

	l.v.SetDefault("alerts.low_traffic_bytes", int64(1)<<30)
	l.v.SetDefault("alerts.expiry_days", 3)
	l.v.SetDefault("alerts.threshold_percent", 80)

	l.v.SetDefault("service.shutdown_timeout", "30s")
	l.v.SetDefault("session.ttl", "10m")
}

// Load loads configuration from path, or from the default search paths
// when path is empty.
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.SetConfigFile(path)
	return l.Load()
}
