package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Gateway struct {
		AdminSecret string `mapstructure:"admin_secret"` // bearer secret for mutation endpoints
		RelaySecret string `mapstructure:"relay_secret"` // bearer secret for the resolve/route path

		RootCATTL     time.Duration `mapstructure:"root_ca_ttl"`     // org root CA validity
		CertTTL       time.Duration `mapstructure:"cert_ttl"`        // leaf certificate validity
		RenewalWindow time.Duration `mapstructure:"renewal_window"`  // rotate when expiration-now < window
		ScanInterval  time.Duration `mapstructure:"scan_interval"`   // rotation scheduler pass interval
		MaxRetries    int           `mapstructure:"max_retries"`     // failed rotations before stall
	} `mapstructure:"gateway"`

	Relay struct {
		MasterKey string `mapstructure:"master_key"` // seed for per-org address encryption keys
	} `mapstructure:"relay"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // file prefix, empty = stdout only
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
}

// Load reads configuration from env/file with defaults.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")

	viper.SetDefault("gateway.admin_secret", "CHANGE_ME")
	viper.SetDefault("gateway.relay_secret", "CHANGE_ME")
	viper.SetDefault("gateway.root_ca_ttl", "87600h") // 10y
	viper.SetDefault("gateway.cert_ttl", "720h")      // 30d
	viper.SetDefault("gateway.renewal_window", "168h")
	viper.SetDefault("gateway.scan_interval", "1h")
	viper.SetDefault("gateway.max_retries", 5)

	viper.SetDefault("relay.master_key", "CHANGE_ME")

	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	viper.SetDefault("database.driver", "")
	viper.SetDefault("database.dsn", "")

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "warden"))
		}
		viper.AddConfigPath("/etc/warden")
	}

	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if unset(c.Gateway.AdminSecret) {
		return errors.New("gateway.admin_secret must be set (not empty and not CHANGE_ME)")
	}
	if unset(c.Gateway.RelaySecret) {
		return errors.New("gateway.relay_secret must be set (not empty and not CHANGE_ME)")
	}
	if unset(c.Relay.MasterKey) {
		return errors.New("relay.master_key must be set (not empty and not CHANGE_ME)")
	}
	if c.Gateway.CertTTL <= 0 || c.Gateway.RootCATTL <= c.Gateway.CertTTL {
		return errors.New("gateway.cert_ttl must be positive and shorter than gateway.root_ca_ttl")
	}
	if c.Gateway.RenewalWindow <= 0 || c.Gateway.RenewalWindow >= c.Gateway.CertTTL {
		return errors.New("gateway.renewal_window must be positive and shorter than gateway.cert_ttl")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	return nil
}

func unset(v string) bool {
	return strings.TrimSpace(v) == "" || v == "CHANGE_ME"
}
