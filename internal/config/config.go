// Package config loads relaymail settings from defaults, an optional config
// file and RELAYMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

const EnvPrefix = "RELAYMAIL"

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type IndexConfig struct {
	PortionSize int           `mapstructure:"portion_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OutboxDSN   string        `mapstructure:"outbox_dsn"`
}

type SyncConfig struct {
	RetriesLimit    int           `mapstructure:"retries_limit"`
	RetriesDelay    time.Duration `mapstructure:"retries_delay"`
	RetriesMaxDelay time.Duration `mapstructure:"retries_max_delay"`
	Interval        time.Duration `mapstructure:"interval"`
	IntervalJitter  float64       `mapstructure:"interval_jitter"`
	ProviderURL     string        `mapstructure:"provider_url"`
	ProviderToken   string        `mapstructure:"provider_token"`
	// Accounts are "type:login" or bare logins synced by the serve loop.
	Accounts []string `mapstructure:"accounts"`
}

type ExportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	State   StoreConfig  `mapstructure:"state"`
	Session StoreConfig  `mapstructure:"session"`
	HTTP    HTTPConfig   `mapstructure:"http"`
	Index   IndexConfig  `mapstructure:"index"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Export  ExportConfig `mapstructure:"export"`
	Log     LogConfig    `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

var defaults = map[string]any{
	"state.dsn":              "file://.relaymail/primary.json",
	"session.dsn":            "memory://",
	"http.addr":              ":8080",
	"http.jwt_secret":        "",
	"http.max_body_bytes":    int64(32 << 20),
	"http.rate_limit_max":    0,
	"http.rate_limit_window": time.Minute,
	"index.portion_size":     300,
	"index.timeout":          30 * time.Second,
	"index.outbox_dsn":       "",
	"sync.retries_limit":     3,
	"sync.retries_delay":     5 * time.Second,
	"sync.retries_max_delay": 30 * time.Second,
	"sync.interval":          30 * time.Second,
	"sync.interval_jitter":   0.2,
	"sync.provider_url":      "",
	"sync.provider_token":    "",
	"sync.accounts":          []string{},
	"export.timeout":         5 * time.Minute,
	"log.level":              "info",
	"log.format":             "text",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when set, otherwise relaymail.{yaml,toml,json} from the
// working directory or ~/.config/relaymail. A missing file is not an error.
func Load(path string) (Config, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relaymail")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "relaymail"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.File); err != nil {
		cfg.File = ""
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.State.DSN) == "" {
		problems = append(problems, "state.dsn is required")
	}
	if c.Index.PortionSize <= 0 {
		problems = append(problems, "index.portion_size must be positive")
	}
	if c.Index.Timeout <= 0 {
		problems = append(problems, "index.timeout must be positive")
	}
	if c.Sync.RetriesLimit < 0 {
		problems = append(problems, "sync.retries_limit must not be negative")
	}
	if c.Sync.RetriesDelay <= 0 || c.Sync.RetriesMaxDelay <= 0 {
		problems = append(problems, "sync retry delays must be positive")
	}
	if c.Sync.IntervalJitter < 0 || c.Sync.IntervalJitter > 1 {
		problems = append(problems, "sync.interval_jitter must be within 0..1")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AccountKeys parses Accounts. Entries without a type prefix get an empty
// type.
func (c SyncConfig) AccountKeys() []maildb.AccountKey {
	out := make([]maildb.AccountKey, 0, len(c.Accounts))
	seen := map[string]bool{}
	for _, raw := range c.Accounts {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			key := maildb.AccountKey{Login: entry}
			if accountType, login, ok := strings.Cut(entry, ":"); ok && !strings.Contains(accountType, "@") {
				key = maildb.AccountKey{Type: accountType, Login: login}
			}
			if key.Login == "" || seen[key.Login] {
				continue
			}
			seen[key.Login] = true
			out = append(out, key)
		}
	}
	return out
}
