package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NOTE: The YAML file is the source of truth. Environment variables named
// DAYSYNC_<KEY> (dots become underscores, e.g. DAYSYNC_STORE_REDIS_URL)
// override it at load time and are never written back by Save.

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "DAYSYNC"

// StoreConfig selects where timelines live.
type StoreConfig struct {
	// Driver is one of memory, file, redis.
	Driver   string `yaml:"driver" json:"driver" validate:"oneof=memory file redis"`
	Dir      string `yaml:"dir" json:"dir" validate:"required_if=Driver file"`
	RedisURL string `yaml:"redis_url" json:"redis_url" validate:"required_if=Driver redis"`
}

// EventsConfig selects where completion and sync events go.
type EventsConfig struct {
	// Driver is one of log, amqp, none.
	Driver   string `yaml:"driver" json:"driver" validate:"oneof=log amqp none"`
	AMQPURL  string `yaml:"amqp_url" json:"amqp_url" validate:"required_if=Driver amqp"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

// LogConfig mirrors log.Options.
type LogConfig struct {
	Level    string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info error DEBUG INFO ERROR"`
	Encoding string `yaml:"encoding" json:"encoding" validate:"omitempty,oneof=console json"`
	File     string `yaml:"file" json:"file"`
}

// GoogleConfig tunes the remote calendar client.
type GoogleConfig struct {
	// Endpoint overrides the API base URL. Empty uses the public API.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// TimeoutSeconds bounds each API request.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA timezone days are interpreted in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// PollSchedule is the cron spec of the remote poll cadence.
	PollSchedule string `yaml:"poll_schedule" json:"poll_schedule" validate:"required"`

	Store  StoreConfig  `yaml:"store" json:"store"`
	Events EventsConfig `yaml:"events" json:"events"`
	Log    LogConfig    `yaml:"log" json:"log"`
	Google GoogleConfig `yaml:"google" json:"google"`

	// ICSCacheDir keeps ETag/Last-Modified state for ICS URL imports.
	// Empty disables the cache.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// Keywords adds classifier keywords per category (bio, block, project).
	Keywords map[string][]string `yaml:"keywords,omitempty" json:"keywords,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Asia/Seoul",
		PollSchedule: "@every 3m",
		Store:        StoreConfig{Driver: "memory"},
		Events:       EventsConfig{Driver: "log", Exchange: "daysync.events"},
		Log:          LogConfig{Level: "info", Encoding: "console"},
		Google:       GoogleConfig{TimeoutSeconds: 20},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.PollSchedule == "" {
		c.PollSchedule = d.PollSchedule
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	c.Events.Driver = strings.ToLower(c.Events.Driver)
	if c.Events.Driver == "" {
		c.Events.Driver = d.Events.Driver
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = d.Events.Exchange
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = d.Log.Encoding
	}
	if c.Google.TimeoutSeconds <= 0 {
		c.Google.TimeoutSeconds = d.Google.TimeoutSeconds
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field values and that the timezone exists.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GoogleTimeout returns the per-request timeout of the remote client.
func (c *Config) GoogleTimeout() time.Duration {
	return time.Duration(c.Google.TimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//
// Environment overrides are applied afterwards, then the result is
// normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the keys that may be overridden from the environment.
var envOverrides = map[string]func(c *Config, v string) error{
	"listen":                 func(c *Config, v string) error { c.Listen = v; return nil },
	"timezone":               func(c *Config, v string) error { c.Timezone = v; return nil },
	"poll_schedule":          func(c *Config, v string) error { c.PollSchedule = v; return nil },
	"store.driver":           func(c *Config, v string) error { c.Store.Driver = v; return nil },
	"store.dir":              func(c *Config, v string) error { c.Store.Dir = v; return nil },
	"store.redis_url":        func(c *Config, v string) error { c.Store.RedisURL = v; return nil },
	"events.driver":          func(c *Config, v string) error { c.Events.Driver = v; return nil },
	"events.amqp_url":        func(c *Config, v string) error { c.Events.AMQPURL = v; return nil },
	"events.exchange":        func(c *Config, v string) error { c.Events.Exchange = v; return nil },
	"log.level":              func(c *Config, v string) error { c.Log.Level = v; return nil },
	"log.encoding":           func(c *Config, v string) error { c.Log.Encoding = v; return nil },
	"log.file":               func(c *Config, v string) error { c.Log.File = v; return nil },
	"ics_cache_dir":          func(c *Config, v string) error { c.ICSCacheDir = v; return nil },
	"google.endpoint":        func(c *Config, v string) error { c.Google.Endpoint = v; return nil },
	"google.timeout_seconds": setGoogleTimeout,
}

func setGoogleTimeout(c *Config, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	c.Google.TimeoutSeconds = n
	return nil
}

func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, set := range envOverrides {
		if !v.IsSet(key) {
			continue
		}
		if err := set(cfg, v.GetString(key)); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
		}
	}
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".daysync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
