// Package config defines the kittlink configuration tree and loads it
// through viper: flags > KITTLINK_* env > config file > defaults.
package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/kittclouds/kittlink/pkg/similarity"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (KITTLINK_LINK_THRESHOLD).
const EnvPrefix = "KITTLINK"

// Registry backends
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the full configuration tree.
type Config struct {
	Coref    CorefConfig     `yaml:"coref" mapstructure:"coref"`
	Link     LinkConfig      `yaml:"link" mapstructure:"link"`
	Registry RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Run      RunConfig       `yaml:"run" mapstructure:"run"`
	Adapters []AdapterConfig `yaml:"adapters" mapstructure:"adapters"`
	Log      LogConfig       `yaml:"log" mapstructure:"log"`
}

// CorefConfig bounds within-document resolution.
type CorefConfig struct {
	SentenceWindow  int                 `yaml:"sentence_window" mapstructure:"sentence_window"`
	MentionWindow   int                 `yaml:"mention_window" mapstructure:"mention_window"`
	CompatibleTypes map[string][]string `yaml:"compatible_types" mapstructure:"compatible_types"`
}

// LinkConfig tunes cross-document linking.
type LinkConfig struct {
	Threshold    float64       `yaml:"threshold" mapstructure:"threshold"`
	Similarity   string        `yaml:"similarity" mapstructure:"similarity"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	Workers      int           `yaml:"workers" mapstructure:"workers"`
}

// RegistryConfig selects and tunes the entity registry.
type RegistryConfig struct {
	Backend     string        `yaml:"backend" mapstructure:"backend"`
	Path        string        `yaml:"path" mapstructure:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"` // zero disables the snapshot cache
}

// RunConfig controls the batch driver.
type RunConfig struct {
	Workers int           `yaml:"workers" mapstructure:"workers"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AdapterConfig points at one offline identifier cache.
type AdapterConfig struct {
	Name  string   `yaml:"name" mapstructure:"name"`
	Path  string   `yaml:"path" mapstructure:"path"`
	Types []string `yaml:"types,omitempty" mapstructure:"types"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // console | json
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Coref: CorefConfig{
			SentenceWindow:  3,
			MentionWindow:   30,
			CompatibleTypes: map[string][]string{},
		},
		Link: LinkConfig{
			Threshold:    0.75,
			Similarity:   similarity.NameTokenDice,
			MaxRetries:   3,
			RetryBackoff: 20 * time.Millisecond,
			Workers:      1,
		},
		Registry: RegistryConfig{
			Backend:     BackendSQLite,
			Path:        ".kittlink/registry.db",
			BusyTimeout: 5 * time.Second,
			CacheTTL:    time.Minute,
		},
		Run: RunConfig{
			Workers: 4,
		},
		Adapters: []AdapterConfig{},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ValidationError reports the first out-of-range setting.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	invalid := func(field string, value any, reason string) error {
		return &ValidationError{Field: field, Value: value, Reason: reason}
	}

	switch {
	case c.Coref.SentenceWindow < 0:
		return invalid("coref.sentence_window", c.Coref.SentenceWindow, "must be >= 0")
	case c.Coref.MentionWindow < 0:
		return invalid("coref.mention_window", c.Coref.MentionWindow, "must be >= 0")
	case c.Link.Threshold < 0 || c.Link.Threshold > 1:
		return invalid("link.threshold", c.Link.Threshold, "must be within [0,1]")
	case !slices.Contains(similarity.Names(), c.Link.Similarity):
		return invalid("link.similarity", c.Link.Similarity, "must be one of "+strings.Join(similarity.Names(), ", "))
	case c.Link.MaxRetries < 0:
		return invalid("link.max_retries", c.Link.MaxRetries, "must be >= 0")
	case c.Link.RetryBackoff < 0:
		return invalid("link.retry_backoff", c.Link.RetryBackoff, "must be >= 0")
	case c.Link.Workers < 1:
		return invalid("link.workers", c.Link.Workers, "must be >= 1")
	case c.Registry.Backend != BackendSQLite && c.Registry.Backend != BackendMemory:
		return invalid("registry.backend", c.Registry.Backend, "must be sqlite or memory")
	case c.Registry.Backend == BackendSQLite && strings.TrimSpace(c.Registry.Path) == "":
		return invalid("registry.path", c.Registry.Path, "required for the sqlite backend")
	case c.Registry.BusyTimeout < 0:
		return invalid("registry.busy_timeout", c.Registry.BusyTimeout, "must be >= 0")
	case c.Registry.CacheTTL < 0:
		return invalid("registry.cache_ttl", c.Registry.CacheTTL, "must be >= 0")
	case c.Run.Workers < 1:
		return invalid("run.workers", c.Run.Workers, "must be >= 1")
	case c.Run.Timeout < 0:
		return invalid("run.timeout", c.Run.Timeout, "must be >= 0")
	case c.Log.Format != "console" && c.Log.Format != "json":
		return invalid("log.format", c.Log.Format, "must be console or json")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", c.Log.Level, err.Error())
	}
	for from, to := range c.Coref.CompatibleTypes {
		if strings.TrimSpace(from) == "" {
			return invalid("coref.compatible_types", from, "empty type label")
		}
		for _, t := range to {
			if strings.TrimSpace(t) == "" {
				return invalid("coref.compatible_types."+from, to, "empty type label")
			}
		}
	}
	for i, a := range c.Adapters {
		field := fmt.Sprintf("adapters[%d]", i)
		if strings.TrimSpace(a.Name) == "" {
			return invalid(field+".name", a.Name, "required")
		}
		if strings.TrimSpace(a.Path) == "" {
			return invalid(field+".path", a.Path, "required")
		}
	}
	return nil
}

// normalize upper-cases type labels; viper lower-cases map keys on read.
func (c *Config) normalize() {
	types := make(map[string][]string, len(c.Coref.CompatibleTypes))
	for from, to := range c.Coref.CompatibleTypes {
		key := strings.ToUpper(strings.TrimSpace(from))
		for _, t := range to {
			t = strings.ToUpper(strings.TrimSpace(t))
			if !slices.Contains(types[key], t) {
				types[key] = append(types[key], t)
			}
		}
	}
	for _, to := range types {
		sort.Strings(to)
	}
	c.Coref.CompatibleTypes = types

	for i := range c.Adapters {
		for j, t := range c.Adapters[i].Types {
			c.Adapters[i].Types[j] = strings.ToUpper(strings.TrimSpace(t))
		}
	}
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// SetDefaults registers every key so env overrides are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("coref.sentence_window", d.Coref.SentenceWindow)
	v.SetDefault("coref.mention_window", d.Coref.MentionWindow)
	v.SetDefault("coref.compatible_types", d.Coref.CompatibleTypes)
	v.SetDefault("link.threshold", d.Link.Threshold)
	v.SetDefault("link.similarity", d.Link.Similarity)
	v.SetDefault("link.max_retries", d.Link.MaxRetries)
	v.SetDefault("link.retry_backoff", d.Link.RetryBackoff)
	v.SetDefault("link.workers", d.Link.Workers)
	v.SetDefault("registry.backend", d.Registry.Backend)
	v.SetDefault("registry.path", d.Registry.Path)
	v.SetDefault("registry.busy_timeout", d.Registry.BusyTimeout)
	v.SetDefault("registry.cache_ttl", d.Registry.CacheTTL)
	v.SetDefault("run.workers", d.Run.Workers)
	v.SetDefault("run.timeout", d.Run.Timeout)
	v.SetDefault("adapters", d.Adapters)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// BindEnv enables KITTLINK_SECTION_KEY overrides.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load resolves the configuration held by v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
