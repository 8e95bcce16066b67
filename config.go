package epubpipe

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform identifiers for the layout transform variants.
const (
	PlatformGeneric  = "generic"
	PlatformDuokan   = "duokan"
	PlatformZhangyue = "zhangyue"
	PlatformKindle   = "kindle"
)

// Protection modes for the batch protection phase.
const (
	ProtectionOff       = "off"
	ProtectionProtect   = "protect"
	ProtectionUnprotect = "unprotect"
)

// ProtectionConfig controls the optional protection phase that runs after
// a job's filter chain.
type ProtectionConfig struct {
	// Mode is one of "off", "protect" or "unprotect".
	Mode string `yaml:"mode"`

	// Key is the shared secret for the scramble codec.
	Key string `yaml:"key"`

	// Algorithm names the keystream scheme. Only "basic" is defined.
	Algorithm string `yaml:"algorithm"`
}

// Config carries everything a chain and orchestrator need. Values resolve
// in three layers: built-in defaults, then an optional config file, then
// explicit overrides (flags or caller settings).
type Config struct {
	// Filters is the ordered filter pipeline for each job.
	Filters []FilterSpec `yaml:"filters"`

	// Platform selects the layout transform variant.
	Platform string `yaml:"platform"`

	// Protection configures the post-chain protection phase.
	Protection ProtectionConfig `yaml:"protection"`

	// Workers bounds concurrent jobs in the orchestrator.
	Workers int `yaml:"workers"`

	// JobTimeout bounds each job's wall-clock time. Zero means no limit.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// Logger receives structured progress and failure records. Nil
	// disables logging.
	Logger *slog.Logger `yaml:"-"`
}

// fileConfig mirrors Config for YAML decoding. Filter specs come in as
// name strings with optional option maps.
type fileConfig struct {
	Filters    []fileFilterSpec  `yaml:"filters"`
	Platform   string            `yaml:"platform"`
	Protection *ProtectionConfig `yaml:"protection"`
	Workers    *int              `yaml:"workers"`
	JobTimeout string            `yaml:"job_timeout"`
}

// fileFilterSpec accepts either a bare filter name or a mapping with
// name and options.
type fileFilterSpec struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options"`
}

func (s *fileFilterSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&s.Name)
	}
	type plain fileFilterSpec
	return node.Decode((*plain)(s))
}

// DefaultConfig returns the built-in defaults: the standard filter
// pipeline, the generic platform, protection off, and four workers.
func DefaultConfig() Config {
	return Config{
		Filters:    DefaultFilterSpecs(),
		Platform:   PlatformGeneric,
		Protection: ProtectionConfig{Mode: ProtectionOff, Algorithm: scrambleAlgorithmBasic},
		Workers:    defaultWorkers,
	}
}

// ParseConfig decodes a YAML config document into the override layer
// applied on top of base.
func ParseConfig(data []byte, base Config) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("epubpipe: parse config: %w", err)
	}
	return applyFileConfig(base, &fc)
}

// LoadConfigFile reads and decodes a YAML config file on top of base.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("epubpipe: read config %s: %v: %w", path, err, ErrIO)
	}
	return ParseConfig(data, base)
}

func applyFileConfig(base Config, fc *fileConfig) (Config, error) {
	cfg := base
	if len(fc.Filters) > 0 {
		cfg.Filters = make([]FilterSpec, 0, len(fc.Filters))
		for _, fs := range fc.Filters {
			cfg.Filters = append(cfg.Filters, FilterSpec{Name: fs.Name, Options: fs.Options})
		}
	}
	if fc.Platform != "" {
		cfg.Platform = fc.Platform
	}
	if fc.Protection != nil {
		if fc.Protection.Mode != "" {
			cfg.Protection.Mode = fc.Protection.Mode
		}
		if fc.Protection.Key != "" {
			cfg.Protection.Key = fc.Protection.Key
		}
		if fc.Protection.Algorithm != "" {
			cfg.Protection.Algorithm = fc.Protection.Algorithm
		}
	}
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	if fc.JobTimeout != "" {
		d, err := time.ParseDuration(fc.JobTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("epubpipe: parse config: invalid job_timeout %q: %w", fc.JobTimeout, err)
		}
		cfg.JobTimeout = d
	}
	return cfg, nil
}

// Validate checks cross-field constraints that the layering cannot.
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformGeneric, PlatformDuokan, PlatformZhangyue, PlatformKindle:
	default:
		return fmt.Errorf("epubpipe: unknown platform %q", c.Platform)
	}
	switch c.Protection.Mode {
	case ProtectionOff, ProtectionProtect, ProtectionUnprotect:
	default:
		return fmt.Errorf("epubpipe: unknown protection mode %q", c.Protection.Mode)
	}
	if c.Protection.Mode != ProtectionOff && c.Protection.Key == "" {
		return fmt.Errorf("epubpipe: protection mode %q requires a key", c.Protection.Mode)
	}
	if c.Workers < 0 {
		return fmt.Errorf("epubpipe: workers must be non-negative, got %d", c.Workers)
	}
	return nil
}

// logger returns the configured logger, or a discard logger when nil, so
// call sites never need a nil check.
func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
