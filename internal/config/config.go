package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/protocol/session"
)

// SourceFileName is looked up at the root of a parquet source locator.
const SourceFileName = "source.toml"

// EnvRuntimeConfig points at an optional runtime.toml for the plugin process.
const EnvRuntimeConfig = "REMOTESOURCE_CONFIG"

var ErrInvalidConfig = errors.New("config: invalid")

// SourceConfig describes parquet-backed catalogs.
type SourceConfig struct {
	Catalogs []CatalogConfig `toml:"catalogs"`
}

type CatalogConfig struct {
	ID          string            `toml:"id"`
	Description string            `toml:"description"`
	Properties  map[string]string `toml:"properties"`
	Transient   bool              `toml:"transient"`
	Resources   []ResourceConfig  `toml:"resources"`
}

type ResourceConfig struct {
	Name         string   `toml:"name"`
	Unit         string   `toml:"unit"`
	Groups       []string `toml:"groups"`
	Type         string   `toml:"type"`
	SamplePeriod string   `toml:"sample_period"`
	File         string   `toml:"file"`
}

// ParseSource decodes and validates a source.toml body. Unknown keys are
// rejected so that typos do not silently drop resources.
func ParseSource(data []byte) (SourceConfig, error) {
	var cfg SourceConfig
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return SourceConfig{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, SourceFileName, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return SourceConfig{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, SourceFileName, strings.Join(keys, ", "))
	}
	for i := range cfg.Catalogs {
		normalizeCatalog(&cfg.Catalogs[i])
	}
	if err := ValidateSource(cfg); err != nil {
		return SourceConfig{}, err
	}
	return cfg, nil
}

func LoadSourceFile(path string) (SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return ParseSource(data)
}

func normalizeCatalog(c *CatalogConfig) {
	c.ID = strings.TrimSpace(c.ID)
	for i := range c.Resources {
		r := &c.Resources[i]
		r.Name = strings.TrimSpace(r.Name)
		r.File = strings.TrimSpace(r.File)
		if strings.TrimSpace(r.Type) == "" {
			r.Type = datamodel.Float64.String()
		}
		if strings.TrimSpace(r.SamplePeriod) == "" {
			r.SamplePeriod = "1s"
		}
	}
}

func ValidateSource(cfg SourceConfig) error {
	seen := make(map[string]struct{}, len(cfg.Catalogs))
	for i, c := range cfg.Catalogs {
		if err := ValidateCatalog(c); err != nil {
			return fmt.Errorf("catalogs[%d] invalid: %w", i, err)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: duplicate catalog %s", ErrInvalidConfig, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func ValidateCatalog(c CatalogConfig) error {
	if !datamodel.ValidCatalogID(c.ID) {
		return fmt.Errorf("%w: catalog id %q", ErrInvalidConfig, c.ID)
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("%w: catalog %s has no resources", ErrInvalidConfig, c.ID)
	}
	for i, r := range c.Resources {
		if err := ValidateResource(r); err != nil {
			return fmt.Errorf("resources[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateResource(r ResourceConfig) error {
	if !datamodel.ValidResourceName(r.Name) {
		return fmt.Errorf("%w: resource name %q", ErrInvalidConfig, r.Name)
	}
	if r.File == "" {
		return fmt.Errorf("%w: resource %s has no file", ErrInvalidConfig, r.Name)
	}
	if _, err := datamodel.ParseNumericType(r.Type); err != nil {
		return fmt.Errorf("%w: resource %s: %v", ErrInvalidConfig, r.Name, err)
	}
	if _, err := parsePeriod(r.SamplePeriod); err != nil {
		return fmt.Errorf("%w: resource %s: %v", ErrInvalidConfig, r.Name, err)
	}
	return nil
}

func parsePeriod(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("sample period %s must be positive", raw)
	}
	return d, nil
}

// runtime.toml key mapping to communicator settings.
type runtimeFile struct {
	ConnectTimeout     string `toml:"connect_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	Compression        string `toml:"compression"`
	MaxPayloadBytes    uint64 `toml:"max_payload_bytes"`
	BackoffInitial     string `toml:"backoff_initial"`
	BackoffMax         string `toml:"backoff_max"`
	BackoffJitter      bool   `toml:"backoff_jitter"`
}

// RuntimeConfig is the plugin process configuration.
type RuntimeConfig struct {
	Session session.Config
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{Session: session.DefaultConfig()}
}

// LoadRuntime overlays the keys present in path onto the defaults.
func LoadRuntime(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	var raw runtimeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("load runtime config: %w", err)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parsePeriod(d.raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("load runtime config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return RuntimeConfig{}, fmt.Errorf("load runtime config: max_connect_attempts must not be negative")
		}
		cfg.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("compression") {
		c := strings.ToLower(strings.TrimSpace(raw.Compression))
		if _, err := session.CodecFor(c); err != nil {
			return RuntimeConfig{}, fmt.Errorf("load runtime config: %w", err)
		}
		cfg.Session.Compression = c
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes == 0 {
			return RuntimeConfig{}, fmt.Errorf("load runtime config: max_payload_bytes must be positive")
		}
		cfg.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}
	return cfg, nil
}

// LoadRuntimeFromEnv reads EnvRuntimeConfig when set, defaults otherwise.
func LoadRuntimeFromEnv() (RuntimeConfig, error) {
	path := strings.TrimSpace(os.Getenv(EnvRuntimeConfig))
	if path == "" {
		return DefaultRuntimeConfig(), nil
	}
	return LoadRuntime(path)
}
