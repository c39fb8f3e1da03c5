package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/output/file"
	"github.com/c360/poselink/output/natsout"
	"github.com/c360/poselink/output/websocket"
	"github.com/c360/poselink/pkg/security"
	"github.com/c360/poselink/source"
)

// Consumer types.
const (
	ConsumerNATS      = "nats"
	ConsumerWebSocket = "websocket"
	ConsumerFile      = "file"
)

// Config is the complete poselink configuration.
type Config struct {
	Sources      []source.Config `json:"sources" yaml:"sources"`
	Consumer     ConsumerConfig  `json:"consumer" yaml:"consumer"`
	NATS         NATSConfig      `json:"nats" yaml:"nats"`
	Metrics      MetricsConfig   `json:"metrics" yaml:"metrics"`
	PollInterval time.Duration   `json:"poll_interval" yaml:"poll_interval"`
}

// ConsumerConfig selects and configures the animation consumer.
type ConsumerConfig struct {
	Type      string           `json:"type" yaml:"type"`
	NATS      natsout.Config   `json:"nats" yaml:"nats"`
	WebSocket websocket.Config `json:"websocket" yaml:"websocket"`
	File      file.Config      `json:"file" yaml:"file"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls" yaml:"urls"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`

	TLS security.ClientTLSConfig `json:"tls" yaml:"tls"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates and atomically replaces the configuration
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.config = cfg.Clone()
	sc.mu.Unlock()
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Sources = append([]source.Config(nil), c.Sources...)
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	clone.NATS.TLS.CAFiles = append([]string(nil), c.NATS.TLS.CAFiles...)
	return &clone
}

// Defaults returns the configuration every loaded layer is merged over.
func Defaults() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			Type:      ConsumerNATS,
			NATS:      natsout.DefaultConfig(),
			WebSocket: websocket.DefaultConfig(),
			File:      file.DefaultConfig(),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Name:          "poselink",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		PollInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration as a whole, including every source.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "at least one source is required")
	}

	ports := make(map[int]int, len(c.Sources))
	names := make(map[string]int, len(c.Sources))
	for i, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if j, dup := ports[src.Port]; dup {
			return errors.WrapInvalid(fmt.Errorf("sources[%d] and sources[%d] share port %d", j, i, src.Port),
				"config", "Validate", "port uniqueness")
		}
		ports[src.Port] = i

		name := src.Name
		if name == "" {
			name = fmt.Sprintf("source-%d", src.Port)
		}
		if j, dup := names[name]; dup {
			return errors.WrapInvalid(fmt.Errorf("sources[%d] and sources[%d] share name %q", j, i, name),
				"config", "Validate", "name uniqueness")
		}
		names[name] = i
	}

	switch c.Consumer.Type {
	case ConsumerNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.urls is required")
		}
		if err := c.NATS.TLS.Validate(); err != nil {
			return fmt.Errorf("nats.tls: %w", err)
		}
		if err := c.Consumer.NATS.Validate(); err != nil {
			return fmt.Errorf("consumer.nats: %w", err)
		}
	case ConsumerWebSocket:
		if err := c.Consumer.WebSocket.Validate(); err != nil {
			return fmt.Errorf("consumer.websocket: %w", err)
		}
	case ConsumerFile:
		if err := c.Consumer.File.Validate(); err != nil {
			return fmt.Errorf("consumer.file: %w", err)
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown consumer type %q", c.Consumer.Type),
			"config", "Validate", "consumer type")
	}

	if c.PollInterval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval),
			"config", "Validate", "poll interval")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(fmt.Errorf("invalid metrics port %d", c.Metrics.Port),
				"config", "Validate", "metrics port")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.WrapInvalid(fmt.Errorf("metrics path %q must start with /", c.Metrics.Path),
				"config", "Validate", "metrics path")
		}
		if c.Consumer.Type == ConsumerWebSocket && c.Consumer.WebSocket.Port == c.Metrics.Port {
			return errors.WrapInvalid(fmt.Errorf("websocket and metrics both use port %d", c.Metrics.Port),
				"config", "Validate", "http port conflict")
		}
	}

	return nil
}

// String returns a JSON representation of the config with credentials redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// SaveToFile saves the configuration as JSON or YAML depending on the extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c.rawMap())
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// rawMap renders the config the way a file layer would carry it, with
// durations as strings.
func (c *Config) rawMap() map[string]any {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	formatDurations(m)
	return m
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "POSELINK",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw loads a JSON or YAML layer as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "config", "loadRaw", "yaml decode")
		}
	} else {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "config", "loadRaw", "json decode")
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map. Lists such as sources are replaced, not appended.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(l.deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, errors.WrapInvalid(err, "config", "mergeFromMap", "decode merged config")
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(suffix string) (string, error) {
		key := l.envPrefix + "_" + suffix
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", err
		}
		return val, nil
	}

	strs := []struct {
		suffix string
		dst    *string
	}{
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"CONSUMER_TYPE", &cfg.Consumer.Type},
	}
	for _, s := range strs {
		val, err := get(s.suffix)
		if err != nil {
			return err
		}
		if val != "" {
			*s.dst = val
		}
	}

	val, err := get("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	val, err = get("POLL_INTERVAL")
	if err != nil {
		return err
	}
	if val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_POLL_INTERVAL")
		}
		cfg.PollInterval = d
	}

	val, err = get("METRICS_PORT")
	if err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_METRICS_PORT")
		}
		cfg.Metrics.Port = port
	}

	return nil
}

// durationKeys are the fields decoded into time.Duration.
var durationKeys = map[string]bool{
	"poll_interval":    true,
	"reconnect_wait":   true,
	"shutdown_timeout": true,
	"peer_ttl":         true,
	"flush_interval":   true,
	"write_timeout":    true,
	"ping_interval":    true,
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling,
// walking nested maps and lists so every source is covered.
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return errors.WrapInvalid(fmt.Errorf("%s: %w", k, err), "config", "parseDurations", "duration parse")
			}
			data[k] = d.Nanoseconds()
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// formatDurations is the inverse of parseDurations.
func formatDurations(data map[string]any) {
	for k, v := range data {
		switch val := v.(type) {
		case float64:
			if durationKeys[k] {
				data[k] = time.Duration(val).String()
			}
		case map[string]any:
			formatDurations(val)
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					formatDurations(m)
				}
			}
		}
	}
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
