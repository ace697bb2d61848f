package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/scopedash/scopedash/internal/interp"
	"github.com/scopedash/scopedash/internal/scope"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Instrument link
	Scope ScopeConfig `yaml:"scope" json:"scope"`

	// Trace rendering
	Display DisplayConfig `yaml:"display" json:"display"`

	// Capture CSV logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Application log output
	Log LogConfig `yaml:"log" json:"log"`

	// Prometheus endpoint
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Redis capture publishing
	Publish PublishConfig `yaml:"publish" json:"publish"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ScopeConfig struct {
	Type        string  `yaml:"type" json:"type"`          // "os3000" or "demo"
	PortPath    string  `yaml:"port_path" json:"portPath"` // empty picks the first USB serial port
	BaudRate    int     `yaml:"baud_rate" json:"baudRate"`
	TwoStopBits bool    `yaml:"two_stop_bits" json:"twoStopBits"`
	Channel     int     `yaml:"channel" json:"channel"`
	Command     string  `yaml:"command" json:"command"` // "test", "conditions" or "waveform"
	Single      bool    `yaml:"single" json:"single"`   // stop after one successful capture
	ScaleFactor float64 `yaml:"scale_factor" json:"scaleFactor"`
}

type DisplayConfig struct {
	Kernel        string `yaml:"kernel" json:"kernel"` // interpolation kernel for the trace
	Samples       int    `yaml:"samples" json:"samples"`
	Step          int    `yaml:"step" json:"step"`
	PreSamples    int    `yaml:"pre_samples" json:"preSamples"` // linear pre-pass resolution
	PreStep       int    `yaml:"pre_step" json:"preStep"`
	Average       bool   `yaml:"average" json:"average"` // moving-average overlay
	AverageWindow int    `yaml:"average_window" json:"averageWindow"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Dir     string `yaml:"dir" json:"dir"`
	Console bool   `yaml:"console" json:"console"`
	Debug   bool   `yaml:"debug" json:"debug"`
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type PublishConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scope: ScopeConfig{
			Type:        "os3000",
			PortPath:    "",
			BaudRate:    9600,
			TwoStopBits: false,
			Channel:     1,
			Command:     "waveform",
			Single:      false,
			ScaleFactor: 1.0,
		},
		Display: DisplayConfig{
			Kernel:        "catmull-rom",
			Samples:       1000,
			Step:          2,
			PreSamples:    2000,
			PreStep:       1,
			Average:       false,
			AverageWindow: 16,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/scopedash",
		},
		Log: LogConfig{
			Dir:     "/var/log/scopedash",
			Console: true,
			Debug:   false,
		},
		Monitor: MonitorConfig{
			Enabled:    false,
			ListenAddr: ":9100",
		},
		Publish: PublishConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			Channel:  "scopedash.captures",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or broken.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Error().Err(err).Str("path", path).Msg("config parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("loaded config")
	}

	// Load .env from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SCOPE_TYPE, SCOPE_PORT, SCOPE_BAUD, SCOPE_CHANNEL, SCOPE_COMMAND,
// SCOPE_SCALE, LISTEN_ADDR, MONITOR_ADDR, REDIS_ADDR, LOG_DIR, LOG_ENABLED,
// LOG_PATH, DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCOPE_TYPE"); v != "" {
		c.Scope.Type = v
	}
	if v := os.Getenv("SCOPE_PORT"); v != "" {
		c.Scope.PortPath = v
	}
	if v := os.Getenv("SCOPE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scope.BaudRate = n
		}
	}
	if v := os.Getenv("SCOPE_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scope.Channel = n
		}
	}
	if v := os.Getenv("SCOPE_COMMAND"); v != "" {
		c.Scope.Command = v
	}
	if v := os.Getenv("SCOPE_SCALE"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scope.ScaleFactor = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MONITOR_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Publish.Addr = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Log.Debug = v == "1" || v == "true" || v == "yes"
	}
}

// Validate checks that the config holds values the driver and the display
// pipeline can actually use.
func (c *Config) Validate() error {
	switch c.Scope.Type {
	case "os3000", "demo":
	default:
		return fmt.Errorf("config: unknown scope type %q", c.Scope.Type)
	}
	if !scope.ValidBaudRate(c.Scope.BaudRate) {
		return fmt.Errorf("config: unsupported baud rate %d", c.Scope.BaudRate)
	}
	if !scope.Channel(c.Scope.Channel).Valid() {
		return fmt.Errorf("config: invalid channel %d", c.Scope.Channel)
	}
	if _, err := scope.ParseCommand(c.Scope.Command); err != nil {
		return err
	}
	if c.Scope.ScaleFactor <= 0 {
		return fmt.Errorf("config: scale factor must be positive, got %g", c.Scope.ScaleFactor)
	}
	if _, err := interp.ParseKernel(c.Display.Kernel); err != nil {
		return err
	}
	if c.Display.Samples < 1 || c.Display.PreSamples < 1 {
		return fmt.Errorf("config: sample counts must be at least 1")
	}
	if c.Display.Step < 1 || c.Display.PreStep < 1 {
		return fmt.Errorf("config: interpolation steps must be at least 1")
	}
	if c.Display.Average && c.Display.AverageWindow < 1 {
		return fmt.Errorf("config: average window must be at least 1")
	}
	return nil
}

// Snapshot returns copies of the sections the capture loop reads every cycle.
func (c *Config) Snapshot() (ScopeConfig, DisplayConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scope, c.Display
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/scopedash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port path, baud rate, logging).
// An update that fails validation leaves the config untouched.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	updated := Config{path: c.path}
	if err := json.Unmarshal(merged, &updated); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	c.Scope = updated.Scope
	c.Display = updated.Display
	c.Logging = updated.Logging
	c.Log = updated.Log
	c.Monitor = updated.Monitor
	c.Publish = updated.Publish
	c.Server = updated.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
