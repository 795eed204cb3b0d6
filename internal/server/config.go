package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/chopperdash/internal/link"
	"github.com/shaunagostinho/chopperdash/internal/scope"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the chopper
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Scope window and render cadence
	Scope ScopeConfig `yaml:"scope" json:"scope"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Port        string `yaml:"port" json:"port"` // e.g. /dev/ttyACM0, COM3 or "demo"
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeoutMs"` // read timeout
	Parity      string `yaml:"parity" json:"parity"`        // none, odd, even, mark, space
	FlowControl bool   `yaml:"flow_control" json:"flowControl"`
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"` // connect to Port at startup
}

type ScopeConfig struct {
	WindowS float64 `yaml:"window_s" json:"windowS"` // visible span in seconds
	TickMs  int     `yaml:"tick_ms" json:"tickMs"`   // render cadence
	Floor   float64 `yaml:"floor" json:"floor"`      // initial y-axis bounds
	Ceiling float64 `yaml:"ceiling" json:"ceiling"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config matching the chopper firmware.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "",
			BaudRate:    256000,
			TimeoutMs:   2000,
			Parity:      link.ParityNone,
			FlowControl: true,
		},
		Scope: ScopeConfig{
			WindowS: 2,
			TickMs:  80,
			Floor:   -1,
			Ceiling: 3,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.Printf("[config] %v, using defaults", err)
		def := DefaultConfig()
		def.path = path
		return def
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CHOPPER_PORT, CHOPPER_BAUD, CHOPPER_TIMEOUT_MS, CHOPPER_PARITY,
// CHOPPER_FLOW, CHOPPER_AUTOCONNECT, SCOPE_WINDOW_S, SCOPE_TICK_MS, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHOPPER_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("CHOPPER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("CHOPPER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.TimeoutMs = n
		}
	}
	if v := os.Getenv("CHOPPER_PARITY"); v != "" {
		c.Serial.Parity = v
	}
	if v := os.Getenv("CHOPPER_FLOW"); v != "" {
		c.Serial.FlowControl = truthy(v)
	}
	if v := os.Getenv("CHOPPER_AUTOCONNECT"); v != "" {
		c.Serial.AutoConnect = truthy(v)
	}
	if v := os.Getenv("SCOPE_WINDOW_S"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scope.WindowS = n
		}
	}
	if v := os.Getenv("SCOPE_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scope.TickMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Validate rejects settings the link or scope cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate))
	}
	if c.Serial.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("serial.timeout_ms must be positive, got %d", c.Serial.TimeoutMs))
	}
	if _, err := link.ParseParity(c.Serial.Parity); err != nil {
		errs = append(errs, fmt.Errorf("serial.parity: %w", err))
	}
	if c.Scope.WindowS <= 0 {
		errs = append(errs, fmt.Errorf("scope.window_s must be positive, got %v", c.Scope.WindowS))
	}
	if c.Scope.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("scope.tick_ms must be positive, got %d", c.Scope.TickMs))
	} else if float64(c.Scope.TickMs)/1000 > c.Scope.WindowS {
		errs = append(errs, fmt.Errorf("scope.tick_ms %d exceeds the %vs window", c.Scope.TickMs, c.Scope.WindowS))
	}
	if !(c.Scope.Floor < c.Scope.Ceiling) {
		errs = append(errs, fmt.Errorf("scope.floor %v must be below scope.ceiling %v", c.Scope.Floor, c.Scope.Ceiling))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is empty"))
	}
	return errors.Join(errs...)
}

// LinkConfig is the link template the controller opens ports with.
func (c *Config) LinkConfig() link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return link.Config{
		Port:        c.Serial.Port,
		BaudRate:    c.Serial.BaudRate,
		Timeout:     time.Duration(c.Serial.TimeoutMs) * time.Millisecond,
		Parity:      c.Serial.Parity,
		FlowControl: c.Serial.FlowControl,
	}
}

// BufferConfig converts the scope section for scope.New.
func (c *Config) BufferConfig() scope.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return scope.Config{
		Window:   time.Duration(c.Scope.WindowS * float64(time.Second)),
		Interval: time.Duration(c.Scope.TickMs) * time.Millisecond,
		Floor:    c.Scope.Floor,
		Ceiling:  c.Scope.Ceiling,
	}
}

// TickInterval is the render cadence.
func (c *Config) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Scope.TickMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/chopperdash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that would not validate is
// rejected as a whole.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	c.Serial, c.Scope, c.Server = next.Serial, next.Scope, next.Server
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
