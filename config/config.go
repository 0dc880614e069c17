package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// Backend names accepted in store.backend
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the service configuration loaded from config.yaml
type Config struct {
	Store    StoreConfig    `yaml:"store" json:"store"`
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Analyzer AnalyzerConfig `yaml:"analyzer" json:"analyzer"`
	Render   RenderConfig   `yaml:"render" json:"render"`
}

// StoreConfig selects and tunes the geometry store backend
type StoreConfig struct {
	Backend     string        `yaml:"backend" json:"backend"`                           // memory, file or sqlite
	Path        string        `yaml:"path,omitempty" json:"path,omitempty"`             // directory (file) or database file (sqlite)
	TTL         time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`               // memory backend only; 0 = never expire
	MaxEntries  int           `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"` // memory backend only; 0 = unbounded
	Hash        string        `yaml:"hash,omitempty" json:"hash,omitempty"`             // rolling (default) or sha256
	ShapePolicy string        `yaml:"shapePolicy,omitempty" json:"shapePolicy,omitempty"`
}

// HTTPConfig holds the HTTP listener settings
type HTTPConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
	QoS           byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"` // default true
}

// RetainMessages reports whether published messages are retained
func (m MQTTConfig) RetainMessages() bool {
	return m.Retain == nil || *m.Retain
}

// AnalyzerConfig points at the external layout analyzer
type AnalyzerConfig struct {
	URL        string        `yaml:"url,omitempty" json:"url,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// RenderConfig tunes mask rendering
type RenderConfig struct {
	MaskWidth int     `yaml:"maskWidth,omitempty" json:"maskWidth,omitempty"` // raster mask width in pixels (default 1024)
	Scale     float64 `yaml:"scale,omitempty" json:"scale,omitempty"`         // vector preview mm per room unit (default 100)
	DPI       float64 `yaml:"dpi,omitempty" json:"dpi,omitempty"`             // vector preview PNG resolution (default 96)
	MaxPixels int     `yaml:"maxPixels,omitempty" json:"maxPixels,omitempty"` // longer side of the vector preview PNG (default 4096)
	Labels    bool    `yaml:"labels,omitempty" json:"labels,omitempty"`       // draw anchor ids on raster masks
}

// Default returns the configuration used when no file is given
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case BackendFile:
			c.Store.Path = ".geometry-store"
		case BackendSQLite:
			c.Store.Path = "geometry.db"
		}
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "roomcanon"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "roomcanon"
	}
	if c.Analyzer.Timeout == 0 {
		c.Analyzer.Timeout = 30 * time.Second
	}
	if c.Analyzer.MaxRetries == 0 {
		c.Analyzer.MaxRetries = 3
	}
	if c.Render.MaskWidth == 0 {
		c.Render.MaskWidth = 1024
	}
	if c.Render.Scale == 0 {
		c.Render.Scale = 100
	}
	if c.Render.DPI == 0 {
		c.Render.DPI = 96
	}
	if c.Render.MaxPixels == 0 {
		c.Render.MaxPixels = room.DefaultMaxPixels
	}
}

// ApplyEnv overrides MQTT settings from the environment. Set variables win
// over the file.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Validate checks the configuration after defaults are applied
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend must be memory, file or sqlite, got %q", c.Store.Backend)
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl must not be negative")
	}
	if c.Store.MaxEntries < 0 {
		return fmt.Errorf("store.maxEntries must not be negative")
	}
	if _, err := store.ParseHashFunc(c.Store.Hash); err != nil {
		return fmt.Errorf("store.hash: %w", err)
	}
	if _, err := room.ParseShapePolicy(c.Store.ShapePolicy); err != nil {
		return fmt.Errorf("store.shapePolicy: %w", err)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if strings.ContainsAny(c.MQTT.PublishPrefix, "+#") {
		return fmt.Errorf("mqtt.publishPrefix must not contain wildcards")
	}
	if c.Analyzer.MaxRetries < 1 {
		return fmt.Errorf("analyzer.maxRetries must be at least 1")
	}
	if c.Render.MaskWidth < 16 {
		return fmt.Errorf("render.maskWidth must be at least 16")
	}
	if !(c.Render.Scale > 0) || math.IsInf(c.Render.Scale, 0) {
		return fmt.Errorf("render.scale must be positive, got %v", c.Render.Scale)
	}
	if !(c.Render.DPI > 0) || math.IsInf(c.Render.DPI, 0) {
		return fmt.Errorf("render.dpi must be positive, got %v", c.Render.DPI)
	}
	if c.Render.MaxPixels < 16 {
		return fmt.Errorf("render.maxPixels must be at least 16")
	}
	return nil
}

// Load reads a YAML config file, applies defaults and env overrides, and
// validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save writes the configuration to a YAML file
func Save(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
