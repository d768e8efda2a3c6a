package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the runtime configuration for the presence monitor.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogColor    bool   `mapstructure:"log_color"`
	TimeZone    string `mapstructure:"time_zone"`

	Camera   CameraConfig   `mapstructure:"camera"`
	Detector DetectorConfig `mapstructure:"detector"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
}

// CameraConfig selects the capture source.
type CameraConfig struct {
	URL            string        `mapstructure:"url"`  // MJPEG-over-HTTP camera
	File           string        `mapstructure:"file"` // concatenated-JPEG file replayed in a loop
	FPS            int           `mapstructure:"fps"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// DetectorConfig points at the object-detection server.
type DetectorConfig struct {
	Addr          string        `mapstructure:"addr"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Label         string        `mapstructure:"label"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// RecorderConfig controls chunking of captured frames.
type RecorderConfig struct {
	ChunkFrames int `mapstructure:"chunk_frames"`
}

// WebRTCConfig configures the event data channel server.
type WebRTCConfig struct {
	STUN       []string `mapstructure:"stun"`
	MaxClients int      `mapstructure:"max_clients"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogColor:    true,
		TimeZone:    "Local",
		Camera: CameraConfig{
			FPS:            15,
			StartupTimeout: 10 * time.Second,
		},
		Detector: DetectorConfig{
			Addr:    "127.0.0.1:8555",
			Timeout: 3 * time.Second,
			Label:   "person",
		},
		Recorder: RecorderConfig{
			ChunkFrames: 30,
		},
		WebRTC: WebRTCConfig{
			STUN:       []string{"stun:stun.l.google.com:19302"},
			MaxClients: 10,
		},
	}
}

// Load reads configuration from an optional YAML file and PRESENCE_* environment
// variables on top of DefaultConfig. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_color", d.LogColor)
	v.SetDefault("time_zone", d.TimeZone)

	v.SetDefault("camera.url", d.Camera.URL)
	v.SetDefault("camera.file", d.Camera.File)
	v.SetDefault("camera.fps", d.Camera.FPS)
	v.SetDefault("camera.startup_timeout", d.Camera.StartupTimeout)

	v.SetDefault("detector.addr", d.Detector.Addr)
	v.SetDefault("detector.timeout", d.Detector.Timeout)
	v.SetDefault("detector.label", d.Detector.Label)
	v.SetDefault("detector.min_confidence", d.Detector.MinConfidence)

	v.SetDefault("recorder.chunk_frames", d.Recorder.ChunkFrames)

	v.SetDefault("webrtc.stun", d.WebRTC.STUN)
	v.SetDefault("webrtc.max_clients", d.WebRTC.MaxClients)
}

// Validate fills zero values with defaults and rejects unusable settings.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = d.Camera.FPS
	}
	if c.Camera.StartupTimeout <= 0 {
		c.Camera.StartupTimeout = d.Camera.StartupTimeout
	}
	if c.Detector.Timeout <= 0 {
		c.Detector.Timeout = d.Detector.Timeout
	}
	if c.Detector.Label == "" {
		c.Detector.Label = d.Detector.Label
	}
	if c.Recorder.ChunkFrames <= 0 {
		c.Recorder.ChunkFrames = d.Recorder.ChunkFrames
	}
	if c.WebRTC.MaxClients <= 0 {
		c.WebRTC.MaxClients = d.WebRTC.MaxClients
	}

	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if c.Camera.URL != "" && c.Camera.File != "" {
		return errors.New("camera.url and camera.file are mutually exclusive")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be within [0,1], got %v", c.Detector.MinConfidence)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone for timestamp display.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}
