package webmonitor

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Location          *time.Location // display time zone
	ReplayFPS         int            // playback rate when a record has no usable duration
	KeepaliveInterval time.Duration  // SSE comment interval
	OverlayQuality    int            // JPEG quality of the live view
	Label             string         // detection label highlighted in the overlay
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Location:          time.Local,
		ReplayFPS:         15,
		KeepaliveInterval: 30 * time.Second,
		OverlayQuality:    80,
		Label:             types.PersonLabel,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Location == nil {
		c.Location = def.Location
	}
	if c.ReplayFPS <= 0 {
		c.ReplayFPS = def.ReplayFPS
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.OverlayQuality <= 0 || c.OverlayQuality > 100 {
		c.OverlayQuality = def.OverlayQuality
	}
	if c.Label == "" {
		c.Label = def.Label
	}
	return c
}

// DisplayTimeFormat is how record timestamps are shown.
const DisplayTimeFormat = "2006/01/02 15:04:05"
