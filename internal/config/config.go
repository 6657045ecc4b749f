// Package config holds all client configuration with defaults suitable for
// a workstation inside the hospital network. Every field can be overridden
// through CONSULT_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling server.
	SignalingURL string
	// RoomServiceURL is the base URL of the consultation room REST API.
	RoomServiceURL string

	// PeerID is the durable identity; generated when empty.
	PeerID      string
	DisplayName string
	Role        string

	// ScheduledDurationMinutes drives the overrun notice; zero disables it.
	ScheduledDurationMinutes int

	STUNServers []string
	// EmbeddedSTUNPort starts a local STUN server when non-zero.
	EmbeddedSTUNPort int

	// DatabaseDSN enables the consultation journal when non-empty.
	DatabaseDSN string

	RequestTimeout time.Duration

	VideoConfig VideoConfig
}

type VideoConfig struct {
	Width     int
	Height    int
	Framerate int
	BitRate   int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL:             "ws://localhost:7000/ws",
		RoomServiceURL:           "http://localhost:7000",
		Role:                     "patient",
		ScheduledDurationMinutes: 30,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		RequestTimeout: 10 * time.Second,
		VideoConfig: VideoConfig{
			Width:     640,
			Height:    480,
			Framerate: 25,
			BitRate:   500_000,
		},
	}
}

// FromEnv overlays CONSULT_* environment variables onto the config.
func (c *Config) FromEnv() {
	if v := os.Getenv("CONSULT_SIGNALING_URL"); v != "" {
		c.SignalingURL = v
	}
	if v := os.Getenv("CONSULT_ROOM_SERVICE_URL"); v != "" {
		c.RoomServiceURL = v
	}
	if v := os.Getenv("CONSULT_PEER_ID"); v != "" {
		c.PeerID = v
	}
	if v := os.Getenv("CONSULT_DISPLAY_NAME"); v != "" {
		c.DisplayName = v
	}
	if v := os.Getenv("CONSULT_ROLE"); v != "" {
		c.Role = v
	}
	if v := os.Getenv("CONSULT_DATABASE_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("CONSULT_SCHEDULED_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScheduledDurationMinutes = n
		}
	}
	if v := os.Getenv("CONSULT_STUN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbeddedSTUNPort = n
		}
	}
}

// Validate checks the fields main cannot recover from at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("signaling URL %q must be a ws:// or wss:// endpoint", c.SignalingURL)
	}
	if _, err := url.Parse(c.RoomServiceURL); err != nil {
		return fmt.Errorf("invalid room service URL %q: %w", c.RoomServiceURL, err)
	}
	if c.Role != "doctor" && c.Role != "patient" {
		return fmt.Errorf("role must be doctor or patient, got %q", c.Role)
	}
	if len(c.STUNServers) == 0 && c.EmbeddedSTUNPort == 0 {
		return fmt.Errorf("at least one STUN server is required")
	}
	if c.VideoConfig.Width <= 0 || c.VideoConfig.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", c.VideoConfig.Width, c.VideoConfig.Height)
	}
	if c.VideoConfig.Framerate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", c.VideoConfig.Framerate)
	}
	return nil
}
