package source

import (
	"fmt"
	"time"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/handshake"
	"github.com/c360/poselink/transport"
)

// HandshakeConfig holds the raw handshake fields sent to devices.
type HandshakeConfig struct {
	Rig       string `json:"rig" yaml:"rig"`
	Mode      string `json:"mode" yaml:"mode"`
	Mirror    bool   `json:"mirror" yaml:"mirror"`
	SyncFPS   int    `json:"sync_fps,omitempty" yaml:"sync_fps,omitempty"`
	CameraFPS int    `json:"camera_fps,omitempty" yaml:"camera_fps,omitempty"`
}

// Parse builds the immutable handshake.
func (h HandshakeConfig) Parse() (handshake.Handshake, error) {
	hs, err := handshake.Parse(h.Rig, h.Mode, h.Mirror)
	if err != nil {
		return handshake.Handshake{}, err
	}
	return hs.WithRates(h.SyncFPS, h.CameraFPS), nil
}

// Config describes one source.
type Config struct {
	Name            string          `json:"name" yaml:"name"`
	Bind            string          `json:"bind" yaml:"bind"`
	Port            int             `json:"port" yaml:"port"`
	RootMotion      bool            `json:"root_motion" yaml:"root_motion"`
	Workers         int             `json:"workers,omitempty" yaml:"workers,omitempty"`
	QueueSize       int             `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	PeerTTL         time.Duration   `json:"peer_ttl,omitempty" yaml:"peer_ttl,omitempty"`
	RequireHello    bool            `json:"require_hello,omitempty" yaml:"require_hello,omitempty"`
	Handshake       HandshakeConfig `json:"handshake" yaml:"handshake"`
}

// DefaultShutdownTimeout bounds how long Shutdown waits for the transport.
const DefaultShutdownTimeout = 5 * time.Second

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"source", "Validate", "port validation")
	}
	if c.ShutdownTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative shutdown_timeout %v", c.ShutdownTimeout),
			"source", "Validate", "timeout validation")
	}
	if err := c.Transport().Validate(); err != nil {
		return err
	}
	if _, err := c.Handshake.Parse(); err != nil {
		return err
	}
	return nil
}

// Transport returns the socket settings for this source.
func (c Config) Transport() transport.Config {
	return transport.Config{
		Bind:         c.Bind,
		Port:         c.Port,
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		PeerTTL:      c.PeerTTL,
		RequireHello: c.RequireHello,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = fmt.Sprintf("source-%d", c.Port)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}
