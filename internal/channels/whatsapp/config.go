// Package whatsapp provides the WhatsApp transport using whatsmeow.
package whatsapp

import (
	"fmt"
	"time"
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// SessionPath is the SQLite database whatsmeow keeps the device session in.
	SessionPath string `yaml:"session_path" json:"session_path"`

	// SendTyping shows the composing indicator while the agent works.
	SendTyping bool `yaml:"send_typing" json:"send_typing"`

	// EventBuffer bounds queued inbound events before new ones are dropped.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer,omitempty"`

	// PairingTimeout bounds how long Start waits for the QR code to be scanned.
	PairingTimeout time.Duration `yaml:"pairing_timeout" json:"pairing_timeout,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SessionPath:    "~/.loanagent/whatsapp/session.db",
		SendTyping:     true,
		EventBuffer:    100,
		PairingTimeout: 3 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SessionPath == "" {
		return fmt.Errorf("whatsapp: session_path is required")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("whatsapp: event_buffer must not be negative")
	}
	return nil
}
