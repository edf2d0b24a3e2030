// Package config loads the environment tunables of both binaries.
// Priority: process environment over .env file over defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Chat holds the chat server tunables.
type Chat struct {
	// SendQueue is the per-session outbound queue capacity.
	SendQueue int `env:"CHAT_SEND_QUEUE" envDefault:"64"`
	// SendTimeout bounds a blocked enqueue before the session is dropped.
	SendTimeout time.Duration `env:"CHAT_SEND_TIMEOUT" envDefault:"50ms"`
}

// Voice holds the relay tunables.
type Voice struct {
	ClientTimeout    time.Duration `env:"VOICE_CLIENT_TIMEOUT" envDefault:"10s"`
	BufferSize       int           `env:"VOICE_BUFFER_SIZE" envDefault:"4096"`
	MaxClients       int           `env:"VOICE_MAX_CLIENTS" envDefault:"50"`
	MaxChannelLength int           `env:"VOICE_MAX_CHANNEL_LENGTH" envDefault:"64"`
	// MetricsAddr, when set, serves Prometheus metrics on its own listener.
	MetricsAddr string `env:"VOICE_METRICS_ADDR" envDefault:""`
}

// LoadChat reads the chat tunables. A missing .env file is not an error.
func LoadChat() (Chat, error) {
	_ = godotenv.Load()
	var cfg Chat
	if err := env.Parse(&cfg); err != nil {
		return Chat{}, fmt.Errorf("parse chat config: %w", err)
	}
	return cfg, nil
}

// LoadVoice reads the relay tunables. A missing .env file is not an error.
func LoadVoice() (Voice, error) {
	_ = godotenv.Load()
	var cfg Voice
	if err := env.Parse(&cfg); err != nil {
		return Voice{}, fmt.Errorf("parse voice config: %w", err)
	}
	return cfg, nil
}
