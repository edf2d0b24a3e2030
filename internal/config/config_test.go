package config

import (
	"testing"
	"time"
)

func TestLoadChatDefaults(t *testing.T) {
	cfg, err := LoadChat()
	if err != nil {
		t.Fatalf("LoadChat: %v", err)
	}
	if cfg.SendQueue != 64 {
		t.Fatalf("SendQueue default: got %d", cfg.SendQueue)
	}
	if cfg.SendTimeout != 50*time.Millisecond {
		t.Fatalf("SendTimeout default: got %v", cfg.SendTimeout)
	}
}

func TestLoadChatFromEnvironment(t *testing.T) {
	t.Setenv("CHAT_SEND_QUEUE", "256")
	t.Setenv("CHAT_SEND_TIMEOUT", "2s")

	cfg, err := LoadChat()
	if err != nil {
		t.Fatalf("LoadChat: %v", err)
	}
	if cfg.SendQueue != 256 {
		t.Fatalf("SendQueue: got %d", cfg.SendQueue)
	}
	if cfg.SendTimeout != 2*time.Second {
		t.Fatalf("SendTimeout: got %v", cfg.SendTimeout)
	}
}

func TestLoadChatRejectsGarbage(t *testing.T) {
	t.Setenv("CHAT_SEND_TIMEOUT", "soon")

	if _, err := LoadChat(); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadVoiceDefaults(t *testing.T) {
	cfg, err := LoadVoice()
	if err != nil {
		t.Fatalf("LoadVoice: %v", err)
	}
	if cfg.ClientTimeout != 10*time.Second {
		t.Fatalf("ClientTimeout default: got %v", cfg.ClientTimeout)
	}
	if cfg.BufferSize != 4096 {
		t.Fatalf("BufferSize default: got %d", cfg.BufferSize)
	}
	if cfg.MaxClients != 50 {
		t.Fatalf("MaxClients default: got %d", cfg.MaxClients)
	}
	if cfg.MaxChannelLength != 64 {
		t.Fatalf("MaxChannelLength default: got %d", cfg.MaxChannelLength)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr default: got %q", cfg.MetricsAddr)
	}
}

func TestLoadVoiceFromEnvironment(t *testing.T) {
	t.Setenv("VOICE_CLIENT_TIMEOUT", "30s")
	t.Setenv("VOICE_MAX_CLIENTS", "8")
	t.Setenv("VOICE_METRICS_ADDR", "127.0.0.1:9091")

	cfg, err := LoadVoice()
	if err != nil {
		t.Fatalf("LoadVoice: %v", err)
	}
	if cfg.ClientTimeout != 30*time.Second {
		t.Fatalf("ClientTimeout: got %v", cfg.ClientTimeout)
	}
	if cfg.MaxClients != 8 {
		t.Fatalf("MaxClients: got %d", cfg.MaxClients)
	}
	if cfg.MetricsAddr != "127.0.0.1:9091" {
		t.Fatalf("MetricsAddr: got %q", cfg.MetricsAddr)
	}
}
