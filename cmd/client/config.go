package main

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config defines the client-side environment variables. Identity and
// meeting choice come from flags; everything about the environment the
// client runs in comes from here.
type Config struct {
	ServerAddr  string `envconfig:"LANMEET_SERVER_ADDR" default:"localhost:7630"`
	MediaAddr   string `envconfig:"LANMEET_MEDIA_ADDR" default:"localhost:7631"`
	DownloadDir string `envconfig:"LANMEET_DOWNLOAD_DIR" default:"downloads"`
	// LANMEET_CHUNK_BYTES sizes outgoing file chunks. Kept well under
	// the relay frame cap so the JSON envelope never trips it.
	ChunkBytes int `envconfig:"LANMEET_CHUNK_BYTES" default:"32768"`
	// LANMEET_FRAME_BYTES sizes synthetic media payloads.
	FrameBytes   int           `envconfig:"LANMEET_FRAME_BYTES" default:"1200"`
	PingInterval time.Duration `envconfig:"LANMEET_PING_INTERVAL" default:"2s"`
	// LANMEET_COLOURS enables colorized output for better readability
	Colours  bool   `envconfig:"LANMEET_COLOURS" default:"true"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"WARN"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
