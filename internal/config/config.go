// Package config reads server settings from the environment. Entrypoints
// load a .env file first; adapters read their own provider settings with the
// same pattern.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds the server-level settings.
type Config struct {
	// Port the HTTP server listens on.
	Port string
	// JWTSecret signs channel tokens. Required.
	JWTSecret string
	// ChannelTokenTTL is the lifetime of a channel token.
	ChannelTokenTTL time.Duration
	// SweepInterval is how often the session janitor runs.
	SweepInterval time.Duration
	// SegmentDuration is the continuous listening segment length. The
	// janitor rotates recognitions idle past it.
	SegmentDuration time.Duration
	// Transcriber selects the speech-to-text adapter: google or whisper.
	Transcriber string
	// HistoryLimit caps the chat turns sent to the model as context.
	HistoryLimit int
	// MongoURI enables the conversation archive when set.
	MongoURI string
	// MongoDatabase is the archive database name.
	MongoDatabase string
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() Config {
	return Config{
		Port:            envString("PORT", "8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ChannelTokenTTL: envDuration("CHANNEL_TOKEN_TTL", 15*time.Minute),
		SweepInterval:   envDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		SegmentDuration: envDuration("LISTENING_SEGMENT_DURATION", time.Minute),
		Transcriber:     envString("TRANSCRIBER", "google"),
		HistoryLimit:    envInt("CHAT_HISTORY_LIMIT", 20),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   envString("MONGODB_DATABASE", "recall"),
	}
}

// Validate checks the settings a server cannot start without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Transcriber != "google" && c.Transcriber != "whisper" {
		return errors.New("TRANSCRIBER must be google or whisper")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
