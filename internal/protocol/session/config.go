package session

import (
	"time"

	"github.com/danmuck/regmon/internal/protocol/frame"
)

// Config defines per-session protocol limits.
type Config struct {
	// MaxWords clamps the header word count.
	MaxWords int
	// IdleTimeout bounds each blocking read when positive. Zero waits forever.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxWords:    frame.MaxWords,
		IdleTimeout: 0,
	}
}

// WithDefaults replaces out-of-range values with defaults.
func (c Config) WithDefaults() Config {
	if c.MaxWords <= 0 || c.MaxWords > frame.MaxWords {
		c.MaxWords = frame.MaxWords
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	return c
}
