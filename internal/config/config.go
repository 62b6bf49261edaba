package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

const maxWords = 65535

// ServerConfig is the regmond config.toml layout.
type ServerConfig struct {
	Addr            string       `toml:"addr"`
	Mode            string       `toml:"mode"`
	Token           string       `toml:"token"`
	MaxSessions     int          `toml:"max_sessions"`
	MaxWords        int          `toml:"max_words"`
	IdleTimeoutMS   int          `toml:"idle_timeout_ms"`
	AdminListenAddr string       `toml:"admin_listen_addr"`
	CorsOrigins     []string     `toml:"cors_origins"`
	ReusePort       bool         `toml:"reuse_port"`
	Window          WindowConfig `toml:"window"`
}

type WindowConfig struct {
	Backend      string `toml:"backend"`
	Device       string `toml:"device"`
	Base         uint64 `toml:"base"`
	Size         int    `toml:"size"`
	UnmapOnClose bool   `toml:"unmap_on_close"`
}

// LoadServerConfig decodes path strictly (unknown keys are errors) and validates it.
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return decodeStrict(data, out, path)
}

func decodeStrict(data []byte, out any, name string) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w: %s", name, ErrInvalid, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", name, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "single":
	case "multi":
		if len(cfg.Token) != 32 {
			return fmt.Errorf("%w: multi mode requires a 32-character token, got %d", ErrInvalid, len(cfg.Token))
		}
	default:
		return fmt.Errorf("%w: mode %q (expected single or multi)", ErrInvalid, cfg.Mode)
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("%w: max_sessions must not be negative", ErrInvalid)
	}
	if cfg.MaxWords < 0 || cfg.MaxWords > maxWords {
		return fmt.Errorf("%w: max_words must be within [0, %d]", ErrInvalid, maxWords)
	}
	if cfg.IdleTimeoutMS < 0 {
		return fmt.Errorf("%w: idle_timeout_ms must not be negative", ErrInvalid)
	}
	return validateWindow(cfg.Window)
}

func validateWindow(cfg WindowConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "mmap", "memory":
	default:
		return fmt.Errorf("%w: window.backend %q (expected mmap or memory)", ErrInvalid, cfg.Backend)
	}
	if cfg.Size != 0 && (cfg.Size < 4 || cfg.Size&(cfg.Size-1) != 0) {
		return fmt.Errorf("%w: window.size %d is not a power of two", ErrInvalid, cfg.Size)
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if page := os.Getpagesize(); cfg.Size != 0 && backend != "memory" && cfg.Size < page {
		return fmt.Errorf("%w: window.size %d is below the %d-byte page size for mmap", ErrInvalid, cfg.Size, page)
	}
	return nil
}
