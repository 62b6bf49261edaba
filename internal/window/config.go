package window

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	BackendMmap   = "mmap"
	BackendMemory = "memory"

	DefaultDevice = "/dev/mem"
	DefaultBase   = 0x40000000
	DefaultSize   = 128 * 1024
)

var (
	ErrInvalidSize    = errors.New("window: size must be a power of two of at least 4 bytes")
	ErrInvalidBackend = errors.New("window: invalid backend")
	ErrSizeBelowPage  = errors.New("window: mmap size must be at least one page")
	ErrUnsupported    = errors.New("window: mmap backend unsupported on this platform")
	ErrClosed         = errors.New("window: closed")
)

// Config describes one register window.
type Config struct {
	Backend string
	Device  string
	Base    uint64
	Size    int
	// UnmapOnClose releases the mapping on Close. The default keeps it for the
	// process lifetime.
	UnmapOnClose bool
}

func DefaultConfig() Config {
	return Config{
		Backend: BackendMmap,
		Device:  DefaultDevice,
		Base:    DefaultBase,
		Size:    DefaultSize,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = d.Backend
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if strings.TrimSpace(c.Device) == "" {
		c.Device = d.Device
	}
	if c.Size == 0 {
		c.Size = d.Size
	}
	return c
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMmap, BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend)
	}
	if c.Size < 4 || c.Size > MaxSize || c.Size&(c.Size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, c.Size)
	}
	// A power-of-two size of at least one page also keeps the size-aligned base
	// page-aligned for mmap.
	if page := os.Getpagesize(); c.Backend == BackendMmap && c.Size < page {
		return fmt.Errorf("%w: size=%d page=%d", ErrSizeBelowPage, c.Size, page)
	}
	return nil
}
