//go:build linux

package window

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openDevice maps cfg.Size bytes of cfg.Device at the size-aligned base.
func openDevice(cfg Config) (*Window, error) {
	f, err := os.OpenFile(cfg.Device, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("window: open %s: %w", cfg.Device, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer f.Close()

	offset := int64(cfg.Base &^ uint64(cfg.Size-1))
	region, err := unix.Mmap(int(f.Fd()), offset, cfg.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("window: mmap %s offset=%#x size=%d: %w", cfg.Device, offset, cfg.Size, err)
	}
	return newWindow(region, uint64(offset), func() error {
		return unix.Munmap(region)
	}, cfg.UnmapOnClose), nil
}
