package window

import (
	"fmt"
	"sync"
	"unsafe"
)

// MaxSize bounds the window so every folded offset fits a uint32.
const MaxSize = 1 << 30

// Window is a mapped register region addressed in 32-bit words.
type Window struct {
	mu      sync.Mutex
	region  []byte
	base    uint64
	size    int
	mask    uint32
	release func() error
	closed  bool
}

// Open maps the window described by cfg. A failure here is an environment failure:
// callers report it and stop, there is nothing to retry.
func Open(cfg Config) (*Window, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendMemory:
		w := newMemory(cfg.Size, cfg.UnmapOnClose)
		w.base = cfg.Base
		return w, nil
	default:
		return openDevice(cfg)
	}
}

// NewMemory returns a zeroed in-process window of size bytes. size is rounded up to
// a power of two. Like a default device window, its Close is a no-op.
func NewMemory(size int) *Window {
	return newMemory(size, false)
}

func newMemory(size int, unmapOnClose bool) *Window {
	if size < 4 {
		size = 4
	}
	if size&(size-1) != 0 {
		n := 4
		for n < size {
			n <<= 1
		}
		size = n
	}
	words := make([]uint32, size/4)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return newWindow(region, 0, func() error {
		words = nil
		return nil
	}, unmapOnClose)
}

func newWindow(region []byte, base uint64, release func() error, unmapOnClose bool) *Window {
	w := &Window{
		region: region,
		base:   base,
		size:   len(region),
		mask:   uint32(len(region)-1) &^ 3,
	}
	if unmapOnClose {
		w.release = release
	}
	return w
}

func (w *Window) Size() int {
	return w.size
}

// Mask is the fold applied to every address. The low two bits are cleared so a word
// access never straddles the end of the region.
func (w *Window) Mask() uint32 {
	return w.mask
}

// Base is the physical address the window was mapped at.
func (w *Window) Base() uint64 {
	return w.base
}

// ReadWords fills dst with the words starting at addr, wrapping at the window end.
func (w *Window) ReadWords(addr uint32, dst []uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	off := addr & w.mask
	for i := range dst {
		dst[i] = *(*uint32)(unsafe.Pointer(&w.region[off]))
		off = (off + 4) & w.mask
	}
	return nil
}

// WriteWords stores src starting at addr, wrapping at the window end.
func (w *Window) WriteWords(addr uint32, src []uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	off := addr & w.mask
	for _, v := range src {
		*(*uint32)(unsafe.Pointer(&w.region[off])) = v
		off = (off + 4) & w.mask
	}
	return nil
}

// Close releases the mapping when the window was opened with UnmapOnClose. Without it
// Close does nothing and the mapping lives until the process exits.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.release == nil || w.closed {
		return nil
	}
	w.closed = true
	err := w.release()
	w.region = nil
	if err != nil {
		return fmt.Errorf("window: release: %w", err)
	}
	return nil
}
