//go:build !linux

package window

func openDevice(cfg Config) (*Window, error) {
	return nil, ErrUnsupported
}
