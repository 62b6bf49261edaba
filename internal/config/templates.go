package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the config.toml template for kind: single or multi.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "single", "regmond":
		return singleTemplate, nil
	case "multi":
		return multiTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const singleTemplate = `addr = ":2222"
mode = "single"
max_words = 65535
idle_timeout_ms = 0
admin_listen_addr = ""
cors_origins = ["http://localhost:3000"]
reuse_port = false

[window]
backend = "mmap"
device = "/dev/mem"
base = 0x40000000
size = 131072
unmap_on_close = false
`

const multiTemplate = `addr = ":2222"
mode = "multi"
token = "change-me-0123456789abcdefghijkl"
max_sessions = 64
max_words = 65535
idle_timeout_ms = 0
admin_listen_addr = "127.0.0.1:9122"
cors_origins = ["http://localhost:3000"]
reuse_port = false

[window]
backend = "mmap"
device = "/dev/mem"
base = 0x40000000
size = 131072
unmap_on_close = false
`
