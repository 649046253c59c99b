package storage

import (
	"errors"
	"strings"

	logx "diffido/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("store.path is required for file driver")
		}
		return newDocStore(&fileBackend{path: path}, cfg, log.With(logx.String("store", "file"))), nil
	case "memory":
		return newDocStore(&memoryBackend{}, cfg, log.With(logx.String("store", "memory"))), nil
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
