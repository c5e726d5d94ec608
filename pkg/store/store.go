// Package store provides the key-value persistence contract shared by
// the credential pool and the conversation correlator. Writes are
// atomic per key; no cross-key transactions are offered or needed.
package store

import (
	"fmt"
	"strings"
)

type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// List returns all entries whose key starts with prefix.
	List(prefix string) (map[string][]byte, error)
	Close() error
}

type Options struct {
	Backend string // "memory", "file" or "sqlite"
	Path    string // file or database path, unused for memory
}

func Open(opts Options) (KV, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		if strings.TrimSpace(opts.Path) == "" {
			return nil, fmt.Errorf("store: file backend requires a path")
		}
		return OpenFile(opts.Path)
	case "sqlite":
		if strings.TrimSpace(opts.Path) == "" {
			return nil, fmt.Errorf("store: sqlite backend requires a path")
		}
		return OpenSQLite(opts.Path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
