package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileSaveInterval = 2 * time.Second

// File persists the whole keyspace as one JSON document. Saves are
// throttled and go through tmp+rename so a crash never leaves a
// half-written file behind.
type File struct {
	mu    sync.Mutex
	path  string
	items map[string][]byte

	dirty    bool
	lastSave time.Time
}

type filePersisted struct {
	Version int               `json:"version"`
	Items   map[string][]byte `json:"items"`
}

func OpenFile(path string) (*File, error) {
	f := &File{
		path:  strings.TrimSpace(path),
		items: map[string][]byte{},
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var p filePersisted
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	if p.Version != 1 {
		return fmt.Errorf("unsupported store file version %d", p.Version)
	}
	if p.Items != nil {
		f.items = p.Items
	}
	return nil
}

func (f *File) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (f *File) Set(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = cp
	f.dirty = true
	return f.saveLocked(false)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	delete(f.items, key)
	f.dirty = true
	return f.saveLocked(false)
}

func (f *File) List(prefix string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range f.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(true)
}

func (f *File) saveLocked(force bool) error {
	if !f.dirty {
		return nil
	}
	if !force && !f.lastSave.IsZero() && time.Since(f.lastSave) < fileSaveInterval {
		return nil
	}
	b, err := json.MarshalIndent(filePersisted{Version: 1, Items: f.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("mkdir store dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write store temp: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename store file: %w", err)
	}
	f.lastSave = time.Now()
	f.dirty = false
	return nil
}
