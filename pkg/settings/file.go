package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightsaber/pkg/logging"
	"gopkg.in/yaml.v3"
)

// FileStore persists settings as a flat YAML map.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]bool
	loaded bool
	obs    *observers
}

// NewFileStore opens the settings file at path. A missing file is an empty store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, values: make(map[string]bool), obs: newObservers()}
}

func (f *FileStore) Get(ctx context.Context, key string, def bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return def, err
	}
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *FileStore) Set(ctx context.Context, key string, v bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if err := f.loadLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	old, existed := f.values[key]
	f.values[key] = v
	if err := f.saveLocked(); err != nil {
		if existed {
			f.values[key] = old
		} else {
			delete(f.values, key)
		}
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	logging.Debugf("[settings] %s=%t", key, v)
	if !existed || old != v {
		f.obs.notify(key, v)
	}
	return nil
}

func (f *FileStore) Observe(key string, fn func(bool)) (cancel func()) {
	return f.obs.observe(key, fn)
}

// Close stops change delivery.
func (f *FileStore) Close() error {
	f.obs.close()
	return nil
}

func (f *FileStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	values := make(map[string]bool)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	f.values = values
	f.loaded = true
	return nil
}

func (f *FileStore) saveLocked() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
