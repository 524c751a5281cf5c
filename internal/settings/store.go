// Package settings holds the extension settings store and the control bar
// configuration service built on top of it.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store is a JSON-file-backed map of extension key to settings object.
// Writes are debounced; callers must not assume a Persist call is durable.
type Store struct {
	path     string
	debounce time.Duration
	log      *zap.Logger

	// writeMu orders whole flushes, so the file on disk and lastWrite
	// always come from the same snapshot.
	writeMu sync.Mutex

	mu        sync.Mutex
	data      map[string]map[string]any
	timer     *time.Timer
	lastWrite []byte
	writes    int
}

// NewStore creates a store for path. An empty path keeps everything in memory.
func NewStore(path string, debounce time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		path:     path,
		debounce: debounce,
		log:      log,
		data:     make(map[string]map[string]any),
	}
}

// Load reads the backing file. A missing file is an empty store.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	return s.replace(raw)
}

func (s *Store) replace(raw []byte) error {
	data := make(map[string]map[string]any)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("decode settings: %w", err)
		}
	}
	s.mu.Lock()
	s.data = data
	s.lastWrite = raw
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the object stored under key.
func (s *Store) Get(key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return cloneMap(obj), true
}

// Set replaces the object stored under key.
func (s *Store) Set(key string, obj map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cloneMap(obj)
}

// Ensure backfills missing top-level keys of the object under key from
// defaults. Existing keys, including ones the defaults do not know, are kept.
func (s *Store) Ensure(key string, defaults map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.data[key]
	if !ok || obj == nil {
		obj = make(map[string]any, len(defaults))
		s.data[key] = obj
	}
	for k, v := range defaults {
		if _, exists := obj[k]; !exists {
			obj[k] = cloneValue(v)
		}
	}
	return cloneMap(obj)
}

// Update mutates the object under key in place while holding the store lock.
func (s *Store) Update(key string, fn func(obj map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.data[key]
	if !ok || obj == nil {
		obj = make(map[string]any)
		s.data[key] = obj
	}
	fn(obj)
}

// Persist schedules a debounced write. Repeated calls inside the debounce
// window collapse into one write.
func (s *Store) Persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.log.Warn("settings persist failed", zap.String("path", s.path), zap.Error(err))
		}
	})
}

// Flush writes the store to disk immediately and cancels any pending write.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.path == "" {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastWrite = data
	s.writes++
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Writes reports how many times the store reached disk.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Watch reloads the store when the backing file is changed by someone else
// and calls onChange afterwards. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Editors and our own rename replace the file, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings watcher error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			changed, err := s.reloadIfForeign()
			if err != nil {
				s.log.Warn("settings reload failed", zap.Error(err))
				continue
			}
			if changed && onChange != nil {
				s.log.Info("settings file changed on disk, reloaded", zap.String("path", s.path))
				onChange()
			}
		}
	}
}

// reloadIfForeign reloads unless the file holds exactly what we last wrote.
func (s *Store) reloadIfForeign() (bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	s.mu.Lock()
	same := bytes.Equal(raw, s.lastWrite)
	s.mu.Unlock()
	if same {
		return false, nil
	}
	return true, s.replace(raw)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}
