package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// runtimeConfigFile is the file name under the data directory.
const runtimeConfigFile = "runtime.json"

// RuntimeConfig holds the hot-updatable settings. It is persisted as a
// JSON file in the data directory and patched through the API.
type RuntimeConfig struct {
	// InactivityTimeout is how long a workspace may sit idle before its
	// machine is suspended. Zero disables auto-suspend.
	InactivityTimeout Duration `json:"inactivity_timeout"`
	// ChunkIdleTimeout aborts a response stream when the upstream sends
	// nothing for this long.
	ChunkIdleTimeout Duration `json:"chunk_idle_timeout"`
	// RequestLogEnabled toggles per-request log capture.
	RequestLogEnabled bool `json:"request_log_enabled"`
}

// Validate checks the cross-field rules a patch must not break.
func (c RuntimeConfig) Validate() error {
	if c.InactivityTimeout < 0 {
		return errors.New("inactivity_timeout must not be negative")
	}
	if c.ChunkIdleTimeout <= 0 {
		return errors.New("chunk_idle_timeout must be positive")
	}
	return nil
}

// RuntimeStore owns the persisted runtime config. Reads are lock-free;
// updates serialize, write the file atomically, then publish.
type RuntimeStore struct {
	path    string
	mu      sync.Mutex
	current atomic.Pointer[RuntimeConfig]
}

// OpenRuntimeStore loads <dataDir>/runtime.json, seeding defaults when
// the file does not exist yet. A file that exists but cannot be parsed
// is an error: silently discarding operator settings is worse than a
// failed boot.
func OpenRuntimeStore(dataDir string, defaults RuntimeConfig) (*RuntimeStore, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("runtime config defaults: %w", err)
	}
	s := &RuntimeStore{path: filepath.Join(dataDir, runtimeConfigFile)}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.current.Store(&defaults)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse runtime config %s: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime config %s: %w", s.path, err)
	}
	s.current.Store(&cfg)
	return s, nil
}

// Current returns a copy of the live config.
func (s *RuntimeStore) Current() RuntimeConfig {
	return *s.current.Load()
}

// Update applies mutate to a copy of the live config, validates it,
// persists it, and publishes it. The live config is untouched when any
// step fails.
func (s *RuntimeStore) Update(mutate func(*RuntimeConfig)) (RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	mutate(&next)
	if err := next.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	if err := s.write(next); err != nil {
		return RuntimeConfig{}, err
	}
	s.current.Store(&next)
	return next, nil
}

// InactivityTimeout reads the live value; wired into the actor timer.
func (s *RuntimeStore) InactivityTimeout() time.Duration {
	return s.current.Load().InactivityTimeout.Std()
}

// ChunkIdleTimeout reads the live value; wired into the proxy stream.
func (s *RuntimeStore) ChunkIdleTimeout() time.Duration {
	return s.current.Load().ChunkIdleTimeout.Std()
}

// RequestLogEnabled reads the live value; wired into the log emitter.
func (s *RuntimeStore) RequestLogEnabled() bool {
	return s.current.Load().RequestLogEnabled
}

// write persists cfg atomically (temp file + rename).
func (s *RuntimeStore) write(cfg RuntimeConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, runtimeConfigFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write runtime config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write runtime config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}
