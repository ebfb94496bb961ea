package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to live configuration with hot reload.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager constructs a manager bound to a config file path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, path: path}, nil
}

// Get returns the current config snapshot under a shared lock. Callers must
// not mutate the returned value.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the config file and swaps it in. Fields that require a
// process restart (state_db, api.bind) are rejected so a SIGHUP can never
// strand the store or the listener.
func (m *Manager) Reload() error {
	loaded, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		if m.cfg.General.StateDB != loaded.General.StateDB {
			return fmt.Errorf("state_db changed (%q -> %q) and requires restart",
				m.cfg.General.StateDB, loaded.General.StateDB)
		}
		if m.cfg.API.Bind != loaded.API.Bind {
			return fmt.Errorf("api.bind changed (%q -> %q) and requires restart",
				m.cfg.API.Bind, loaded.API.Bind)
		}
	}

	m.cfg = loaded
	return nil
}
