// Package configstore persists registry state. Every backend stores the
// config map and the active pointer separately and replaces both atomically.
package configstore

import (
	"context"
	"encoding/json"
	"sync"

	"coldcaller-telephony/internal/registry"
)

var _ registry.Store = (*Memory)(nil)

// Memory keeps the serialized state in process. Used by tests and the
// "memory" store backend.
type Memory struct {
	mu       sync.Mutex
	configs  []byte
	activeID string
	saves    int
	failNext error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(_ context.Context) (registry.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := registry.State{Configs: map[string]registry.Config{}, ActiveID: m.activeID}
	if m.configs == nil {
		return st, nil
	}
	if err := json.Unmarshal(m.configs, &st.Configs); err != nil {
		return registry.State{}, err
	}
	return st, nil
}

func (m *Memory) Save(_ context.Context, s registry.State) error {
	b, err := json.Marshal(s.Configs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err, m.failNext = m.failNext, nil
		return err
	}
	m.configs = b
	m.activeID = s.ActiveID
	m.saves++
	return nil
}

// FailNextSave makes the next Save return err without storing anything.
func (m *Memory) FailNextSave(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
