package config

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/optimode/verifyengine/types"
)

// SettingsStore holds the live settings and hands out immutable
// snapshots. Every Update bumps the version.
type SettingsStore struct {
	mu      sync.RWMutex
	current types.Settings
}

var _ types.SettingsSource = (*SettingsStore)(nil)

func NewSettingsStore(initial types.Settings) *SettingsStore {
	initial = clone(initial)
	if initial.Version == 0 {
		initial.Version = 1
	}
	return &SettingsStore{current: initial}
}

func (s *SettingsStore) Snapshot(context.Context) (types.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current), nil
}

// Update applies fn to a copy of the current settings and publishes it if
// it validates. Snapshots already handed out are unaffected.
func (s *SettingsStore) Update(fn func(*types.Settings)) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := clone(s.current)
	fn(&next)
	if err := next.Validate(); err != nil {
		return types.Settings{}, err
	}
	next.Version = s.current.Version + 1
	s.current = next
	return clone(next), nil
}

// SetPaused is the engine-wide pause toggle.
func (s *SettingsStore) SetPaused(paused bool) (types.Settings, error) {
	return s.Update(func(st *types.Settings) { st.Paused = paused })
}

func clone(s types.Settings) types.Settings {
	s.Policies = maps.Clone(s.Policies)
	s.RoleAccounts = slices.Clone(s.RoleAccounts)
	return s
}
