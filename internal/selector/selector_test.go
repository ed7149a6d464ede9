package selector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyengine/internal/selector"
	"github.com/optimode/verifyengine/types"
)

type staticServers []types.Server

func (s staticServers) ListServers(context.Context) ([]types.Server, error) {
	out := make([]types.Server, len(s))
	copy(out, s)
	return out, nil
}

type failingServers struct{}

func (failingServers) ListServers(context.Context) ([]types.Server, error) {
	return nil, errors.New("db down")
}

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func server(id string, maxConc int) types.Server {
	return types.Server{
		ID:              id,
		IP:              "192.0.2.10",
		Active:          true,
		MaxConcurrency:  maxConc,
		LastHeartbeatAt: now.Add(-10 * time.Second),
	}
}

func newSelector(servers ...types.Server) *selector.Selector {
	s := selector.New(staticServers(servers))
	s.SetClock(func() time.Time { return now })
	return s
}

func TestSelector_LeastLoaded(t *testing.T) {
	s := newSelector(server("a", 3), server("b", 3))
	settings := types.DefaultSettings()

	l1, err := s.Acquire(context.Background(), settings)
	require.NoError(t, err)
	l2, err := s.Acquire(context.Background(), settings)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Server.ID, l2.Server.ID, "second lease goes to the idle server")

	l1.Release()
	l3, err := s.Acquire(context.Background(), settings)
	require.NoError(t, err)
	assert.Equal(t, l1.Server.ID, l3.Server.ID)
}

func TestSelector_RoundRobinOnTies(t *testing.T) {
	s := newSelector(server("a", 3), server("b", 3), server("c", 3))
	settings := types.DefaultSettings()

	var got []string
	for i := 0; i < 6; i++ {
		l, err := s.Acquire(context.Background(), settings)
		require.NoError(t, err)
		got = append(got, l.Server.ID)
		l.Release()
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestSelector_SkipsIneligible(t *testing.T) {
	inactive := server("inactive", 3)
	inactive.Active = false
	draining := server("draining", 3)
	draining.Drain = true
	stale := server("stale", 3)
	stale.LastHeartbeatAt = now.Add(-time.Hour)

	s := newSelector(inactive, draining, stale, server("ok", 3))
	l, err := s.Acquire(context.Background(), types.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, "ok", l.Server.ID)
}

func TestSelector_Saturation(t *testing.T) {
	s := newSelector(server("a", 1))
	settings := types.DefaultSettings()

	l, err := s.Acquire(context.Background(), settings)
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), settings)
	assert.ErrorIs(t, err, types.ErrNoServerAvailable)

	l.Release()
	l.Release() // no-op
	assert.Equal(t, 0, s.InFlight("a"))

	_, err = s.Acquire(context.Background(), settings)
	assert.NoError(t, err)
}

func TestSelector_DefaultConcurrency(t *testing.T) {
	s := newSelector(server("a", 0))
	settings := types.DefaultSettings()
	limit := settings.Policies[types.ModeStandard].DefaultConcurrency

	for i := 0; i < limit; i++ {
		_, err := s.Acquire(context.Background(), settings)
		require.NoError(t, err)
	}
	_, err := s.Acquire(context.Background(), settings)
	assert.ErrorIs(t, err, types.ErrNoServerAvailable)
}

func TestSelector_PausedAndEmpty(t *testing.T) {
	settings := types.DefaultSettings()
	settings.Paused = true
	_, err := newSelector(server("a", 3)).Acquire(context.Background(), settings)
	assert.ErrorIs(t, err, types.ErrNoServerAvailable)

	_, err = newSelector().Acquire(context.Background(), types.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrNoServerAvailable)
}

func TestSelector_SourceError(t *testing.T) {
	_, err := selector.New(failingServers{}).Acquire(context.Background(), types.DefaultSettings())
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrNoServerAvailable)
}
