package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyengine/internal/dnsclient"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/store"
	"github.com/optimode/verifyengine/types"
)

var t0 = time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T, zones map[string]mockdns.Zone, rbls ...string) (*Monitor, *store.Memory, *metrics.Metrics) {
	t.Helper()
	srv, err := mockdns.NewServer(zones, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertServer(ctx, types.Server{ID: "s1", IP: "192.0.2.10", Active: true}))
	require.NoError(t, st.UpsertServer(ctx, types.Server{ID: "s2", IP: "192.0.2.20", Active: false}))

	met := metrics.New()
	m := New(st, dnsclient.New(srv.LocalAddr().String(), 2*time.Second), Options{RBLs: rbls, Metrics: met})
	m.SetClock(func() time.Time { return t0 })
	return m, st, met
}

func TestQueryName(t *testing.T) {
	q, err := QueryName("192.0.2.10", "zen.test")
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.192.zen.test", q)

	q, err = QueryName("2001:db8::1", "zen.test")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.zen.test", q)

	_, err = QueryName("not-an-ip", "zen.test")
	assert.Error(t, err)
}

func TestClassifyAnswer(t *testing.T) {
	tests := []struct {
		addrs  []string
		status types.ReputationStatus
	}{
		{[]string{"127.0.0.2"}, types.RBLListed},
		{[]string{"127.0.0.2", "127.0.0.4"}, types.RBLListed},
		{[]string{"127.255.255.254"}, types.RBLError},
		{[]string{"127.255.255.252"}, types.RBLError},
		{[]string{"10.0.0.1"}, types.RBLError},
	}
	for _, tt := range tests {
		status, _ := classifyAnswer(tt.addrs)
		assert.Equal(t, tt.status, status, tt.addrs)
	}
}

func TestRunOnce(t *testing.T) {
	m, st, met := newMonitor(t, map[string]mockdns.Zone{
		"10.2.0.192.zen.test.": {
			A:   []string{"127.0.0.2"},
			TXT: []string{"https://check.zen.test/query/ip/192.0.2.10"},
		},
		"10.2.0.192.refuse.test.": {
			A: []string{"127.255.255.254"},
		},
	}, "zen.test", "clean.test", "refuse.test")
	ctx := context.Background()

	sum, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassSummary{Servers: 1, Checks: 3, Listed: 1, Clear: 1, Errors: 1, DelistsOpened: 1}, sum)

	checks, err := st.ListReputationChecks(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	byRBL := map[string]types.ReputationCheck{}
	for _, c := range checks {
		byRBL[c.RBL] = c
		assert.Equal(t, "192.0.2.10", c.ServerIP)
		assert.Equal(t, t0, c.CheckedAt)
	}
	assert.Equal(t, types.RBLListed, byRBL["zen.test"].Status)
	assert.Contains(t, byRBL["zen.test"].Response, "check.zen.test")
	assert.Equal(t, types.RBLClear, byRBL["clean.test"].Status)
	assert.Equal(t, types.RBLError, byRBL["refuse.test"].Status)
	assert.Contains(t, byRBL["refuse.test"].ErrorMessage, "refused")

	open, err := st.ListDelists(ctx, types.DelistOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s1", open[0].ServerID)
	assert.Equal(t, "zen.test", open[0].RBL)

	assert.Equal(t, 1.0, testutil.ToFloat64(met.RBLChecks.WithLabelValues("zen.test", "listed")))

	// Still listed on the next pass: history grows, no second request.
	sum, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.DelistsOpened)
	open, err = st.ListDelists(ctx, types.DelistOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	checks, err = st.ListReputationChecks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, checks, 6)
}

func TestResolveDelistThenRelisted(t *testing.T) {
	m, st, _ := newMonitor(t, map[string]mockdns.Zone{
		"10.2.0.192.zen.test.": {A: []string{"127.0.0.2"}},
	}, "zen.test")
	ctx := context.Background()

	_, err := m.RunOnce(ctx)
	require.NoError(t, err)
	open, err := st.ListDelists(ctx, types.DelistOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	d, err := m.ResolveDelist(ctx, open[0].ID, "removal confirmed")
	require.NoError(t, err)
	assert.Equal(t, types.DelistResolved, d.Status)
	assert.Equal(t, t0, d.ResolvedAt)
	assert.Equal(t, "removal confirmed", d.Notes)

	sum, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DelistsOpened)

	_, err = m.ResolveDelist(ctx, "missing", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRecordExternal(t *testing.T) {
	m, st, _ := newMonitor(t, map[string]mockdns.Zone{})
	ctx := context.Background()

	sum, err := m.RecordExternal(ctx, MonitorCheck{
		ServerIP: "192.0.2.10",
		Results: []MonitorResult{
			{RBL: "zen.test", Listed: true, Response: "127.0.0.2"},
			{RBL: "clean.test"},
			{RBL: "flaky.test", ErrorMessage: "timeout"},
			{RBL: "Other.Test.", Status: "clear"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, RecordSummary{Recorded: 4, DelistsOpened: 1}, sum)

	checks, err := st.ListReputationChecks(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, checks, 4)
	statuses := map[string]types.ReputationStatus{}
	for _, c := range checks {
		statuses[c.RBL] = c.Status
	}
	assert.Equal(t, map[string]types.ReputationStatus{
		"zen.test":   types.RBLListed,
		"clean.test": types.RBLClear,
		"flaky.test": types.RBLError,
		"other.test": types.RBLClear,
	}, statuses)
}

func TestRecordExternal_Validation(t *testing.T) {
	m, _, _ := newMonitor(t, map[string]mockdns.Zone{})
	ctx := context.Background()

	_, err := m.RecordExternal(ctx, MonitorCheck{Results: []MonitorResult{{RBL: "zen.test"}}})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = m.RecordExternal(ctx, MonitorCheck{ServerID: "s1", Results: []MonitorResult{{RBL: "zen.test", Status: "maybe"}}})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = m.RecordExternal(ctx, MonitorCheck{ServerID: "nope", Results: []MonitorResult{{RBL: "zen.test"}}})
	assert.ErrorIs(t, err, types.ErrNotFound)
}
