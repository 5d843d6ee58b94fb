package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_InstancesAreIndependent(t *testing.T) {
	a, b := New(), New()

	a.Connections.Inc()
	a.Connections.Inc()
	b.Connections.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Connections))
}

func TestMetrics_Snapshot(t *testing.T) {
	m := New()
	m.MessagesReceived.Add(3)
	m.MessagesSent.Add(5)
	m.Errors.Inc()
	m.ActiveUsers.Set(2)

	s := m.Snapshot()
	assert.Equal(t, 3.0, s.MessagesReceived)
	assert.Equal(t, 5.0, s.MessagesSent)
	assert.Equal(t, 1.0, s.Errors)
	assert.Equal(t, 2.0, s.ActiveUsers)
	assert.Zero(t, s.Connections)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RateLimited.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatup_rate_limited_total 1")
}

func TestMetrics_LogPeriodicallyStopsWithContext(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.LogPeriodically(ctx, zap.NewNop(), 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("LogPeriodically did not return after cancel")
	}
}
