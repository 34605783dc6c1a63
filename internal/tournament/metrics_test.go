package tournament

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/simulation"
)

func TestNotificationsAreCountedOncePerDelivery(t *testing.T) {
	collectors := metrics.New()
	st := openStore(t)
	engine := simulation.NewEngine(match.NewRegistry(), fanout.NewHub(),
		simulation.WithStore(st), simulation.WithLogger(logging.NewTestLogger()))
	bus := notify.NewLocalBus(notify.WithLogger(logging.NewTestLogger()), notify.WithMetrics(collectors))
	orch := New(Config{PendingWindow: time.Minute, PollInterval: 20 * time.Millisecond}, st, engine, bus, newFakeScheduler(),
		WithLogger(logging.NewTestLogger()), WithMetrics(collectors))
	t.Cleanup(func() {
		orch.Shutdown()
		_ = engine.Shutdown(context.Background())
		_ = bus.Close()
	})

	_, err := orch.Create(context.Background(), "alice", "Cup", []string{"bob", "carol"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	collectors.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `arena_notifications_total{event="new_match_invite"} 2`)
	assert.Contains(t, body, `arena_notifications_total{event="tournament_waiting"} 1`)
}
