package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.MessageSent()
	m.MessageSent()
	require.EqualValues(t, 2, testutil.ToFloat64(m.totalMessages))

	m.UserConnected()
	m.UserConnected()
	m.UserDisconnected()
	require.EqualValues(t, 1, testutil.ToFloat64(m.connectedUsers))

	m.ObserveQuery("signup", 3*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(m.sqlDuration))
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.MessageSent()
	m.UserConnected()
	m.ObserveQuery("authenticate", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	for _, metric := range []string{
		"total_messages 1",
		"connected_users 1",
		`sql_query_duration_seconds_count{query="authenticate"} 1`,
		"go_goroutines",
	} {
		require.True(t, strings.Contains(body, metric), metric)
	}
}
