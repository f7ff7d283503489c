package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	hub := NewHub(m, zaptest.NewLogger(t), []string{"*"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, m
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsRefreshHints(t *testing.T) {
	hub, m := startHub(t)
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSClients) == 1
	}, 2*time.Second, 10*time.Millisecond, "client never registered")

	hub.Publish(42, store.StateProcessed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventId": 42, "state": "processed"}`, string(msg))
}

func TestHubForgetsDepartedClients(t *testing.T) {
	hub, m := startHub(t)
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSClients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSClients) == 0
	}, 2*time.Second, 10*time.Millisecond, "client never unregistered")

	// Publishing with nobody listening must not block.
	hub.Publish(7, store.StatePending)
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var hub *Hub
	hub.Publish(1, store.StatePending)
	hub.EventSettled(2, store.StateProcessed)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard admits anything", []string{"*"}, "https://anywhere.example", true},
		{"listed origin", []string{"https://console.sluice.example"}, "https://console.sluice.example", true},
		{"unlisted origin", []string{"https://console.sluice.example"}, "https://other.example", false},
		{"same host", []string{}, "http://api.sluice.example", true},
		{"no origin header", []string{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := originChecker(tt.origins)
			req := httptest.NewRequest(http.MethodGet, "http://api.sluice.example/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(req))
		})
	}
}
