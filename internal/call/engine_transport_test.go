package call_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/domain"
	"github.com/peercall/peercall/internal/transport"
)

// startSinkBroker runs an in-process websocket server that accepts and
// discards frames.
func startSinkBroker(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// The engine holds its lock while reconnecting the transport inside a
// command. The resulting state notification must not re-enter that lock, or
// StartCall never returns.
func TestStartCallReconnectsTransport(t *testing.T) {
	url := startSinkBroker(t)
	tp := transport.NewWSClient(transport.WSConfig{
		URL:           url,
		RetryInterval: 10 * time.Millisecond,
		RetryAttempts: 3,
	})
	t.Cleanup(tp.Disconnect)

	factory := &negotiatorFactory{}
	events := &eventLog{}
	engine := call.NewEngine(testCfg(), domain.User{ID: alice, Username: "alice"},
		tp, &fakeMedia{}, factory.new, events.sink)
	t.Cleanup(engine.Shutdown)

	// Deliberately not connected yet: StartCall has to bring the transport up
	// itself before publishing the call-request.
	require.False(t, tp.Connected())

	done := make(chan error, 1)
	go func() {
		done <- engine.StartCall(context.Background(), bob, "Bob", false)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("StartCall blocked after transport reconnect")
	}
	assert.Equal(t, domain.StateCalling, engine.Snapshot().State)
	assert.True(t, tp.Connected())
}
