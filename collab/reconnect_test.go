package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffDelay(t *testing.T) {
	base := 1 * time.Second
	assert.Equal(t, backoffDelay(base, 1), 1*time.Second)
	assert.Equal(t, backoffDelay(base, 2), 2*time.Second)
	assert.Equal(t, backoffDelay(base, 3), 4*time.Second)
	assert.Equal(t, backoffDelay(base, 4), 8*time.Second)
	assert.Equal(t, backoffDelay(base, 5), 16*time.Second)

	// attempt is 1-based, anything below clamps
	assert.Equal(t, backoffDelay(base, 0), 1*time.Second)
	assert.Equal(t, backoffDelay(base, -3), 1*time.Second)
}

func TestConnReconnectFailedIsTerminal(t *testing.T) {
	var mu sync.Mutex
	events := []ConnEvent{}
	done := make(chan struct{})

	settings := DefaultConnSettings()
	settings.ConnectTimeout = 200 * time.Millisecond
	settings.BackoffBase = 1 * time.Millisecond
	settings.MaxReconnectAttempts = 3

	// nothing listens here
	conn := NewConn(
		context.Background(),
		"ws://127.0.0.1:1/ws",
		"jwt",
		nil,
		func(event ConnEvent) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			if event.Kind == ConnEventReconnectFailed {
				close(done)
			}
		},
		settings,
	)
	defer conn.Close()
	conn.Connect()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect-failed")
	}

	mu.Lock()
	defer mu.Unlock()

	// every failed dial short of the cap emits reconnecting with its attempt
	reconnecting := []ConnEvent{}
	for _, event := range events {
		assert.NotEqual(t, event.Kind, ConnEventConnected)
		if event.Kind == ConnEventReconnecting {
			reconnecting = append(reconnecting, event)
		}
	}
	assert.Equal(t, len(reconnecting), settings.MaxReconnectAttempts)
	for i, event := range reconnecting {
		assert.Equal(t, event.Attempt, i+1)
	}

	last := events[len(events)-1]
	assert.Equal(t, last.Kind, ConnEventReconnectFailed)
	assert.Equal(t, last.State, ConnectionStateDisconnected)
	assert.Equal(t, last.Attempt, settings.MaxReconnectAttempts)
	assert.Equal(t, conn.State(), ConnectionStateDisconnected)

	// terminal means no further retries. the conn stays quiet
	count := len(events)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(events), count)
}

func TestConnSendFailsFastWhileOffline(t *testing.T) {
	conn := NewConnWithDefaults(context.Background(), "ws://127.0.0.1:1/ws", "jwt", nil, nil)
	defer conn.Close()

	err := conn.Send(&ClientEvent{Kind: ClientCursorMove, CursorMove: &Cursor{X: 1, Y: 2}})
	assert.Equal(t, err, ErrNotConnected)
}
