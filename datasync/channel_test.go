package datasync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectMinTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 100 * time.Millisecond
	return settings
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// upgrades, verifies the auth frame and echoes it, then hands the
// connection to the server script
func acceptChannel(t *testing.T, w http.ResponseWriter, r *http.Request) (*websocket.Conn, *authFrame) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade error = %s", err)
		return nil, nil
	}

	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, nil
	}
	auth := &authFrame{}
	if err := json.Unmarshal(authBytes, auth); err != nil {
		t.Errorf("bad auth frame = %s", err)
		ws.Close()
		return nil, nil
	}
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		ws.Close()
		return nil, nil
	}
	return ws, auth
}

func TestChannelAuthAndReceive(t *testing.T) {
	received := make(chan *EventEnvelope, 8)
	authed := make(chan *authFrame, 1)

	serverTime := time.Now().UTC().Truncate(time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, auth := acceptChannel(t, w, r)
		if ws == nil {
			return
		}
		defer ws.Close()
		authed <- auth

		// an empty message is a ping and must not reach handlers
		ws.WriteMessage(websocket.TextMessage, make([]byte, 0))

		frameBytes, _ := json.Marshal(&eventFrame{
			Type: "challenge.updated",
			Payload: map[string]any{
				"id":    float64(5),
				"title": "plastic free week",
			},
			ServerTime: &serverTime,
		})
		ws.WriteMessage(websocket.TextMessage, frameBytes)

		// hold the connection open until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	instanceId := NewId()
	channel := NewChannel(
		context.Background(),
		wsUrl(server),
		&ChannelAuth{
			ByJwt:      "test-jwt",
			InstanceId: instanceId,
			AppVersion: "1.2.3",
		},
		testChannelSettings(),
	)
	defer channel.Close()

	remove := channel.On("challenge.updated", func(envelope *EventEnvelope) {
		received <- envelope
	})
	defer remove()

	select {
	case auth := <-authed:
		assert.Equal(t, auth.ByJwt, "test-jwt")
		assert.Equal(t, auth.InstanceId, instanceId.String())
		assert.Equal(t, auth.AppVersion, "1.2.3")
	case <-time.After(5 * time.Second):
		t.Fatal("no auth frame")
	}

	select {
	case envelope := <-received:
		assert.Equal(t, envelope.Type, "challenge.updated")
		assert.Equal(t, envelope.Payload["title"], "plastic free week")
		assert.Equal(t, envelope.ServerTimestamp.Equal(serverTime), true)
		assert.Equal(t, envelope.ReceivedAt.IsZero(), false)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelConnected
	})
}

func TestChannelPublish(t *testing.T) {
	published := make(chan *eventFrame, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := acceptChannel(t, w, r)
		if ws == nil {
			return
		}
		defer ws.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(message) == 0 {
				continue
			}
			frame := &eventFrame{}
			if err := json.Unmarshal(message, frame); err == nil {
				published <- frame
			}
		}
	}))
	defer server.Close()

	channel := NewChannel(
		context.Background(),
		wsUrl(server),
		&ChannelAuth{
			ByJwt:      "test-jwt",
			InstanceId: NewId(),
		},
		testChannelSettings(),
	)
	defer channel.Close()

	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelConnected
	})

	err := channel.Publish("presence.ping", map[string]any{
		"screen": "feed",
	})
	assert.Equal(t, err, nil)

	select {
	case frame := <-published:
		assert.Equal(t, frame.Type, "presence.ping")
		assert.Equal(t, frame.Payload["screen"], "feed")
	case <-time.After(5 * time.Second):
		t.Fatal("no published frame")
	}
}

func TestChannelReconnectEmitsResync(t *testing.T) {
	var connectCount atomic.Int64
	resyncs := make(chan *EventEnvelope, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := acceptChannel(t, w, r)
		if ws == nil {
			return
		}
		n := connectCount.Add(1)
		if n == 1 {
			// drop the first connection to force a reconnect
			ws.Close()
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	channel := NewChannel(
		context.Background(),
		wsUrl(server),
		&ChannelAuth{
			ByJwt:      "test-jwt",
			InstanceId: NewId(),
		},
		testChannelSettings(),
	)
	defer channel.Close()

	remove := channel.On(ResyncEventType, func(envelope *EventEnvelope) {
		resyncs <- envelope
	})
	defer remove()

	select {
	case envelope := <-resyncs:
		// only emitted on the second and later connects
		assert.Equal(t, envelope.Type, ResyncEventType)
		assert.Equal(t, int64(2) <= connectCount.Load(), true)
	case <-time.After(10 * time.Second):
		t.Fatal("no resync after reconnect")
	}
}

func TestChannelStateTransitions(t *testing.T) {
	// hold the handshake until the listener below is registered so no
	// transition is missed
	allow := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-allow
		ws, _ := acceptChannel(t, w, r)
		if ws == nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	var mutex sync.Mutex
	states := []ChannelState{}

	channel := NewChannel(
		context.Background(),
		wsUrl(server),
		&ChannelAuth{
			ByJwt:      "test-jwt",
			InstanceId: NewId(),
		},
		testChannelSettings(),
	)
	defer channel.Close()

	remove := channel.AddStateChangeListener(func(state ChannelState) {
		mutex.Lock()
		states = append(states, state)
		mutex.Unlock()
	})
	defer remove()
	close(allow)

	waitFor(t, 5*time.Second, func() bool {
		return channel.State() == ChannelConnected
	})

	mutex.Lock()
	sawConnected := false
	for _, state := range states {
		if state == ChannelConnected {
			sawConnected = true
		}
	}
	mutex.Unlock()
	assert.Equal(t, sawConnected, true)
}
