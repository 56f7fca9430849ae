package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/presence"
)

var wsCfg = config.WebSocketConfig{
	WriteWaitSeconds:    2,
	PongWaitSeconds:     5,
	PingPeriodSeconds:   4,
	MaxMessageSizeBytes: 4096,
}

func startServer(t *testing.T, ctx context.Context, inbound chan<- presence.Event) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle := func(_ context.Context, _ string, ev presence.Event) error {
			inbound <- ev
			return nil
		}
		ServeWs(ctx, hub, handle, r.URL.Query().Get("user"), w, r, wsCfg)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPushAndAckRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan presence.Event, 4)
	hub, url := startServer(t, ctx, inbound)

	l, err := Dial(ctx, url+"?user=alice", "", wsCfg, nil)
	require.NoError(t, err)

	received := make(chan presence.Event, 4)
	go func() {
		_ = l.Run(ctx, func(_ context.Context, ev presence.Event) error {
			received <- ev
			return nil
		})
	}()

	push := presence.Event{Kind: presence.KindStatus, ConversationID: "c1", MessageID: "m1", Status: models.StatusRead}
	payload, err := json.Marshal(push)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Deliver("alice", payload) }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-received:
		assert.Equal(t, "m1", ev.MessageID)
		assert.Equal(t, models.StatusRead, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed event not received")
	}

	receipt := presence.Event{Kind: presence.KindStatus, MessageID: "s9", Status: models.StatusDelivered, UserID: "mallory"}
	require.NoError(t, l.Ack(ctx, receipt))

	select {
	case ev := <-inbound:
		assert.Equal(t, "s9", ev.MessageID)
		assert.Equal(t, "alice", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received by server")
	}
}

func TestDeliverToOfflineUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	assert.False(t, hub.Deliver("nobody", []byte(`{}`)))

	cancel()
	assert.Eventually(t, func() bool { return !hub.Deliver("nobody", []byte(`{}`)) }, time.Second, 10*time.Millisecond)
}
