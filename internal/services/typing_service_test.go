package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/config"
	"im-client/internal/models"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	signals []models.TypingSignal
	err     error
	// Broadcast waits on gate when set
	gate chan struct{}
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, s models.TypingSignal) error {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, s)
	return b.err
}

func (b *recordingBroadcaster) edges() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bool, 0, len(b.signals))
	for _, s := range b.signals {
		out = append(out, s.IsTyping)
	}
	return out
}

func (b *recordingBroadcaster) waitEdges(t *testing.T, want ...bool) {
	t.Helper()
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, b.edges()) }, time.Second, time.Millisecond,
		"edges: %v", b.edges())
}

func newTypingFixture(t *testing.T) (*clockwork.FakeClock, *recordingBroadcaster, TypingService) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	b := &recordingBroadcaster{}
	svc := NewTypingService(models.Actor{UserID: "alice"}, clk, config.ChatConfig{}, b, nil)
	t.Cleanup(svc.Close)
	return clk, b, svc
}

func TestLocalTypingBroadcastsEdgesOnly(t *testing.T) {
	clk, b, svc := newTypingFixture(t)

	svc.NotifyTyping("c1")
	clk.Advance(500 * time.Millisecond)
	svc.NotifyTyping("c1")
	clk.Advance(500 * time.Millisecond)
	svc.NotifyTyping("c1")

	b.waitEdges(t, true)

	clk.Advance(999 * time.Millisecond)
	assert.Never(t, func() bool { return len(b.edges()) != 1 }, 20*time.Millisecond, time.Millisecond)

	clk.Advance(time.Millisecond)
	b.waitEdges(t, true, false)
	b.mu.Lock()
	assert.Equal(t, "alice", b.signals[1].UserID)
	b.mu.Unlock()
}

func TestStopTypingEndsImmediately(t *testing.T) {
	clk, b, svc := newTypingFixture(t)

	svc.NotifyTyping("c1")
	svc.StopTyping("c1")
	svc.StopTyping("c1")
	b.waitEdges(t, true, false)

	clk.Advance(5 * time.Second)
	assert.Never(t, func() bool { return len(b.edges()) != 2 }, 20*time.Millisecond, time.Millisecond)
}

func TestBroadcastErrorsDoNotStopTracking(t *testing.T) {
	clk, b, svc := newTypingFixture(t)
	b.err = errors.New("redis down")

	svc.NotifyTyping("c1")
	clk.Advance(time.Second)
	b.waitEdges(t, true, false)
	svc.NotifyTyping("c1")
	b.waitEdges(t, true, false, true)
}

func TestKeystrokesDoNotWaitForBroadcast(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	b := &recordingBroadcaster{gate: make(chan struct{})}
	svc := NewTypingService(models.Actor{UserID: "alice"}, clk, config.ChatConfig{}, b, nil)

	returned := make(chan struct{})
	go func() {
		svc.NotifyTyping("c1")
		svc.StopTyping("c1")
		svc.NotifyTyping("c2")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("typing calls blocked on the broadcaster")
	}
	assert.Empty(t, b.edges())

	// queued edges go out in order once the relay answers, also across Close
	close(b.gate)
	svc.Close()
	assert.Equal(t, []bool{true, false, true}, b.edges())
}

func TestRemoteTypingVisibility(t *testing.T) {
	clk, b, svc := newTypingFixture(t)

	svc.ReceiveTyping("c1", "bob", true)
	svc.ReceiveTyping("c1", "alice", true) // own echo
	require.Equal(t, []string{"bob"}, svc.TypingUsers("c1"))
	assert.Empty(t, svc.TypingUsers("c2"))

	clk.Advance(2 * time.Second)
	svc.ReceiveTyping("c1", "bob", true)
	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"bob"}, svc.TypingUsers("c1"))

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(svc.TypingUsers("c1")) == 0 }, time.Second, time.Millisecond)

	svc.ReceiveTyping("c1", "bob", true)
	svc.ReceiveTyping("c1", "bob", false)
	assert.Empty(t, svc.TypingUsers("c1"))

	// remote signals are never re-broadcast
	assert.Empty(t, b.edges())
}

func TestSendStopsLocalTyping(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	b := &recordingBroadcaster{}
	alice := models.Actor{UserID: "alice"}
	typingSvc := NewTypingService(alice, clk, config.ChatConfig{}, b, nil)
	t.Cleanup(typingSvc.Close)
	st := newStore(clk)
	msgs := NewMessageService(MessageServiceDeps{Actor: alice, Store: st, API: newFakeAPI(), Clock: clk, Typing: typingSvc})
	t.Cleanup(msgs.Close)

	typingSvc.NotifyTyping("c1")
	_, err := msgs.Send(context.Background(), "c1", models.TextOf("hi"), "")
	require.NoError(t, err)
	msgs.Wait()

	b.waitEdges(t, true, false)
}
