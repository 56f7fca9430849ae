package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/models"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is called from timer goroutines.
type recorder struct {
	mu     sync.Mutex
	events []models.TypingSignal
}

func (r *recorder) record(s models.TypingSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) snapshot() []models.TypingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TypingSignal(nil), r.events...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestBurstProducesSingleExpiry(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	ind := NewIndicator(clk, DefaultLocalTimeout, rec.record)

	assert.True(t, ind.NotifyTyping("c1", "u1"))
	clk.Advance(500 * time.Millisecond)
	assert.False(t, ind.NotifyTyping("c1", "u1"))
	clk.Advance(500 * time.Millisecond)
	assert.False(t, ind.NotifyTyping("c1", "u1"))

	// last call at +1000ms, expiry due at +2000ms
	clk.Advance(999 * time.Millisecond)
	assert.True(t, ind.IsTyping("c1", "u1"))
	require.Equal(t, 1, rec.count())

	clk.Advance(time.Millisecond)
	eventually(t, func() bool { return rec.count() == 2 })
	assert.False(t, ind.IsTyping("c1", "u1"))

	events := rec.snapshot()
	assert.True(t, events[0].IsTyping)
	assert.False(t, events[1].IsTyping)
	assert.Equal(t, epoch.Add(2000*time.Millisecond), events[1].ExpiresAt)
}

func TestExpireIsIdempotent(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	ind := NewIndicator(clk, DefaultLocalTimeout, rec.record)

	ind.NotifyTyping("c1", "u1")
	assert.True(t, ind.Expire("c1", "u1"))
	assert.False(t, ind.Expire("c1", "u1"))
	assert.False(t, ind.Expire("c2", "u1"))

	clk.Advance(5 * time.Second)
	assert.Never(t, func() bool { return rec.count() != 2 }, 20*time.Millisecond, time.Millisecond)
}

func TestSlotsAreIndependent(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	ind := NewIndicator(clk, DefaultRemoteTimeout, nil)

	ind.NotifyTyping("c1", "u1")
	clk.Advance(2 * time.Second)
	ind.NotifyTyping("c1", "u2")
	ind.NotifyTyping("c2", "u1")

	assert.ElementsMatch(t, []string{"u1", "u2"}, ind.Typing("c1"))

	clk.Advance(time.Second)
	eventually(t, func() bool { return !ind.IsTyping("c1", "u1") })
	assert.Equal(t, []string{"u2"}, ind.Typing("c1"))
	assert.True(t, ind.IsTyping("c2", "u1"))

	clk.Advance(2 * time.Second)
	eventually(t, func() bool { return len(ind.Typing("c1")) == 0 && !ind.IsTyping("c2", "u1") })
}

func TestStopCancelsTimersSilently(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	ind := NewIndicator(clk, time.Second, rec.record)

	ind.NotifyTyping("c1", "u1")
	ind.NotifyTyping("c1", "u2")
	ind.Stop()
	clk.Advance(time.Minute)

	assert.Never(t, func() bool { return rec.count() != 2 }, 20*time.Millisecond, time.Millisecond)
	assert.Empty(t, ind.Typing("c1"))
}

func TestNewTypingPeriodAfterExpiry(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	ind := NewIndicator(clk, time.Second, nil)

	assert.True(t, ind.NotifyTyping("c1", "u1"))
	clk.Advance(time.Second)
	eventually(t, func() bool { return !ind.IsTyping("c1", "u1") })
	assert.True(t, ind.NotifyTyping("c1", "u1"))
}
