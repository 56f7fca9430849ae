// Package typing tracks who is typing in which conversation.
//
// Each (conversation, user) pair holds at most one live expiry timer. A new
// notification cancels the previous timer and starts a fresh one, so a burst
// of keystrokes produces a single expiry, timeout after the last one.
package typing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"im-client/internal/models"
)

// DefaultLocalTimeout is how long the local user counts as typing after the last keystroke.
const DefaultLocalTimeout = 1000 * time.Millisecond

// DefaultRemoteTimeout is how long a remote typing signal stays visible without a refresh.
const DefaultRemoteTimeout = 3000 * time.Millisecond

// ChangeFunc is invoked on every typing/not-typing edge, never on refreshes.
type ChangeFunc func(signal models.TypingSignal)

type key struct {
	conversationID string
	userID         string
}

type slot struct {
	signal models.TypingSignal
	timer  clockwork.Timer
	// bumped on every notify and expire; a firing timer with a stale
	// generation lost a race with Stop and must do nothing
	gen uint64
}

// Indicator is safe for concurrent use.
type Indicator struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timeout  time.Duration
	slots    map[key]*slot
	onChange ChangeFunc
}

// NewIndicator creates an indicator. onChange may be nil.
func NewIndicator(clk clockwork.Clock, timeout time.Duration, onChange ChangeFunc) *Indicator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultLocalTimeout
	}
	return &Indicator{
		clock:    clk,
		timeout:  timeout,
		slots:    make(map[key]*slot),
		onChange: onChange,
	}
}

// Timeout returns the configured expiry delay.
func (ind *Indicator) Timeout() time.Duration {
	return ind.timeout
}

// NotifyTyping marks userID as typing in conversationID and (re)starts its
// expiry timer. It reports whether this call started a new typing period.
func (ind *Indicator) NotifyTyping(conversationID, userID string) bool {
	k := key{conversationID, userID}

	ind.mu.Lock()
	s, ok := ind.slots[k]
	if !ok {
		s = &slot{}
		ind.slots[k] = s
	}
	started := !s.signal.IsTyping
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.signal = models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       true,
		ExpiresAt:      ind.clock.Now().Add(ind.timeout),
	}
	s.timer = ind.clock.AfterFunc(ind.timeout, func() { ind.fire(k, gen) })
	signal := s.signal
	ind.mu.Unlock()

	if started && ind.onChange != nil {
		ind.onChange(signal)
	}
	return started
}

func (ind *Indicator) fire(k key, gen uint64) {
	ind.mu.Lock()
	s, ok := ind.slots[k]
	if !ok || s.gen != gen || !s.signal.IsTyping {
		ind.mu.Unlock()
		return
	}
	signal := ind.clearLocked(k, s)
	ind.mu.Unlock()

	if ind.onChange != nil {
		ind.onChange(signal)
	}
}

// Expire ends the typing period immediately, e.g. when the message is sent.
// Calling it when the user is not typing is a no-op.
func (ind *Indicator) Expire(conversationID, userID string) bool {
	k := key{conversationID, userID}

	ind.mu.Lock()
	s, ok := ind.slots[k]
	if !ok || !s.signal.IsTyping {
		ind.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	signal := ind.clearLocked(k, s)
	ind.mu.Unlock()

	if ind.onChange != nil {
		ind.onChange(signal)
	}
	return true
}

func (ind *Indicator) clearLocked(k key, s *slot) models.TypingSignal {
	s.gen++
	s.timer = nil
	delete(ind.slots, k)
	return models.TypingSignal{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		IsTyping:       false,
		ExpiresAt:      ind.clock.Now(),
	}
}

// IsTyping reports whether userID is currently typing in conversationID.
func (ind *Indicator) IsTyping(conversationID, userID string) bool {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	s, ok := ind.slots[key{conversationID, userID}]
	return ok && s.signal.IsTyping
}

// Typing lists the users currently typing in conversationID.
func (ind *Indicator) Typing(conversationID string) []string {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	var users []string
	for k, s := range ind.slots {
		if k.conversationID == conversationID && s.signal.IsTyping {
			users = append(users, k.userID)
		}
	}
	return users
}

// Stop cancels every pending timer without emitting change events.
func (ind *Indicator) Stop() {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	for k, s := range ind.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(ind.slots, k)
	}
}
