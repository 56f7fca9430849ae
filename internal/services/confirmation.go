package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/models"
	"im-client/internal/store"
)

// DefaultConfirmationTimeout 是本地消息停留在 pending/sent 的最长时间。
const DefaultConfirmationTimeout = 30 * time.Second

type watch struct {
	timer clockwork.Timer
	gen   uint64
}

// confirmationWatchdog 为本地发出的消息计时：每次状态推进重新计时，
// 到达 delivered/read/failed 即取消；超时则把消息转为 failed。
type confirmationWatchdog struct {
	store   *store.Store
	clock   clockwork.Clock
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch // keyed by local id
	gen     uint64
	stopped bool
}

func newConfirmationWatchdog(st *store.Store, clk clockwork.Clock, timeout time.Duration, log *zap.Logger) *confirmationWatchdog {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	w := &confirmationWatchdog{
		store:   st,
		clock:   clk,
		timeout: timeout,
		log:     log,
		watches: make(map[string]*watch),
	}
	st.Subscribe(w.onChange)
	return w
}

func (w *confirmationWatchdog) onChange(c models.StatusChange) {
	if c.LocalID == "" {
		return
	}
	switch c.To {
	case models.StatusPending, models.StatusSent:
		w.arm(c.LocalID)
	default:
		w.cancel(c.LocalID)
	}
}

// arm starts or restarts the countdown for localID.
func (w *confirmationWatchdog) arm(localID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if cur, ok := w.watches[localID]; ok {
		cur.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.watches[localID] = &watch{
		gen:   gen,
		timer: w.clock.AfterFunc(w.timeout, func() { w.expire(localID, gen) }),
	}
}

func (w *confirmationWatchdog) cancel(localID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.watches[localID]; ok {
		cur.timer.Stop()
		delete(w.watches, localID)
	}
}

func (w *confirmationWatchdog) expire(localID string, gen uint64) {
	w.mu.Lock()
	cur, ok := w.watches[localID]
	if !ok || cur.gen != gen || w.stopped {
		// re-armed or cancelled after the timer fired
		w.mu.Unlock()
		return
	}
	delete(w.watches, localID)
	w.mu.Unlock()

	err := w.store.Fail(localID, apperrors.ConfirmationTimeout(localID))
	switch {
	case err == nil:
		w.log.Warn("message not confirmed in time", zap.String("local_id", localID), zap.Duration("timeout", w.timeout))
	case apperrors.IsCode(err, apperrors.CodeInvalidTransition):
	default:
		w.log.Error("failed to time out message", zap.String("local_id", localID), zap.Error(err))
	}
}

// watching reports whether localID has a live countdown.
func (w *confirmationWatchdog) watching(localID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[localID]
	return ok
}

func (w *confirmationWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for id, cur := range w.watches {
		cur.timer.Stop()
		delete(w.watches, id)
	}
}
