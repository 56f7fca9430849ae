// Package status defines the delivery lifecycle of a single message.
//
// The progression chain is pending → sent → delivered → read. failed is
// reachable from any non-final state and is terminal. A status never moves
// backwards along the chain.
package status

import (
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/metrics"
	"im-client/internal/models"
)

var chain = []models.Status{
	models.StatusPending,
	models.StatusSent,
	models.StatusDelivered,
	models.StatusRead,
}

func rank(s models.Status) int {
	for i, c := range chain {
		if c == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor of s in the progression chain.
func Next(s models.Status) (models.Status, bool) {
	r := rank(s)
	if r < 0 || r == len(chain)-1 {
		return "", false
	}
	return chain[r+1], true
}

// IsTerminal reports whether no further transitions are accepted from s.
func IsTerminal(s models.Status) bool {
	return s == models.StatusFailed || s == models.StatusRead
}

// AtLeast reports whether s has reached target along the chain. failed is
// never at least anything.
func AtLeast(s, target models.Status) bool {
	rs, rt := rank(s), rank(target)
	return rs >= 0 && rt >= 0 && rs >= rt
}

// Machine validates transitions. It holds no per-message state; the store
// owns the current status and asks the machine for the path to apply.
type Machine struct {
	log *zap.Logger
}

func NewMachine(log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{log: log}
}

// Transition returns the ordered statuses to apply to move messageID from
// current to target. A read signal that arrives while the message is only
// sent collapses to [delivered, read]. Any other jump, a repeat, a regression
// or a move out of a terminal state is rejected with InvalidTransition.
func (m *Machine) Transition(messageID string, current, target models.Status) ([]models.Status, error) {
	path, ok := plan(current, target)
	if !ok {
		metrics.InvalidTransitions.Inc()
		m.log.Warn("discarding invalid status transition",
			zap.String("message_id", messageID),
			zap.String("from", string(current)),
			zap.String("to", string(target)),
		)
		return nil, apperrors.InvalidTransition(messageID, string(current), string(target))
	}
	return path, nil
}

func plan(current, target models.Status) ([]models.Status, bool) {
	if IsTerminal(current) {
		return nil, false
	}
	if target == models.StatusFailed {
		return []models.Status{models.StatusFailed}, true
	}
	if next, ok := Next(current); ok && next == target {
		return []models.Status{target}, true
	}
	// out-of-order read before delivered
	if current == models.StatusSent && target == models.StatusRead {
		return []models.Status{models.StatusDelivered, models.StatusRead}, true
	}
	return nil, false
}
