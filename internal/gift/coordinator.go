// Package gift coordinates spend-then-send gift transactions.
//
// From the sender's point of view a transaction is atomic: either the debit
// and the gift message both take effect, or neither does. When the message
// cannot be emitted after the debit landed, the amount is credited back.
package gift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/metrics"
	"im-client/internal/models"
)

// Ledger is the balance authority.
type Ledger interface {
	DebitBalance(ctx context.Context, userID string, amount int64, reason string) (models.DebitResult, error)
	CreditBalance(ctx context.Context, userID string, amount int64, reason string) error
}

// Emitter delivers the gift message. It must either return the appended
// message or leave no message behind.
type Emitter interface {
	EmitGift(ctx context.Context, tx *models.GiftTransaction) (models.Message, error)
}

// Request is one gift send as issued by the UI.
type Request struct {
	Gift           models.Gift
	RecipientID    string
	ConversationID string
	Message        string
	IsAnonymous    bool
	// SenderBalance is the balance the client last saw.
	SenderBalance int64
}

// Config tunes the credit-back retries.
type Config struct {
	CompensationRetries  uint64
	CompensationInterval time.Duration
}

// DefaultConfig is used for zero-valued fields.
var DefaultConfig = Config{
	CompensationRetries:  5,
	CompensationInterval: 200 * time.Millisecond,
}

type Coordinator struct {
	ledger  Ledger
	emitter Emitter
	clock   clockwork.Clock
	log     *zap.Logger
	cfg     Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewCoordinator(ledger Ledger, emitter Emitter, clk clockwork.Clock, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.CompensationRetries == 0 {
		cfg.CompensationRetries = DefaultConfig.CompensationRetries
	}
	if cfg.CompensationInterval <= 0 {
		cfg.CompensationInterval = DefaultConfig.CompensationInterval
	}
	return &Coordinator{
		ledger:   ledger,
		emitter:  emitter,
		clock:    clk,
		log:      log,
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}
}

// InFlight reports whether senderID has a transaction running.
func (c *Coordinator) InFlight(senderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[senderID]
	return ok
}

func (c *Coordinator) acquire(senderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[senderID]; busy {
		return false
	}
	c.inFlight[senderID] = struct{}{}
	return true
}

func (c *Coordinator) release(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, senderID)
}

// Send runs one gift transaction for actor. The returned transaction
// records every state it went through, also on error. A second Send for the
// same sender while one is running fails with TransactionInFlight.
func (c *Coordinator) Send(ctx context.Context, actor models.Actor, req Request) (*models.GiftTransaction, error) {
	if err := validate(actor, req); err != nil {
		return nil, err
	}
	if !c.acquire(actor.UserID) {
		return nil, apperrors.TransactionInFlight(actor.UserID)
	}
	defer c.release(actor.UserID)

	tx := &models.GiftTransaction{
		ID:             uuid.NewString(),
		GiftID:         req.Gift.ID,
		Price:          req.Gift.Price,
		SenderID:       actor.UserID,
		RecipientID:    req.RecipientID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		IsAnonymous:    req.IsAnonymous,
		StartedAt:      c.clock.Now(),
	}
	tx.Enter(models.GiftInitiated)

	log := c.log.With(
		zap.String("tx_id", tx.ID),
		zap.String("sender_id", tx.SenderID),
		zap.String("gift_id", tx.GiftID),
		zap.Int64("price", tx.Price),
	)

	if !actor.UnlimitedSpend && req.SenderBalance < tx.Price {
		tx.Enter(models.GiftBalanceChecked)
		c.finish(tx, models.GiftAborted)
		log.Info("gift aborted, insufficient balance", zap.Int64("balance", req.SenderBalance))
		return tx, apperrors.InsufficientBalance(tx.Price, req.SenderBalance)
	}
	if actor.UnlimitedSpend {
		log.Debug("balance check bypassed for unlimited-spend actor")
	}
	tx.Enter(models.GiftBalanceChecked)

	res, err := c.ledger.DebitBalance(ctx, tx.SenderID, tx.Price, reason("gift", tx))
	if err == nil && !res.Success {
		err = errors.New("debit rejected by ledger")
	}
	if err != nil {
		c.finish(tx, models.GiftAborted)
		log.Warn("gift aborted, debit failed", zap.Error(err))
		return tx, apperrors.DebitFailed(err)
	}
	tx.Enter(models.GiftDebited)
	balance := res.NewBalance
	tx.BalanceAfter = &balance

	msg, err := c.emitter.EmitGift(ctx, tx)
	if err == nil {
		tx.MessageID = msg.ID
		c.finish(tx, models.GiftMessageEmitted)
		log.Info("gift sent", zap.String("message_id", msg.ID))
		return tx, nil
	}

	tx.Enter(models.GiftEmissionFailed)
	log.Error("gift message emission failed after debit, crediting back", zap.Error(err))

	// the caller's context may be what failed the emission
	if cerr := c.compensate(context.WithoutCancel(ctx), tx); cerr != nil {
		c.finish(tx, models.GiftCompensationFailed)
		log.Error("gift credit-back failed, balance needs manual repair", zap.Error(cerr))
		return tx, apperrors.EmissionFailedAfterDebit(fmt.Errorf("%w (credit-back: %v)", err, cerr), false)
	}
	tx.BalanceAfter = nil
	c.finish(tx, models.GiftCompensated)
	log.Info("gift debit credited back")
	return tx, apperrors.EmissionFailedAfterDebit(err, true)
}

// compensate credits the debit back. Waits between attempts run on the
// coordinator's clock.
func (c *Coordinator) compensate(ctx context.Context, tx *models.GiftTransaction) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.CompensationInterval
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()

	attempt := 0
	op := func() error {
		attempt++
		err := c.ledger.CreditBalance(ctx, tx.SenderID, tx.Price, reason("gift-refund", tx))
		if err != nil {
			c.log.Warn("credit-back attempt failed",
				zap.String("tx_id", tx.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.CompensationRetries), ctx)
	return backoff.RetryNotifyWithTimer(op, policy, nil, &clockTimer{clock: c.clock})
}

// clockTimer adapts a clockwork clock to backoff.Timer.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

func (c *Coordinator) finish(tx *models.GiftTransaction, state models.GiftState) {
	tx.Enter(state)
	metrics.GiftOutcomes.WithLabelValues(string(state)).Inc()
}

func reason(kind string, tx *models.GiftTransaction) string {
	return kind + ":" + tx.GiftID + ":" + tx.ID
}

func validate(actor models.Actor, req Request) error {
	switch {
	case actor.UserID == "":
		return apperrors.InvalidInput("sender is required")
	case req.Gift.ID == "":
		return apperrors.InvalidInput("gift is required")
	case req.Gift.Price < 0:
		return apperrors.InvalidInput("gift price is negative")
	case req.RecipientID == "" || req.ConversationID == "":
		return apperrors.InvalidInput("recipient and conversation are required")
	case req.RecipientID == actor.UserID:
		return apperrors.InvalidInput("cannot send a gift to yourself")
	}
	return nil
}
