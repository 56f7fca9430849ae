package gift

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/apperrors"
	"im-client/internal/models"
	"im-client/internal/store"
)

type fakeLedger struct {
	mu             sync.Mutex
	balances       map[string]int64
	debitErr       error
	creditFailures int
	debits         int
	credits        int
}

func (l *fakeLedger) DebitBalance(_ context.Context, userID string, amount int64, _ string) (models.DebitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits++
	if l.debitErr != nil {
		return models.DebitResult{}, l.debitErr
	}
	l.balances[userID] -= amount
	return models.DebitResult{Success: true, NewBalance: l.balances[userID]}, nil
}

func (l *fakeLedger) CreditBalance(_ context.Context, userID string, amount int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits++
	if l.creditFailures > 0 {
		l.creditFailures--
		return errors.New("ledger unavailable")
	}
	l.balances[userID] += amount
	return nil
}

func (l *fakeLedger) balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// storeEmitter appends the gift message to a real store, or fails before
// touching it.
type storeEmitter struct {
	store *store.Store
	err   error
	gate  chan struct{}
}

func (e *storeEmitter) EmitGift(_ context.Context, tx *models.GiftTransaction) (models.Message, error) {
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return models.Message{}, e.err
	}
	msg := models.Message{
		ID:             "gift-" + tx.ID,
		ConversationID: tx.ConversationID,
		SenderID:       tx.SenderID,
		Body:           tx.Body(),
		Status:         models.StatusSent,
	}
	return msg, e.store.Append(msg)
}

var (
	alice = models.Actor{UserID: "alice"}
	rose  = models.Gift{ID: "rose", Name: "Rose", Price: 50}
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// compensationInterval is far longer than any test may take, so retries
// only progress when the fake clock is advanced.
const compensationInterval = time.Hour

func setupWithClock(balance int64) (*Coordinator, *fakeLedger, *storeEmitter, *clockwork.FakeClock) {
	clk := clockwork.NewFakeClockAt(start)
	ledger := &fakeLedger{balances: map[string]int64{"alice": balance}}
	emitter := &storeEmitter{store: store.New(nil, clk, nil)}
	c := NewCoordinator(ledger, emitter, clk, Config{CompensationRetries: 3, CompensationInterval: compensationInterval}, nil)
	return c, ledger, emitter, clk
}

func setup(balance int64) (*Coordinator, *fakeLedger, *storeEmitter) {
	c, ledger, emitter, _ := setupWithClock(balance)
	return c, ledger, emitter
}

// sendAdvancing runs Send while stepping the fake clock past every backoff
// wait. It returns the number of waits.
func sendAdvancing(t *testing.T, c *Coordinator, clk *clockwork.FakeClock, req Request) (*models.GiftTransaction, int, error) {
	t.Helper()
	type result struct {
		tx  *models.GiftTransaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := c.Send(context.Background(), alice, req)
		done <- result{tx, err}
	}()

	waits := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r.tx, waits, r.err
		case <-deadline:
			t.Fatal("send did not finish")
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		if clk.BlockUntilContext(ctx, 1) == nil {
			waits++
			clk.Advance(2 * compensationInterval)
		}
		cancel()
	}
}

func request(balance int64) Request {
	return Request{Gift: rose, RecipientID: "bob", ConversationID: "c1", Message: "for you", SenderBalance: balance}
}

func TestSendSuccess(t *testing.T) {
	c, ledger, emitter := setup(120)

	tx, err := c.Send(context.Background(), alice, request(120))
	require.NoError(t, err)

	assert.Equal(t, []models.GiftState{
		models.GiftInitiated, models.GiftBalanceChecked, models.GiftDebited, models.GiftMessageEmitted,
	}, tx.History)
	assert.Equal(t, int64(70), ledger.balance("alice"))
	require.NotNil(t, tx.BalanceAfter)
	assert.Equal(t, int64(70), *tx.BalanceAfter)

	msgs := emitter.store.MessagesFor("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, tx.MessageID, msgs[0].ID)
	assert.Equal(t, models.GiftBody, msgs[0].Body.Type)
	assert.Equal(t, int64(50), msgs[0].Body.Gift.Price)
	assert.False(t, c.InFlight("alice"))
}

func TestInsufficientBalanceMakesNoDebit(t *testing.T) {
	c, ledger, emitter := setup(30)

	tx, err := c.Send(context.Background(), alice, request(30))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeInsufficientBalance, appErr.Code)
	assert.Equal(t, int64(20), appErr.Shortfall)
	assert.Equal(t, models.GiftAborted, tx.State)
	assert.Equal(t, 0, ledger.debits)
	assert.Empty(t, emitter.store.MessagesFor("c1"))
}

func TestUnlimitedSpendSkipsBalanceCheckOnly(t *testing.T) {
	c, ledger, _ := setup(0)

	admin := models.Actor{UserID: "alice", UnlimitedSpend: true}
	tx, err := c.Send(context.Background(), admin, request(0))
	require.NoError(t, err)
	assert.Equal(t, models.GiftMessageEmitted, tx.State)
	assert.Equal(t, 1, ledger.debits)
}

func TestDebitFailureAbortsCleanly(t *testing.T) {
	c, ledger, emitter := setup(100)
	ledger.debitErr = errors.New("503")

	tx, err := c.Send(context.Background(), alice, request(100))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDebitFailed))
	assert.Equal(t, []models.GiftState{
		models.GiftInitiated, models.GiftBalanceChecked, models.GiftAborted,
	}, tx.History)
	assert.Empty(t, emitter.store.MessagesFor("c1"))
	assert.Equal(t, int64(100), ledger.balance("alice"))
}

func TestEmissionFailureIsCompensated(t *testing.T) {
	c, ledger, emitter, clk := setupWithClock(100)
	emitter.err = errors.New("create message: timeout")
	ledger.creditFailures = 2

	tx, waits, err := sendAdvancing(t, c, clk, request(100))
	assert.Equal(t, 2, waits)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeEmissionFailedAfterDebit, appErr.Code)
	assert.True(t, appErr.Compensated)
	assert.Equal(t, []models.GiftState{
		models.GiftInitiated, models.GiftBalanceChecked, models.GiftDebited,
		models.GiftEmissionFailed, models.GiftCompensated,
	}, tx.History)

	assert.Equal(t, int64(100), ledger.balance("alice"))
	assert.Equal(t, 3, ledger.credits)
	assert.Empty(t, emitter.store.MessagesFor("c1"))
}

func TestCompensationExhausted(t *testing.T) {
	c, ledger, emitter, clk := setupWithClock(100)
	emitter.err = errors.New("boom")
	ledger.creditFailures = 100

	tx, waits, err := sendAdvancing(t, c, clk, request(100))
	assert.Equal(t, 3, waits)
	assert.Empty(t, emitter.store.MessagesFor("c1"))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeEmissionFailedAfterDebit, appErr.Code)
	assert.False(t, appErr.Compensated)
	assert.Equal(t, models.GiftCompensationFailed, tx.State)
	// first attempt plus three retries
	assert.Equal(t, 4, ledger.credits)
}

func TestCompensationWaitsOnInjectedClock(t *testing.T) {
	c, ledger, emitter, clk := setupWithClock(100)
	emitter.err = errors.New("boom")
	ledger.creditFailures = 1

	done := make(chan *models.GiftTransaction, 1)
	go func() {
		tx, _ := c.Send(context.Background(), alice, request(100))
		done <- tx
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	// the retry is parked on the fake clock, not on wall time
	assert.Never(t, func() bool { return len(done) > 0 }, 20*time.Millisecond, time.Millisecond)
	ledger.mu.Lock()
	assert.Equal(t, 1, ledger.credits)
	ledger.mu.Unlock()

	clk.Advance(2 * compensationInterval)
	select {
	case tx := <-done:
		assert.Equal(t, models.GiftCompensated, tx.State)
	case <-time.After(2 * time.Second):
		t.Fatal("credit-back retry did not run after the clock advanced")
	}
	assert.Equal(t, int64(100), ledger.balance("alice"))
}

func TestSecondSendWhileInFlightIsRejected(t *testing.T) {
	c, _, emitter := setup(500)
	emitter.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), alice, request(500))
		done <- err
	}()
	require.Eventually(t, func() bool { return c.InFlight("alice") }, time.Second, time.Millisecond)

	_, err := c.Send(context.Background(), alice, request(500))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTransactionInFlight))

	assert.False(t, c.InFlight("carol"))

	close(emitter.gate)
	require.NoError(t, <-done)
	assert.False(t, c.InFlight("alice"))
}

func TestSendValidates(t *testing.T) {
	c, _, _ := setup(100)
	_, err := c.Send(context.Background(), alice, Request{Gift: rose, RecipientID: "alice", ConversationID: "c1"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}
