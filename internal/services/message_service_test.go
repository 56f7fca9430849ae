package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/apperrors"
	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/reactions"
	"im-client/internal/store"
)

type msgFixture struct {
	clock *clockwork.FakeClock
	store *store.Store
	api   *fakeAPI
	svc   MessageService
	convs ConversationService
}

func newMsgFixture(t *testing.T) *msgFixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	st := newStore(clk)
	api := newFakeAPI()
	alice := models.Actor{UserID: "alice"}
	convs := NewConversationService(alice, st, api, nil)
	svc := NewMessageService(MessageServiceDeps{
		Actor:  alice,
		Store:  st,
		API:    api,
		Clock:  clk,
		Config: config.ChatConfig{ConfirmationTimeout: 30 * time.Second, HistoryPageSize: 10},
		Convs:  convs,
	})
	t.Cleanup(svc.Close)
	return &msgFixture{clock: clk, store: st, api: api, svc: svc, convs: convs}
}

func (f *msgFixture) watching(localID string) bool {
	return f.svc.(*messageService).watchdog.watching(localID)
}

// waitStatus waits for watchdog timers, which fire on their own goroutine.
func (f *msgFixture) waitStatus(t *testing.T, id string, want models.Status) models.Message {
	t.Helper()
	var got models.Message
	require.Eventually(t, func() bool {
		got, _ = f.store.Get(id)
		return got.Status == want
	}, time.Second, time.Millisecond, "status of %s", id)
	return got
}

func TestSendReconcilesWithServerCopy(t *testing.T) {
	f := newMsgFixture(t)

	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Equal(t, msg.ID, msg.LocalID)

	f.svc.Wait()

	got, ok := f.store.Get(msg.LocalID)
	require.True(t, ok)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, msg.LocalID, got.LocalID)
	assert.Equal(t, models.StatusSent, got.Status)
	require.Len(t, f.api.created, 1)
	assert.Equal(t, msg.LocalID, f.api.created[0].ClientID)
	assert.True(t, f.watching(msg.LocalID), "sent messages still wait for delivery")
}

func TestSendErrorFailsAndRetryCreatesNewMessage(t *testing.T) {
	f := newMsgFixture(t)
	f.api.createErr = errors.New("connection refused")

	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)
	f.svc.Wait()

	failed, _ := f.store.Get(msg.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, apperrors.CodeSendFailed, failed.FailCode)
	assert.Contains(t, failed.FailReason, "connection refused")
	require.NotNil(t, failed.FailError())
	assert.True(t, apperrors.IsCode(failed.FailError(), apperrors.CodeSendFailed))
	assert.False(t, f.watching(msg.ID))

	f.api.createErr = nil
	retry, err := f.svc.Retry(context.Background(), msg.ID)
	require.NoError(t, err)
	f.svc.Wait()

	assert.NotEqual(t, msg.ID, retry.ID)
	assert.Equal(t, msg.ID, retry.RetryOf)

	msgs := f.svc.MessagesFor("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.Equal(t, models.StatusSent, msgs[1].Status)
}

func TestRetryRejectsMessagesThatDidNotFail(t *testing.T) {
	f := newMsgFixture(t)
	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)
	f.svc.Wait()

	_, err = f.svc.Retry(context.Background(), msg.LocalID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))

	_, err = f.svc.Retry(context.Background(), "nope")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestConfirmationTimeoutFailsMessage(t *testing.T) {
	f := newMsgFixture(t)

	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)
	f.svc.Wait()

	f.clock.Advance(29 * time.Second)
	got, _ := f.store.Get(msg.LocalID)
	assert.Equal(t, models.StatusSent, got.Status)

	f.clock.Advance(time.Second)
	got = f.waitStatus(t, msg.LocalID, models.StatusFailed)
	assert.Equal(t, apperrors.CodeConfirmationTimeout, got.FailCode)
	failure := got.FailError()
	require.NotNil(t, failure)
	assert.Equal(t, apperrors.CodeConfirmationTimeout, failure.Code)
	assert.Contains(t, failure.Error(), msg.LocalID)

	// a late delivery receipt is discarded
	require.NoError(t, f.svc.ApplyStatusEvent("srv-1", models.StatusDelivered))
	got, _ = f.store.Get("srv-1")
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestEachTransitionRestartsTheCountdown(t *testing.T) {
	f := newMsgFixture(t)
	gate := make(chan struct{})
	f.api.gate = gate

	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	close(gate)
	f.svc.Wait()

	// pending -> sent re-armed the watchdog at +20s
	f.clock.Advance(20 * time.Second)
	got, _ := f.store.Get(msg.LocalID)
	assert.Equal(t, models.StatusSent, got.Status)

	require.NoError(t, f.svc.ApplyStatusEvent("srv-1", models.StatusDelivered))
	assert.False(t, f.watching(msg.LocalID))

	f.clock.Advance(time.Minute)
	got, _ = f.store.Get("srv-1")
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestStatusEventsIgnoreRegressions(t *testing.T) {
	f := newMsgFixture(t)
	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)
	f.svc.Wait()

	require.NoError(t, f.svc.ApplyStatusEvent("srv-1", models.StatusRead))
	require.NoError(t, f.svc.ApplyStatusEvent("srv-1", models.StatusDelivered))

	got, _ := f.store.Get(msg.LocalID)
	assert.Equal(t, models.StatusRead, got.Status)

	err = f.svc.ApplyStatusEvent("unknown", models.StatusRead)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestReactionOnPendingMessageSurvivesReconcile(t *testing.T) {
	f := newMsgFixture(t)
	gate := make(chan struct{})
	f.api.gate = gate

	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("hello"), "")
	require.NoError(t, err)

	res, err := f.svc.ToggleReaction(msg.LocalID, "👍")
	require.NoError(t, err)
	assert.Equal(t, reactions.Added, res)

	close(gate)
	f.svc.Wait()

	groups := f.svc.CountsFor("srv-1")
	require.Len(t, groups, 1)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, 1, groups[0].Count)

	// the local alias still resolves
	assert.Equal(t, groups, f.svc.CountsFor(msg.LocalID))

	msgs := f.svc.MessagesFor("c1")
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Reactions, 1)
	assert.Equal(t, "alice", msgs[0].Reactions[0].UserID)
}

func TestEditAndDeleteThroughService(t *testing.T) {
	f := newMsgFixture(t)
	msg, err := f.svc.Send(context.Background(), "c1", models.TextOf("helo"), "")
	require.NoError(t, err)
	f.svc.Wait()

	edited, err := f.svc.Edit(msg.LocalID, models.TextOf("hello"))
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "helo", edited.Body.Text)

	f.store.MergeHistory("c1", []models.ServerMessage{{
		ID: "b1", ConversationID: "c1", SenderID: "bob", Body: models.TextOf("hey"),
		Status: models.StatusDelivered, CreatedAt: epoch.Add(time.Second),
	}})
	_, err = f.svc.Delete("b1", models.DeleteForAll)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))

	deleted, err := f.svc.Delete(msg.LocalID, models.DeleteForAll)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	got, _ := f.svc.Get(msg.LocalID)
	assert.Equal(t, models.TombstonePlaceholder, got.DisplayBody().Text)
}

func TestReplyMustTargetSameConversation(t *testing.T) {
	f := newMsgFixture(t)
	first, err := f.svc.Send(context.Background(), "c1", models.TextOf("one"), "")
	require.NoError(t, err)
	f.svc.Wait()

	reply, err := f.svc.Send(context.Background(), "c1", models.TextOf("two"), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", reply.ReplyToID)

	_, err = f.svc.Send(context.Background(), "c2", models.TextOf("three"), first.LocalID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
	f.svc.Wait()
}

func TestLoadHistoryAndMarkRead(t *testing.T) {
	f := newMsgFixture(t)
	f.api.history["c1"] = []models.ServerMessage{
		{ID: "b1", ConversationID: "c1", SenderID: "bob", Body: models.TextOf("one"), Status: models.StatusDelivered, CreatedAt: epoch.Add(-2 * time.Minute)},
		{ID: "b2", ConversationID: "c1", SenderID: "bob", Body: models.TextOf("two"), Status: models.StatusSent, CreatedAt: epoch.Add(-time.Minute)},
	}

	added, err := f.svc.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, f.store.UnreadCount("c1", "alice"))

	require.NoError(t, f.svc.MarkRead(context.Background(), "c1"))
	assert.Equal(t, 0, f.store.UnreadCount("c1", "alice"))
	assert.Equal(t, []string{"c1/alice"}, f.api.readBy)

	// loading again adds nothing
	added, err = f.svc.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestReceiveMessageRegistersConversation(t *testing.T) {
	f := newMsgFixture(t)

	require.NoError(t, f.svc.ReceiveMessage(models.ServerMessage{
		ID: "b1", ConversationID: "c9", SenderID: "bob", Body: models.TextOf("surprise"), Status: models.StatusDelivered,
	}))

	views := f.convs.List("")
	require.Len(t, views, 1)
	assert.Equal(t, "c9", views[0].ID)
	assert.Equal(t, "surprise", views[0].LastMessageText)
	assert.Equal(t, 1, views[0].UnreadCount)
	assert.Equal(t, epoch, views[0].LastMessageAt)

	err := f.svc.ReceiveMessage(models.ServerMessage{ID: "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}

func TestLiveMessagesAppendAfterWhatIsShown(t *testing.T) {
	f := newMsgFixture(t)
	f.clock.Advance(time.Hour)
	// server clock runs a minute behind the client
	f.api.serverTime = epoch.Add(59 * time.Minute)

	mine, err := f.svc.Send(context.Background(), "c1", models.TextOf("mine"), "")
	require.NoError(t, err)
	f.svc.Wait()

	gifts := NewGiftService(models.Actor{UserID: "alice"}, f.api, f.store, f.clock, config.GiftConfig{}, nil)
	tx, err := gifts.SendGift(context.Background(), giftRequest(100))
	require.NoError(t, err)

	require.NoError(t, f.svc.ReceiveMessage(models.ServerMessage{
		ID: "b1", ConversationID: "c1", SenderID: "bob", Body: models.TextOf("thanks"),
		CreatedAt: epoch.Add(59*time.Minute + time.Second),
	}))

	msgs := f.svc.MessagesFor("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"srv-1", tx.MessageID, "b1"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, mine.LocalID, msgs[0].LocalID)

	// a push for a message already held does not move it
	require.NoError(t, f.svc.ReceiveMessage(models.ServerMessage{
		ID: "srv-1", ConversationID: "c1", Status: models.StatusDelivered, CreatedAt: epoch,
	}))
	msgs = f.svc.MessagesFor("c1")
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, models.StatusDelivered, msgs[0].Status)
}
