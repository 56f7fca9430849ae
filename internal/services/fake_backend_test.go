package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"im-client/internal/backend"
	"im-client/internal/models"
	"im-client/internal/status"
	"im-client/internal/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI is an in-memory backend. CreateMessage blocks on gate when set.
type fakeAPI struct {
	mu        sync.Mutex
	seq       int
	gate      chan struct{}
	createErr error
	creditErr error
	debitOK   bool

	// stamps created messages when set
	serverTime time.Time

	created []backend.CreateMessageRequest
	history map[string][]models.ServerMessage
	convs   []models.Conversation
	readBy  []string
	debits  int
	credits int
	balance int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{debitOK: true, balance: 100, history: make(map[string][]models.ServerMessage)}
}

func (f *fakeAPI) CreateMessage(ctx context.Context, req backend.CreateMessageRequest) (models.ServerMessage, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.ServerMessage{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.ServerMessage{}, f.createErr
	}
	f.seq++
	f.created = append(f.created, req)
	return models.ServerMessage{
		ID:             fmt.Sprintf("srv-%d", f.seq),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Body:           req.Body,
		Status:         models.StatusSent,
		CreatedAt:      f.serverTime,
	}, nil
}

func (f *fakeAPI) FetchMessages(_ context.Context, conversationID string, limit int) ([]models.ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[conversationID]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBy = append(f.readBy, conversationID+"/"+userID)
	return nil
}

func (f *fakeAPI) DebitBalance(_ context.Context, _ string, amount int64, _ string) (models.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits++
	if !f.debitOK {
		return models.DebitResult{Success: false}, nil
	}
	f.balance -= amount
	return models.DebitResult{Success: true, NewBalance: f.balance}, nil
}

func (f *fakeAPI) CreditBalance(_ context.Context, _ string, amount int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits++
	if f.creditErr != nil {
		return f.creditErr
	}
	f.balance += amount
	return nil
}

func (f *fakeAPI) FetchConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.convs...), nil
}

func newStore(clk clockwork.Clock) *store.Store {
	return store.New(status.NewMachine(nil), clk, nil)
}
