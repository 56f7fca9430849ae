// Package store holds the optimistic, per-conversation ordered message log.
// It is the only place message fields are mutated.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/metrics"
	"im-client/internal/models"
	"im-client/internal/status"
)

// CreateInput carries what the caller knows when composing a message.
type CreateInput struct {
	ConversationID string
	SenderID       string
	Body           models.Body
	ReplyToID      string
	RetryOf        string
}

// Observer receives every applied status transition, after the store lock is released.
type Observer func(models.StatusChange)

type entry struct {
	msg models.Message
	// history position key fixed at insertion; reconciliation never touches it
	sortAt time.Time
	sortID string
}

func (e *entry) before(o *entry) bool {
	if e.sortAt.Equal(o.sortAt) {
		return e.sortID < o.sortID
	}
	return e.sortAt.Before(o.sortAt)
}

type conversationLog struct {
	entries []*entry
}

// push appends e at the tail. Live messages are ordered by arrival only;
// their timestamps come from different clocks.
func (l *conversationLog) push(e *entry) {
	l.entries = append(l.entries, e)
}

// insert places a history message after every entry whose key is not
// greater than e's. History pages mostly land near the tail, so the scan
// is from the back.
func (l *conversationLog) insert(e *entry) {
	i := len(l.entries)
	for i > 0 && e.before(l.entries[i-1]) {
		i--
	}
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	machine *status.Machine
	clock   clockwork.Clock
	log     *zap.Logger

	convs map[string]*conversationLog
	// keyed by server id and by local id once reconciled
	byID map[string]*entry

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates an empty store.
func New(machine *status.Machine, clk clockwork.Clock, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if machine == nil {
		machine = status.NewMachine(log)
	}
	return &Store{
		machine: machine,
		clock:   clk,
		log:     log,
		convs:   make(map[string]*conversationLog),
		byID:    make(map[string]*entry),
	}
}

// Subscribe registers an observer for status transitions.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(changes []models.StatusChange) {
	if len(changes) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, c := range changes {
		for _, o := range observers {
			o(c)
		}
	}
}

// NewLocalID returns a time-ordered temporary id, so messages created in
// the same clock tick still sort in creation order.
func NewLocalID() string {
	return "local-" + uuid.Must(uuid.NewV7()).String()
}

// Create builds a pending message and appends it at the tail of its
// conversation without waiting for the network.
func (s *Store) Create(in CreateInput) (models.Message, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return models.Message{}, apperrors.InvalidInput("conversation and sender are required")
	}
	if in.Body.IsEmpty() {
		return models.Message{}, apperrors.InvalidInput("message body is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ReplyToID != "" {
		target, ok := s.byID[in.ReplyToID]
		if !ok || target.msg.ConversationID != in.ConversationID {
			return models.Message{}, apperrors.InvalidInput("reply target is not part of the conversation")
		}
	}

	id := NewLocalID()
	msg := models.Message{
		ID:             id,
		LocalID:        id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Status:         models.StatusPending,
		CreatedAt:      s.clock.Now(),
		ReplyToID:      in.ReplyToID,
		RetryOf:        in.RetryOf,
	}
	s.pushLocked(msg)
	return msg, nil
}

// Append adds an already built message at the tail of its conversation,
// after everything appended before it, whatever its CreatedAt says.
func (s *Store) Append(msg models.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return apperrors.InvalidInput("message id and conversation are required")
	}
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[msg.ID]; exists {
		return apperrors.InvalidInput("message already present: " + msg.ID)
	}
	msg.Reactions = nil
	s.pushLocked(msg)
	return nil
}

// Receive applies a server message pushed while the conversation is live.
// An unknown message goes to the tail; a known one only moves its status
// forward. The bool reports whether the message was added.
func (s *Store) Receive(sm models.ServerMessage) (models.Message, bool, error) {
	if sm.ID == "" || sm.ConversationID == "" {
		return models.Message{}, false, apperrors.InvalidInput("message id and conversation are required")
	}
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	if e, ok := s.byID[sm.ID]; ok {
		if e.msg.ConversationID != sm.ConversationID {
			s.mu.Unlock()
			return models.Message{}, false, apperrors.InvalidInput("server message belongs to another conversation")
		}
		changes := s.mergeKnownLocked(e, sm)
		msg := e.msg
		s.mu.Unlock()

		s.notify(changes)
		return msg, false, nil
	}
	e := s.pushLocked(fromServer(sm.ConversationID, sm))
	msg := e.msg
	s.mu.Unlock()
	return msg, true, nil
}

func (s *Store) logLocked(conversationID string) *conversationLog {
	l, ok := s.convs[conversationID]
	if !ok {
		l = &conversationLog{}
		s.convs[conversationID] = l
	}
	return l
}

func (s *Store) pushLocked(msg models.Message) *entry {
	e := &entry{msg: msg, sortAt: msg.CreatedAt, sortID: msg.ID}
	s.logLocked(msg.ConversationID).push(e)
	s.byID[msg.ID] = e
	return e
}

func (s *Store) insertLocked(msg models.Message) {
	e := &entry{msg: msg, sortAt: msg.CreatedAt, sortID: msg.ID}
	s.logLocked(msg.ConversationID).insert(e)
	s.byID[msg.ID] = e
}

// Reconcile replaces the volatile fields of a locally created message with
// the server's confirmed copy. The message keeps its slot in the sequence
// even when the server timestamp would order it elsewhere.
func (s *Store) Reconcile(localID string, server models.ServerMessage) (models.Message, error) {
	s.mu.Lock()
	e, ok := s.byID[localID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, apperrors.NotFound("message", localID)
	}
	if server.ConversationID != "" && server.ConversationID != e.msg.ConversationID {
		s.mu.Unlock()
		return models.Message{}, apperrors.InvalidInput("server message belongs to another conversation")
	}
	if server.ID != "" && server.ID != e.msg.ID {
		if other, taken := s.byID[server.ID]; taken && other != e {
			s.mu.Unlock()
			return models.Message{}, apperrors.InvalidInput("server id already bound to another message: " + server.ID)
		}
		e.msg.ID = server.ID
		s.byID[server.ID] = e
	}
	if !server.CreatedAt.IsZero() {
		e.msg.CreatedAt = server.CreatedAt
	}

	target := server.Status
	if target == "" {
		target = models.StatusSent
	}
	changes := s.advanceStepwiseLocked(e, target)
	msg := e.msg
	s.mu.Unlock()

	s.notify(changes)
	return msg, nil
}

// advanceStepwiseLocked walks e forward one successor at a time until it
// reaches target. Used for authoritative server copies, which may already
// be several steps ahead. Steps the machine rejects are discarded.
func (s *Store) advanceStepwiseLocked(e *entry, target models.Status) []models.StatusChange {
	var changes []models.StatusChange
	if target == models.StatusFailed || status.AtLeast(e.msg.Status, target) {
		return nil
	}
	for !status.AtLeast(e.msg.Status, target) {
		next, ok := status.Next(e.msg.Status)
		if !ok {
			break
		}
		path, err := s.machine.Transition(e.msg.ID, e.msg.Status, next)
		if err != nil {
			break
		}
		changes = append(changes, s.applyLocked(e, path)...)
	}
	return changes
}

func (s *Store) applyLocked(e *entry, path []models.Status) []models.StatusChange {
	changes := make([]models.StatusChange, 0, len(path))
	for _, st := range path {
		changes = append(changes, models.StatusChange{
			MessageID:      e.msg.ID,
			LocalID:        e.msg.LocalID,
			ConversationID: e.msg.ConversationID,
			From:           e.msg.Status,
			To:             st,
		})
		e.msg.Status = st
	}
	return changes
}

// Advance applies a status signal. Invalid transitions come back as an
// InvalidTransition AppError which callers are expected to discard.
func (s *Store) Advance(messageID string, target models.Status) error {
	return s.advance(messageID, target, nil)
}

// Fail diverts a message to failed and records cause on it, so the UI can
// tell a timeout from a rejected send.
func (s *Store) Fail(messageID string, cause *apperrors.AppError) error {
	if cause == nil {
		return apperrors.InvalidInput("failure cause is required")
	}
	if err := s.advance(messageID, models.StatusFailed, cause); err != nil {
		return err
	}
	metrics.MessagesFailed.WithLabelValues(strings.ToLower(string(cause.Code))).Inc()
	s.log.Info("message failed", zap.String("message_id", messageID), zap.String("code", string(cause.Code)), zap.Error(cause))
	return nil
}

func (s *Store) advance(messageID string, target models.Status, cause *apperrors.AppError) error {
	s.mu.Lock()
	e, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NotFound("message", messageID)
	}
	path, err := s.machine.Transition(e.msg.ID, e.msg.Status, target)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if target == models.StatusFailed && cause != nil {
		e.msg.FailCode = cause.Code
		e.msg.FailReason = cause.Error()
	}
	changes := s.applyLocked(e, path)
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

// ApplyEdit records a new body for the message authored by actorID. The
// original body is kept.
func (s *Store) ApplyEdit(actorID, messageID string, newBody models.Body) (models.Message, error) {
	if newBody.IsEmpty() {
		return models.Message{}, apperrors.InvalidInput("edited body is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, apperrors.NotFound("message", messageID)
	}
	if e.msg.SenderID != actorID {
		return models.Message{}, apperrors.Forbidden("only the author can edit a message")
	}
	if e.msg.IsDeleted {
		return models.Message{}, apperrors.Forbidden("deleted messages cannot be edited")
	}

	now := s.clock.Now()
	if now.Before(e.msg.CreatedAt) {
		now = e.msg.CreatedAt
	}
	body := newBody
	e.msg.EditedBody = &body
	e.msg.IsEdited = true
	e.msg.EditedAt = &now
	return e.msg, nil
}

// ApplyDelete turns the message into a tombstone. The slot stays in place.
func (s *Store) ApplyDelete(actorID, messageID string, scope models.DeleteScope) (models.Message, error) {
	if scope != models.DeleteForSelf && scope != models.DeleteForAll {
		return models.Message{}, apperrors.InvalidInput("unknown delete scope: " + string(scope))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, apperrors.NotFound("message", messageID)
	}
	if e.msg.SenderID != actorID {
		return models.Message{}, apperrors.Forbidden("only the author can delete a message")
	}
	e.msg.IsDeleted = true
	if scope == models.DeleteForAll {
		e.msg.DeletedForAll = true
	}
	return e.msg, nil
}

// Get returns a copy of the stored message, looked up by server or local id.
func (s *Store) Get(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, false
	}
	return e.msg, true
}

// MessagesFor returns the conversation newest-last. Tombstones keep their
// slot and carry the placeholder body.
func (s *Store) MessagesFor(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, render(e.msg))
	}
	return out
}

func render(m models.Message) models.Message {
	if m.IsDeleted {
		m.Body = models.TextOf(models.TombstonePlaceholder)
		m.EditedBody = nil
	}
	return m
}

// LastMessage returns the newest message of the conversation, rendered.
func (s *Store) LastMessage(conversationID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.convs[conversationID]
	if !ok || len(l.entries) == 0 {
		return models.Message{}, false
	}
	return render(l.entries[len(l.entries)-1].msg), true
}

// MergeHistory inserts a page of server history. Unknown messages are placed
// by (CreatedAt, ID) among what is already held; known ones move forward when
// the server is ahead. Live pushes go through Receive instead.
// It returns how many messages were added.
func (s *Store) MergeHistory(conversationID string, history []models.ServerMessage) int {
	s.mu.Lock()
	added := 0
	var changes []models.StatusChange
	for _, sm := range history {
		if sm.ID == "" {
			continue
		}
		if sm.ConversationID != "" && sm.ConversationID != conversationID {
			s.log.Warn("skipping history message from another conversation",
				zap.String("message_id", sm.ID),
				zap.String("conversation_id", conversationID))
			continue
		}
		if e, ok := s.byID[sm.ID]; ok {
			changes = append(changes, s.mergeKnownLocked(e, sm)...)
			continue
		}
		s.insertLocked(fromServer(conversationID, sm))
		added++
	}
	s.mu.Unlock()

	s.notify(changes)
	return added
}

func (s *Store) mergeKnownLocked(e *entry, sm models.ServerMessage) []models.StatusChange {
	var changes []models.StatusChange
	if sm.Status != "" {
		changes = s.advanceStepwiseLocked(e, sm.Status)
	}
	if sm.IsDeleted {
		e.msg.IsDeleted = true
		e.msg.DeletedForAll = true
	}
	return changes
}

func fromServer(conversationID string, sm models.ServerMessage) models.Message {
	st := sm.Status
	if st == "" {
		st = models.StatusSent
	}
	return models.Message{
		ID:             sm.ID,
		ConversationID: conversationID,
		SenderID:       sm.SenderID,
		Body:           sm.Body,
		Status:         st,
		CreatedAt:      sm.CreatedAt,
		ReplyToID:      sm.ReplyToID,
		IsDeleted:      sm.IsDeleted,
		DeletedForAll:  sm.IsDeleted,
	}
}

// UnreadCount is derived on every call: messages authored by someone other
// than viewerID whose status is not read. Tombstones count like any other
// message until they are read.
func (s *Store) UnreadCount(conversationID, viewerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range l.entries {
		if e.msg.SenderID != viewerID && e.msg.Status != models.StatusRead {
			n++
		}
	}
	return n
}

// UnreadIDs lists the ids UnreadCount counts, oldest first.
func (s *Store) UnreadIDs(conversationID, viewerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	var ids []string
	for _, e := range l.entries {
		if e.msg.SenderID != viewerID && e.msg.Status != models.StatusRead {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}
