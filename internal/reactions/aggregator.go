// Package reactions keeps per-message emoji reactions, at most one per user.
package reactions

import (
	"cmp"
	"slices"
	"sync"

	"im-client/internal/apperrors"
	"im-client/internal/models"
)

// Result tells the caller what a toggle did.
type Result int

const (
	Added Result = iota + 1
	Removed
	Replaced
)

func (r Result) String() string {
	switch r {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

type reaction struct {
	emoji string
	// monotonically increasing, orders groups and users for display
	seq uint64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu  sync.RWMutex
	seq uint64
	// messageID -> userID -> reaction
	byMessage map[string]map[string]reaction
}

func NewAggregator() *Aggregator {
	return &Aggregator{byMessage: make(map[string]map[string]reaction)}
}

// Toggle adds, removes or replaces userID's reaction on messageID.
func (a *Aggregator) Toggle(messageID, userID, emoji string) (Result, error) {
	if messageID == "" || userID == "" || emoji == "" {
		return 0, apperrors.InvalidInput("message, user and emoji are required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	users, ok := a.byMessage[messageID]
	if !ok {
		users = make(map[string]reaction)
		a.byMessage[messageID] = users
	}

	a.seq++
	prev, had := users[userID]
	switch {
	case !had:
		users[userID] = reaction{emoji: emoji, seq: a.seq}
		return Added, nil
	case prev.emoji == emoji:
		delete(users, userID)
		if len(users) == 0 {
			delete(a.byMessage, messageID)
		}
		return Removed, nil
	default:
		users[userID] = reaction{emoji: emoji, seq: a.seq}
		return Replaced, nil
	}
}

// CountsFor groups the reactions on messageID by emoji. Groups appear in
// the order their emoji was first used among current reactions, users in
// the order they reacted.
func (a *Aggregator) CountsFor(messageID string) []models.ReactionGroup {
	a.mu.RLock()
	defer a.mu.RUnlock()

	users := a.byMessage[messageID]
	if len(users) == 0 {
		return []models.ReactionGroup{}
	}

	type item struct {
		user string
		reaction
	}
	items := make([]item, 0, len(users))
	for u, r := range users {
		items = append(items, item{user: u, reaction: r})
	}
	slices.SortFunc(items, func(x, y item) int { return cmp.Compare(x.seq, y.seq) })

	var groups []models.ReactionGroup
	index := make(map[string]int)
	for _, it := range items {
		i, ok := index[it.emoji]
		if !ok {
			i = len(groups)
			index[it.emoji] = i
			groups = append(groups, models.ReactionGroup{Emoji: it.emoji})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, it.user)
	}
	return groups
}

// ReactionsOf flattens CountsFor into individual reactions.
func (a *Aggregator) ReactionsOf(messageID string) []models.Reaction {
	var out []models.Reaction
	for _, g := range a.CountsFor(messageID) {
		for _, u := range g.Users {
			out = append(out, models.Reaction{MessageID: messageID, UserID: u, Emoji: g.Emoji})
		}
	}
	return out
}

// EmojiOf returns userID's current reaction on messageID.
func (a *Aggregator) EmojiOf(messageID, userID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.byMessage[messageID][userID]
	return r.emoji, ok
}

// Rekey moves reactions recorded under a local id to the confirmed server
// id. Reactions already recorded under the server id win.
func (a *Aggregator) Rekey(fromID, toID string) {
	if fromID == toID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	from, ok := a.byMessage[fromID]
	if !ok {
		return
	}
	delete(a.byMessage, fromID)
	to, ok := a.byMessage[toID]
	if !ok {
		a.byMessage[toID] = from
		return
	}
	for u, r := range from {
		if _, taken := to[u]; !taken {
			to[u] = r
		}
	}
}
