// Package chatlist derives the conversation list shown to the user.
package chatlist

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"im-client/internal/models"
)

// Project drops archived conversations, keeps those whose participant name
// or last message contains query (Unicode case-insensitive) and orders the
// result pinned first, then by last activity, newest first. Ties keep the
// input order. The input slice is not modified.
func Project(views []models.ConversationView, query string) []models.ConversationView {
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(query))

	out := make([]models.ConversationView, 0, len(views))
	for _, v := range views {
		if v.IsArchived {
			continue
		}
		if needle != "" && !matches(fold, v, needle) {
			continue
		}
		out = append(out, v)
	}

	slices.SortStableFunc(out, func(a, b models.ConversationView) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return out
}

func matches(fold cases.Caser, v models.ConversationView, needle string) bool {
	return strings.Contains(fold.String(v.ParticipantName), needle) ||
		strings.Contains(fold.String(v.LastMessageText), needle)
}
