package models

// Reaction is one user's emoji on one message.
type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// ReactionGroup is aggregated reaction info for display.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"` // user IDs, in reaction order
}
