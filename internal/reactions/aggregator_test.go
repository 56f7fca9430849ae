package reactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-client/internal/apperrors"
	"im-client/internal/models"
)

func TestToggleTwiceRestoresOriginal(t *testing.T) {
	a := NewAggregator()
	_, err := a.Toggle("m1", "bob", "👍")
	require.NoError(t, err)
	before := a.CountsFor("m1")

	r, err := a.Toggle("m1", "alice", "❤️")
	require.NoError(t, err)
	assert.Equal(t, Added, r)
	r, err = a.Toggle("m1", "alice", "❤️")
	require.NoError(t, err)
	assert.Equal(t, Removed, r)

	assert.Equal(t, before, a.CountsFor("m1"))
}

func TestSecondEmojiReplacesFirst(t *testing.T) {
	a := NewAggregator()
	_, _ = a.Toggle("m1", "alice", "❤️")
	r, err := a.Toggle("m1", "alice", "👍")
	require.NoError(t, err)
	assert.Equal(t, Replaced, r)

	assert.Equal(t, []models.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{"alice"}}}, a.CountsFor("m1"))
	emoji, ok := a.EmojiOf("m1", "alice")
	assert.True(t, ok)
	assert.Equal(t, "👍", emoji)
}

func TestCountsForIsInsertionStable(t *testing.T) {
	a := NewAggregator()
	_, _ = a.Toggle("m1", "u1", "😂")
	_, _ = a.Toggle("m1", "u2", "❤️")
	_, _ = a.Toggle("m1", "u3", "😂")
	_, _ = a.Toggle("m1", "u4", "❤️")
	_, _ = a.Toggle("m2", "u1", "👍")

	assert.Equal(t, []models.ReactionGroup{
		{Emoji: "😂", Count: 2, Users: []string{"u1", "u3"}},
		{Emoji: "❤️", Count: 2, Users: []string{"u2", "u4"}},
	}, a.CountsFor("m1"))

	assert.Len(t, a.ReactionsOf("m1"), 4)
	assert.Empty(t, a.CountsFor("unknown"))
}

func TestRekey(t *testing.T) {
	a := NewAggregator()
	_, _ = a.Toggle("local-1", "alice", "🔥")
	a.Rekey("local-1", "srv-1")

	assert.Empty(t, a.CountsFor("local-1"))
	assert.Equal(t, 1, a.CountsFor("srv-1")[0].Count)
}

func TestToggleValidates(t *testing.T) {
	a := NewAggregator()
	_, err := a.Toggle("m1", "alice", "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}
