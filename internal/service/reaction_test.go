package service

import (
	"context"
	"testing"

	"parley/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReact_DirectConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b, c := e.user(t, "alice"), e.user(t, "bob"), e.user(t, "carol")
	e.befriend(t, a, b)

	res, err := e.messages.SendDirect(ctx, DirectMessageCommand{SenderID: a.ID, RecipientID: b.ID, Content: text("hi")})
	require.NoError(t, err)

	got, err := e.reactions.React(ctx, b.ID, ReactCommand{MessageID: res.Message.ID, Emoji: "👍"})
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, got.ConversationID)
	assert.Len(t, e.em.find(EventMessageReaction, a.ID, false), 1)
	assert.Len(t, e.em.find(EventMessageReaction, b.ID, false), 1)

	notes := e.notifications(t, a.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, "bob reacted 👍 to your message", notes[0].Content)

	_, err = e.reactions.React(ctx, b.ID, ReactCommand{MessageID: res.Message.ID, Emoji: "🎉"})
	require.NoError(t, err)
	list, err := e.reactions.List(ctx, a.ID, res.Message.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "🎉", list[0].Emoji)

	_, err = e.reactions.React(ctx, c.ID, ReactCommand{MessageID: res.Message.ID, Emoji: "👀"})
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
	_, err = e.reactions.React(ctx, b.ID, ReactCommand{MessageID: 999, Emoji: "👀"})
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	require.NoError(t, e.reactions.Unreact(ctx, b.ID, res.Message.ID))
	list, err = e.reactions.List(ctx, a.ID, res.Message.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReact_GroupBroadcastsToRoom(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.user(t, "alice"), e.user(t, "bob")

	g, err := e.groups.Create(ctx, a.ID, CreateGroupCommand{Name: "team", Members: []uint{b.ID}})
	require.NoError(t, err)
	res, err := e.messages.SendGroup(ctx, GroupMessageCommand{SenderID: a.ID, GroupID: g.ID, Content: text("hello")})
	require.NoError(t, err)

	_, err = e.reactions.React(ctx, a.ID, ReactCommand{MessageID: res.Message.ID, Emoji: "❤"})
	require.NoError(t, err)
	assert.Len(t, e.em.find(EventMessageReaction, g.ID, true), 1)
	assert.Empty(t, e.notifications(t, a.ID))
}
