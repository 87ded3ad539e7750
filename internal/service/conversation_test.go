package service

import (
	"context"
	"testing"

	"parley/internal/apperr"
	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b, c := e.user(t, "alice"), e.user(t, "bob"), e.user(t, "carol")
	e.befriend(t, a, b)

	direct, err := e.messages.SendDirect(ctx, DirectMessageCommand{SenderID: a.ID, RecipientID: b.ID, Content: text("hi")})
	require.NoError(t, err)
	group, err := e.groups.Create(ctx, a.ID, CreateGroupCommand{Name: "team", Members: []uint{b.ID, c.ID}})
	require.NoError(t, err)
	e.presence.set(b.ID, true)

	list, err := e.convs.List(ctx, a.ID)
	require.NoError(t, err)
	ids := make([]uint, 0, len(list))
	for _, v := range list {
		ids = append(ids, v.ID)
		if v.ID == direct.ConversationID {
			assert.Equal(t, models.KindDirect, v.Kind)
			require.NotNil(t, v.LastMessage)
			assert.Equal(t, "hi", *v.LastMessage.Content)
			require.Len(t, v.Participants, 2)
			for _, p := range v.Participants {
				if p.UserID == b.ID {
					assert.True(t, p.Online)
				}
			}
		}
	}
	assert.ElementsMatch(t, []uint{direct.ConversationID, group.ID}, ids)

	list, err = e.convs.List(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Name)
	assert.Equal(t, "team", *list[0].Name)
}

func TestConversationOpenAndDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b, eve := e.user(t, "alice"), e.user(t, "bob"), e.user(t, "eve")
	e.befriend(t, a, b)

	res, err := e.messages.SendDirect(ctx, DirectMessageCommand{SenderID: a.ID, RecipientID: b.ID, Content: text("hi")})
	require.NoError(t, err)

	_, err = e.convs.Open(ctx, eve.ID, res.ConversationID)
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
	assert.ErrorIs(t, e.convs.Delete(ctx, eve.ID, res.ConversationID), apperr.ErrNotParticipant)
	assert.ErrorIs(t, e.convs.Delete(ctx, a.ID, 9999), apperr.ErrConversationNotFound)

	require.NoError(t, e.convs.Delete(ctx, a.ID, res.ConversationID))
	list, err := e.convs.List(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	// opening the conversation brings it back into the caller's list
	_, err = e.convs.Open(ctx, a.ID, res.ConversationID)
	require.NoError(t, err)
	list, err = e.convs.List(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
