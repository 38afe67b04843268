package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/errand/pkg/conversation"
)

func TestConversationStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "c1", "weekend")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	turns := []conversation.Turn{
		conversation.RequesterText("add groceries"),
		{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
			conversation.InvocationBlock("call_1", "create_todo", map[string]any{"title": "Groceries"}),
		}},
		{Role: conversation.RoleRequester, Blocks: []conversation.Block{
			conversation.OutcomeBlock("call_1", "create_todo", map[string]any{"kind": "todo", "title": "Groceries"}),
		}},
		conversation.AssistantText("Added \"Groceries\"."),
	}
	require.NoError(t, store.AppendTurns(ctx, "c1", 0, turns[:2]))
	require.NoError(t, store.AppendTurns(ctx, "c1", 2, turns[2:]))

	loaded, err := store.LoadTurns(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	require.NoError(t, conversation.ValidateSequence(loaded))
	assert.Equal(t, "Groceries", loaded[2].Blocks[0].Payload["title"])
	assert.Equal(t, "call_1", loaded[1].Blocks[0].InvocationID)

	got, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.TurnCount)

	// An empty payload is still a success outcome after a reload.
	_, err = store.CreateConversation(ctx, "c2", "")
	require.NoError(t, err)
	empty := []conversation.Turn{
		conversation.RequesterText("clear completed"),
		{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
			conversation.InvocationBlock("a", "t", map[string]any{}),
		}},
		{Role: conversation.RoleRequester, Blocks: []conversation.Block{
			conversation.OutcomeBlock("a", "t", map[string]any{}),
		}},
		conversation.AssistantText("Done."),
	}
	require.NoError(t, store.AppendTurns(ctx, "c2", 0, empty))

	loaded, err = store.LoadTurns(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	require.NoError(t, conversation.ValidateSequence(loaded))
	require.NotNil(t, loaded[2].Blocks[0].Payload)
	assert.Empty(t, loaded[2].Blocks[0].Payload)
	assert.Nil(t, loaded[2].Blocks[0].Failure)
}

func TestConversationStore_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateConversation(ctx, "c1", "")
	require.NoError(t, err)

	_, err = store.CreateConversation(ctx, "c1", "")
	assert.True(t, errors.Is(err, ErrConflict), "duplicate create: %v", err)

	require.NoError(t, store.AppendTurns(ctx, "c1", 0, []conversation.Turn{conversation.RequesterText("a")}))
	err = store.AppendTurns(ctx, "c1", 0, []conversation.Turn{conversation.RequesterText("b")})
	assert.True(t, errors.Is(err, ErrConflict), "stale append: %v", err)
}

func TestConversationStore_Missing(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.GetConversation(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, conv)
}
