package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
	chat "github.com/zhouzirui/copilot-relay/backend/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	err := svc.Register(ctx, &model.Session{ConnID: "conn-1", User: "ada@example.com", ConversationID: "c1"})
	require.NoError(t, err)

	got, err := svc.GetSession(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.User)
	assert.Equal(t, "c1", got.ConversationID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := chat.NewService()

	_, err := svc.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestServiceRegisterRejectsDuplicates(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, &model.Session{ConnID: "conn-1"}))
	assert.ErrorIs(t, svc.Register(ctx, &model.Session{ConnID: "conn-1"}), chat.ErrSessionExists)
	assert.ErrorIs(t, svc.Register(ctx, &model.Session{}), chat.ErrConnIDRequired)
	assert.ErrorIs(t, svc.Register(ctx, nil), chat.ErrConnIDRequired)
}

func TestServiceRemoveOnlyTouchesOwnConnection(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, &model.Session{ConnID: "a", User: "alice"}))
	require.NoError(t, svc.Register(ctx, &model.Session{ConnID: "b", User: "bob"}))

	removed, ok := svc.Remove(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "alice", removed.User)

	_, ok = svc.Remove(ctx, "a")
	assert.False(t, ok)

	b, err := svc.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "bob", b.User)
	assert.Equal(t, 1, svc.Count())
}

func TestServiceConcurrentAccess(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			assert.NoError(t, svc.Register(ctx, &model.Session{ConnID: id}))
			_, err := svc.GetSession(ctx, id)
			assert.NoError(t, err)
			if i%2 == 0 {
				svc.Remove(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, svc.Count())
}
