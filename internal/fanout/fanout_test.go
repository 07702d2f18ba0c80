package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

type recordingWaker struct {
	groupID, senderID string
	called            bool
}

func (w *recordingWaker) WakeAgentsForGroup(ctx context.Context, groupID, senderID string, msg *models.Message) {
	w.called = true
	w.groupID, w.senderID = groupID, senderID
}

type recordingNotifier struct {
	content string
	called  bool
}

func (n *recordingNotifier) NoteMessage(ctx context.Context, workspaceID, groupID, senderID, content string) {
	n.called = true
	n.content = content
}

func TestAfterSendEmitsWakesAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	_, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)

	a := models.Agent{WorkspaceID: ws, Kind: models.KindWorker, Role: "a"}
	b := models.Agent{WorkspaceID: ws, Kind: models.KindWorker, Role: "b"}
	require.NoError(t, s.CreateAgent(ctx, a))
	require.NoError(t, s.CreateAgent(ctx, b))
	agents, err := s.ListAgents(ctx, store.AgentFilter{WorkspaceID: ws, Kinds: []models.AgentKind{models.KindWorker}})
	require.NoError(t, err)
	require.Len(t, agents, 2)

	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{agents[0].ID, agents[1].ID}})
	require.NoError(t, err)
	msg, err := s.SendMessage(ctx, group.ID, agents[0].ID, "hello", "text")
	require.NoError(t, err)

	b2 := bus.New(8)
	waker := &recordingWaker{}
	notifier := &recordingNotifier{}
	fo := New(s, waker, notifier, b2)

	require.NoError(t, fo.AfterSend(ctx, ws, group.ID, agents[0].ID, msg))

	assert.True(t, waker.called)
	assert.Equal(t, group.ID, waker.groupID)
	assert.Equal(t, agents[0].ID, waker.senderID)
	assert.True(t, notifier.called)
	assert.Equal(t, "hello", notifier.content)

	events := b2.Since(ws, 0)
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventMessageCreated, events[0].Type)
}
