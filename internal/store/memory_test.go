package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/pkg/models"
)

func newTestAgent(t *testing.T, s *MemoryStore, ws string, kind models.AgentKind) models.Agent {
	t.Helper()
	a := models.Agent{WorkspaceID: ws, Role: string(kind), Kind: kind, AutoRun: kind != models.KindSystemHuman}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	all, err := s.ListAgents(context.Background(), AgentFilter{WorkspaceID: ws, IncludeDeleted: true})
	require.NoError(t, err)
	for _, cand := range all {
		if cand.Role == a.Role && cand.Kind == a.Kind {
			a = cand
		}
	}
	return a
}

func TestPairwiseDedupMerge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ws := "w1"
	a := newTestAgent(t, s, ws, models.KindWorker)
	b := newTestAgent(t, s, ws, models.KindWorker)

	g1, err := s.CreateGroup(ctx, CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	g2, err := s.CreateGroup(ctx, CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)

	m1, err := s.SendMessage(ctx, g1.ID, a.ID, "m1", "text")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, g1.ID, b.ID, "m2", "text")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, g2.ID, a.ID, "m3", "text")
	require.NoError(t, err)

	name := "chat"
	keepID, err := s.MergeDuplicateExactP2PGroups(ctx, ws, a.ID, b.ID, &name)
	require.NoError(t, err)

	msgs, err := s.GetGroupMessages(ctx, keepID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Content)
	assert.Equal(t, "m3", msgs[2].Content)
	assert.True(t, msgs[0].SendTime.Equal(m1.SendTime) || msgs[0].SendTime.Before(msgs[1].SendTime))

	keep, err := s.GetGroup(ctx, keepID)
	require.NoError(t, err)
	require.NotNil(t, keep.Name)
	assert.Equal(t, "chat", *keep.Name)

	loser := g1.ID
	if keepID == g1.ID {
		loser = g2.ID
	}
	loserGroup, err := s.GetGroup(ctx, loser)
	require.NoError(t, err)
	assert.True(t, loserGroup.IsDeleted())
}

func TestSendDirectMessageNewGroupDoesNotAddHuman(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ws := "w1"
	_ = newTestAgent(t, s, ws, models.KindSystemHuman)
	x := newTestAgent(t, s, ws, models.KindWorker)
	y := newTestAgent(t, s, ws, models.KindWorker)

	result, err := s.SendDirectMessage(ctx, SendDirectMessageInput{
		WorkspaceID: ws, From: x.ID, To: y.ID, Content: "hi", ContentType: "text",
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelNewGroup, result.Channel)

	members, err := s.ListGroupMembers(ctx, result.GroupID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	ids := map[string]bool{members[0].AgentID: true, members[1].AgentID: true}
	assert.True(t, ids[x.ID])
	assert.True(t, ids[y.ID])

	msgs, err := s.GetGroupMessages(ctx, result.GroupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, x.ID, msgs[0].SenderID)
}

func TestSendDirectMessageReusesExistingGroup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ws := "w1"
	x := newTestAgent(t, s, ws, models.KindWorker)
	y := newTestAgent(t, s, ws, models.KindWorker)

	first, err := s.SendDirectMessage(ctx, SendDirectMessageInput{WorkspaceID: ws, From: x.ID, To: y.ID, Content: "one"})
	require.NoError(t, err)
	assert.Equal(t, ChannelNewGroup, first.Channel)

	second, err := s.SendDirectMessage(ctx, SendDirectMessageInput{WorkspaceID: ws, From: y.ID, To: x.ID, Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, ChannelReuseExisting, second.Channel)
	assert.Equal(t, first.GroupID, second.GroupID)
}

func TestBulkSoftDeleteGarbageCollection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ws := "w1"
	h := newTestAgent(t, s, ws, models.KindSystemHuman)
	a := newTestAgent(t, s, ws, models.KindWorker)
	b := newTestAgent(t, s, ws, models.KindWorker)

	_, err := s.CreateGroup(ctx, CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{h.ID, a.ID}})
	require.NoError(t, err)
	g2, err := s.CreateGroup(ctx, CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)

	result, err := s.BulkSoftDeleteAgents(ctx, BulkAgentFilter{WorkspaceID: ws, IncludeKinds: []models.AgentKind{models.KindWorker}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, result.AffectedIDs)

	orphans, err := s.SoftDeleteOrphanGroups(ctx, ws)
	require.NoError(t, err)
	assert.Contains(t, orphans.AffectedIDs, g2.ID)

	g2After, err := s.GetGroup(ctx, g2.ID)
	require.NoError(t, err)
	assert.True(t, g2After.IsDeleted())
}

func TestEnsureWorkspaceDefaultsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.EnsureWorkspaceDefaults(ctx, "w1")
	require.NoError(t, err)
	second, err := s.EnsureWorkspaceDefaults(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestListUnreadByGroupExcludesSenderAndRespectsCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ws := "w1"
	a := newTestAgent(t, s, ws, models.KindWorker)
	b := newTestAgent(t, s, ws, models.KindWorker)
	g, err := s.CreateGroup(ctx, CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)

	m1, err := s.SendMessage(ctx, g.ID, a.ID, "first", "text")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, g.ID, b.ID, "second", "text")
	require.NoError(t, err)

	batches, err := s.ListUnreadByGroup(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)
	assert.Equal(t, "first", batches[0].Messages[0].Content)

	require.NoError(t, s.MarkGroupReadToMessage(ctx, g.ID, b.ID, m1.ID))
	batches, err = s.ListUnreadByGroup(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
