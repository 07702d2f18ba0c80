package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

type noopInterrupter struct{ interrupted []string }

func (n *noopInterrupter) InterruptAgent(_ context.Context, agentID string) {
	n.interrupted = append(n.interrupted, agentID)
}

type recordingBus struct{ events []string }

func (r *recordingBus) Emit(_, eventType string, _ any) { r.events = append(r.events, eventType) }

func newTestSupervisor(store store.Store, clock *time.Time) (*Supervisor, *noopInterrupter, *recordingBus) {
	interrupt := &noopInterrupter{}
	b := &recordingBus{}
	deps := Deps{
		Store:     store,
		Bus:       b,
		Interrupt: interrupt,
		Now:       func() time.Time { return *clock },
		NewID:     uuid.NewString,
	}
	return New(deps), interrupt, b
}

func setupWorkspace(t *testing.T, s store.Store) (string, store.WorkspaceDefaults, models.Agent) {
	t.Helper()
	ctx := context.Background()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	return ws, defaults, worker
}

func TestStartPausesOthersAndEnablesParticipants(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)

	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, b := newTestSupervisor(s, &now)

	run, err := sup.Start(ctx, StartInput{
		WorkspaceID: ws, Goal: "debate something", MaxDurationMs: 60_000, MaxTurns: 10,
		MaxTokenDelta: 100_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, run.Status)

	updatedWorker, err := s.GetAgent(ctx, worker.ID)
	require.NoError(t, err)
	assert.True(t, updatedWorker.AutoRun, "root-group member should have auto-run enabled")

	assert.Contains(t, b.events, "ui.task.started")

	active, ok := sup.ActiveRun(ws)
	require.True(t, ok)
	assert.Equal(t, run.ID, active.ID)
}

func TestStartReplacesExistingRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)

	first, err := sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "first", MaxDurationMs: 60_000, MaxTurns: 50, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	_, err = sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "second", MaxDurationMs: 60_000, MaxTurns: 50, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	replaced, err := s.GetTaskRunByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, replaced.Status)
	require.NotNil(t, replaced.StopReason)
	assert.Equal(t, models.StopManualReplaced, *replaced.StopReason)
}

func TestEvaluateStopsOnTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, b := newTestSupervisor(s, &now)

	run, err := sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "g", MaxDurationMs: 1000, MaxTurns: 100, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	now = run.DeadlineAt.Add(time.Millisecond)
	require.NoError(t, sup.Evaluate(ctx, ws))

	final, err := s.GetTaskRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, final.Status)
	require.NotNil(t, final.StopReason)
	assert.Equal(t, models.StopTimeout, *final.StopReason)
	assert.Contains(t, b.events, "ui.task.stopping")
	assert.Contains(t, b.events, "ui.task.stopped")

	_, ok := sup.ActiveRun(ws)
	assert.False(t, ok, "finalized run should be removed from the in-memory map")
}

func TestEvaluateStopsOnMaxTurns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)

	run, err := sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "g", MaxDurationMs: 600_000, MaxTurns: 2, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)
	_ = run

	require.NoError(t, sup.NoteTurn(ctx, ws, group.ID, worker.ID))
	require.NoError(t, sup.NoteTurn(ctx, ws, group.ID, worker.ID))

	final, ok, err := s.GetLatestTaskRun(ctx, ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TaskStopped, final.Status)
	require.NotNil(t, final.StopReason)
	assert.Equal(t, models.StopMaxTurns, *final.StopReason)
}

func TestEvaluateStopsOnIdle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)

	_, err = sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "g", MaxDurationMs: 600_000, MaxTurns: 1000, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	now = now.Add(91 * time.Second)
	require.NoError(t, sup.Evaluate(ctx, ws))

	final, ok, err := s.GetLatestTaskRun(ctx, ws)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, final.StopReason)
	assert.Equal(t, models.StopNoProgress, *final.StopReason)
}

func TestNoteMessageDetectsCompletionMarker(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)

	_, err = sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "g", MaxDurationMs: 600_000, MaxTurns: 1000, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	_, err = s.SendMessage(ctx, group.ID, worker.ID, "Here is the Final Summary of our work.", "text")
	require.NoError(t, err)
	sup.NoteMessage(ctx, ws, group.ID, worker.ID, "Here is the Final Summary of our work.")

	final, ok, err := s.GetLatestTaskRun(ctx, ws)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, final.StopReason)
	assert.Equal(t, models.StopGoalReached, *final.StopReason)

	review, ok, err := s.GetTaskReview(ctx, final.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, review.Verdict)
}

func TestRepeatedRatioDetectsNearDuplicateMessages(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := s.SendMessage(ctx, group.ID, worker.ID, "the quick brown fox jumps over the lazy dog", "text")
		require.NoError(t, err)
	}

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)
	_, err = sup.Start(ctx, StartInput{WorkspaceID: ws, Goal: "g", MaxDurationMs: 600_000, MaxTurns: 1000, MaxTokenDelta: 1_000_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID})
	require.NoError(t, err)

	require.NoError(t, sup.Evaluate(ctx, ws))

	final, ok, err := s.GetLatestTaskRun(ctx, ws)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, final.StopReason)
	assert.Equal(t, models.StopRepeatedOutput, *final.StopReason)
}

func TestHeuristicReviewFallbackProducesClampedScore(t *testing.T) {
	run := models.TaskRun{
		ID:         "run-1",
		StopReason: stopReasonPtr(models.StopRepeatedOutput),
		Metrics:    models.TaskMetrics{RepeatedRatio: 1.0},
	}
	review := heuristicReview(run)
	assert.GreaterOrEqual(t, review.Score.Overall, 0.0)
	assert.LessOrEqual(t, review.Score.Overall, 100.0)
	assert.NotEmpty(t, review.Verdict)
}

func TestParseReviewStripsMarkdownFencesAndClampsScores(t *testing.T) {
	raw := "```json\n" + `{"score":{"completion":150,"relevance":-10,"clarity":80,"nonRedundancy":70,"safety":90,"overall":0},"verdict":"pass","highlights":["a"],"issues":[],"nextActions":[],"narrative":"n"}` + "\n```"
	review, ok := parseReview(raw, "run-2")
	require.True(t, ok)
	assert.Equal(t, 100.0, review.Score.Completion)
	assert.Equal(t, 0.0, review.Score.Relevance)
	assert.InDelta(t, (100.0+0.0+80.0+70.0+90.0)/5.0, review.Score.Overall, 0.01)
}

func TestBootstrapRehydratesRunningTask(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws, defaults, worker := setupWorkspace(t, s)
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Hour)
	run := models.TaskRun{
		ID: uuid.NewString(), WorkspaceID: ws, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID,
		Goal: "resume me", Status: models.TaskRunning, Budget: models.DefaultTaskBudget(),
		StartAt: time.Now(), DeadlineAt: deadline,
	}
	require.NoError(t, s.CreateTaskRun(ctx, run))

	now := time.Now()
	sup, _, _ := newTestSupervisor(s, &now)
	require.NoError(t, sup.Bootstrap(ctx))

	active, ok := sup.ActiveRun(ws)
	require.True(t, ok)
	assert.Equal(t, run.ID, active.ID)
	assert.Equal(t, deadline, active.DeadlineAt, "bootstrap must preserve the existing deadline, not shift it")
}

func stopReasonPtr(r models.StopReason) *models.StopReason { return &r }
