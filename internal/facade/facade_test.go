package facade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/runner"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/supervisor"
	"github.com/haasonsaas/swarmcore/internal/tooling"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// silentClient answers every Stream call with an immediately-final,
// contentless snapshot: enough to let a runner's drain loop complete a
// round without asserting anything about model output.
type silentClient struct {
	mu    sync.Mutex
	calls int
}

func (c *silentClient) Stream(_ context.Context, _ modelclient.Request) (<-chan modelclient.Event, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	ch := make(chan modelclient.Event, 1)
	snap := modelclient.Snapshot{Content: "ok"}
	ch <- modelclient.Event{Kind: modelclient.EventDone, Final: &snap}
	close(ch)
	return ch, nil
}

func (c *silentClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestFacade(t *testing.T, s store.Store, client modelclient.Client) (*Facade, *supervisor.Supervisor) {
	t.Helper()
	dispatcher := tooling.NewDispatcher(tooling.Deps{
		Store: s,
		Shell: tooling.ShellPolicy{WorkspaceRoot: t.TempDir(), DefaultTimeout: time.Second, MaxOutputBytes: 1024},
		Now:   time.Now, NewID: uuid.NewString,
	}, nil)

	runnerDeps := runner.Deps{
		Store:      s,
		Dispatcher: dispatcher,
		Streams:    bus.NewAgentStreams(),
		Clients:    map[modelclient.Dialect]modelclient.Client{modelclient.DialectOpenAICompatible: client},
		Skills:     func() string { return "" },
		Now:        time.Now,
		NewID:      uuid.NewString,
	}

	f := New(Deps{Store: s, RunnerDeps: runnerDeps})
	now := time.Now()
	sup := supervisor.New(supervisor.Deps{
		Store: s, Interrupt: f,
		Clients: map[modelclient.Dialect]modelclient.Client{modelclient.DialectOpenAICompatible: client},
		Now:     func() time.Time { return now }, NewID: uuid.NewString,
	})
	f.SetSupervisor(sup)
	return f, sup
}

func seedDefaultProfile(s *store.MemoryStore, ws string) {
	s.PutModelProfile(models.ModelProfile{
		WorkspaceID: ws, Provider: "openai-compatible", Model: "test-model",
		BaseURL: "http://upstream.example", APIKey: "k", Default: true,
	})
}

func TestWakeAgentSkipsHumanDeletedAndPausedAgents(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	f, _ := newTestFacade(t, s, &silentClient{})

	f.WakeAgent(ctx, defaults.HumanAgentID, runner.ReasonManual)
	_, exists := f.runnerIfExists(defaults.HumanAgentID)
	assert.False(t, exists, "human agent must never get a runner")

	paused := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: false, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, paused))
	f.WakeAgent(ctx, paused.ID, runner.ReasonManual)
	_, exists = f.runnerIfExists(paused.ID)
	assert.False(t, exists, "non-auto-run agent must never get a runner")

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	f.WakeAgent(ctx, worker.ID, runner.ReasonManual)
	_, exists = f.runnerIfExists(worker.ID)
	assert.True(t, exists, "eligible agent should have a runner ensured")
}

func TestWakeAgentsForGroupSkipsGameKindAndSender(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))

	chatGroup, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}, Kind: models.GroupChat})
	require.NoError(t, err)

	f, _ := newTestFacade(t, s, &silentClient{})

	f.WakeAgentsForGroup(ctx, chatGroup.ID, defaults.HumanAgentID, nil)
	_, exists := f.runnerIfExists(worker.ID)
	assert.True(t, exists, "non-sender auto-run member should be woken")

	gameGroup, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}, Kind: models.GroupKind("game_bluff")})
	require.NoError(t, err)
	f2, _ := newTestFacade(t, s, &silentClient{})
	f2.WakeAgentsForGroup(ctx, gameGroup.ID, defaults.HumanAgentID, nil)
	_, exists = f2.runnerIfExists(worker.ID)
	assert.False(t, exists, "game-kind groups run their own loop and must not be woken here")
}

func TestInterruptAgentRequiresExistingRunner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	_, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))

	f, _ := newTestFacade(t, s, &silentClient{})

	assert.NotPanics(t, func() { f.InterruptAgent(ctx, worker.ID) })

	f.WakeAgent(ctx, worker.ID, runner.ReasonManual)
	r, ok := f.runnerIfExists(worker.ID)
	require.True(t, ok)
	f.InterruptAgent(ctx, worker.ID)
	_ = r
}

func TestTerminateAllPausesAndInterrupts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))

	f, _ := newTestFacade(t, s, &silentClient{})
	f.WakeAgent(ctx, worker.ID, runner.ReasonManual)

	res, err := f.TerminateAll(ctx, TerminateFilter{WorkspaceID: ws})
	require.NoError(t, err)
	assert.Contains(t, res.AffectedIDs, worker.ID)
	assert.NotContains(t, res.AffectedIDs, defaults.HumanAgentID, "system_human is never affected by bulk ops")

	updated, err := s.GetAgent(ctx, worker.ID)
	require.NoError(t, err)
	assert.False(t, updated.AutoRun)
}

func TestSoftDeleteAllGarbageCollectsOrphanGroups(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.HumanAgentID, worker.ID}})
	require.NoError(t, err)

	f, _ := newTestFacade(t, s, &silentClient{})
	_, err = f.SoftDeleteAll(ctx, TerminateFilter{WorkspaceID: ws})
	require.NoError(t, err)

	updated, err := s.GetAgent(ctx, worker.ID)
	assert.Error(t, err, "soft-deleted agent is excluded from GetAgent by default")
	_ = updated

	g, err := s.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.NotNil(t, g.DeletedAt, "group with only a human member left should be garbage-collected")
}

func TestStartTaskRunWakesOwnerAndGroupMembers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{defaults.AssistantAgentID, worker.ID}})
	require.NoError(t, err)

	f, sup := newTestFacade(t, s, &silentClient{})

	run, err := f.StartTaskRun(ctx, supervisor.StartInput{
		WorkspaceID: ws, Goal: "debate", MaxDurationMs: 60_000, MaxTurns: 10,
		MaxTokenDelta: 100_000, RootGroupID: group.ID, OwnerAgentID: defaults.AssistantAgentID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, run.Status)

	_, ok := f.runnerIfExists(defaults.AssistantAgentID)
	assert.True(t, ok, "owner should be woken on start")
	_, ok = f.runnerIfExists(worker.ID)
	assert.True(t, ok, "root-group member should be woken on start")

	active, ok, err := f.GetActiveTaskRun(ctx, ws)
	_ = active
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.StopTaskRun(ctx, ws, models.StopManual))
	_, ok = sup.ActiveRun(ws)
	require.False(t, ok, "stop finalizes synchronously and removes the in-memory run")
	stopped, err := s.GetTaskRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, stopped.Status)
}

func TestGetActiveTaskRunFallsBackToPersistedRow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	_, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	run := models.TaskRun{ID: uuid.NewString(), WorkspaceID: ws, Status: models.TaskRunning, StartAt: time.Now(), DeadlineAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateTaskRun(ctx, run))

	f := New(Deps{Store: s})
	got, ok, err := f.GetActiveTaskRun(ctx, ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, run.ID, got.ID)
}

func TestBootstrapEnsuresRunnersForAutoRunAgentsOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	autoWorker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, autoWorker))
	pausedWorker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: false, CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, pausedWorker))

	f, _ := newTestFacade(t, s, &silentClient{})
	require.NoError(t, f.Bootstrap(ctx, ws))

	_, ok := f.runnerIfExists(autoWorker.ID)
	assert.True(t, ok)
	_, ok = f.runnerIfExists(pausedWorker.ID)
	assert.False(t, ok)
	_, ok = f.runnerIfExists(defaults.HumanAgentID)
	assert.False(t, ok)
}
