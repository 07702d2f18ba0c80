package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/tooling"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// fakeClient replays a fixed queue of snapshots, one per Stream call, as
// a single EventDone — good enough for exercising the runner's round
// bookkeeping without re-testing modelclient's own chunk-diffing.
type fakeClient struct {
	mu    sync.Mutex
	snaps []modelclient.Snapshot
	calls int32
}

func (f *fakeClient) Stream(_ context.Context, _ modelclient.Request) (<-chan modelclient.Event, error) {
	f.mu.Lock()
	idx := int(atomic.AddInt32(&f.calls, 1)) - 1
	var snap modelclient.Snapshot
	if idx < len(f.snaps) {
		snap = f.snaps[idx]
	}
	f.mu.Unlock()

	ch := make(chan modelclient.Event, 1)
	ch <- modelclient.Event{Kind: modelclient.EventDone, Final: &snap}
	close(ch)
	return ch, nil
}

func (f *fakeClient) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

func seedDefaultProfile(s *store.MemoryStore, ws string) {
	s.PutModelProfile(models.ModelProfile{
		WorkspaceID: ws, Provider: "openai-compatible", Model: "test-model",
		BaseURL: "http://upstream.example", APIKey: "k", Default: true,
	})
}

func newTestDeps(t *testing.T, s store.Store, client modelclient.Client) Deps {
	t.Helper()
	dispatcher := tooling.NewDispatcher(tooling.Deps{
		Store: s,
		Shell: tooling.ShellPolicy{WorkspaceRoot: t.TempDir(), DefaultTimeout: time.Second, MaxOutputBytes: 1024},
		Now:   time.Now, NewID: uuid.NewString,
	}, nil)
	return Deps{
		Store:      s,
		Dispatcher: dispatcher,
		Streams:    bus.NewAgentStreams(),
		Clients:    map[modelclient.Dialect]modelclient.Client{modelclient.DialectOpenAICompatible: client},
		Skills:     func() string { return "" },
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

func seedGroupMessage(t *testing.T, s store.Store, ws string, sender, recipient models.Agent) (models.Group, models.Message) {
	t.Helper()
	ctx := context.Background()
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{sender.ID, recipient.ID}})
	require.NoError(t, err)
	msg, err := s.SendMessage(ctx, group.ID, sender.ID, "hello there", "text")
	require.NoError(t, err)
	return group, msg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDrainSkipsHumanAgent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)

	fc := &fakeClient{}
	r := New(defaults.HumanAgentID, newTestDeps(t, s, fc))
	r.Wakeup(ReasonManual)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fc.callCount())
}

func TestDrainProcessesUnreadAndPersistsHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	humanAgent, err := s.GetAgent(ctx, defaults.HumanAgentID)
	require.NoError(t, err)
	_, _ = seedGroupMessage(t, s, ws, humanAgent, worker)

	fc := &fakeClient{snaps: []modelclient.Snapshot{
		{Content: "got it, nothing to do"},
	}}
	r := New(worker.ID, newTestDeps(t, s, fc))
	r.Wakeup(ReasonGroupMessage)

	waitFor(t, time.Second, func() bool { return fc.callCount() >= 2 })
	// runWithTools produced no send tool call, so processGroupUnread
	// issues the reminder round too: 2 model calls total.

	updated, err := s.GetAgent(ctx, worker.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.History)

	foundAssistant := false
	for _, e := range updated.History {
		if e.Role == models.RoleAssistant && e.Content == "got it, nothing to do" {
			foundAssistant = true
		}
	}
	assert.True(t, foundAssistant)
}

func TestRunWithToolsDispatchesToolCallsAndDetectsSend(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	humanAgent, err := s.GetAgent(ctx, defaults.HumanAgentID)
	require.NoError(t, err)
	group, _ := seedGroupMessage(t, s, ws, humanAgent, worker)

	fc := &fakeClient{snaps: []modelclient.Snapshot{
		{ToolCalls: []modelclient.ToolCallDelta{{ID: "call-1", Name: "send_group_message",
			ArgumentsText: `{"groupId":"` + group.ID + `","content":"ack"}`}}},
		{Content: "sent the ack"},
	}}
	deps := newTestDeps(t, s, fc)
	r := New(worker.ID, deps)

	hist, content, _, didSend, err := r.runWithTools(ctx, group, worker, nil)
	require.NoError(t, err)
	assert.True(t, didSend)
	assert.Equal(t, "sent the ack", content)

	var sawToolEntry bool
	for _, e := range hist {
		if e.Role == models.RoleTool && e.ToolName == "send_group_message" {
			sawToolEntry = true
		}
	}
	assert.True(t, sawToolEntry)
}

func TestRunWithToolsStopsAtRoundBudget(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true}
	require.NoError(t, s.CreateAgent(ctx, worker))
	group, err := s.CreateGroup(ctx, store.CreateGroupInput{WorkspaceID: ws, MemberIDs: []string{worker.ID, defaults.HumanAgentID}})
	require.NoError(t, err)

	loopingCall := modelclient.ToolCallDelta{ID: "call-x", Name: "self", ArgumentsText: "{}"}
	fc := &fakeClient{snaps: []modelclient.Snapshot{
		{ToolCalls: []modelclient.ToolCallDelta{loopingCall}},
		{ToolCalls: []modelclient.ToolCallDelta{loopingCall}},
		{ToolCalls: []modelclient.ToolCallDelta{loopingCall}},
		{ToolCalls: []modelclient.ToolCallDelta{loopingCall}},
	}}
	r := New(worker.ID, newTestDeps(t, s, fc))

	_, _, _, _, err = r.runWithTools(ctx, group, worker, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fc.callCount(), "bounded at 3 tool-rounds per call")
}

func TestWakeupCoalescesConcurrentSignals(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	humanAgent, err := s.GetAgent(ctx, defaults.HumanAgentID)
	require.NoError(t, err)
	_, _ = seedGroupMessage(t, s, ws, humanAgent, worker)

	fc := &fakeClient{snaps: []modelclient.Snapshot{{Content: "ok"}, {Content: "ok"}}}
	r := New(worker.ID, newTestDeps(t, s, fc))

	for i := 0; i < 10; i++ {
		r.Wakeup(ReasonManual)
	}

	waitFor(t, time.Second, func() bool { return fc.callCount() >= 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, fc.callCount(), "N rapid wakes should coalesce into one drain")
}

func TestRequestInterruptStopsBeforeNextBatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ws := "ws1"
	defaults, err := s.EnsureWorkspaceDefaults(ctx, ws)
	require.NoError(t, err)
	seedDefaultProfile(s, ws)

	worker := models.Agent{ID: uuid.NewString(), WorkspaceID: ws, Role: "worker", Kind: models.KindWorker, AutoRun: true, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, worker))
	humanAgent, err := s.GetAgent(ctx, defaults.HumanAgentID)
	require.NoError(t, err)
	_, _ = seedGroupMessage(t, s, ws, humanAgent, worker)

	fc := &fakeClient{}
	r := New(worker.ID, newTestDeps(t, s, fc))
	r.RequestInterrupt()
	r.Wakeup(ReasonManual)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fc.callCount(), "an interrupt observed at drain entry skips the batch entirely")
}
