package facade

import (
	"context"

	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/runner"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/supervisor"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// TerminateFilter narrows TerminateAll / SoftDeleteAll (spec §4.5's
// `{workspace, includeKinds?, excludeKinds?}` input).
type TerminateFilter struct {
	WorkspaceID  string
	IncludeKinds []models.AgentKind
	ExcludeKinds []models.AgentKind
}

// ensureRunner returns the existing runner for agentID or constructs
// and registers one. It never starts the loop goroutine itself — that
// happens lazily on the runner's first Wakeup or RequestInterrupt
// (spec §4.1).
func (f *Facade) ensureRunner(agentID string) *runner.Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runners[agentID]; ok {
		return r
	}
	r := runner.New(agentID, f.deps.RunnerDeps)
	f.runners[agentID] = r
	f.setActiveRunnersMetricLocked()
	return r
}

// runnerIfExists returns the runner for agentID without constructing
// one, for interrupt paths that should never spin up a fresh worker
// just to tell it to stop.
func (f *Facade) runnerIfExists(agentID string) (*runner.Runner, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[agentID]
	return r, ok
}

// WakeAgent implements spec §4.5 wakeAgent: no-op for a human, deleted,
// or non-auto-run agent; otherwise ensures the runner exists and wakes
// it with reason.
func (f *Facade) WakeAgent(ctx context.Context, agentID, reason string) {
	agent, err := f.deps.Store.GetAgent(ctx, agentID)
	if err != nil || agent.IsDeleted() || agent.IsHuman() || !agent.AutoRun {
		return
	}
	f.ensureRunner(agentID).Wakeup(reason)
}

// WakeAgentsForGroup implements fanout.Waker (spec §4.5
// wakeAgentsForGroup): a game-kind group runs its own loop and is
// skipped entirely; otherwise every non-sender, non-human, non-deleted,
// auto-run member is woken with reason=group_message. Forwarding the
// message to task-progress metrics is the fan-out step's own job
// (internal/fanout calls TaskNotifier.NoteMessage independently of
// this method), so it is not repeated here.
func (f *Facade) WakeAgentsForGroup(ctx context.Context, groupID, senderID string, _ *models.Message) {
	group, err := f.deps.Store.GetGroup(ctx, groupID)
	if err != nil || group.IsDeleted() || group.Kind.IsGame() {
		return
	}
	members, err := f.deps.Store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return
	}
	for _, m := range members {
		if m.AgentID == senderID {
			continue
		}
		f.WakeAgent(ctx, m.AgentID, runner.ReasonGroupMessage)
	}
}

// NoteMessage implements fanout.TaskNotifier by delegating straight to
// the task supervisor, whose method already has this exact signature.
func (f *Facade) NoteMessage(ctx context.Context, workspaceID, groupID, senderID, content string) {
	if f.deps.Supervisor != nil {
		f.deps.Supervisor.NoteMessage(ctx, workspaceID, groupID, senderID, content)
	}
}

// InterruptAgent implements supervisor.Interrupter: request a
// cooperative interrupt on agentID's runner, if one exists. A task
// supervisor stopping a run it never woke a runner for has nothing to
// interrupt.
func (f *Facade) InterruptAgent(_ context.Context, agentID string) {
	if r, ok := f.runnerIfExists(agentID); ok {
		r.RequestInterrupt()
	}
}

// InterruptAgents requests an interrupt on each of ids that has a
// live runner.
func (f *Facade) InterruptAgents(ctx context.Context, ids []string) {
	for _, id := range ids {
		f.InterruptAgent(ctx, id)
	}
}

// InterruptAll requests an interrupt on every non-human agent in
// workspaceID's roster (every tracked runner, if workspaceID is empty).
func (f *Facade) InterruptAll(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		f.mu.Lock()
		ids := make([]string, 0, len(f.runners))
		for id := range f.runners {
			ids = append(ids, id)
		}
		f.mu.Unlock()
		f.InterruptAgents(ctx, ids)
		return nil
	}

	agents, err := f.deps.Store.ListAgents(ctx, store.AgentFilter{WorkspaceID: workspaceID})
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "facade.InterruptAll", err)
	}
	for _, a := range agents {
		if a.IsHuman() {
			continue
		}
		f.InterruptAgent(ctx, a.ID)
	}
	return nil
}

// TerminateAll implements spec §4.5 terminateAll: bulk-pause the
// matching agents (auto_run := false) and interrupt their runners.
func (f *Facade) TerminateAll(ctx context.Context, filter TerminateFilter) (store.BulkResult, error) {
	res, err := f.deps.Store.BulkPauseAgents(ctx, store.BulkAgentFilter{
		WorkspaceID:  filter.WorkspaceID,
		IncludeKinds: filter.IncludeKinds,
		ExcludeKinds: filter.ExcludeKinds,
	})
	if err != nil {
		return store.BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "facade.TerminateAll", err)
	}
	f.InterruptAgents(ctx, res.AffectedIDs)
	return res, nil
}

// SoftDeleteAll implements spec §4.5 softDeleteAll: bulk-soft-delete the
// matching agents, interrupt their runners, then garbage-collect groups
// that are now orphaned or reduced to system-only membership.
func (f *Facade) SoftDeleteAll(ctx context.Context, filter TerminateFilter) (store.BulkResult, error) {
	res, err := f.deps.Store.BulkSoftDeleteAgents(ctx, store.BulkAgentFilter{
		WorkspaceID:  filter.WorkspaceID,
		IncludeKinds: filter.IncludeKinds,
		ExcludeKinds: filter.ExcludeKinds,
	})
	if err != nil {
		return store.BulkResult{}, obs.NewError(obs.KindStoreUnavailable, "facade.SoftDeleteAll", err)
	}
	f.InterruptAgents(ctx, res.AffectedIDs)

	if _, err := f.deps.Store.SoftDeleteOrphanGroups(ctx, filter.WorkspaceID); err != nil {
		return res, obs.NewError(obs.KindStoreUnavailable, "facade.SoftDeleteAll", err)
	}
	if _, err := f.deps.Store.SoftDeleteRedundantSystemGroups(ctx, filter.WorkspaceID); err != nil {
		return res, obs.NewError(obs.KindStoreUnavailable, "facade.SoftDeleteAll", err)
	}
	return res, nil
}

// StartTaskRun delegates to the task supervisor, then ensures a runner
// exists and is woken for the owner and every root-group member it just
// enabled auto-run for, so the run makes progress without waiting on an
// incidental message to arrive first.
func (f *Facade) StartTaskRun(ctx context.Context, in supervisor.StartInput) (models.TaskRun, error) {
	run, err := f.deps.Supervisor.Start(ctx, in)
	if err != nil {
		return models.TaskRun{}, err
	}

	f.WakeAgent(ctx, in.OwnerAgentID, runner.ReasonManual)
	if in.RootGroupID != "" {
		members, err := f.deps.Store.ListGroupMembers(ctx, in.RootGroupID)
		if err == nil {
			for _, m := range members {
				f.WakeAgent(ctx, m.AgentID, runner.ReasonManual)
			}
		}
	}
	return run, nil
}

// StopTaskRun delegates to the task supervisor.
func (f *Facade) StopTaskRun(ctx context.Context, workspaceID string, reason models.StopReason) error {
	if reason == "" {
		reason = models.StopManual
	}
	return f.deps.Supervisor.Stop(ctx, workspaceID, reason)
}

// GetActiveTaskRun implements spec §4.5 getActiveTaskRun: prefer the
// supervisor's in-memory state, falling back to the latest persisted
// row (e.g. right after a crash, before Bootstrap has rehydrated it).
func (f *Facade) GetActiveTaskRun(ctx context.Context, workspaceID string) (models.TaskRun, bool, error) {
	if f.deps.Supervisor != nil {
		if run, ok := f.deps.Supervisor.ActiveRun(workspaceID); ok {
			return run, true, nil
		}
	}
	run, ok, err := f.deps.Store.GetLatestTaskRun(ctx, workspaceID)
	if err != nil {
		return models.TaskRun{}, false, obs.NewError(obs.KindStoreUnavailable, "facade.GetActiveTaskRun", err)
	}
	return run, ok, nil
}

// Bootstrap implements spec §4.5 bootstrap(): scan workspaceID's
// non-human, auto-run agents and ensure+wake a runner for each (so any
// unread mail that piled up while the process was down gets drained),
// then rehydrate in-flight task runs.
func (f *Facade) Bootstrap(ctx context.Context, workspaceID string) error {
	agents, err := f.deps.Store.ListAgents(ctx, store.AgentFilter{WorkspaceID: workspaceID})
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "facade.Bootstrap", err)
	}
	for _, a := range agents {
		if a.IsHuman() || !a.AutoRun {
			continue
		}
		f.ensureRunner(a.ID).Wakeup(runner.ReasonManual)
	}

	if f.deps.Supervisor != nil {
		if err := f.deps.Supervisor.Bootstrap(ctx); err != nil {
			return err
		}
	}
	return nil
}
