package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/tooling"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// Wake reasons (spec §4.1 public contract).
const (
	ReasonManual        = "manual"
	ReasonGroupMessage  = "group_message"
	ReasonDirectMessage = "direct_message"
	ReasonContextStream = "context_stream"
)

// Runner drives a single agent forward. It is single-threaded per agent
// by construction: one loop goroutine consumes its own wake channel, so
// no two drains for the same agent ever run concurrently, while
// different Runners run freely in parallel.
type Runner struct {
	agentID string
	deps    Deps

	wake      chan struct{}
	interrupt atomic.Bool
	started   atomic.Bool
	running   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Runner for agentID. The loop goroutine does not start
// until the first Wakeup or RequestInterrupt.
func New(agentID string, deps Deps) *Runner {
	if deps.MaxToolRounds <= 0 {
		deps.MaxToolRounds = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{agentID: agentID, deps: deps, wake: make(chan struct{}, 1), ctx: ctx, cancel: cancel}
}

// AgentID returns the agent this runner drives.
func (r *Runner) AgentID() string { return r.agentID }

// IsRunning reports whether a drain is currently in progress (for
// metrics and tests verifying the single-flight invariant).
func (r *Runner) IsRunning() bool { return r.running.Load() }

// Stop tears down the loop goroutine. Intended for façade shutdown and
// tests; a stopped runner never wakes again.
func (r *Runner) Stop() { r.cancel() }

// Wakeup is idempotent: it emits a wakeup stream event and arms the wake
// signal, starting the loop goroutine on first call.
func (r *Runner) Wakeup(reason string) {
	r.ensureStarted()
	r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamWakeup, Kind: reason})
	r.pulse()
}

// RequestInterrupt sets the interrupt flag and pulses the wake signal so
// a sleeping runner observes it on its next iteration. A call mid-stream
// is not synchronously cancelled; the runner notices at its next
// suspension point (spec §5).
func (r *Runner) RequestInterrupt() {
	r.interrupt.Store(true)
	r.ensureStarted()
	r.pulse()
}

func (r *Runner) pulse() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) ensureStarted() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		r.running.Store(true)
		r.drain()
		r.running.Store(false)
	}
}

// drain implements the per-wake algorithm (spec §4.1).
func (r *Runner) drain() {
	ctx := obs.WithAgent(r.ctx, r.agentID)

	agent, err := r.deps.Store.GetAgent(ctx, r.agentID)
	if err != nil || agent.IsDeleted() || agent.IsHuman() || !agent.AutoRun {
		return
	}
	if r.interrupt.Swap(false) {
		return
	}

	batches, err := r.deps.Store.ListUnreadByGroup(ctx, r.agentID)
	if err != nil {
		r.emitError(err)
		return
	}
	live := make([]store.UnreadBatch, 0, len(batches))
	for _, b := range batches {
		if b.Group.IsDeleted() {
			continue
		}
		live = append(live, b)
	}
	if len(live) == 0 {
		return
	}

	r.emitUnread(live)
	for _, batch := range live {
		if r.interrupt.Swap(false) {
			return
		}
		if err := r.processGroupUnread(ctx, batch); err != nil {
			r.emitError(err)
			return
		}
	}
}

func (r *Runner) emitUnread(batches []store.UnreadBatch) {
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.Group.ID)
	}
	raw, _ := json.Marshal(ids)
	r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamUnread, Delta: string(raw)})
}

func (r *Runner) emitError(err error) {
	r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamError, Error: err.Error()})
}

func (r *Runner) emit(ev bus.AgentEvent) {
	if r.deps.Streams == nil {
		return
	}
	r.deps.Streams.Publish(ev)
}

// processGroupUnread consumes one group's unread batch atomically: the
// read cursor advances to the batch's last message before any reply is
// issued (spec §5 ordering guarantee), and history is committed in a
// single write at the end.
func (r *Runner) processGroupUnread(ctx context.Context, batch store.UnreadBatch) error {
	agent, err := r.deps.Store.GetAgent(ctx, r.agentID)
	if err != nil {
		return err
	}

	history := agent.History
	if len(history) == 0 {
		history = append(history, systemSeedEntry(r.deps, agent))
	} else if !hasSkillsBlock(history) {
		history = append(history, models.HistoryEntry{
			Role: models.RoleSystem, Content: skillsBlock(r.deps), CreatedAt: r.deps.now(),
		})
	}

	history = append(history, batchEntry(r.deps, batch))

	last := batch.Messages[len(batch.Messages)-1]
	if err := r.deps.Store.MarkGroupReadToMessage(ctx, batch.Group.ID, r.agentID, last.ID); err != nil {
		return err
	}

	history, content, reasoning, didSend, err := r.runWithTools(ctx, batch.Group, agent, history)
	if err != nil {
		return err
	}
	history = append(history, models.HistoryEntry{Role: models.RoleAssistant, Content: content, Reasoning: reasoning, CreatedAt: r.deps.now()})

	if !didSend && !r.interrupt.Load() {
		history = append(history, models.HistoryEntry{Role: models.RoleUser, Content: reminderText, CreatedAt: r.deps.now()})
		history, content, reasoning, _, err = r.runWithTools(ctx, batch.Group, agent, history)
		if err != nil {
			return err
		}
		history = append(history, models.HistoryEntry{Role: models.RoleAssistant, Content: content, Reasoning: reasoning, CreatedAt: r.deps.now()})
	}

	return r.deps.Store.SetAgentHistory(ctx, r.agentID, history)
}

// runWithTools drives up to MaxToolRounds model round-trips, dispatching
// any tool calls and feeding their results back, until a round produces
// no tool calls or the round budget is exhausted (spec §4.1). It returns
// the history extended with every tool round's assistant/tool entries,
// the final round's content/reasoning, and whether any send-shaped tool
// was invoked.
func (r *Runner) runWithTools(ctx context.Context, group models.Group, agent models.Agent, history []models.HistoryEntry) ([]models.HistoryEntry, string, string, bool, error) {
	didSend := false
	var content, reasoning string

	for round := 0; round < r.deps.MaxToolRounds; round++ {
		profile, err := resolveProfile(ctx, r.deps, agent)
		if err != nil {
			return history, "", "", didSend, err
		}
		client, err := clientFor(r.deps, modelclient.DialectFor(profile.Provider))
		if err != nil {
			return history, "", "", didSend, err
		}

		snap, err := r.consumeStream(ctx, client, modelclient.Request{
			Profile: profile, History: history, Tools: r.deps.Dispatcher.Schemas(),
		}, group.ID)
		if err != nil {
			return history, "", "", didSend, err
		}

		content, reasoning = snap.Content, snap.ReasoningContent
		if len(snap.ToolCalls) == 0 {
			return history, content, reasoning, didSend, nil
		}

		stubs := make([]models.ToolCallStub, 0, len(snap.ToolCalls))
		for _, tc := range snap.ToolCalls {
			stubs = append(stubs, models.ToolCallStub{ID: tc.ID, Name: tc.Name, ArgumentsText: tc.ArgumentsText})
		}
		history = append(history, models.HistoryEntry{
			Role: models.RoleAssistant, Content: snap.Content, Reasoning: snap.ReasoningContent,
			ToolCalls: stubs, CreatedAt: r.deps.now(),
		})

		for _, tc := range snap.ToolCalls {
			res := r.deps.Dispatcher.Dispatch(ctx, tooling.Invocation{
				WorkspaceID: group.WorkspaceID, AgentID: r.agentID, GroupID: group.ID, ToolCall: tc,
			})
			raw, _ := json.Marshal(res)
			r.emit(bus.AgentEvent{
				AgentID: r.agentID, Type: bus.StreamStream, Kind: bus.StreamKindToolResult,
				ToolCallID: tc.ID, ToolCallName: tc.Name, Delta: string(raw),
			})
			history = append(history, models.HistoryEntry{
				Role: models.RoleTool, ToolCallID: tc.ID, ToolName: tc.Name, Content: string(raw), CreatedAt: r.deps.now(),
			})
			if isSendTool(tc.Name) {
				didSend = true
			}
		}
	}

	return history, content, reasoning, didSend, nil
}

// consumeStream ranges over the model's event channel, republishing each
// delta on the agent's real-time stream, and returns the terminal
// snapshot. Usage, when present, is written onto the group's
// context-tokens field best-effort (spec §4.2).
func (r *Runner) consumeStream(ctx context.Context, client modelclient.Client, req modelclient.Request, groupID string) (modelclient.Snapshot, error) {
	ch, err := client.Stream(ctx, req)
	if err != nil {
		return modelclient.Snapshot{}, err
	}

	var final modelclient.Snapshot
	for ev := range ch {
		switch ev.Kind {
		case modelclient.EventReasoning:
			r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamStream, Kind: bus.StreamKindReasoning, Delta: ev.ReasoningDelta})
		case modelclient.EventContent:
			r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamStream, Kind: bus.StreamKindContent, Delta: ev.ContentDelta})
		case modelclient.EventToolCalls:
			r.emit(bus.AgentEvent{
				AgentID: r.agentID, Type: bus.StreamStream, Kind: bus.StreamKindToolCalls,
				Delta: ev.ArgumentsFragment, ToolCallID: ev.ToolCallID, ToolCallName: ev.ToolCallName,
			})
		case modelclient.EventDone:
			if ev.Final != nil {
				final = *ev.Final
			}
		}
	}

	if final.Usage != nil {
		_ = r.deps.Store.SetGroupContextTokens(ctx, groupID, final.Usage.TotalTokens)
	}
	r.emit(bus.AgentEvent{AgentID: r.agentID, Type: bus.StreamDone})
	return final, nil
}

// resolveProfile implements spec §4.2's provider resolution: prefer the
// agent's own profile when fully populated, else the workspace default.
func resolveProfile(ctx context.Context, deps Deps, agent models.Agent) (models.ModelProfile, error) {
	var agentProfile *models.ModelProfile
	if agent.ModelProfileID != nil {
		p, ok, err := deps.Store.GetModelProfile(ctx, *agent.ModelProfileID)
		if err != nil {
			return models.ModelProfile{}, err
		}
		if ok {
			agentProfile = &p
		}
	}

	def, _, err := deps.Store.GetDefaultModelProfile(ctx, agent.WorkspaceID)
	if err != nil {
		return models.ModelProfile{}, err
	}

	profile := modelclient.ResolveProfile(agentProfile, def)
	if !profile.Complete() {
		return models.ModelProfile{}, obs.NewError(obs.KindInvalidArgument, "runner.resolveProfile",
			fmt.Errorf("no usable model profile for workspace %s", agent.WorkspaceID))
	}
	return profile, nil
}
