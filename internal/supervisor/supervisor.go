package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

const defaultTickInterval = 10 * time.Second

// cronParser accepts standard 5-field expressions plus descriptors like
// "@every 10s" and "@hourly", matching the cadence knobs operators
// already use elsewhere in swarmcore's scheduling config.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// StartInput is the input to Start.
type StartInput struct {
	WorkspaceID   string
	Goal          string
	MaxDurationMs int64
	MaxTurns      int
	MaxTokenDelta int
	RootGroupID   string // if empty, a fresh group is not created: caller must supply an existing group
	OwnerAgentID  string
}

// activeRun is the supervisor's in-memory bookkeeping for one workspace's
// running task.
type activeRun struct {
	mu         sync.Mutex
	run        models.TaskRun
	cancelTick context.CancelFunc
	stopOnce   sync.Once
}

// Supervisor enforces "at most one active task per workspace" (spec
// §4.4): it starts/evaluates/stops task runs, gates which agents may
// run while one is active, and produces a summary message plus quality
// review when a run stops.
type Supervisor struct {
	deps Deps

	mu   sync.Mutex
	runs map[string]*activeRun // workspaceID -> active run
}

// New builds a Supervisor. Call Bootstrap once after construction to
// rehydrate any task rows left running/stopping by a prior process.
func New(deps Deps) *Supervisor {
	return &Supervisor{deps: deps, runs: map[string]*activeRun{}}
}

func (s *Supervisor) tickInterval(run models.TaskRun) time.Duration {
	if s.deps.TickInterval > 0 {
		return s.deps.TickInterval
	}
	if run.Budget.TickInterval > 0 {
		return run.Budget.TickInterval
	}
	return defaultTickInterval
}

// ActiveRun returns the in-memory run for workspaceID, if any.
func (s *Supervisor) ActiveRun(workspaceID string) (models.TaskRun, bool) {
	s.mu.Lock()
	ar, ok := s.runs[workspaceID]
	s.mu.Unlock()
	if !ok {
		return models.TaskRun{}, false
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run, true
}

// Start implements the `start` transition: replace any already-running
// task with reason=manual_replaced, persist a fresh row, pause every
// non-human agent in the workspace, enable auto-run for exactly the
// owner and the root group's members, and arm the evaluation ticker.
func (s *Supervisor) Start(ctx context.Context, in StartInput) (models.TaskRun, error) {
	if existing, ok := s.ActiveRun(in.WorkspaceID); ok && existing.Status == models.TaskRunning {
		if err := s.Stop(ctx, in.WorkspaceID, models.StopManualReplaced); err != nil {
			return models.TaskRun{}, err
		}
	}

	now := s.deps.now()
	budget := models.DefaultTaskBudget()
	budget.MaxDurationMs = in.MaxDurationMs
	budget.MaxTurns = in.MaxTurns
	budget.MaxTokenDelta = in.MaxTokenDelta

	startTokens := 0
	if in.RootGroupID != "" {
		if g, err := s.deps.Store.GetGroup(ctx, in.RootGroupID); err == nil {
			startTokens = g.ContextTokens
		}
	}
	budget.StartGroupTokens = startTokens

	run := models.TaskRun{
		ID:           s.deps.NewID(),
		WorkspaceID:  in.WorkspaceID,
		RootGroupID:  in.RootGroupID,
		OwnerAgentID: in.OwnerAgentID,
		Goal:         in.Goal,
		Status:       models.TaskRunning,
		Budget:       budget,
		Metrics:      models.TaskMetrics{LastMessageAtMs: now.UnixMilli()},
		StartAt:      now,
		DeadlineAt:   now.Add(time.Duration(in.MaxDurationMs) * time.Millisecond),
	}
	if err := s.deps.Store.CreateTaskRun(ctx, run); err != nil {
		return models.TaskRun{}, err
	}

	if _, err := s.deps.Store.BulkPauseAgents(ctx, store.BulkAgentFilter{
		WorkspaceID:  in.WorkspaceID,
		ExcludeKinds: []models.AgentKind{models.KindSystemHuman},
	}); err != nil {
		return models.TaskRun{}, err
	}

	runners := map[string]bool{in.OwnerAgentID: true}
	if in.RootGroupID != "" {
		members, err := s.deps.Store.ListGroupMembers(ctx, in.RootGroupID)
		if err != nil {
			return models.TaskRun{}, err
		}
		for _, m := range members {
			runners[m.AgentID] = true
		}
	}
	for agentID := range runners {
		if err := s.deps.Store.SetAgentAutoRun(ctx, agentID, true); err != nil {
			return models.TaskRun{}, err
		}
	}

	ar := &activeRun{run: run}
	s.mu.Lock()
	s.runs[in.WorkspaceID] = ar
	s.mu.Unlock()
	s.armTicker(ar)

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(in.WorkspaceID, bus.EventTaskStarted, run)
	}
	return run, nil
}

func (s *Supervisor) armTicker(ar *activeRun) {
	ar.mu.Lock()
	workspaceID := ar.run.WorkspaceID
	interval := s.tickInterval(ar.run)
	ar.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ar.mu.Lock()
	ar.cancelTick = cancel
	ar.mu.Unlock()

	if s.deps.EvaluationCron != "" {
		if schedule, err := cronParser.Parse(s.deps.EvaluationCron); err == nil {
			go s.cronEvaluateLoop(ctx, workspaceID, schedule)
			return
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Evaluate(context.Background(), workspaceID)
			}
		}
	}()
}

// cronEvaluateLoop re-arms a single-shot timer against schedule.Next on
// every firing, so the evaluation cadence can follow an arbitrary cron
// expression rather than a flat interval.
func (s *Supervisor) cronEvaluateLoop(ctx context.Context, workspaceID string, schedule cron.Schedule) {
	for {
		now := s.deps.now()
		wait := schedule.Next(now).Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = s.Evaluate(context.Background(), workspaceID)
		}
	}
}

// NoteTurn implements `noteTurn`: a per-agent model turn observed in
// group increments the run's turn count and participant set when group
// is the run's root group, then re-evaluates.
func (s *Supervisor) NoteTurn(ctx context.Context, workspaceID, groupID, agentID string) error {
	ar := s.lookup(workspaceID)
	if ar == nil {
		return nil
	}
	ar.mu.Lock()
	if ar.run.RootGroupID != groupID {
		ar.mu.Unlock()
		return nil
	}
	ar.run.Metrics.TotalTurns++
	ar.run.Metrics.AddParticipant(agentID)
	run := ar.run
	ar.mu.Unlock()

	if err := s.deps.Store.UpdateTaskRun(ctx, run); err != nil {
		return err
	}
	return s.Evaluate(ctx, workspaceID)
}

// NoteMessage implements fanout.TaskNotifier and spec §4.4's
// `noteMessage`: a message landing in the run's root group updates
// message/participant bookkeeping, checks for a completion marker, and
// otherwise re-evaluates stop conditions.
func (s *Supervisor) NoteMessage(ctx context.Context, workspaceID, groupID, senderID, content string) {
	ar := s.lookup(workspaceID)
	if ar == nil {
		return
	}
	ar.mu.Lock()
	if ar.run.RootGroupID != groupID {
		ar.mu.Unlock()
		return
	}
	now := s.deps.now()
	ar.run.Metrics.TotalMessages++
	ar.run.Metrics.LastMessageAtMs = now.UnixMilli()
	ar.run.Metrics.AddParticipant(senderID)
	run := ar.run
	ar.mu.Unlock()

	if err := s.deps.Store.UpdateTaskRun(ctx, run); err != nil {
		return
	}

	if containsCompletionMarker(content) {
		_ = s.Stop(ctx, workspaceID, models.StopGoalReached)
		return
	}
	_ = s.Evaluate(ctx, workspaceID)
}

// Evaluate implements `evaluate()`: compute repeatedRatio, idleMs, and
// tokenDelta, then check the five stop conditions in the spec-mandated
// order, stopping with the first one that fires.
func (s *Supervisor) Evaluate(ctx context.Context, workspaceID string) error {
	ar := s.lookup(workspaceID)
	if ar == nil {
		return nil
	}
	ar.mu.Lock()
	run := ar.run
	ar.mu.Unlock()
	if run.Status != models.TaskRunning {
		return nil
	}

	now := s.deps.now()

	var repeated float64
	var tokenDelta int
	if run.RootGroupID != "" {
		msgs, err := s.deps.Store.GetGroupMessages(ctx, run.RootGroupID)
		if err == nil {
			repeated = repeatedRatio(msgs, run.Budget.SimilarityThreshold)
		}
		if g, err := s.deps.Store.GetGroup(ctx, run.RootGroupID); err == nil {
			tokenDelta = g.ContextTokens - run.Budget.StartGroupTokens
		}
	}
	idleMs := now.UnixMilli() - run.Metrics.LastMessageAtMs

	var reason models.StopReason
	switch {
	case !now.Before(run.DeadlineAt):
		reason = models.StopTimeout
	case run.Budget.MaxTurns > 0 && run.Metrics.TotalTurns >= run.Budget.MaxTurns:
		reason = models.StopMaxTurns
	case idleMs >= run.Budget.IdleTimeoutMs:
		reason = models.StopNoProgress
	case repeated >= run.Budget.RepeatRatioThreshold:
		reason = models.StopRepeatedOutput
	case run.Budget.MaxTokenDelta > 0 && tokenDelta >= run.Budget.MaxTokenDelta:
		reason = models.StopTokenDeltaExceeded
	}

	ar.mu.Lock()
	ar.run.Metrics.RepeatedRatio = repeated
	run = ar.run
	ar.mu.Unlock()
	if err := s.deps.Store.UpdateTaskRun(ctx, run); err != nil {
		return err
	}

	if reason != "" {
		return s.Stop(ctx, workspaceID, reason)
	}
	return nil
}

// Stop implements `stop(reason)`: transition to stopping, interrupt
// every participant and every non-human agent in the workspace, post
// the summary and quality-review messages, then settle to stopped.
func (s *Supervisor) Stop(ctx context.Context, workspaceID string, reason models.StopReason) error {
	ar := s.lookup(workspaceID)
	if ar == nil {
		return nil
	}

	ar.stopOnce.Do(func() {
		ar.mu.Lock()
		ar.run.Status = models.TaskStopping
		ar.run.StopReason = &reason
		if ar.cancelTick != nil {
			ar.cancelTick()
		}
		run := ar.run
		ar.mu.Unlock()

		if err := s.deps.Store.UpdateTaskRun(ctx, run); err != nil {
			return
		}
		if s.deps.Bus != nil {
			s.deps.Bus.Emit(workspaceID, bus.EventTaskStopping, run)
		}
		s.finalize(ctx, ar)
	})
	return nil
}

// finalize runs the interrupt/summary/review sequence and settles the
// run to stopped, removing it from the in-memory map.
func (s *Supervisor) finalize(ctx context.Context, ar *activeRun) {
	ar.mu.Lock()
	run := ar.run
	ar.mu.Unlock()

	s.interruptParticipants(ctx, run)

	if run.RootGroupID != "" && run.OwnerAgentID != "" {
		s.postSummary(ctx, run)
		s.postReview(ctx, run)
	}

	now := s.deps.now()
	run.Status = models.TaskStopped
	run.StoppedAt = &now
	_ = s.deps.Store.UpdateTaskRun(ctx, run)

	s.mu.Lock()
	delete(s.runs, run.WorkspaceID)
	s.mu.Unlock()

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(run.WorkspaceID, bus.EventTaskStopped, run)
	}
}

// interruptParticipants requests an interrupt on every participant and
// every non-human agent in the workspace, then disables auto-run for
// all of them except the owner, which remains enabled.
func (s *Supervisor) interruptParticipants(ctx context.Context, run models.TaskRun) {
	targets := map[string]bool{}
	for _, id := range run.Metrics.ParticipantIDs {
		targets[id] = true
	}

	agents, err := s.deps.Store.ListAgents(ctx, store.AgentFilter{WorkspaceID: run.WorkspaceID})
	if err == nil {
		for _, a := range agents {
			if !a.IsHuman() {
				targets[a.ID] = true
			}
		}
	}

	for agentID := range targets {
		if s.deps.Interrupt != nil {
			s.deps.Interrupt.InterruptAgent(ctx, agentID)
		}
		if agentID == run.OwnerAgentID {
			continue
		}
		_ = s.deps.Store.SetAgentAutoRun(ctx, agentID, false)
	}
}

// postSummary builds and sends the spec-mandated markdown summary
// message as the owner agent into the root group.
func (s *Supervisor) postSummary(ctx context.Context, run models.TaskRun) {
	text := renderSummary(run, s.recentLogLines(ctx, run))
	msg, err := s.deps.Store.SendMessage(ctx, run.RootGroupID, run.OwnerAgentID, text, "text")
	if err != nil {
		return
	}
	run.SummaryMsgID = &msg.ID
	_ = s.deps.Store.UpdateTaskRun(ctx, run)

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(run.WorkspaceID, bus.EventMessageCreated, msg)
		s.deps.Bus.Emit(run.WorkspaceID, bus.EventTaskSummaryCreated, msg)
	}
}

// postReview synthesizes, persists, and announces the quality review,
// then posts a second message summarizing the verdict.
func (s *Supervisor) postReview(ctx context.Context, run models.TaskRun) {
	var ownerProfile models.ModelProfile
	owner, err := s.deps.Store.GetAgent(ctx, run.OwnerAgentID)
	if err == nil {
		if owner.ModelProfileID != nil {
			if p, ok, perr := s.deps.Store.GetModelProfile(ctx, *owner.ModelProfileID); perr == nil && ok {
				ownerProfile = p
			}
		}
		if !ownerProfile.Complete() {
			if p, ok, perr := s.deps.Store.GetDefaultModelProfile(ctx, run.WorkspaceID); perr == nil && ok {
				ownerProfile = p
			}
		}
	}

	review := generateReview(ctx, s.deps, run, ownerProfile, renderSummary(run, s.recentLogLines(ctx, run)))
	review.ID = s.deps.NewID()
	review.CreatedAt = s.deps.now()
	if err := s.deps.Store.CreateTaskReview(ctx, review); err != nil {
		return
	}

	reviewMsgText := fmt.Sprintf("## Quality Review\n- Verdict: %s\n- Overall: %.0f\n%s",
		review.Verdict, review.Score.Overall, review.Narrative)
	msg, err := s.deps.Store.SendMessage(ctx, run.RootGroupID, run.OwnerAgentID, reviewMsgText, "text")
	if err != nil {
		return
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(run.WorkspaceID, bus.EventMessageCreated, msg)
		s.deps.Bus.Emit(run.WorkspaceID, bus.EventTaskReviewCreated, review)
	}
}

func (s *Supervisor) recentLogLines(ctx context.Context, run models.TaskRun) []models.Message {
	if run.RootGroupID == "" {
		return nil
	}
	msgs, err := s.deps.Store.GetGroupMessages(ctx, run.RootGroupID)
	if err != nil {
		return nil
	}
	if len(msgs) > 8 {
		msgs = msgs[len(msgs)-8:]
	}
	return msgs
}

// renderSummary builds the exact markdown template spec §4.4 names.
func renderSummary(run models.TaskRun, recent []models.Message) string {
	reason := models.StopManual
	if run.StopReason != nil {
		reason = *run.StopReason
	}
	duration := int64(0)
	if run.StoppedAt != nil {
		duration = int64(run.StoppedAt.Sub(run.StartAt).Seconds())
	} else {
		duration = int64(time.Since(run.StartAt).Seconds())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Task Summary\n")
	fmt.Fprintf(&b, "- Goal: %s\n", run.Goal)
	fmt.Fprintf(&b, "- Stop reason: %s\n", reason)
	fmt.Fprintf(&b, "- Duration: %ds\n", duration)
	fmt.Fprintf(&b, "- Turns: %d\n", run.Metrics.TotalTurns)
	fmt.Fprintf(&b, "- Messages: %d\n", run.Metrics.TotalMessages)
	fmt.Fprintf(&b, "- Repeat ratio: %.2f\n", run.Metrics.RepeatedRatio)
	b.WriteString("\n### Recent key logs\n")
	for _, m := range recent {
		content := m.Content
		if len(content) > 120 {
			content = content[:120]
		}
		sender := m.SenderID
		if len(sender) > 8 {
			sender = sender[:8]
		}
		fmt.Fprintf(&b, "- %s: %s\n", sender, content)
	}
	return b.String()
}

func (s *Supervisor) lookup(workspaceID string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[workspaceID]
}

// Bootstrap rehydrates every persisted task run left in status ∈
// {running, stopping} by a prior process, preserving deadlines and
// resuming evaluation (spec §4.4 "Bootstrap").
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	runs, err := s.deps.Store.ListRunningTaskRuns(ctx)
	if err != nil {
		return obs.NewError(obs.KindStoreUnavailable, "supervisor.Bootstrap", err)
	}
	for _, run := range runs {
		ar := &activeRun{run: run}
		s.mu.Lock()
		s.runs[run.WorkspaceID] = ar
		s.mu.Unlock()

		if run.Status == models.TaskStopping {
			s.finalize(ctx, ar)
			continue
		}
		s.armTicker(ar)
	}
	return nil
}
