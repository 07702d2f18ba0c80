// Package models defines the persistent and in-memory data shapes shared
// across swarmcore: workspaces, agents, groups, messages, model profiles,
// and task-run/review records.
package models

import (
	"encoding/json"
	"time"
)

// AgentKind enumerates the roles an agent row can play.
type AgentKind string

const (
	KindSystemHuman     AgentKind = "system_human"
	KindSystemAssistant AgentKind = "system_assistant"
	KindWorker          AgentKind = "worker"
	KindGameEphemeral   AgentKind = "game_ephemeral"
)

// Agent is a named, persistent, model-backed actor with private
// conversational history and a set of tool capabilities.
type Agent struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Role           string     `json:"role"`
	Kind           AgentKind  `json:"kind"`
	AutoRun        bool       `json:"auto_run"`
	ParentID       *string    `json:"parent_id,omitempty"`
	ModelProfileID *string    `json:"model_profile_id,omitempty"`
	History        []HistoryEntry `json:"history"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	LastActiveAt   time.Time  `json:"last_active_at"`
}

// IsHuman reports whether this agent is the workspace's system_human seat.
func (a *Agent) IsHuman() bool {
	return a != nil && a.Kind == KindSystemHuman
}

// IsDeleted reports whether the agent has been soft-deleted.
func (a *Agent) IsDeleted() bool {
	return a != nil && a.DeletedAt != nil
}

// HistoryEntryRole enumerates the four history entry kinds (§3).
type HistoryEntryRole string

const (
	RoleSystem    HistoryEntryRole = "system"
	RoleUser      HistoryEntryRole = "user"
	RoleAssistant HistoryEntryRole = "assistant"
	RoleTool      HistoryEntryRole = "tool"
)

// ToolCallStub is the (id, name, argumentsText) triple an assistant entry
// carries when it requested tool invocations.
type ToolCallStub struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsText string `json:"arguments_text"`
}

// HistoryEntry is one typed entry in an agent's conversational history.
type HistoryEntry struct {
	Role       HistoryEntryRole `json:"role"`
	Content    string           `json:"content,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	ToolCalls  []ToolCallStub   `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// GroupKind enumerates group kinds; anything prefixed "game_" is a
// game-kind group per §4.5's wakeAgentsForGroup skip rule.
type GroupKind string

const (
	GroupChat GroupKind = "chat"
)

// IsGame reports whether kind denotes a game-kind group.
func (k GroupKind) IsGame() bool {
	return len(k) >= 5 && k[:5] == "game_"
}

// Group is a multicast channel binding a set of agents.
type Group struct {
	ID            string     `json:"id"`
	WorkspaceID   string     `json:"workspace_id"`
	Name          *string    `json:"name,omitempty"`
	Kind          GroupKind  `json:"kind"`
	ContextTokens int        `json:"context_tokens"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the group has been soft-deleted.
func (g *Group) IsDeleted() bool {
	return g != nil && g.DeletedAt != nil
}

// GroupMember is a (group, agent) membership row with a read cursor.
type GroupMember struct {
	GroupID       string    `json:"group_id"`
	AgentID       string    `json:"agent_id"`
	LastReadMsgID string    `json:"last_read_message_id,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Message is an immutable, totally-ordered-within-group chat message.
type Message struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	GroupID     string    `json:"group_id"`
	SenderID    string    `json:"sender_id"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content"`
	SendTime    time.Time `json:"send_time"`
}

// ModelProfile is a workspace-scoped, reusable upstream model endpoint
// description.
type ModelProfile struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	BaseURL     string            `json:"base_url"`
	APIKey      string            `json:"api_key"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	Default     bool              `json:"default"`
}

// Complete reports whether every field needed to dial this profile is
// populated (§4.2 provider resolution).
func (p *ModelProfile) Complete() bool {
	return p != nil && p.Provider != "" && p.Model != "" && p.BaseURL != "" && p.APIKey != ""
}

// TaskStatus enumerates task-run lifecycle states.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskStopping  TaskStatus = "stopping"
	TaskStopped   TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
)

// StopReason enumerates the finite set of task stop reasons (GLOSSARY).
type StopReason string

const (
	StopManual             StopReason = "manual"
	StopTimeout             StopReason = "timeout"
	StopNoProgress          StopReason = "no_progress"
	StopRepeatedOutput      StopReason = "repeated_output"
	StopGoalReached         StopReason = "goal_reached"
	StopMaxTurns            StopReason = "max_turns"
	StopManualReplaced      StopReason = "manual_replaced"
	StopTokenDeltaExceeded  StopReason = "token_delta_exceeded"
)

// TaskBudget holds the tunable budget constants for a task run (§4.4, §9
// Open Questions: thresholds are exposed here rather than hardcoded).
type TaskBudget struct {
	MaxDurationMs      int64   `json:"max_duration_ms"`
	MaxTurns           int     `json:"max_turns"`
	MaxTokenDelta      int     `json:"max_token_delta"`
	StartGroupTokens   int     `json:"start_group_tokens"`
	SimilarityThreshold float64 `json:"similarity_threshold"` // default 0.9
	RepeatRatioThreshold float64 `json:"repeat_ratio_threshold"` // default 0.6
	IdleTimeoutMs      int64   `json:"idle_timeout_ms"`         // default 90000
	TickInterval       time.Duration `json:"-"`                // default 10s
}

// DefaultTaskBudget fills in the spec-mandated default thresholds, leaving
// the caller-supplied fields (MaxDurationMs, MaxTurns, MaxTokenDelta,
// StartGroupTokens) untouched.
func DefaultTaskBudget() TaskBudget {
	return TaskBudget{
		SimilarityThreshold:  0.9,
		RepeatRatioThreshold: 0.6,
		IdleTimeoutMs:        90_000,
		TickInterval:         10 * time.Second,
	}
}

// TaskMetrics is the mutable progress record of a running task (§3).
type TaskMetrics struct {
	TotalTurns     int      `json:"total_turns"`
	TotalMessages  int      `json:"total_messages"`
	RepeatedRatio  float64  `json:"repeated_ratio"`
	LastMessageAtMs int64   `json:"last_message_at_ms"`
	ParticipantIDs []string `json:"participant_ids"`
}

// AddParticipant records agentID as a participant if not already present.
func (m *TaskMetrics) AddParticipant(agentID string) {
	for _, id := range m.ParticipantIDs {
		if id == agentID {
			return
		}
	}
	m.ParticipantIDs = append(m.ParticipantIDs, agentID)
}

// TaskRun is a goal-directed, budgeted, per-workspace singleton run.
type TaskRun struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	RootGroupID     string      `json:"root_group_id"`
	OwnerAgentID    string      `json:"owner_agent_id"`
	Goal            string      `json:"goal"`
	Status          TaskStatus  `json:"status"`
	StopReason      *StopReason `json:"stop_reason,omitempty"`
	Budget          TaskBudget  `json:"budget"`
	Metrics         TaskMetrics `json:"metrics"`
	SummaryMsgID    *string     `json:"summary_message_id,omitempty"`
	StartAt         time.Time   `json:"start_at"`
	DeadlineAt      time.Time   `json:"deadline_at"`
	StoppedAt       *time.Time  `json:"stopped_at,omitempty"`
}

// TaskReviewVerdict enumerates the quality-review outcome.
type TaskReviewVerdict string

const (
	VerdictPass       TaskReviewVerdict = "pass"
	VerdictBorderline TaskReviewVerdict = "borderline"
	VerdictFail       TaskReviewVerdict = "fail"
)

// ReviewScore holds the five scored components plus the overall score,
// each in [0,100].
type ReviewScore struct {
	Completion    float64 `json:"completion"`
	Relevance     float64 `json:"relevance"`
	Clarity       float64 `json:"clarity"`
	NonRedundancy float64 `json:"non_redundancy"`
	Safety        float64 `json:"safety"`
	Overall       float64 `json:"overall"`
}

// ReviewIssue is one flagged issue in a quality review.
type ReviewIssue struct {
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// TaskReview is the one-row-per-task quality assessment (§3).
type TaskReview struct {
	ID          string            `json:"id"`
	TaskRunID   string            `json:"task_run_id"`
	Score       ReviewScore       `json:"score"`
	Verdict     TaskReviewVerdict `json:"verdict"`
	Highlights  []string          `json:"highlights"`
	Issues      []ReviewIssue     `json:"issues"`
	NextActions []string          `json:"next_actions"`
	Narrative   string            `json:"narrative"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clamp bounds every score component to [0,100].
func (s *ReviewScore) Clamp() {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	s.Completion = clamp(s.Completion)
	s.Relevance = clamp(s.Relevance)
	s.Clarity = clamp(s.Clarity)
	s.NonRedundancy = clamp(s.NonRedundancy)
	s.Safety = clamp(s.Safety)
	s.Overall = clamp(s.Overall)
}

// ToolCall is a model-emitted request to invoke a named tool with
// structured JSON arguments.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// ToolResult is a tool invocation's structured result envelope.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
