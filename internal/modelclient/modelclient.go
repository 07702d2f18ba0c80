// Package modelclient implements the streaming model invocation contract
// from spec §4.2: given an agent's history and the fixed tool schema, it
// streams deltas of reasoning text, content text, and tool-call argument
// fragments from whichever upstream dialect the agent's model profile
// names, converging on one shared snapshot shape.
package modelclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/swarmcore/pkg/models"
)

// ToolCallDelta is one tool-call's accumulated-so-far state, indexed by
// its position in the assistant's pending tool-call list.
type ToolCallDelta struct {
	Index         int    `json:"index"`
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	ArgumentsText string `json:"arguments_text"`
}

// Usage is the terminal token accounting for a completed stream.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// Snapshot is the cumulative state of a streamed response after the most
// recently processed chunk — the shared shape both wire dialects converge
// on (spec §4.2).
type Snapshot struct {
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCallDelta
	FinishReason     string
	Usage            *Usage
}

// EventKind enumerates the delta kinds the invoker emits per spec §4.2
// and the per-agent stream contract in §6.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventReasoning EventKind = "reasoning"
	EventContent   EventKind = "content"
	EventToolCalls EventKind = "tool_calls"
	EventDone      EventKind = "done"
)

// Event is one increment emitted while consuming a stream.
type Event struct {
	Kind EventKind

	ReasoningDelta string
	ContentDelta   string

	ToolCallIndex         int
	ToolCallID            string
	ToolCallName          string
	ArgumentsFragment     string

	// Final is populated on EventDone with the last snapshot observed.
	Final *Snapshot
}

// ToolSchema is the {name, description, parameters} shape the dispatcher
// publishes to the model (spec §9 "dynamic tool schemas").
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input to a single streaming model call. Temperature,
// TopP, and MaxTokens are left unset (nil) for the agent runner's normal
// turns, which rely on the provider's defaults; the task supervisor's
// quality-review call (spec §4.4) pins all three.
type Request struct {
	Profile     models.ModelProfile
	History     []models.HistoryEntry
	Tools       []ToolSchema
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Client streams a model response for req, returning a channel of Events
// the caller ranges over until it closes. The channel is closed after an
// EventDone (success) or when ctx is cancelled / the call fails, in which
// case the returned error (or a later Event carrying no Final) indicates
// failure — callers should prefer checking the error return from Stream
// for connection-establishment failures, and watch for context
// cancellation for mid-stream aborts (spec §5 cooperative interrupt).
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Dialect tags the wire protocol a provider speaks (spec §4.2: "at least
// two wire dialects exist").
type Dialect string

const (
	DialectZhipuAI         Dialect = "zhipuai"
	DialectOpenAICompatible Dialect = "openai-compatible"
)

// NewClient builds the Client for the given wire dialect, sharing an
// *http.Client across calls.
func NewClient(httpClient *http.Client, dialect Dialect) (Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	switch dialect {
	case DialectZhipuAI:
		return &zhipuClient{http: httpClient}, nil
	case DialectOpenAICompatible, "":
		return &openAICompatClient{http: httpClient}, nil
	default:
		return nil, fmt.Errorf("modelclient: unknown dialect %q", dialect)
	}
}

// ResolveProfile implements spec §4.2's provider resolution: prefer the
// agent's own profile if it is fully populated, else fall back to the
// workspace/process default.
func ResolveProfile(agentProfile *models.ModelProfile, defaultProfile models.ModelProfile) models.ModelProfile {
	if agentProfile != nil && agentProfile.Complete() {
		return *agentProfile
	}
	return defaultProfile
}

// DialectFor maps a profile's provider tag to its wire Dialect.
func DialectFor(provider string) Dialect {
	switch provider {
	case "zhipuai", "zhipu", "glm":
		return DialectZhipuAI
	default:
		return DialectOpenAICompatible
	}
}
