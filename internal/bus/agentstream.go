package bus

import (
	"sync"
)

// Per-agent stream event kinds (spec §6 "per-agent stream").
const (
	StreamWakeup     = "agent.wakeup"
	StreamUnread     = "agent.unread"
	StreamStream     = "agent.stream"
	StreamDone       = "agent.done"
	StreamError      = "agent.error"
)

// Stream delta kinds carried by a StreamStream event's Kind field.
const (
	StreamKindContent   = "content"
	StreamKindReasoning = "reasoning"
	StreamKindToolCalls = "tool_calls"
	StreamKindToolResult = "tool_result"
)

// AgentEvent is one increment on a single agent's real-time feed.
type AgentEvent struct {
	AgentID      string `json:"agent_id"`
	Type         string `json:"type"`
	Kind         string `json:"kind,omitempty"`
	Delta        string `json:"delta,omitempty"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolCallName string `json:"tool_call_name,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AgentStreams multiplexes per-agent real-time feeds for the HTTP layer
// serving one agent's stream at a time; unlike the workspace-wide Bus
// this is not ring-buffered — a client that isn't currently subscribed
// simply misses deltas, same as the teacher's live log tailers.
type AgentStreams struct {
	mu   sync.Mutex
	subs map[string][]chan AgentEvent
}

// NewAgentStreams builds an empty multiplexer.
func NewAgentStreams() *AgentStreams {
	return &AgentStreams{subs: map[string][]chan AgentEvent{}}
}

// Publish fans ev out to every current subscriber of ev.AgentID,
// non-blockingly.
func (a *AgentStreams) Publish(ev AgentEvent) {
	a.mu.Lock()
	subs := append([]chan AgentEvent(nil), a.subs[ev.AgentID]...)
	a.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel fed with agentID's future events and an
// unsubscribe func.
func (a *AgentStreams) Subscribe(agentID string, bufSize int) (<-chan AgentEvent, func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	ch := make(chan AgentEvent, bufSize)
	a.mu.Lock()
	a.subs[agentID] = append(a.subs[agentID], ch)
	a.mu.Unlock()

	unsub := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		list := a.subs[agentID]
		for i, c := range list {
			if c == ch {
				a.subs[agentID] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}
