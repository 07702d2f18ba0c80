package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/swarmcore/pkg/models"
)

// openAICompatClient speaks the OpenAI chat-completions streaming dialect
// (also used, unmodified, by OpenRouter and any other OpenAI-compatible
// endpoint): SSE frames prefixed "data:", terminated by a literal
// "data: [DONE]" line.
type openAICompatClient struct {
	http *http.Client
}

type openAIChatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openAIToolCallFunction `json:"function"`
}

type openAIToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAITool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type openAIRequestBody struct {
	Model         string              `json:"model"`
	Messages      []openAIChatMessage `json:"messages"`
	Tools         []openAITool        `json:"tools,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions map[string]bool     `json:"stream_options,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	MaxTokens     *int                `json:"max_tokens,omitempty"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func historyToOpenAIMessages(history []models.HistoryEntry) []openAIChatMessage {
	out := make([]openAIChatMessage, 0, len(history))
	for _, h := range history {
		msg := openAIChatMessage{Role: string(h.Role), Content: h.Content}
		if h.Role == models.RoleTool {
			msg.ToolCallID = h.ToolCallID
		}
		for _, tc := range h.ToolCalls {
			idx := len(msg.ToolCalls)
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				Index: &idx, ID: tc.ID, Type: "function",
				Function: openAIToolCallFunction{Name: tc.Name, Arguments: tc.ArgumentsText},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toolsToOpenAI(tools []ToolSchema) []openAITool {
	out := make([]openAITool, len(tools))
	for i, t := range tools {
		out[i] = openAITool{Type: "function", Function: t}
	}
	return out
}

func (c *openAICompatClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body := openAIRequestBody{
		Model:         req.Profile.Model,
		Messages:      historyToOpenAIMessages(req.History),
		Tools:         toolsToOpenAI(req.Tools),
		Stream:        true,
		StreamOptions: map[string]bool{"include_usage": true},
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("modelclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Profile.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("modelclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Profile.APIKey)
	for k, v := range req.Profile.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, classifyHTTPStatus(resp.StatusCode, resp.Body)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		events <- Event{Kind: EventStart}
		var prev Snapshot

		_ = ParseSSEStream(resp.Body, func(_, data string) error {
			if data == "[DONE]" {
				return io.EOF
			}
			var chunk openAIChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return nil // tolerate keep-alive/comment payloads
			}
			next := prev
			if chunk.Usage != nil {
				next.Usage = &Usage{TotalTokens: chunk.Usage.TotalTokens}
			}
			if len(chunk.Choices) > 0 {
				d := chunk.Choices[0].Delta
				next.Content += d.Content
				next.ReasoningContent += d.ReasoningContent
				next.ToolCalls = mergeToolCallDeltas(next.ToolCalls, d.ToolCalls)
				if chunk.Choices[0].FinishReason != "" {
					next.FinishReason = chunk.Choices[0].FinishReason
				}
			}
			for _, ev := range diffSnapshot(prev, next) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			prev = next
			return nil
		})

		select {
		case events <- Event{Kind: EventDone, Final: &prev}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

func mergeToolCallDeltas(existing []ToolCallDelta, deltas []openAIToolCall) []ToolCallDelta {
	byIndex := map[int]int{}
	for i, tc := range existing {
		byIndex[tc.Index] = i
	}
	out := append([]ToolCallDelta(nil), existing...)
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		if pos, ok := byIndex[idx]; ok {
			tc := out[pos]
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Function.Name != "" {
				tc.Name = d.Function.Name
			}
			tc.ArgumentsText += d.Function.Arguments
			out[pos] = tc
			continue
		}
		out = append(out, ToolCallDelta{
			Index: idx, ID: d.ID, Name: d.Function.Name, ArgumentsText: d.Function.Arguments,
		})
		byIndex[idx] = len(out) - 1
	}
	return out
}
