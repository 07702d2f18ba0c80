package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/swarmcore/pkg/models"
)

// zhipuClient speaks the ZhipuAI (GLM) streaming dialect: the body is a
// sequence of bare newline-delimited JSON objects (no "data:" prefix, no
// terminal sentinel line) — the connection simply closes once the final
// object, carrying usage, has been written. Reasoning is threaded through
// a distinct "reasoning_content" delta field, same as the content field,
// rather than wrapped in inline think-tags.
type zhipuClient struct {
	http *http.Client
}

type zhipuMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type zhipuTool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type zhipuRequestBody struct {
	Model       string         `json:"model"`
	Messages    []zhipuMessage `json:"messages"`
	Tools       []zhipuTool    `json:"tools,omitempty"`
	Stream      bool           `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

type zhipuToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type zhipuChunk struct {
	Choices []struct {
		Delta struct {
			Content          string                `json:"content"`
			ReasoningContent string                `json:"reasoning_content"`
			ToolCalls        []zhipuToolCallDelta  `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func historyToZhipuMessages(history []models.HistoryEntry) []zhipuMessage {
	out := make([]zhipuMessage, 0, len(history))
	for _, h := range history {
		msg := zhipuMessage{Role: string(h.Role), Content: h.Content}
		if h.Role == models.RoleTool {
			msg.ToolCallID = h.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func toolsToZhipu(tools []ToolSchema) []zhipuTool {
	out := make([]zhipuTool, len(tools))
	for i, t := range tools {
		out[i] = zhipuTool{Type: "function", Function: t}
	}
	return out
}

func (c *zhipuClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body := zhipuRequestBody{
		Model:       req.Profile.Model,
		Messages:    historyToZhipuMessages(req.History),
		Tools:       toolsToZhipu(req.Tools),
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
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
			var chunk zhipuChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return nil
			}
			next := prev
			if chunk.Usage != nil {
				next.Usage = &Usage{TotalTokens: chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens}
			}
			if len(chunk.Choices) > 0 {
				d := chunk.Choices[0].Delta
				next.Content += d.Content
				next.ReasoningContent += d.ReasoningContent
				deltas := make([]openAIToolCall, len(d.ToolCalls))
				for i, tc := range d.ToolCalls {
					idx := tc.Index
					deltas[i] = openAIToolCall{
						Index: &idx, ID: tc.ID,
						Function: openAIToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
					}
				}
				next.ToolCalls = mergeToolCallDeltas(next.ToolCalls, deltas)
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
