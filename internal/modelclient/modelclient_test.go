package modelclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func TestOpenAICompatStreamHonorsDoneSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"total_tokens\":12}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), DialectOpenAICompatible)
	require.NoError(t, err)

	req := Request{Profile: models.ModelProfile{Provider: "openrouter", Model: "gpt", BaseURL: srv.URL, APIKey: "k"}}
	events, err := client.Stream(context.Background(), req)
	require.NoError(t, err)

	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventStart, got[0].Kind)

	var content string
	var final *Snapshot
	for _, ev := range got {
		if ev.Kind == EventContent {
			content += ev.ContentDelta
		}
		if ev.Kind == EventDone {
			final = ev.Final
		}
	}
	assert.Equal(t, "Hello", content)
	require.NotNil(t, final)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 12, final.Usage.TotalTokens)
}

func TestOpenAICompatStreamAccumulatesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"send\",\"arguments\":\"{\\\"to\\\"\"}}]}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\":\\\"a\\\"}\"}}]}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), DialectOpenAICompatible)
	require.NoError(t, err)
	req := Request{Profile: models.ModelProfile{Provider: "openrouter", Model: "gpt", BaseURL: srv.URL, APIKey: "k"}}
	events, err := client.Stream(context.Background(), req)
	require.NoError(t, err)

	got := drain(t, events)
	var args string
	var name, id string
	for _, ev := range got {
		if ev.Kind == EventToolCalls {
			args += ev.ArgumentsFragment
			if ev.ToolCallName != "" {
				name = ev.ToolCallName
			}
			if ev.ToolCallID != "" {
				id = ev.ToolCallID
			}
		}
	}
	assert.Equal(t, `{"to":"a"}`, args)
	assert.Equal(t, "send", name)
	assert.Equal(t, "call_1", id)
}

func TestOpenAICompatStreamClassifies4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), DialectOpenAICompatible)
	require.NoError(t, err)
	req := Request{Profile: models.ModelProfile{Provider: "openrouter", Model: "gpt", BaseURL: srv.URL, APIKey: "k"}}
	_, err = client.Stream(context.Background(), req)
	require.Error(t, err)
	kind, ok := obs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, obs.KindUpstreamModel4xx, kind)
}

func TestZhipuStreamEndsOnEOFWithoutSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "{\"choices\":[{\"delta\":{\"reasoning_content\":\"thinking\"}}]}\n")
		flusher.Flush()
		fmt.Fprint(w, "{\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), DialectZhipuAI)
	require.NoError(t, err)
	req := Request{Profile: models.ModelProfile{Provider: "zhipuai", Model: "glm-4", BaseURL: srv.URL, APIKey: "k"}}
	events, err := client.Stream(context.Background(), req)
	require.NoError(t, err)

	got := drain(t, events)
	var reasoning, content string
	var final *Snapshot
	for _, ev := range got {
		switch ev.Kind {
		case EventReasoning:
			reasoning += ev.ReasoningDelta
		case EventContent:
			content += ev.ContentDelta
		case EventDone:
			final = ev.Final
		}
	}
	assert.Equal(t, "thinking", reasoning)
	assert.Equal(t, "hi", content)
	require.NotNil(t, final)
	assert.Equal(t, 5, final.Usage.TotalTokens)
}

func TestParseSSEStreamHandlesBareNDJSONAndComments(t *testing.T) {
	body := "data: {\"a\":1}\n\n:keepalive\n{\"b\":2}\n"
	var got []string
	err := ParseSSEStream(strings.NewReader(body), func(_, data string) error {
		got = append(got, data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"a":1}`, got[0])
	assert.Equal(t, `{"b":2}`, got[1])
}
