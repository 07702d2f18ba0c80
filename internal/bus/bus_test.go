package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	b := New(4)
	b.Emit("w1", EventAgentCreated, map[string]string{"agentId": "a1"})
	b.Emit("w1", EventMessageCreated, map[string]string{"messageId": "m1"})

	events := b.Since("w1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].ID)
	assert.Equal(t, uint64(2), events[1].ID)
}

func TestSinceReplaysOnlyNewerEvents(t *testing.T) {
	b := New(8)
	for i := 0; i < 5; i++ {
		b.Emit("w1", EventTaskProgress, nil)
	}
	events := b.Since("w1", 3)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].ID)
	assert.Equal(t, uint64(5), events[1].ID)
}

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Emit("w1", EventTaskProgress, i)
	}
	events := b.Since("w1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].ID)
	assert.Equal(t, uint64(5), events[2].ID)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	b := New(4)
	b.Emit("w1", EventAgentCreated, nil)
	b.Emit("w2", EventAgentCreated, nil)
	assert.Len(t, b.Since("w1", 0), 1)
	assert.Len(t, b.Since("w2", 0), 1)
}

func TestSubscribeReceivesFutureEvents(t *testing.T) {
	b := New(8)
	ch, unsub := b.Subscribe("w1", 4)
	defer unsub()

	b.Emit("w1", EventAgentCreated, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, EventAgentCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestAgentStreamsPublishSubscribe(t *testing.T) {
	a := NewAgentStreams()
	ch, unsub := a.Subscribe("agent-1", 2)
	defer unsub()

	a.Publish(AgentEvent{AgentID: "agent-1", Type: StreamStream, Kind: StreamKindContent, Delta: "hi"})
	select {
	case ev := <-ch:
		assert.Equal(t, "hi", ev.Delta)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent event")
	}
}
