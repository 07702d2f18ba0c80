package tooling

import (
	"context"
	"time"

	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// Fanout is the message fan-out hook every send-shaped tool invokes
// after its store write lands (spec §4.3 "fan-out after any send").
type Fanout interface {
	AfterSend(ctx context.Context, workspaceID, groupID, senderID string, msg models.Message) error
}

// BusEmitter is the subset of the UI event bus the dispatcher needs to
// announce tool_call.start/done and message.created around an
// invocation.
type BusEmitter interface {
	Emit(workspaceID, eventType string, payload any)
}

// SkillLoader resolves a named skill's full content for the get_skill
// tool (spec §4.3's "return full skill content string from loader").
type SkillLoader func(name string) (string, error)

// Deps bundles everything the built-in tool catalog needs to talk to
// the rest of the runtime.
type Deps struct {
	Store       store.Store
	Fanout      Fanout
	Bus         BusEmitter
	Skills      SkillLoader
	Shell       ShellPolicy
	Now         func() time.Time
	NewID       func() string
	ContentType string // default content_type for sends when caller omits it
}
