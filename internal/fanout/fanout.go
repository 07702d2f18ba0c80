// Package fanout implements the message fan-out step from spec §4.3:
// after any send lands in the store, resolve the group's other
// members, wake the eligible ones, emit the UI event, and notify the
// task supervisor for its progress metrics.
package fanout

import (
	"context"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// Waker is the subset of the runtime façade fan-out needs: waking the
// non-sender, non-human, non-deleted, auto-run members of a group
// (spec §4.5 wakeAgentsForGroup, which already embodies this recipient
// filter — fan-out simply delegates to it rather than re-deriving it).
type Waker interface {
	WakeAgentsForGroup(ctx context.Context, groupID, senderID string, msg *models.Message)
}

// TaskNotifier is the task supervisor's per-message metrics hook.
type TaskNotifier interface {
	NoteMessage(ctx context.Context, workspaceID, groupID, senderID, content string)
}

// Emitter is the UI bus's Emit method.
type Emitter interface {
	Emit(workspaceID, eventType string, payload any)
}

// Fanout wires the three post-send side effects together.
type Fanout struct {
	Store    store.Store
	Waker    Waker
	Notifier TaskNotifier
	Bus      Emitter
}

// New builds a Fanout; Waker/Notifier may be nil (e.g. in tests that
// only care about the emitted event).
func New(s store.Store, waker Waker, notifier TaskNotifier, emitter Emitter) *Fanout {
	return &Fanout{Store: s, Waker: waker, Notifier: notifier, Bus: emitter}
}

// messageCreatedPayload is the {sender, group, memberIds, payload}
// shape spec §4.3 names for ui.message.created.
type messageCreatedPayload struct {
	SenderID  string         `json:"senderId"`
	GroupID   string         `json:"groupId"`
	MemberIDs []string       `json:"memberIds"`
	Message   models.Message `json:"message"`
}

// AfterSend implements tooling.Fanout: it resolves recipients (group
// members minus sender), emits ui.message.created, wakes eligible
// recipients via Waker, and notifies Notifier for task metrics.
func (f *Fanout) AfterSend(ctx context.Context, workspaceID, groupID, senderID string, msg models.Message) error {
	members, err := f.Store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.AgentID)
	}

	if f.Bus != nil {
		f.Bus.Emit(workspaceID, bus.EventMessageCreated, messageCreatedPayload{
			SenderID: senderID, GroupID: groupID, MemberIDs: memberIDs, Message: msg,
		})
	}
	if f.Waker != nil {
		f.Waker.WakeAgentsForGroup(ctx, groupID, senderID, &msg)
	}
	if f.Notifier != nil {
		f.Notifier.NoteMessage(ctx, workspaceID, groupID, senderID, msg.Content)
	}
	return nil
}
