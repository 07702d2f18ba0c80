package runner

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// skillsBlockMarker tags the system entry carrying the skill metadata
// block so a later drain can tell whether an existing history already
// has one (spec §4.1 step 1: "append if missing from an existing
// history").
const skillsBlockMarker = "## Available Skills"

const reminderText = "External output requires a send tool (send, send_group_message, or send_direct_message) — your previous reply produced no tool call that delivers a message."

func systemSeedEntry(deps Deps, agent models.Agent) models.HistoryEntry {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s in workspace %s, role %q.\n", agent.ID, agent.WorkspaceID, agent.Role)
	b.WriteString("You act by calling tools; nothing you say outside a send/send_group_message/send_direct_message call reaches anyone else.\n")
	b.WriteString("Use list_agents/list_groups/list_group_members/get_group_messages to orient yourself before acting.\n")
	b.WriteString(skillsBlock(deps))
	return models.HistoryEntry{Role: models.RoleSystem, Content: b.String(), CreatedAt: deps.now()}
}

func skillsBlock(deps Deps) string {
	body := ""
	if deps.Skills != nil {
		body = deps.Skills()
	}
	return "\n" + skillsBlockMarker + "\n" + body
}

func hasSkillsBlock(history []models.HistoryEntry) bool {
	for _, e := range history {
		if e.Role == models.RoleSystem && strings.Contains(e.Content, skillsBlockMarker) {
			return true
		}
	}
	return false
}

// batchEntry concatenates an unread batch into the
// "[group:<gid>] <senderId>: <content>" line-per-message form spec §4.1
// step 2 names.
func batchEntry(deps Deps, batch store.UnreadBatch) models.HistoryEntry {
	var b strings.Builder
	for i, msg := range batch.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[group:%s] %s: %s", batch.Group.ID, msg.SenderID, msg.Content)
	}
	return models.HistoryEntry{Role: models.RoleUser, Content: b.String(), CreatedAt: deps.now()}
}

func isSendTool(name string) bool {
	switch name {
	case "send", "send_group_message", "send_direct_message":
		return true
	default:
		return false
	}
}
