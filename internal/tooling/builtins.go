package tooling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object"}
	if props != nil {
		s["properties"] = props
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// registerBuiltins installs the fixed tool catalog (spec §4.3) onto d.
func registerBuiltins(d *Dispatcher, deps Deps) {
	reg := func(name, description string, params map[string]any, restricted bool, h Handler) {
		d.tools[name] = toolDef{
			schema: modelclient.ToolSchema{
				Name:        name,
				Description: description,
				Parameters:  params,
			},
			handler:          h,
			restrictedInTask: restricted,
		}
	}

	reg("self", "Look up this agent's own role and workspace.",
		schema(nil), false, selfHandler(deps))

	reg("list_agents", "List non-deleted agents in the workspace.",
		schema(nil), false, listAgentsHandler(deps))

	reg("list_groups", "List groups visible to this agent.",
		schema(nil), false, listGroupsHandler(deps))

	reg("list_group_members", "List the members of a group this agent belongs to.",
		schema(map[string]any{"groupId": strProp("Target group id.")}, "groupId"),
		false, listGroupMembersHandler(deps))

	reg("get_group_messages", "Fetch the messages in a group this agent belongs to.",
		schema(map[string]any{"groupId": strProp("Target group id.")}, "groupId"),
		false, getGroupMessagesHandler(deps))

	reg("create", "Create a sub-agent and a pairwise chat group with the workspace's human seat.",
		schema(map[string]any{
			"role":     strProp("Role label for the new sub-agent."),
			"guidance": strProp("Optional initial guidance appended to the sub-agent's system history."),
		}, "role"), true, createHandler(deps))

	reg("create_group", "Create a multi-member group, reusing the canonical pairwise group for 2-member sets.",
		schema(map[string]any{
			"memberIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Agent ids to include, deduplicated with the caller."},
			"name":      strProp("Optional display name."),
		}, "memberIds"), true, createGroupHandler(deps))

	reg("send", "Send a direct message, resolving or creating the pairwise group.",
		schema(map[string]any{
			"to":      strProp("Target agent id."),
			"content": strProp("Message content."),
		}, "to", "content"), true, sendHandler(deps))

	reg("send_group_message", "Send a message into an existing group this agent belongs to.",
		schema(map[string]any{
			"groupId":     strProp("Target group id."),
			"content":     strProp("Message content."),
			"contentType": strProp("Optional content type, defaults to text."),
		}, "groupId", "content"), false, sendGroupMessageHandler(deps))

	reg("send_direct_message", "Send a direct message (alias of send with a distinct tool name).",
		schema(map[string]any{
			"toAgentId":   strProp("Target agent id."),
			"content":     strProp("Message content."),
			"contentType": strProp("Optional content type, defaults to text."),
		}, "toAgentId", "content"), true, sendDirectMessageHandler(deps))

	reg("bash", "Execute a shell command confined to the workspace root.",
		schema(map[string]any{
			"command":     strProp("Shell command to run."),
			"cwd":         strProp("Working directory, relative to or within the workspace root."),
			"timeoutMs":   intProp("Timeout in milliseconds; defaults to the configured default."),
			"maxOutputKB": intProp("Maximum size in KiB for each of stdout and stderr."),
		}, "command"), false, bashHandler(deps))

	reg("get_skill", "Return the full content of a named skill.",
		schema(map[string]any{"skill_name": strProp("Skill identifier.")}, "skill_name"),
		false, getSkillHandler(deps))
}

func selfHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, _ json.RawMessage) (Result, error) {
		agent, err := deps.Store.GetAgent(ctx, inv.AgentID)
		if err != nil {
			return errResult("lookup self: %v", err), nil
		}
		return okResult(map[string]any{
			"agentId":     agent.ID,
			"workspaceId": agent.WorkspaceID,
			"role":        agent.Role,
		}), nil
	}
}

func listAgentsHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, _ json.RawMessage) (Result, error) {
		agents, err := deps.Store.ListAgents(ctx, store.AgentFilter{WorkspaceID: inv.WorkspaceID})
		if err != nil {
			return errResult("list agents: %v", err), nil
		}
		return okResult(map[string]any{"agents": agents}), nil
	}
}

func listGroupsHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, _ json.RawMessage) (Result, error) {
		groups, err := deps.Store.ListGroups(ctx, store.GroupFilter{WorkspaceID: inv.WorkspaceID, AgentID: inv.AgentID})
		if err != nil {
			return errResult("list groups: %v", err), nil
		}
		return okResult(map[string]any{"groups": groups}), nil
	}
}

func isMember(members []models.GroupMember, agentID string) bool {
	for _, m := range members {
		if m.AgentID == agentID {
			return true
		}
	}
	return false
}

func listGroupMembersHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			GroupID string `json:"groupId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		members, err := deps.Store.ListGroupMembers(ctx, in.GroupID)
		if err != nil {
			return errResult("list members: %v", err), nil
		}
		if !isMember(members, inv.AgentID) {
			return errResult("not a member of group %s", in.GroupID), nil
		}
		return okResult(map[string]any{"members": members}), nil
	}
}

func getGroupMessagesHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			GroupID string `json:"groupId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		members, err := deps.Store.ListGroupMembers(ctx, in.GroupID)
		if err != nil {
			return errResult("list members: %v", err), nil
		}
		if !isMember(members, inv.AgentID) {
			return errResult("not a member of group %s", in.GroupID), nil
		}
		messages, err := deps.Store.GetGroupMessages(ctx, in.GroupID)
		if err != nil {
			return errResult("get messages: %v", err), nil
		}
		return okResult(map[string]any{"messages": messages}), nil
	}
}

func createHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			Role     string `json:"role"`
			Guidance string `json:"guidance"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		defaults, err := deps.Store.EnsureWorkspaceDefaults(ctx, inv.WorkspaceID)
		if err != nil {
			return errResult("ensure workspace defaults: %v", err), nil
		}

		now := deps.Now()
		sub := models.Agent{
			ID:           deps.NewID(),
			WorkspaceID:  inv.WorkspaceID,
			Role:         in.Role,
			Kind:         models.KindWorker,
			AutoRun:      false,
			ParentID:     &inv.AgentID,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if in.Guidance != "" {
			sub.History = []models.HistoryEntry{{Role: models.RoleSystem, Content: in.Guidance, CreatedAt: now}}
		}
		if err := deps.Store.CreateAgent(ctx, sub); err != nil {
			return errResult("create sub-agent: %v", err), nil
		}

		group, err := deps.Store.CreateGroup(ctx, store.CreateGroupInput{
			WorkspaceID: inv.WorkspaceID,
			MemberIDs:   []string{sub.ID, defaults.HumanAgentID},
			Kind:        models.GroupChat,
		})
		if err != nil {
			return errResult("create pairwise group: %v", err), nil
		}

		return okResult(map[string]any{"agentId": sub.ID, "role": sub.Role, "groupId": group.ID}), nil
	}
}

func dedupeWithSelf(self string, ids []string) []string {
	seen := map[string]bool{self: true}
	out := []string{self}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func createGroupHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			MemberIDs []string `json:"memberIds"`
			Name      *string  `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		members := dedupeWithSelf(inv.AgentID, in.MemberIDs)
		if len(members) < 2 {
			return errResult("create_group requires at least 2 distinct member ids"), nil
		}

		if len(members) == 2 {
			groupID, err := deps.Store.MergeDuplicateExactP2PGroups(ctx, inv.WorkspaceID, members[0], members[1], in.Name)
			switch {
			case err == nil:
				group, err := deps.Store.GetGroup(ctx, groupID)
				if err != nil {
					return errResult("load merged group: %v", err), nil
				}
				name := ""
				if group.Name != nil {
					name = *group.Name
				}
				return okResult(map[string]any{"groupId": group.ID, "name": name}), nil
			case errors.Is(err, obs.ErrNotFound):
				// no canonical pairwise group exists yet; fall through to create one.
			default:
				return errResult("merge pairwise groups: %v", err), nil
			}
		}

		group, err := deps.Store.CreateGroup(ctx, store.CreateGroupInput{
			WorkspaceID: inv.WorkspaceID,
			MemberIDs:   members,
			Name:        in.Name,
			Kind:        models.GroupChat,
		})
		if err != nil {
			return errResult("create group: %v", err), nil
		}
		name := ""
		if group.Name != nil {
			name = *group.Name
		}
		return okResult(map[string]any{"groupId": group.ID, "name": name}), nil
	}
}

func defaultContentType(deps Deps, given string) string {
	if given != "" {
		return given
	}
	if deps.ContentType != "" {
		return deps.ContentType
	}
	return "text"
}

func (deps Deps) fanoutAfterSend(ctx context.Context, groupID, senderID string, msg models.Message) {
	if deps.Fanout == nil {
		return
	}
	_ = deps.Fanout.AfterSend(ctx, msg.WorkspaceID, groupID, senderID, msg)
}

func sendHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			To      string `json:"to"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		res, err := deps.Store.SendDirectMessage(ctx, store.SendDirectMessageInput{
			WorkspaceID: inv.WorkspaceID,
			From:        inv.AgentID,
			To:          in.To,
			Content:     in.Content,
			ContentType: defaultContentType(deps, ""),
		})
		if err != nil {
			return errResult("send: %v", err), nil
		}
		deps.fanoutAfterSend(ctx, res.GroupID, inv.AgentID, models.Message{
			ID: res.MessageID, WorkspaceID: inv.WorkspaceID, GroupID: res.GroupID,
			SenderID: inv.AgentID, Content: in.Content, SendTime: res.SendTime,
		})
		return okResult(map[string]any{"groupId": res.GroupID, "messageId": res.MessageID, "channel": res.Channel}), nil
	}
}

func sendGroupMessageHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			GroupID     string `json:"groupId"`
			Content     string `json:"content"`
			ContentType string `json:"contentType"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		members, err := deps.Store.ListGroupMembers(ctx, in.GroupID)
		if err != nil {
			return errResult("list members: %v", err), nil
		}
		if !isMember(members, inv.AgentID) {
			return errResult("not a member of group %s", in.GroupID), nil
		}
		msg, err := deps.Store.SendMessage(ctx, in.GroupID, inv.AgentID, in.Content, defaultContentType(deps, in.ContentType))
		if err != nil {
			return errResult("send_group_message: %v", err), nil
		}
		deps.fanoutAfterSend(ctx, in.GroupID, inv.AgentID, msg)
		return okResult(map[string]any{"messageId": msg.ID, "sendTime": msg.SendTime}), nil
	}
}

func sendDirectMessageHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			ToAgentID   string `json:"toAgentId"`
			Content     string `json:"content"`
			ContentType string `json:"contentType"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		res, err := deps.Store.SendDirectMessage(ctx, store.SendDirectMessageInput{
			WorkspaceID: inv.WorkspaceID,
			From:        inv.AgentID,
			To:          in.ToAgentID,
			Content:     in.Content,
			ContentType: defaultContentType(deps, in.ContentType),
		})
		if err != nil {
			return errResult("send_direct_message: %v", err), nil
		}
		deps.fanoutAfterSend(ctx, res.GroupID, inv.AgentID, models.Message{
			ID: res.MessageID, WorkspaceID: inv.WorkspaceID, GroupID: res.GroupID,
			SenderID: inv.AgentID, Content: in.Content, SendTime: res.SendTime,
		})
		return okResult(map[string]any{
			"channel": res.Channel, "groupId": res.GroupID, "messageId": res.MessageID, "sendTime": res.SendTime,
		}), nil
	}
}

func getSkillHandler(deps Deps) Handler {
	return func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error) {
		var in struct {
			SkillName string `json:"skill_name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errResult("decode: %v", err), nil
		}
		if deps.Skills == nil {
			return errResult("skill loader unavailable"), nil
		}
		content, err := deps.Skills(in.SkillName)
		if err != nil {
			return errResult("get_skill: %v", err), nil
		}
		return okResult(map[string]any{"content": content}), nil
	}
}
