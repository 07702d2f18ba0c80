// Package tooling implements the tool dispatcher from spec §4.3: it maps
// a (agent, group, toolCall) triple to a structured {ok, ...} result,
// enforces the fixed tool catalog's schemas, and rejects fan-out-shaped
// tools while a task run has claimed the agent's active group.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
)

// Result is the envelope every tool invocation returns, success or
// failure alike — callers serialize this straight back to the model as
// the tool-role history entry's content.
type Result struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"-"`
}

// MarshalJSON flattens Payload's fields alongside ok/error so the wire
// shape matches the {ok, ...payload} contract rather than nesting it
// under a "payload" key.
func (r Result) MarshalJSON() ([]byte, error) {
	base := map[string]any{"ok": r.OK}
	if r.Error != "" {
		base["error"] = r.Error
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			base[k] = v
		}
	}
	return json.Marshal(base)
}

func errResult(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

func okResult(payload any) Result {
	return Result{OK: true, Payload: payload}
}

// Invocation is one model-requested tool call plus the context it runs
// under.
type Invocation struct {
	WorkspaceID string
	AgentID     string
	GroupID     string // the agent's currently-active group for this turn
	ToolCall    modelclient.ToolCallDelta
}

// Handler executes one named tool against parsed JSON arguments.
type Handler func(ctx context.Context, inv Invocation, args json.RawMessage) (Result, error)

// toolDef is one entry of the fixed catalog that NewDispatcher
// populates; the schemas are built in builtins.go.
type toolDef struct {
	schema  modelclient.ToolSchema
	handler Handler
	// restrictedInTask marks tools spec §4.3 rejects while the caller's
	// active group is a task's root group (send_group_message is handled
	// separately since its restriction is conditional on target group).
	restrictedInTask bool
}

// Dispatcher owns the fixed tool catalog plus an optional plugin
// registry for unknown names (spec §4.3 "delegate to a registered
// plugin registry").
type Dispatcher struct {
	tools   map[string]toolDef
	plugins map[string]Handler
	bus     BusEmitter

	// taskGuard reports whether inv's (workspace, group) is currently
	// claimed by a running task's root group — nil means no task is
	// active anywhere, so nothing is restricted.
	taskGuard func(workspaceID, groupID string) bool
}

// NewDispatcher builds a dispatcher with the fixed built-in catalog
// registered. taskGuard may be nil (no task-mode restriction applied,
// e.g. in tests).
func NewDispatcher(deps Deps, taskGuard func(workspaceID, groupID string) bool) *Dispatcher {
	d := &Dispatcher{
		tools:     map[string]toolDef{},
		plugins:   map[string]Handler{},
		bus:       deps.Bus,
		taskGuard: taskGuard,
	}
	registerBuiltins(d, deps)
	return d
}

// RegisterPlugin adds a tool the fixed catalog does not name; it is
// never subject to task-mode restriction.
func (d *Dispatcher) RegisterPlugin(name string, h Handler) {
	d.plugins[name] = h
}

// Schemas returns the {name, description, parameters} triples for every
// built-in tool, for publishing to the model (spec §9 dynamic schemas).
func (d *Dispatcher) Schemas() []modelclient.ToolSchema {
	out := make([]modelclient.ToolSchema, 0, len(d.tools))
	for _, def := range d.tools {
		out = append(out, def.schema)
	}
	return out
}

// Dispatch executes inv.ToolCall.Name, enforcing task-mode restrictions
// first, then schema-validating the arguments, then invoking the
// handler. It returns only a Result: every failure, including an error
// returned by a handler, is encoded into it so callers can persist it as
// a tool message unconditionally. A panicking handler is not recovered.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Result {
	name := inv.ToolCall.Name
	args := json.RawMessage(inv.ToolCall.ArgumentsText)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	d.emitToolStart(inv)
	res := d.dispatchOne(ctx, inv, name, args)
	d.emitToolDone(inv, res)
	return res
}

func (d *Dispatcher) dispatchOne(ctx context.Context, inv Invocation, name string, args json.RawMessage) Result {
	if def, ok := d.tools[name]; ok {
		if def.restrictedInTask && d.inTaskRoot(inv) {
			return errResult("tool %q is restricted while a task run owns this group", name)
		}
		if name == "send_group_message" && d.inTaskRoot(inv) {
			var parsed struct {
				GroupID string `json:"groupId"`
			}
			_ = json.Unmarshal(args, &parsed)
			if parsed.GroupID != "" && parsed.GroupID != inv.GroupID {
				return errResult("send_group_message to a different group is restricted during an active task")
			}
		}
		if err := validateArgs(def.schema, args); err != nil {
			return errResult("invalid arguments for %s: %v", name, err)
		}
		res, err := def.handler(ctx, inv, args)
		if err != nil {
			return errResult("%s failed: %v", name, err)
		}
		return res
	}

	if h, ok := d.plugins[name]; ok {
		res, err := h(ctx, inv, args)
		if err != nil {
			return errResult("%s failed: %v", name, err)
		}
		return res
	}

	return errResult("Unknown tool: %s", name)
}

// emitToolStart/emitToolDone bracket every invocation with the UI
// events spec §4.3 names ("Emit UI tool_call.start / tool_call.done
// events around every invocation").
func (d *Dispatcher) emitToolStart(inv Invocation) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(inv.WorkspaceID, bus.EventAgentToolCallStart, map[string]any{
		"agentId": inv.AgentID, "groupId": inv.GroupID,
		"toolCallId": inv.ToolCall.ID, "toolName": inv.ToolCall.Name,
	})
}

func (d *Dispatcher) emitToolDone(inv Invocation, res Result) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(inv.WorkspaceID, bus.EventAgentToolCallDone, map[string]any{
		"agentId": inv.AgentID, "groupId": inv.GroupID,
		"toolCallId": inv.ToolCall.ID, "toolName": inv.ToolCall.Name, "ok": res.OK,
	})
}

func (d *Dispatcher) inTaskRoot(inv Invocation) bool {
	if d.taskGuard == nil {
		return false
	}
	return d.taskGuard(inv.WorkspaceID, inv.GroupID)
}
