// Package supervisor implements the task supervisor from spec §4.4: a
// per-workspace registry of at-most-one active task run that gates which
// agents may act, evaluates stop conditions on a ticker and on every
// turn/message notification, and produces a summary message plus a
// quality review when a run stops.
package supervisor

import (
	"context"
	"time"

	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/store"
)

// Interrupter requests a cooperative interrupt on an agent's runner. It
// is an interface rather than a direct dependency on internal/runner or
// internal/facade so that neither of those packages needs to import
// this one in turn.
type Interrupter interface {
	InterruptAgent(ctx context.Context, agentID string)
}

// BusEmitter is the UI bus's Emit method, mirroring the same narrow
// interface internal/tooling and internal/fanout depend on.
type BusEmitter interface {
	Emit(workspaceID, eventType string, payload any)
}

// Deps bundles everything the supervisor needs.
type Deps struct {
	Store     store.Store
	Bus       BusEmitter
	Interrupt Interrupter

	// Clients pre-resolves a model client per wire dialect for the
	// quality-review call; a dialect absent from this map is built on
	// demand via modelclient.NewClient.
	Clients map[modelclient.Dialect]modelclient.Client

	Now   func() time.Time
	NewID func() string

	// TickInterval overrides every run's evaluation cadence; zero means
	// fall back to the run's own Budget.TickInterval, or the package
	// default of 10s if that is also unset. Ignored when EvaluationCron
	// is set.
	TickInterval time.Duration

	// EvaluationCron, when non-empty, schedules evaluate() calls against
	// a cron expression instead of a flat interval (operators express
	// this as task_budget.evaluation_cron in config).
	EvaluationCron string
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func clientFor(deps Deps, dialect modelclient.Dialect) (modelclient.Client, error) {
	if deps.Clients != nil {
		if c, ok := deps.Clients[dialect]; ok {
			return c, nil
		}
	}
	return modelclient.NewClient(nil, dialect)
}
