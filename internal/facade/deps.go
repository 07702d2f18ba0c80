// Package facade implements the runtime façade from spec §4.5: the
// process-wide singleton that owns the in-memory runners map, wires the
// agent runner, task supervisor, and fan-out together, and exposes the
// handful of idempotent operations every HTTP handler and CLI command
// goes through rather than touching those subsystems directly.
package facade

import (
	"sync"

	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/internal/runner"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/supervisor"
)

// Deps bundles everything the façade needs. RunnerDeps is the shared
// template passed to runner.New for every agent; it is safe to reuse
// across runners because none of its fields are agent-specific.
type Deps struct {
	Store      store.Store
	RunnerDeps runner.Deps
	Supervisor *supervisor.Supervisor
	Metrics    *obs.Metrics
}

// Facade is the process-wide singleton (spec §4.5 Component H). The
// runners map is its only mutable process-global state besides the
// supervisor's own (spec §5: "the in-memory runners map and the
// in-memory task map are owned by the façade").
type Facade struct {
	deps Deps

	mu      sync.Mutex
	runners map[string]*runner.Runner
}

// New builds a Facade. Call Bootstrap once after construction.
func New(deps Deps) *Facade {
	return &Facade{deps: deps, runners: map[string]*runner.Runner{}}
}

func (f *Facade) setActiveRunnersMetricLocked() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.ActiveRunners.Set(float64(len(f.runners)))
	}
}

// SetSupervisor wires the task supervisor in after construction. The
// supervisor's own Deps.Interrupt must be this Facade (it implements
// supervisor.Interrupter), which means one of the two has to be built
// before the other is fully configured; callers construct the Facade
// first, then the Supervisor with Interrupt: facade, then call this.
func (f *Facade) SetSupervisor(s *supervisor.Supervisor) {
	f.deps.Supervisor = s
}

// SetRunnerDeps wires the runner template in after construction, for
// the same reason SetSupervisor exists: the dispatcher a runner needs
// is built from a tooling.Fanout that in turn needs this Facade as its
// Waker/Notifier, so the Facade must exist before RunnerDeps can be
// assembled.
func (f *Facade) SetRunnerDeps(deps runner.Deps) {
	f.deps.RunnerDeps = deps
}
