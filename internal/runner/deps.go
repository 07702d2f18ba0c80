// Package runner implements the agent runner from spec §4.1: a single
// cooperatively-scheduled worker per agent that drains unread group
// batches through the model and the tool dispatcher, one group at a
// time, persisting the resulting history after each batch.
package runner

import (
	"time"

	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/internal/store"
	"github.com/haasonsaas/swarmcore/internal/tooling"
)

// SkillsSummary renders the skill metadata block seeded into a fresh
// agent's system message and appended to an existing history that
// predates it.
type SkillsSummary func() string

// Deps bundles everything a Runner needs to drain one agent.
type Deps struct {
	Store      store.Store
	Dispatcher *tooling.Dispatcher
	Streams    *bus.AgentStreams

	// Clients pre-resolves a Client per wire dialect; a dialect absent
	// from this map is built on demand via modelclient.NewClient, which
	// is cheap (it only wraps an *http.Client) and safe to do without a
	// lock since the result is never mutated in place.
	Clients map[modelclient.Dialect]modelclient.Client

	Skills SkillsSummary

	Now   func() time.Time
	NewID func() string

	// MaxToolRounds bounds runWithTools; defaults to 3 (spec §4.1).
	MaxToolRounds int
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
