package masterloop

import (
	"context"
	"log"

	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
)

// Environment is one ENV_PATH given on the master's command line: its Store,
// repository Adapter, build Queue, and the slave Registry that environment's
// long-lived (gRPC) sessions register into. A master process runs the loop
// over one or more Environments concurrently, mirroring the original
// BuildMaster's support for multiple project environments in one process.
type Environment struct {
	Name     string
	Store    store.Store
	Repo     vcsrepo.Adapter
	Queue    *queue.Queue
	Registry *Registry
}

// NewEnvironment wires a Queue over store/repo and an empty Registry.
func NewEnvironment(name string, s store.Store, repo vcsrepo.Adapter, q *queue.Queue) *Environment {
	return &Environment{Name: name, Store: s, Repo: repo, Queue: q, Registry: NewRegistry()}
}

// populate runs one populator tick: collect new changes and enqueue pending
// builds for this environment only.
func (e *Environment) populate(ctx context.Context) {
	if err := e.Queue.Populate(ctx); err != nil {
		log.Printf("masterloop: %s: populate: %v", e.Name, err)
	}
}

// dispatch offers a build to every currently idle registered session in this
// environment, one per session per tick — the long-lived-transport half of
// get_build_for_slave's allocation, pushed rather than polled.
func (e *Environment) dispatch(ctx context.Context) {
	for _, s := range e.Registry.Idle() {
		if err := s.Offer(ctx); err != nil {
			log.Printf("masterloop: %s: offer to %s: %v", e.Name, s.Name(), err)
		}
	}
}
