// Package masterloop implements the populator and dispatcher tickers that
// drive every environment's build queue, plus the slave registry the
// long-lived (gRPC) transport binding registers into so the dispatcher can
// push a recipe to an idle slave as soon as one is built.
package masterloop

import (
	"context"
	"sync"
)

// Session is the subset of a connected slave's session a transport binding
// exposes to the Master Loop's dispatcher: whether it's idle (REGISTERED,
// not yet building) and a way to offer it a build.
type Session interface {
	Name() string
	// Idle reports whether this session can currently be offered a build.
	Idle() bool
	// Offer attempts to allocate and push a build to this session. A nil
	// error with no build found is not an error: the dispatcher just tries
	// the next session.
	Offer(ctx context.Context) error
	// Disconnect ends this session without closing its underlying
	// connection, the same way a new registration under the same name
	// implicitly disconnects whatever session held that name before.
	Disconnect()
}

// Registry is the slave registry: a single-writer-at-a-time map from slave
// name to its live Session, grounded on the single-writer status map in the
// teacher's autobuilder daemon.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Get returns the session currently registered under name, if any.
func (r *Registry) Get(name string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Register adds or replaces the session registered under name. Replacing an
// existing entry is treated as an implicit disconnect of the slave that held
// the name before; the caller is responsible for disconnecting the previous
// session.
func (r *Registry) Register(name string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[name] = s
}

// Unregister removes the session registered under name, if it is still s
// (guards against a newer registration's Unregister racing an older one's).
func (r *Registry) Unregister(name string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[name] == s {
		delete(r.sessions, name)
	}
}

// Idle returns every currently idle session, a snapshot safe to range over
// after Idle returns.
func (r *Registry) Idle() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Idle() {
			out = append(out, s)
		}
	}
	return out
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
