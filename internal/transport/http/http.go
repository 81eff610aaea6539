// Package httptransport implements the polling HTTP binding: a slave
// that cannot hold a long-lived connection instead makes one request per
// protocol step, against a Handler that keeps the session.Machine alive in
// memory between requests. Grounded on the original system's request-driven
// "BuildMaster" handler (build creation, initiation, and per-step PUTs).
package httptransport

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"

	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/session"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/wire"
)

const contentType = "application/x-bitten+xml"

var pathRE = regexp.MustCompile(`^/builds(?:/(\d+)(?:/(steps|files)/([^/]+))?)?$`)

// allocation is one slave's outstanding build: its Machine (so later
// requests can drive the same state machine) and the recipe GET /builds/{id}
// serves once.
type allocation struct {
	machine *session.Machine
	recipe  []byte
}

// Handler serves the three routes of the HTTP binding.
type Handler struct {
	Store            store.Store
	Queue            *queue.Queue
	AdjustTimestamps bool
	CheckInterval    int64
	LogSink          session.LogSink
	Now              func() int64

	mu      sync.Mutex
	bySlave map[string]*allocation
	byBuild map[int64]*allocation
}

// NewHandler returns a Handler ready to serve.
func NewHandler(s store.Store, q *queue.Queue) *Handler {
	return &Handler{
		Store:   s,
		Queue:   q,
		LogSink: session.NopLogSink{},
		bySlave: make(map[string]*allocation),
		byBuild: make(map[int64]*allocation),
	}
}

func (h *Handler) newMachine() *session.Machine {
	m := session.NewMachine(h.Store, h.Queue)
	m.AdjustTimestamps = h.AdjustTimestamps
	m.CheckInterval = h.CheckInterval
	m.LogSink = h.LogSink
	m.Now = h.Now
	return m
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := pathRE.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	idStr, collection, member := m[1], m[2], m[3]

	if idStr == "" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCreate(w, r)
		return
	}

	var id int64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		http.NotFound(w, r)
		return
	}

	switch collection {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleInitiate(w, r, id)
	case "steps":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStep(w, r, id, member)
	case "files":
		// Artifact upload is out of core scope.
		w.WriteHeader(http.StatusNotImplemented)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var reg wire.Register
	if err := xml.Unmarshal(body, &reg); err != nil {
		http.Error(w, "malformed slave document", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	machine := h.newMachine()

	h.mu.Lock()
	if prev, ok := h.bySlave[reg.Name]; ok {
		prev.machine.Disconnect()
		delete(h.byBuild, buildIDOf(prev))
	}
	h.mu.Unlock()

	if err := machine.Register(ctx, reg); err != nil {
		if err == session.ErrNothingToBuild {
			writeXMLError(w, 550, "nothing to build")
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	recipe, id, err := machine.Dispatch(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recipe == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNoContent)
		io.WriteString(w, "No pending builds")
		return
	}

	alloc := &allocation{machine: machine, recipe: recipe}
	h.mu.Lock()
	h.bySlave[reg.Name] = alloc
	h.byBuild[id] = alloc
	h.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/builds/%d", id))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, "Build pending")
}

// handleInitiate serves the cached recipe. Fetching it is the slave's
// implicit acknowledgment, so this is also where AWAITING_PROCEED ->
// BUILDING happens, matching the original handler setting build.started
// at this same point rather than at allocation time.
func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request, id int64) {
	h.mu.Lock()
	alloc, ok := h.byBuild[id]
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if err := alloc.machine.Proceed(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(alloc.recipe)
}

func (h *Handler) handleStep(w http.ResponseWriter, r *http.Request, id int64, name string) {
	h.mu.Lock()
	alloc, ok := h.byBuild[id]
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch name {
	case "completed", "aborted", "error":
		h.handleTerminal(w, ctx, alloc, name, body)
	default:
		var step wire.Step
		if err := xml.Unmarshal(body, &step); err != nil {
			h.fail(alloc, "malformed step document")
			http.Error(w, "malformed step document", http.StatusBadRequest)
			return
		}
		if step.ID == "" {
			step.ID = name
		}
		if err := alloc.machine.Step(ctx, step); err != nil {
			h.fail(alloc, err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// handleTerminal serves PUT /builds/{id}/steps/{completed,aborted,error} —
// a supplemented route: the base route table gives only POST/GET/PUT
// .../steps/{name} and otherwise has nowhere for the completed/aborted/error
// messages to travel over this binding. Reusing the steps collection with
// these three reserved names keeps one route pattern for every message the
// long-lived binding also carries.
func (h *Handler) handleTerminal(w http.ResponseWriter, ctx context.Context, alloc *allocation, kind string, body []byte) {
	var err error
	switch kind {
	case "completed":
		var c wire.Completed
		if e := xml.Unmarshal(body, &c); e != nil {
			err = e
		} else {
			err = alloc.machine.Complete(ctx, c)
		}
	case "aborted":
		err = alloc.machine.Abort(ctx)
	case "error":
		var pe wire.ProtocolError
		xml.Unmarshal(body, &pe)
		h.fail(alloc, pe.Message)
		w.WriteHeader(http.StatusCreated)
		return
	}
	if err != nil {
		h.fail(alloc, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) fail(alloc *allocation, reason string) {
	alloc.machine.Fail(reason)
	h.mu.Lock()
	delete(h.bySlave, alloc.machine.Name())
	delete(h.byBuild, buildIDOf(alloc))
	h.mu.Unlock()
}

func buildIDOf(a *allocation) int64 {
	if b := a.machine.Build(); b != nil {
		return b.ID
	}
	return 0
}

func writeXMLError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	fmt.Fprintf(w, `<error message=%q/>`, message)
}
