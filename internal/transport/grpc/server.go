package grpctransport

import (
	"context"
	"encoding/xml"
	"io"
	"log"
	"sync"

	"github.com/forgecoord/bco/internal/masterloop"
	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/session"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/wire"
)

// Server implements SessionServer, driving one session.Machine per Channel
// call and registering each connected slave into a masterloop.Registry so
// the dispatcher tick can push builds asynchronously instead of the slave
// having to ask.
type Server struct {
	Store            store.Store
	Queue            *queue.Queue
	Registry         *masterloop.Registry
	LogSink          session.LogSink
	AdjustTimestamps bool
	CheckInterval    int64
	Now              func() int64
}

// handle is one connected slave's live session: the Machine plus the stream
// it's pinned to, guarded by mu since Offer (called from the dispatcher
// goroutine) and Channel's receive loop (its own goroutine) both touch it.
type handle struct {
	mu      sync.Mutex
	machine *session.Machine
	stream  Channel_ChannelServer
	name    string
}

func (h *handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *handle) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.State() == session.StateRegistered
}

// Disconnect marks the underlying Machine disconnected. It does not close
// the stream: Channel's receive loop notices on its own next Recv/Send and
// returns, the same way an HTTP slave that stops polling is only noticed
// the next time something tries to use its allocation.
func (h *handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.machine.Disconnect()
}

// Offer tries to dispatch a build to this slave and, if one was found,
// pushes the annotated recipe down the stream as a "proceed" envelope.
func (h *handle) Offer(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.machine.State() != session.StateRegistered {
		return nil
	}
	recipe, _, err := h.machine.Dispatch(ctx)
	if err != nil {
		return err
	}
	if recipe == nil {
		return nil
	}
	return h.stream.Send(&wire.Envelope{Kind: wire.KindProceed, Payload: recipe})
}

// Channel drives one slave connection end to end: Register, then a loop
// reading Step/Completed/Aborted/ProtocolError envelopes until the stream
// closes or a protocol error terminates the session.
func (s *Server) Channel(stream Channel_ChannelServer) error {
	machine := session.NewMachine(s.Store, s.Queue)
	machine.AdjustTimestamps = s.AdjustTimestamps
	machine.CheckInterval = s.CheckInterval
	if s.LogSink != nil {
		machine.LogSink = s.LogSink
	}
	if s.Now != nil {
		machine.Now = s.Now
	}

	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Kind != wire.KindRegister {
		return writeProtocolError(stream, "expected register as first message")
	}
	var reg wire.Register
	if err := xml.Unmarshal(first.Payload, &reg); err != nil {
		return writeProtocolError(stream, "malformed register document")
	}
	if err := machine.Register(ctx, reg); err != nil {
		if err == session.ErrNothingToBuild {
			return writeProtocolError(stream, "nothing to build")
		}
		return err
	}

	h := &handle{machine: machine, stream: stream, name: reg.Name}
	if prev, ok := s.Registry.Get(reg.Name); ok {
		prev.Disconnect()
	}
	s.Registry.Register(reg.Name, h)
	defer s.Registry.Unregister(reg.Name, h)
	defer machine.Disconnect()

	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		h.mu.Lock()
		err = s.dispatchEnvelope(ctx, machine, env)
		h.mu.Unlock()
		if err != nil {
			machine.Fail(err.Error())
			return writeProtocolError(stream, err.Error())
		}
	}
}

func (s *Server) dispatchEnvelope(ctx context.Context, m *session.Machine, env *wire.Envelope) error {
	switch env.Kind {
	case wire.KindProceed:
		return m.Proceed(ctx)
	case wire.KindStep:
		var step wire.Step
		if err := xml.Unmarshal(env.Payload, &step); err != nil {
			return err
		}
		return m.Step(ctx, step)
	case wire.KindCompleted:
		var c wire.Completed
		if err := xml.Unmarshal(env.Payload, &c); err != nil {
			return err
		}
		return m.Complete(ctx, c)
	case wire.KindAborted:
		return m.Abort(ctx)
	case wire.KindError:
		var pe wire.ProtocolError
		xml.Unmarshal(env.Payload, &pe)
		log.Printf("grpctransport: %s: slave reported protocol error: %s", m.Name(), pe.Message)
		return nil
	default:
		return unknownEnvelopeKind(env.Kind)
	}
}

func writeProtocolError(stream Channel_ChannelServer, message string) error {
	payload, err := xml.Marshal(wire.ProtocolError{Message: message})
	if err != nil {
		return err
	}
	return stream.Send(&wire.Envelope{Kind: wire.KindError, Payload: payload})
}

type unknownEnvelopeKind wire.Kind

func (k unknownEnvelopeKind) Error() string {
	return "grpctransport: unknown envelope kind " + string(k)
}
