package wire

// Kind identifies which protocol message an Envelope carries, so the
// long-lived duplex binding (internal/transport/grpc) can dispatch a single
// bidirectional stream of these onto the right session.Machine handler
// without a distinct RPC method per message.
type Kind string

const (
	KindRegister  Kind = "register"
	KindProceed   Kind = "proceed"
	KindStarted   Kind = "started"
	KindStep      Kind = "step"
	KindCompleted Kind = "completed"
	KindAborted   Kind = "aborted"
	KindError     Kind = "error"
)

// Envelope is the unit exchanged over the gRPC duplex channel: a message
// kind tag plus its XML-encoded payload. The custom "xml" grpc.Codec
// (internal/transport/grpc) marshals this type directly instead of the
// protobuf wire format.
type Envelope struct {
	Kind    Kind
	Payload []byte
}
