// Package grpctransport implements the long-lived duplex binding: a single
// bidirectional-streaming RPC carries every protocol message in both
// directions, framed as wire.Envelope values via the xml codec instead of
// protobuf. Grounded on the teacher's hand-written pb/builder.BuilderServer
// pattern — this tree ships no protoc-generated code either, just a
// ServiceDesc and codec written by hand.
package grpctransport

import (
	"github.com/forgecoord/bco/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(xmlCodec{})
}

// ChannelServer is the server side of the single RPC this service exposes:
// a bidirectional stream of wire.Envelope values.
type ChannelServer interface {
	Channel(stream Channel_ChannelServer) error
}

// SessionServer is implemented by a type that can be registered to serve
// the "bco.Session" service.
type SessionServer interface {
	ChannelServer
}

// Channel_ChannelServer is the stream handle passed to ChannelServer.Channel,
// modeled on the *_Server type protoc-gen-go-grpc would generate for a bidi
// stream named Channel.
type Channel_ChannelServer interface {
	Send(*wire.Envelope) error
	Recv() (*wire.Envelope, error)
	grpc.ServerStream
}

type channelServer struct {
	grpc.ServerStream
}

func (s *channelServer) Send(e *wire.Envelope) error {
	return s.ServerStream.SendMsg(e)
}

func (s *channelServer) Recv() (*wire.Envelope, error) {
	e := new(wire.Envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func _Session_Channel_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SessionServer).Channel(&channelServer{ServerStream: stream})
}

// ServiceDesc is the service descriptor a protoc-gen-go-grpc plugin would
// normally emit; written by hand since the service carries XML envelopes,
// not protobuf messages.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "bco.Session",
	HandlerType: (*SessionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       _Session_Channel_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bco/session.proto",
}

// RegisterSessionServer registers srv against s using ServiceDesc.
func RegisterSessionServer(s *grpc.Server, srv SessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}
