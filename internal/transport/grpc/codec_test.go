package grpctransport

import (
	"testing"

	"github.com/forgecoord/bco/internal/wire"
)

func TestXMLCodecRoundTrip(t *testing.T) {
	var c xmlCodec
	in := &wire.Envelope{Kind: wire.KindStep, Payload: []byte(`<step id="s1"/>`)}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	out := new(wire.Envelope)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != in.Kind || string(out.Payload) != string(in.Payload) {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestXMLCodecMarshalRejectsWrongType(t *testing.T) {
	var c xmlCodec
	if _, err := c.Marshal("not an envelope"); err == nil {
		t.Fatal("Marshal of a non-*wire.Envelope value should fail")
	}
}

func TestXMLCodecName(t *testing.T) {
	var c xmlCodec
	if c.Name() != "xml" {
		t.Fatalf("Name() = %q, want %q", c.Name(), "xml")
	}
}
