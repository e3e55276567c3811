package protocol

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []Message{
		Hello{
			SessionID: "ABCDE", Seq: 42, Party: PartySender, ProtoVersion: 0,
			FileName: "vacation.jpg", FileSize: 1048576, MimeType: "image/jpeg",
			TotalChunks: 16, ChunkSize: 65536,
		},
		Ack{SessionID: "ABCDE", Seq: 1},
		Pull{SessionID: "ABCDE", Seq: 2, ChunkIndex: 3},
		Data{
			SessionID: "ABCDE", Seq: 3, ChunkIndex: 0, NextChunkIndex: 1,
			Payload: []byte("hello chunk payload"),
		},
		ErrorMsg{ErrorType: ErrorInvalidParty},
	}

	for _, msg := range cases {
		wire, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%+v) failed: %v", msg, err)
		}
		decoded, err := Decode(wire)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", wire, err)
		}
		if decoded.Tag() != msg.Tag() {
			t.Errorf("round-trip tag mismatch: got %v, want %v", decoded.Tag(), msg.Tag())
		}

		switch want := msg.(type) {
		case Data:
			got := decoded.(Data)
			if !bytes.Equal(got.Payload, want.Payload) || got.ChunkIndex != want.ChunkIndex ||
				got.NextChunkIndex != want.NextChunkIndex || got.SessionID != want.SessionID || got.Seq != want.Seq {
				t.Errorf("Data round-trip mismatch: got %+v, want %+v", got, want)
			}
		case Hello:
			got := decoded.(Hello)
			if got != want {
				t.Errorf("Hello round-trip mismatch: got %+v, want %+v", got, want)
			}
		}
	}
}

func TestDecode_WireIsBase64(t *testing.T) {
	wire, err := Encode(Ack{SessionID: "ABCDE", Seq: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(wire); err != nil {
		t.Errorf("wire string is not valid base64: %v", err)
	}
}

func TestDecode_RejectsWrongArity(t *testing.T) {
	// Hand-build an ACK frame (tag=1) but claim arity 5, which does not
	// match the tag-specific arity of 2.
	raw := []byte{byte(TagAck), 5}
	wire := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decode(wire); err == nil {
		t.Error("expected arity mismatch to be rejected, got nil error")
	}
}

func TestDecode_RejectsUnknownTag(t *testing.T) {
	raw := []byte{99, 0}
	wire := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decode(wire); err == nil {
		t.Error("expected unknown tag to be rejected, got nil error")
	}
}

func TestDecode_RejectsMalformedBase64(t *testing.T) {
	if _, err := Decode("not valid base64!!!"); err == nil {
		t.Error("expected malformed base64 to be rejected, got nil error")
	}
}

func TestDecode_RejectsEmptyFrame(t *testing.T) {
	wire := base64.StdEncoding.EncodeToString(nil)
	if _, err := Decode(wire); err == nil {
		t.Error("expected empty frame to be rejected, got nil error")
	}
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	// Tag + arity claim 2 fields but provide none.
	raw := []byte{byte(TagAck), 2}
	wire := base64.StdEncoding.EncodeToString(raw)
	if _, err := Decode(wire); err == nil {
		t.Error("expected truncated frame to be rejected, got nil error")
	}
}

func TestDecode_RejectsWrongFieldValueType(t *testing.T) {
	// Hand-build an ACK frame (tag=1, arity=2) whose session_id field is
	// encoded as vtU8 instead of vtString — correct tag and arity, but a
	// per-field valueType that doesn't match what fromValues expects for
	// that position.
	var raw bytes.Buffer
	raw.WriteByte(byte(TagAck))
	raw.WriteByte(2)
	raw.WriteByte(byte(vtU8))
	raw.WriteByte(7)
	raw.WriteByte(byte(vtU32))
	raw.Write([]byte{0, 0, 0, 1})

	wire := base64.StdEncoding.EncodeToString(raw.Bytes())

	_, err := Decode(wire)
	if err == nil {
		t.Fatal("expected wrong-valueType field to be rejected, got nil error")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestTagString(t *testing.T) {
	cases := map[Tag]string{
		TagHello: "HELLO",
		TagAck:   "ACK",
		TagPull:  "PULL",
		TagData:  "DATA",
		TagError: "ERROR",
		Tag(200): "UNKNOWN",
	}
	for tag, want := range cases {
		if got := tag.String(); got != want {
			t.Errorf("Tag(%d).String() = %q, want %q", tag, got, want)
		}
	}
}
