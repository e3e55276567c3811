// Package protocol implements Beam's wire message schema: a five-variant
// tagged tuple, serialized to a compact binary frame and enveloped in
// base64 for display as a single QR code.
package protocol

// Tag is the wire discriminator for a Message variant.
type Tag uint8

const (
	TagHello Tag = 0
	TagAck   Tag = 1
	TagPull  Tag = 2
	TagData  Tag = 3
	TagError Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagAck:
		return "ACK"
	case TagPull:
		return "PULL"
	case TagData:
		return "DATA"
	case TagError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Party identifies which role a peer is playing in a session.
type Party uint8

const (
	PartySender   Party = 0
	PartyReceiver Party = 1
)

// ErrorType enumerates the ERROR message's error_type field.
type ErrorType uint8

const (
	ErrorInvalidParty ErrorType = 0
)

// Message is the sum type over the five wire variants. Implementations are
// value types; Tag() is the only method so the codec can flat-match on it
// without virtual dispatch into variant-specific behavior.
type Message interface {
	Tag() Tag
}

// Hello announces a peer's role and file metadata at the start of a session.
type Hello struct {
	SessionID    string
	Seq          uint32
	Party        Party
	ProtoVersion uint8
	FileName     string
	FileSize     uint64
	MimeType     string
	TotalChunks  uint32
	ChunkSize    uint32
}

func (Hello) Tag() Tag { return TagHello }

// Ack acknowledges a HELLO or, from the sender, a receiver's ACK.
type Ack struct {
	SessionID string
	Seq       uint32
}

func (Ack) Tag() Tag { return TagAck }

// Pull requests a chunk by index from the sender.
type Pull struct {
	SessionID  string
	Seq        uint32
	ChunkIndex int32
}

func (Pull) Tag() Tag { return TagPull }

// Data carries one chunk's payload and the index of the next chunk to pull,
// or -1 when there are no more chunks.
type Data struct {
	SessionID       string
	Seq             uint32
	ChunkIndex      int32
	NextChunkIndex  int32
	Payload         []byte
}

func (Data) Tag() Tag { return TagData }

// ErrorMsg signals a fatal protocol condition to the peer. Per the wire
// schema it carries only the error type — no session id.
type ErrorMsg struct {
	ErrorType ErrorType
}

func (ErrorMsg) Tag() Tag { return TagError }

// arity is the exact field count the codec expects for each tag, used to
// validate a decoded generic tuple before constructing its specific variant.
var arity = map[Tag]int{
	TagHello: 9,
	TagAck:   2,
	TagPull:  3,
	TagData:  5,
	TagError: 1,
}
