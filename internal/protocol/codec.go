package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolError covers every malformed-frame, unexpected-message, and
// arity/version condition the codec and engines can raise.
type ProtocolError struct {
	SessionID string
	Msg       string
}

func (e *ProtocolError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("protocol error [session=%s]: %s", e.SessionID, e.Msg)
	}
	return "protocol error: " + e.Msg
}

func NewProtocolError(sessionID, msg string) *ProtocolError {
	return &ProtocolError{SessionID: sessionID, Msg: msg}
}

// valueType tags each generic tuple element so decode can read it back
// without knowing which Message variant it belongs to until arity and tag
// have both been checked.
type valueType uint8

const (
	vtString valueType = iota
	vtU8
	vtU32
	vtU64
	vtI32
	vtBytes
)

// Encode serializes msg into a positional-tuple binary frame and returns it
// base64-enveloped for display in a single QR code.
func Encode(msg Message) (string, error) {
	var buf bytes.Buffer

	values, err := toValues(msg)
	if err != nil {
		return "", err
	}

	buf.WriteByte(byte(msg.Tag()))
	if len(values) > 255 {
		return "", NewProtocolError("", "too many fields to encode")
	}
	buf.WriteByte(byte(len(values)))

	for _, v := range values {
		if err := writeValue(&buf, v); err != nil {
			return "", err
		}
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode base64-decodes s, deserializes it into a generic tuple, validates
// the tag-specific arity, then dispatches into the concrete Message variant.
func Decode(s string) (Message, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, NewProtocolError("", "invalid base64: "+err.Error())
	}

	r := bytes.NewReader(raw)

	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, NewProtocolError("", "empty frame")
	}
	tag := Tag(tagByte)

	arityByte, err := r.ReadByte()
	if err != nil {
		return nil, NewProtocolError("", "truncated frame: missing arity")
	}
	n := int(arityByte)

	wantArity, known := arity[tag]
	if !known {
		return nil, NewProtocolError("", fmt.Sprintf("unknown tag %d", tagByte))
	}
	if n != wantArity {
		return nil, NewProtocolError("", fmt.Sprintf("tag %s expects %d fields, got %d", tag, wantArity, n))
	}

	values := make([]interface{}, n)
	for i := 0; i < n; i++ {
		v, err := readValue(r)
		if err != nil {
			return nil, NewProtocolError("", "truncated frame: "+err.Error())
		}
		values[i] = v
	}

	return fromValues(tag, values)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case string:
		buf.WriteByte(byte(vtString))
		writeLenPrefixed(buf, []byte(x))
	case uint8:
		buf.WriteByte(byte(vtU8))
		buf.WriteByte(x)
	case uint32:
		buf.WriteByte(byte(vtU32))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], x)
		buf.Write(tmp[:])
	case uint64:
		buf.WriteByte(byte(vtU64))
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], x)
		buf.Write(tmp[:])
	case int32:
		buf.WriteByte(byte(vtI32))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(x))
		buf.Write(tmp[:])
	case []byte:
		buf.WriteByte(byte(vtBytes))
		writeLenPrefixed(buf, x)
	default:
		return NewProtocolError("", fmt.Sprintf("unsupported value type %T", v))
	}
	return nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

func readValue(r *bytes.Reader) (interface{}, error) {
	vtByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch valueType(vtByte) {
	case vtString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case vtU8:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return uint8(b), nil
	case vtU32:
		var tmp [4]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(tmp[:]), nil
	case vtU64:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(tmp[:]), nil
	case vtI32:
		var tmp [4]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(tmp[:])), nil
	case vtBytes:
		return readLenPrefixed(r)
	default:
		return nil, fmt.Errorf("unknown value type %d", vtByte)
	}
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// toValues flattens a Message into its tag's ordered field list.
func toValues(msg Message) ([]interface{}, error) {
	switch m := msg.(type) {
	case Hello:
		return []interface{}{
			m.SessionID, m.Seq, uint8(m.Party), m.ProtoVersion,
			m.FileName, m.FileSize, m.MimeType, m.TotalChunks, m.ChunkSize,
		}, nil
	case Ack:
		return []interface{}{m.SessionID, m.Seq}, nil
	case Pull:
		return []interface{}{m.SessionID, m.Seq, m.ChunkIndex}, nil
	case Data:
		return []interface{}{m.SessionID, m.Seq, m.ChunkIndex, m.NextChunkIndex, m.Payload}, nil
	case ErrorMsg:
		return []interface{}{uint8(m.ErrorType)}, nil
	default:
		return nil, NewProtocolError("", fmt.Sprintf("cannot encode message of type %T", msg))
	}
}

// asString, asU8, asU32, asU64, asI32, and asBytes each assert v's runtime
// type for field position i of tag. The arity check in Decode only confirms
// field *count*; it says nothing about the valueType byte readValue decoded
// each field from, so a frame with the right tag and arity but a field
// encoded with the wrong valueType (a corrupted or malicious frame) lands
// here with the wrong Go type. These helpers turn that into a ProtocolError
// instead of a panicking type assertion.
func asString(tag Tag, i int, v interface{}) (string, error) {
	x, ok := v.(string)
	if !ok {
		return "", NewProtocolError("", fmt.Sprintf("%s: field %d: expected string, got %T", tag, i, v))
	}
	return x, nil
}

func asU8(tag Tag, i int, v interface{}) (uint8, error) {
	x, ok := v.(uint8)
	if !ok {
		return 0, NewProtocolError("", fmt.Sprintf("%s: field %d: expected u8, got %T", tag, i, v))
	}
	return x, nil
}

func asU32(tag Tag, i int, v interface{}) (uint32, error) {
	x, ok := v.(uint32)
	if !ok {
		return 0, NewProtocolError("", fmt.Sprintf("%s: field %d: expected u32, got %T", tag, i, v))
	}
	return x, nil
}

func asU64(tag Tag, i int, v interface{}) (uint64, error) {
	x, ok := v.(uint64)
	if !ok {
		return 0, NewProtocolError("", fmt.Sprintf("%s: field %d: expected u64, got %T", tag, i, v))
	}
	return x, nil
}

func asI32(tag Tag, i int, v interface{}) (int32, error) {
	x, ok := v.(int32)
	if !ok {
		return 0, NewProtocolError("", fmt.Sprintf("%s: field %d: expected i32, got %T", tag, i, v))
	}
	return x, nil
}

func asBytes(tag Tag, i int, v interface{}) ([]byte, error) {
	x, ok := v.([]byte)
	if !ok {
		return nil, NewProtocolError("", fmt.Sprintf("%s: field %d: expected bytes, got %T", tag, i, v))
	}
	return x, nil
}

// fromValues reconstructs the tag-specific Message from an arity-checked
// generic tuple, validating every field's decoded type along the way.
func fromValues(tag Tag, v []interface{}) (Message, error) {
	switch tag {
	case TagHello:
		sessionID, err := asString(tag, 0, v[0])
		if err != nil {
			return nil, err
		}
		seq, err := asU32(tag, 1, v[1])
		if err != nil {
			return nil, err
		}
		party, err := asU8(tag, 2, v[2])
		if err != nil {
			return nil, err
		}
		protoVersion, err := asU8(tag, 3, v[3])
		if err != nil {
			return nil, err
		}
		fileName, err := asString(tag, 4, v[4])
		if err != nil {
			return nil, err
		}
		fileSize, err := asU64(tag, 5, v[5])
		if err != nil {
			return nil, err
		}
		mimeType, err := asString(tag, 6, v[6])
		if err != nil {
			return nil, err
		}
		totalChunks, err := asU32(tag, 7, v[7])
		if err != nil {
			return nil, err
		}
		chunkSize, err := asU32(tag, 8, v[8])
		if err != nil {
			return nil, err
		}
		return Hello{
			SessionID:    sessionID,
			Seq:          seq,
			Party:        Party(party),
			ProtoVersion: protoVersion,
			FileName:     fileName,
			FileSize:     fileSize,
			MimeType:     mimeType,
			TotalChunks:  totalChunks,
			ChunkSize:    chunkSize,
		}, nil
	case TagAck:
		sessionID, err := asString(tag, 0, v[0])
		if err != nil {
			return nil, err
		}
		seq, err := asU32(tag, 1, v[1])
		if err != nil {
			return nil, err
		}
		return Ack{SessionID: sessionID, Seq: seq}, nil
	case TagPull:
		sessionID, err := asString(tag, 0, v[0])
		if err != nil {
			return nil, err
		}
		seq, err := asU32(tag, 1, v[1])
		if err != nil {
			return nil, err
		}
		chunkIndex, err := asI32(tag, 2, v[2])
		if err != nil {
			return nil, err
		}
		return Pull{SessionID: sessionID, Seq: seq, ChunkIndex: chunkIndex}, nil
	case TagData:
		sessionID, err := asString(tag, 0, v[0])
		if err != nil {
			return nil, err
		}
		seq, err := asU32(tag, 1, v[1])
		if err != nil {
			return nil, err
		}
		chunkIndex, err := asI32(tag, 2, v[2])
		if err != nil {
			return nil, err
		}
		nextChunkIndex, err := asI32(tag, 3, v[3])
		if err != nil {
			return nil, err
		}
		payload, err := asBytes(tag, 4, v[4])
		if err != nil {
			return nil, err
		}
		return Data{
			SessionID:      sessionID,
			Seq:            seq,
			ChunkIndex:     chunkIndex,
			NextChunkIndex: nextChunkIndex,
			Payload:        payload,
		}, nil
	case TagError:
		errorType, err := asU8(tag, 0, v[0])
		if err != nil {
			return nil, err
		}
		return ErrorMsg{ErrorType: ErrorType(errorType)}, nil
	default:
		return nil, NewProtocolError("", fmt.Sprintf("unknown tag %d", tag))
	}
}
