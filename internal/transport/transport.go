// Package transport defines the external channel a Beam engine speaks
// frames over, plus an in-process loopback implementation used by tests,
// the reference CLI, and local demos where no real QR/camera hardware is
// available.
package transport

import "context"

// Writer carries outbound frames to the peer. Write must eventually make
// the frame observable to the peer — typically by replacing the
// currently-displayed QR code.
type Writer interface {
	Write(ctx context.Context, frame string) error
}

// Reader delivers inbound frames from the peer. Read is long-lived: it
// invokes onData once per successfully decoded frame (possibly more than
// once with the same payload, if the underlying camera decodes the same
// still multiple times — callers deduplicate by sequence number when
// needed) and invokes onError at most once, after which the Reader is
// considered terminated. Read blocks until ctx is done or the Reader stops
// permanently.
type Reader interface {
	Read(ctx context.Context, onData func(string), onError func(error)) error
}
