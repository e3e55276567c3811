package engine

import "fmt"

// InvalidPartyError signals a party-role collision (a second receiver on the
// channel) or a HELLO whose party field does not match what the local
// engine expected.
type InvalidPartyError struct {
	SessionID string
	Msg       string
}

func (e *InvalidPartyError) Error() string {
	return fmt.Sprintf("invalid party [session=%s]: %s", e.SessionID, e.Msg)
}

// InvalidChunkError covers an out-of-range chunk index, an empty payload
// where one was expected, missing chunks at completion, or an assembled
// size mismatch.
type InvalidChunkError struct {
	SessionID string
	Msg       string
}

func (e *InvalidChunkError) Error() string {
	return fmt.Sprintf("invalid chunk [session=%s]: %s", e.SessionID, e.Msg)
}

// TimeoutError reports that the peer has gone quiet past a watchdog. The
// engines in this package do not raise it: they report every Transport
// on_error as a ConnectionLostError.
type TimeoutError struct {
	SessionID string
	Msg       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout [session=%s]: %s", e.SessionID, e.Msg)
}

// ConnectionLostError is surfaced from the Transport's on_error when the
// underlying channel terminates permanently.
type ConnectionLostError struct {
	SessionID string
	Msg       string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost [session=%s]: %s", e.SessionID, e.Msg)
}

// SessionExpiredError is raised when a resume is attempted against a
// ChunkStore entry that failed integrity validation.
type SessionExpiredError struct {
	SessionID string
	Msg       string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired [session=%s]: %s", e.SessionID, e.Msg)
}

// CancelledError resolves an outstanding Send/Receive call when Cancel is
// invoked.
type CancelledError struct {
	SessionID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("transfer cancelled [session=%s]", e.SessionID)
}

// ErrInvalidTransition reports an attempted state transition this engine
// does not allow from its current state.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
