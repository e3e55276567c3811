package engine

import (
	"sync"
	"time"

	"github.com/quantarax/beam/internal/protocol"
)

// State is a Sender/Receiver engine's position in its shared state-machine
// shape: IDLE -> HANDSHAKE -> TRANSFER -> DONE, with ERROR as a sink state
// reachable from HANDSHAKE or TRANSFER, and CANCELLED as a sink state
// reachable from IDLE, HANDSHAKE or TRANSFER.
type State int

const (
	StateIdle State = iota
	StateHandshake
	StateTransfer
	StateDone
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshake:
		return "HANDSHAKE"
	case StateTransfer:
		return "TRANSFER"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:      {StateHandshake, StateCancelled},
	StateHandshake: {StateTransfer, StateError, StateCancelled},
	StateTransfer:  {StateDone, StateError, StateCancelled},
	StateDone:      {},
	StateError:     {},
	StateCancelled: {},
}

// session holds the state common to both Sender and Receiver engines: role,
// sequence numbers, and file/chunk metadata for one transfer attempt.
type session struct {
	mu sync.Mutex

	sessionID     string
	party         protocol.Party
	localSeq      uint32
	remoteSeqSeen uint32

	fileName    string
	fileSize    uint64
	mimeType    string
	chunkSize   uint32
	totalChunks uint32

	state     State
	startTime time.Time
}

// transitionTo moves the session to newState if that edge is allowed from
// the current state, otherwise returns ErrInvalidTransition.
func (s *session) transitionTo(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range validTransitions[s.state] {
		if allowed == newState {
			s.state = newState
			return nil
		}
	}
	return &ErrInvalidTransition{From: s.state, To: newState}
}

func (s *session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// nextLocalSeq returns the current local_seq and increments it, per the
// wire contract that every outbound message carries the next sequence
// number.
func (s *session) nextLocalSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.localSeq
	s.localSeq++
	return v
}

func (s *session) observeRemoteSeq(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSeqSeen = seq
}

func (s *session) isTerminal() bool {
	switch s.getState() {
	case StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}
