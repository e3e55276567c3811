package engine

import "testing"

func TestSessionTransitions(t *testing.T) {
	s := &session{state: StateIdle}

	if err := s.transitionTo(StateHandshake); err != nil {
		t.Fatalf("Idle->Handshake: %v", err)
	}
	if err := s.transitionTo(StateTransfer); err != nil {
		t.Fatalf("Handshake->Transfer: %v", err)
	}
	if err := s.transitionTo(StateDone); err != nil {
		t.Fatalf("Transfer->Done: %v", err)
	}
	if s.getState() != StateDone {
		t.Fatalf("expected Done, got %v", s.getState())
	}
}

func TestSessionTransitions_Rejected(t *testing.T) {
	s := &session{state: StateIdle}

	if err := s.transitionTo(StateTransfer); err == nil {
		t.Fatal("expected error transitioning Idle->Transfer directly")
	}
}

func TestSessionTerminalStatesHaveNoOutbound(t *testing.T) {
	for _, st := range []State{StateDone, StateError, StateCancelled} {
		s := &session{state: st}
		if err := s.transitionTo(StateHandshake); err == nil {
			t.Fatalf("expected %v to be terminal, but transition succeeded", st)
		}
	}
}

func TestSessionIsTerminal(t *testing.T) {
	cases := map[State]bool{
		StateIdle:      false,
		StateHandshake: false,
		StateTransfer:  false,
		StateDone:      true,
		StateError:     true,
		StateCancelled: true,
	}
	for st, want := range cases {
		s := &session{state: st}
		if got := s.isTerminal(); got != want {
			t.Errorf("state %v: isTerminal() = %v, want %v", st, got, want)
		}
	}
}

func TestSessionSeqCounters(t *testing.T) {
	s := &session{localSeq: 5}
	if got := s.nextLocalSeq(); got != 5 {
		t.Fatalf("first nextLocalSeq() = %d, want 5", got)
	}
	if got := s.nextLocalSeq(); got != 6 {
		t.Fatalf("second nextLocalSeq() = %d, want 6", got)
	}

	s.observeRemoteSeq(42)
	if s.remoteSeqSeen != 42 {
		t.Fatalf("remoteSeqSeen = %d, want 42", s.remoteSeqSeen)
	}
}
