package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/beam/internal/chunkstore"
	"github.com/quantarax/beam/internal/protocol"
	"github.com/quantarax/beam/internal/sessionstore"
	"github.com/quantarax/beam/internal/transport"
)

// pullOrderObserver records the chunk index carried by every "chunk" event
// the receiver emits, which (since the receiver only ever PULLs the index
// it is about to request) mirrors the PULL sequence it issued.
type pullOrderObserver struct {
	mu      sync.Mutex
	indices []int32
}

func (o *pullOrderObserver) OnEvent(evt TransferEvent) {
	if evt.Kind != EventChunk {
		return
	}
	idxStr, ok := evt.Metadata["chunk_index"]
	if !ok {
		return
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.indices = append(o.indices, int32(idx))
}

func (*pullOrderObserver) OnProgress(sessionstore.ProgressSnapshot) {}
func (*pullOrderObserver) OnError(error)                            {}

func TestProperty_PullOrdering(t *testing.T) {
	content := []byte(strings.Repeat("B", 100))
	senderWriter, senderReader, receiverWriter, receiverReader := transport.Pair(16)

	obs := &pullOrderObserver{}
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil, WithSenderChunkSize(10))
	receiver := NewReceiverEngine(receiverWriter, receiverReader, nil, obs, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	var sendErr, recvErr error
	go func() { defer wg.Done(); sendErr = sender.Send(ctx, "f.txt", "text/plain", content) }()
	go func() { defer wg.Done(); _, recvErr = receiver.Receive(ctx) }()
	wg.Wait()

	if sendErr != nil || recvErr != nil {
		t.Fatalf("transfer failed: send=%v recv=%v", sendErr, recvErr)
	}

	want := 10 // 100 bytes / chunk size 10
	if len(obs.indices) != want {
		t.Fatalf("got %d chunk events, want %d", len(obs.indices), want)
	}
	for i, idx := range obs.indices {
		if idx != int32(i) {
			t.Errorf("chunk event %d has index %d, want %d (non-decreasing ascending sequence)", i, idx, i)
		}
	}
}

func TestProperty_AtMostOneReceiver_SenderSide(t *testing.T) {
	senderWriter, senderReader, _, _ := transport.Pair(4)
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sender.run(ctx) }()

	// Give run() a moment to send HELLO and enter its read loop.
	time.Sleep(20 * time.Millisecond)

	// A rogue second receiver reports a collision.
	frame, err := protocol.Encode(protocol.ErrorMsg{ErrorType: protocol.ErrorInvalidParty})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := senderReader.Write(ctx, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected sender to fail with InvalidPartyError, got nil")
		}
		if _, ok := err.(*InvalidPartyError); !ok {
			t.Fatalf("expected *InvalidPartyError, got %T: %v", err, err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for sender to reject")
	}

	if sender.session.getState() == StateTransfer {
		t.Fatal("sender must never reach TRANSFER after a collision")
	}
}

func TestProperty_AtMostOneReceiver_ReceiverSide(t *testing.T) {
	_, _, receiverWriter, receiverReader := transport.Pair(4)
	receiver := NewReceiverEngine(receiverWriter, receiverReader, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := receiver.Receive(ctx)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)

	collidingHello := protocol.Hello{
		SessionID: "ABCDE", Seq: 0, Party: protocol.PartyReceiver, ProtoVersion: 0,
		FileName: "f.txt", FileSize: 1, MimeType: "text/plain", TotalChunks: 1, ChunkSize: 10,
	}
	frame, err := protocol.Encode(collidingHello)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wErr := receiverReader.Write(ctx, frame); wErr != nil {
		t.Fatalf("write: %v", wErr)
	}

	select {
	case err := <-resultCh:
		if _, ok := err.(*InvalidPartyError); !ok {
			t.Fatalf("expected *InvalidPartyError, got %T: %v", err, err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for receiver to reject")
	}
}

func TestProperty_ResumeValidation_FailsBeforeWireActivity(t *testing.T) {
	badRecord := chunkstore.Record{
		FileName:    "f.bin",
		FileSize:    100,
		ChunkSize:   10,
		TotalChunks: 2,
		Chunks:      [][]byte{make([]byte, 3), make([]byte, 3)}, // violates non-last-chunk==chunkSize
	}

	sender := NewSenderEngine(nil, nil, nil, nil, nil, nil, nil)
	err := sender.SendResumable(context.Background(), badRecord, 0)

	if err == nil {
		t.Fatal("expected SessionExpiredError")
	}
	if _, ok := err.(*SessionExpiredError); !ok {
		t.Fatalf("expected *SessionExpiredError, got %T: %v", err, err)
	}
}

// TestS5_Collision models two receivers sharing one visual channel and a
// single sender: the legitimate receiver begins its handshake, and before it
// completes, a second receiver's own HELLO arrives over the same channel.
// Both ends of the collision are exercised directly against their wire
// protocol, the same way the real camera-decode loop would feed each engine
// whatever frame it currently sees, rather than against a race-prone live
// peer (a real transfer this small can finish before a concurrently
// scheduled goroutine gets a chance to inject anything).
func TestS5_Collision(t *testing.T) {
	senderWriter, senderReader, _, _ := transport.Pair(4)
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil)

	_, _, receiverWriter, receiverReader := transport.Pair(4)
	receiver := NewReceiverEngine(receiverWriter, receiverReader, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	var sendErr error
	var recvErr error
	go func() { defer wg.Done(); sendErr = sender.run(ctx) }()
	go func() { defer wg.Done(); _, recvErr = receiver.Receive(ctx) }()

	time.Sleep(20 * time.Millisecond)

	// The second receiver's collision report (ERROR(INVALID_PARTY)) lands on
	// the sender's channel...
	rogueAtSender, err := protocol.Encode(protocol.ErrorMsg{ErrorType: protocol.ErrorInvalidParty})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wErr := senderReader.Write(ctx, rogueAtSender); wErr != nil {
		t.Fatalf("write to sender: %v", wErr)
	}

	// ...and its own HELLO lands on the legitimate receiver's channel too.
	rogueAtReceiver, err := protocol.Encode(protocol.Hello{
		SessionID: "ZZZZZ", Seq: 0, Party: protocol.PartyReceiver, ProtoVersion: 0,
		FileName: "rogue.txt", FileSize: 1, MimeType: "text/plain", TotalChunks: 1, ChunkSize: 10,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wErr := receiverReader.Write(ctx, rogueAtReceiver); wErr != nil {
		t.Fatalf("write to receiver: %v", wErr)
	}

	wg.Wait()

	if sender.session.getState() == StateDone {
		t.Fatal("sender must never reach DONE when a second receiver collides")
	}

	gotInvalidParty := false
	for _, err := range []error{sendErr, recvErr} {
		if _, ok := err.(*InvalidPartyError); ok {
			gotInvalidParty = true
		}
	}
	if !gotInvalidParty {
		t.Fatalf("expected at least one InvalidPartyError among send=%v recv=%v", sendErr, recvErr)
	}
}

// countingObserver counts how many times OnError and OnEvent fire, for
// asserting that repeated Cancel() calls settle the outstanding call exactly
// once and publish no events.
type countingObserver struct {
	mu         sync.Mutex
	errCount   int
	eventCount int
}

func (o *countingObserver) OnEvent(TransferEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventCount++
}
func (o *countingObserver) OnProgress(sessionstore.ProgressSnapshot) {}
func (o *countingObserver) OnError(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errCount++
}

func TestProperty_IdempotentCancel_NoAdditionalEvents(t *testing.T) {
	senderWriter, senderReader, _, _ := transport.Pair(4)
	obs := &countingObserver{}
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, obs, nil, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- sender.run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	sender.Cancel()
	sender.Cancel()
	sender.Cancel()

	select {
	case err := <-done:
		if _, ok := err.(*CancelledError); !ok {
			t.Fatalf("expected *CancelledError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled run() to return")
	}

	// Give any errant extra OnError/OnEvent calls a moment to land.
	time.Sleep(10 * time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.errCount != 1 {
		t.Fatalf("expected exactly 1 OnError call from 3 Cancel() calls, got %d", obs.errCount)
	}
	if obs.eventCount != 0 {
		t.Fatalf("expected no OnEvent calls from cancelling, got %d", obs.eventCount)
	}
}
