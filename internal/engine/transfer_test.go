package engine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/beam/internal/transport"
)

func runTransfer(t *testing.T, content []byte, mime string, chunkSize uint32) (Result, error, error) {
	t.Helper()

	senderWriter, senderReader, receiverWriter, receiverReader := transport.Pair(16)

	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil, WithSenderChunkSize(chunkSize))
	receiver := NewReceiverEngine(receiverWriter, receiverReader, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sendErr, recvErr error
	var result Result
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sendErr = sender.Send(ctx, "test.txt", mime, content)
	}()
	go func() {
		defer wg.Done()
		result, recvErr = receiver.Receive(ctx)
	}()
	wg.Wait()

	return result, sendErr, recvErr
}

func TestS1_TextRoundTrip(t *testing.T) {
	content := []byte("Hello World! This is a test file for Beam transfer.")
	result, sendErr, recvErr := runTransfer(t, content, "text/plain", 10)

	if sendErr != nil {
		t.Fatalf("send error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receive error: %v", recvErr)
	}
	if result.Name != "test.txt" {
		t.Errorf("Name = %q, want test.txt", result.Name)
	}
	if result.Mime != "text/plain" {
		t.Errorf("Mime = %q, want text/plain", result.Mime)
	}
	if !bytes.Equal(result.Data, content) {
		t.Errorf("Data = %q, want %q", result.Data, content)
	}
}

func TestS2_EmptyFile(t *testing.T) {
	result, sendErr, recvErr := runTransfer(t, nil, "text/plain", 10)

	if sendErr != nil {
		t.Fatalf("send error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receive error: %v", recvErr)
	}
	if len(result.Data) != 0 {
		t.Errorf("expected empty file, got %d bytes", len(result.Data))
	}
}

func TestS3_MultiChunkText(t *testing.T) {
	content := []byte(strings.Repeat("A", 250))
	result, sendErr, recvErr := runTransfer(t, content, "text/plain", 10)

	if sendErr != nil {
		t.Fatalf("send error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receive error: %v", recvErr)
	}
	if !bytes.Equal(result.Data, content) {
		t.Errorf("content mismatch: got %d bytes, want %d", len(result.Data), len(content))
	}
}

func TestS4_BinaryPayload(t *testing.T) {
	content := []byte{0, 1, 2, 3, 255, 254, 253, 252, 128, 127}
	result, sendErr, recvErr := runTransfer(t, content, "application/octet-stream", 10)

	if sendErr != nil {
		t.Fatalf("send error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receive error: %v", recvErr)
	}
	if !bytes.Equal(result.Data, content) {
		t.Errorf("Data = %v, want %v", result.Data, content)
	}
	if result.Mime != "application/octet-stream" {
		t.Errorf("Mime = %q, want application/octet-stream", result.Mime)
	}
}

func TestS6_CancellationDuringTransfer(t *testing.T) {
	content := []byte(strings.Repeat("A", 1000))

	senderWriter, senderReader, receiverWriter, receiverReader := transport.Pair(16)
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil, WithSenderChunkSize(10))
	receiver := NewReceiverEngine(receiverWriter, receiverReader, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sendErr, recvErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sendErr = sender.Send(ctx, "test.txt", "text/plain", content)
	}()
	go func() {
		defer wg.Done()
		_, recvErr = receiver.Receive(ctx)
	}()

	sender.Cancel()
	receiver.Cancel()
	wg.Wait()

	if sendErr == nil {
		t.Error("expected sender.Send to return an error after Cancel")
	}
	if recvErr == nil {
		t.Error("expected receiver.Receive to return an error after Cancel")
	}

	// Repeated cancel calls are no-ops: they must not panic or block.
	sender.Cancel()
	sender.Cancel()
	receiver.Cancel()
	receiver.Cancel()
}

func TestIdempotentCancel_BeforeRun(t *testing.T) {
	senderWriter, senderReader, _, _ := transport.Pair(4)
	sender := NewSenderEngine(senderWriter, senderReader, nil, nil, nil, nil, nil)

	sender.Cancel()
	if sender.session.getState() != StateCancelled {
		t.Fatalf("expected Cancelled, got %v", sender.session.getState())
	}
	sender.Cancel()
	sender.Cancel()
	if sender.session.getState() != StateCancelled {
		t.Fatalf("expected Cancelled after repeated calls, got %v", sender.session.getState())
	}
}
