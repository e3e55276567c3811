package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	apitrace "go.opentelemetry.io/otel/trace"

	"github.com/quantarax/beam/internal/beamchunk"
	"github.com/quantarax/beam/internal/observability"
	"github.com/quantarax/beam/internal/protocol"
	"github.com/quantarax/beam/internal/sessionstore"
	"github.com/quantarax/beam/internal/transport"
)

// Result is what a successful Receive call produces: the reassembled file.
type Result struct {
	beamchunk.File
}

// ReceiverEngine drives the receiver half of one transfer: accept HELLO,
// exchange ACKs, then PULL chunks strictly in ascending order until the
// sender signals there are no more.
type ReceiverEngine struct {
	session *session

	writer transport.Writer
	reader transport.Reader

	sessionStore *sessionstore.Store
	observer     Observer
	bus          *EventBus
	logger       *observability.Logger
	metrics      *observability.Metrics

	chunkTable map[int32][]byte
	bitmap     *chunkBitmap
	cursor     int32

	rate             *rateTracker
	bytesTransferred uint64

	inbound  chan protocol.Message
	resultCh chan receiveOutcome
	doneOnce sync.Once

	readerCancel context.CancelFunc
	activeSpan   apitrace.Span
}

type receiveOutcome struct {
	file Result
	err  error
}

// ReceiverOption customizes a ReceiverEngine at construction time.
type ReceiverOption func(*ReceiverEngine)

// WithReceiverMetrics wires a Prometheus metrics sink into the engine's
// chunk and store-operation events. A nil metrics value (the default)
// disables recording.
func WithReceiverMetrics(m *observability.Metrics) ReceiverOption {
	return func(e *ReceiverEngine) { e.metrics = m }
}

// NewReceiverEngine constructs a receiver for one transfer attempt.
func NewReceiverEngine(writer transport.Writer, reader transport.Reader, sessStore *sessionstore.Store,
	observer Observer, bus *EventBus, logger *observability.Logger, opts ...ReceiverOption) *ReceiverEngine {

	if observer == nil {
		observer = NoopObserver{}
	}

	e := &ReceiverEngine{
		session: &session{
			party:    protocol.PartyReceiver,
			localSeq: beamchunk.RandomSeq(),
			state:    StateIdle,
		},
		writer:       writer,
		reader:       reader,
		sessionStore: sessStore,
		observer:     observer,
		bus:          bus,
		logger:       logger,
		chunkTable:   make(map[int32][]byte),
		rate:         newRateTracker(),
		inbound:      make(chan protocol.Message, inboundQueueDepth),
		resultCh:     make(chan receiveOutcome, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receive enters HANDSHAKE and listens for a HELLO, blocking until the
// transfer completes, fails, or ctx is cancelled.
func (e *ReceiverEngine) Receive(ctx context.Context) (Result, error) {
	if err := e.session.transitionTo(StateHandshake); err != nil {
		return Result{}, err
	}

	readCtx, cancel := context.WithCancel(ctx)
	e.readerCancel = cancel

	go e.reader.Read(readCtx, func(frame string) {
		msg, err := protocol.Decode(frame)
		if err != nil {
			e.reject(err)
			return
		}
		select {
		case e.inbound <- msg:
		case <-readCtx.Done():
		}
	}, func(err error) {
		// finish cancels the reader once the engine is terminal; that stop
		// is not a lost connection and publishes nothing.
		if e.session.isTerminal() {
			return
		}
		e.reject(&ConnectionLostError{SessionID: e.session.sessionID, Msg: err.Error()})
	})

	go e.loop(ctx)

	select {
	case out := <-e.resultCh:
		cancel()
		return out.file, out.err
	case <-ctx.Done():
		cancel()
		return Result{}, ctx.Err()
	}
}

// Cancel transitions the engine to CANCELLED and rejects the outstanding
// Receive call with a CancelledError exactly once. Further calls are no-ops.
func (e *ReceiverEngine) Cancel() {
	if e.session.isTerminal() {
		return
	}
	_ = e.session.transitionTo(StateCancelled)
	err := &CancelledError{SessionID: e.session.sessionID}
	e.endSpan(err)
	e.finish(Result{}, err)
}

func (e *ReceiverEngine) loop(ctx context.Context) {
	for {
		select {
		case msg := <-e.inbound:
			e.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (e *ReceiverEngine) handle(ctx context.Context, msg protocol.Message) {
	if e.session.isTerminal() {
		return
	}

	switch m := msg.(type) {
	case protocol.Hello:
		e.handleHello(ctx, m)
	case protocol.Ack:
		e.handleAck(ctx, m)
	case protocol.Data:
		e.handleData(ctx, m)
	case protocol.ErrorMsg:
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "peer reported error"})
	default:
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unexpected message type in receiver"})
	}
}

func (e *ReceiverEngine) handleHello(ctx context.Context, m protocol.Hello) {
	if m.Party == protocol.PartyReceiver {
		_ = e.writeMessage(ctx, protocol.ErrorMsg{ErrorType: protocol.ErrorInvalidParty})
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidPartyError{SessionID: m.SessionID, Msg: "collision: another receiver is present"})
		return
	}
	if m.Party != protocol.PartySender {
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidPartyError{SessionID: m.SessionID, Msg: "HELLO party field is not sender"})
		return
	}
	if m.ProtoVersion != defaultProtocolVer {
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: m.SessionID, Msg: "unsupported protocol version"})
		return
	}

	e.session.sessionID = m.SessionID
	e.session.fileName = m.FileName
	e.session.fileSize = m.FileSize
	e.session.mimeType = m.MimeType
	e.session.chunkSize = m.ChunkSize
	e.session.totalChunks = m.TotalChunks
	e.session.startTime = time.Now()
	e.session.observeRemoteSeq(m.Seq)
	e.bitmap = newChunkBitmap(int32(m.TotalChunks))
	_, e.activeSpan = observability.StartSpan(ctx, "HANDSHAKE", e.session.sessionID)

	ack := protocol.Ack{SessionID: e.session.sessionID, Seq: e.session.nextLocalSeq()}
	if err := e.writeMessage(ctx, ack); err != nil {
		e.reject(err)
		return
	}
	e.publish(EventHandshake, "HELLO accepted", nil)
}

func (e *ReceiverEngine) handleAck(ctx context.Context, m protocol.Ack) {
	if e.session.getState() != StateHandshake || e.sessionMismatch(m.SessionID) {
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unexpected ACK"})
		return
	}
	e.session.observeRemoteSeq(m.Seq)

	if err := e.session.transitionTo(StateTransfer); err != nil {
		e.reject(err)
		return
	}
	e.endSpan(nil)
	_, e.activeSpan = observability.StartSpan(ctx, "TRANSFER", e.session.sessionID)

	if e.session.totalChunks == 0 {
		e.completeEmpty(ctx)
		return
	}

	e.cursor = 0
	pull := protocol.Pull{SessionID: e.session.sessionID, Seq: e.session.nextLocalSeq(), ChunkIndex: e.cursor}
	if err := e.writeMessage(ctx, pull); err != nil {
		e.reject(err)
	}
}

func (e *ReceiverEngine) handleData(ctx context.Context, m protocol.Data) {
	if e.session.getState() != StateTransfer || e.sessionMismatch(m.SessionID) {
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unexpected DATA"})
		return
	}
	e.session.observeRemoteSeq(m.Seq)

	if m.ChunkIndex < 0 || uint32(m.ChunkIndex) >= e.session.totalChunks {
		if e.metrics != nil {
			e.metrics.RecordChunkRejected("out_of_range")
		}
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidChunkError{SessionID: e.session.sessionID, Msg: "chunk index out of range or empty payload"})
		return
	}
	if len(m.Payload) == 0 {
		if e.metrics != nil {
			e.metrics.RecordChunkRejected("empty_payload")
		}
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidChunkError{SessionID: e.session.sessionID, Msg: "chunk index out of range or empty payload"})
		return
	}

	if !e.bitmap.has(m.ChunkIndex) {
		e.chunkTable[m.ChunkIndex] = m.Payload
		e.bitmap.set(m.ChunkIndex)
		e.bytesTransferred += uint64(len(m.Payload))
		if e.metrics != nil {
			e.metrics.RecordChunkReceived(len(m.Payload))
		}
	}

	e.publish(EventChunk, "chunk received", map[string]string{"chunk_index": strconv.Itoa(int(m.ChunkIndex))})
	e.saveProgress()

	if m.NextChunkIndex == -1 {
		e.completeWithChunks(ctx)
		return
	}

	e.cursor = m.NextChunkIndex
	pull := protocol.Pull{SessionID: e.session.sessionID, Seq: e.session.nextLocalSeq(), ChunkIndex: e.cursor}
	if err := e.writeMessage(ctx, pull); err != nil {
		e.reject(err)
	}
}

func (e *ReceiverEngine) completeEmpty(ctx context.Context) {
	if err := e.session.transitionTo(StateDone); err != nil {
		e.reject(err)
		return
	}
	e.endSpan(nil)
	file := beamchunk.Assemble(nil, e.session.fileName, e.session.mimeType)
	e.publish(EventDone, "transfer complete", nil)
	e.finish(Result{File: file}, nil)
}

func (e *ReceiverEngine) completeWithChunks(ctx context.Context) {
	if !e.bitmap.complete() {
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidChunkError{SessionID: e.session.sessionID, Msg: "missing chunks at completion"})
		return
	}

	ordered := make([][]byte, e.session.totalChunks)
	for i := range ordered {
		ordered[i] = e.chunkTable[int32(i)]
	}
	file := beamchunk.Assemble(ordered, e.session.fileName, e.session.mimeType)

	if uint64(len(file.Data)) != e.session.fileSize {
		_ = e.session.transitionTo(StateError)
		e.reject(&InvalidChunkError{SessionID: e.session.sessionID, Msg: "assembled size does not match declared file_size"})
		return
	}

	if err := e.session.transitionTo(StateDone); err != nil {
		e.reject(err)
		return
	}
	e.endSpan(nil)
	e.publish(EventDone, "transfer complete", nil)
	e.finish(Result{File: file}, nil)
}

func (e *ReceiverEngine) saveProgress() {
	rate := e.rate.update(e.bytesTransferred)
	snap := buildSnapshot(e.session.sessionID, e.session.fileName, e.session.fileSize,
		uint32(e.bitmap.received), e.session.totalChunks, e.bytesTransferred, rate, e.session.startTime)

	e.observer.OnProgress(snap)
	if e.sessionStore != nil {
		err := e.sessionStore.Save(sessionstore.RoleReceiver, snap)
		if e.metrics != nil {
			e.metrics.RecordDatabaseOperation("sessionstore", "save", err == nil)
		}
		if err != nil {
			e.log("progress snapshot save failed", err)
		}
	}
}

func (e *ReceiverEngine) sessionMismatch(sid string) bool {
	return sid != e.session.sessionID
}

func (e *ReceiverEngine) writeMessage(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.writer.Write(ctx, frame)
}

func (e *ReceiverEngine) publish(kind EventKind, message string, metadata map[string]string) {
	evt := TransferEvent{SessionID: e.session.sessionID, Kind: kind, Timestamp: time.Now(), Message: message, Metadata: metadata}
	e.observer.OnEvent(evt)
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}

func (e *ReceiverEngine) reject(err error) {
	_ = e.session.transitionTo(StateError)
	e.endSpan(err)
	e.publish(EventError, err.Error(), nil)
	e.finish(Result{}, err)
}

// endSpan closes the HANDSHAKE/TRANSFER span currently open for this
// engine's session, recording err on it first if non-nil. A nil active
// span (tracing disabled, or no HELLO processed yet) is a no-op.
func (e *ReceiverEngine) endSpan(err error) {
	if e.activeSpan == nil {
		return
	}
	if err != nil {
		e.activeSpan.RecordError(err)
	}
	e.activeSpan.End()
	e.activeSpan = nil
}

func (e *ReceiverEngine) finish(file Result, err error) {
	e.doneOnce.Do(func() {
		if err != nil {
			e.observer.OnError(err)
		}
		if e.readerCancel != nil {
			e.readerCancel()
		}
		e.resultCh <- receiveOutcome{file: file, err: err}
	})
}

func (e *ReceiverEngine) log(msg string, err error) {
	if e.logger != nil {
		e.logger.Error(err, msg)
	}
}
