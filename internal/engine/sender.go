package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	apitrace "go.opentelemetry.io/otel/trace"

	"github.com/quantarax/beam/internal/beamchunk"
	"github.com/quantarax/beam/internal/chunkstore"
	"github.com/quantarax/beam/internal/observability"
	"github.com/quantarax/beam/internal/protocol"
	"github.com/quantarax/beam/internal/sessionstore"
	"github.com/quantarax/beam/internal/transport"
)

const (
	defaultChunkSize      = 64
	defaultSessionIDLen   = 5
	defaultProtocolVer    = 0
	inboundQueueDepth     = 16
)

// SenderEngine drives the sender half of one transfer: HELLO, then respond
// to the receiver's PULL requests with DATA, completing as soon as it has
// sent the last chunk (the DATA whose next index is -1).
type SenderEngine struct {
	session *session

	writer transport.Writer
	reader transport.Reader

	chunkStore   *chunkstore.Store
	sessionStore *sessionstore.Store
	observer     Observer
	bus          *EventBus
	logger       *observability.Logger
	metrics      *observability.Metrics

	chunks     [][]byte
	sentChunks int32

	rate             *rateTracker
	bytesTransferred uint64

	inbound  chan protocol.Message
	resultCh chan error
	doneOnce sync.Once

	readerCancel context.CancelFunc
	activeSpan   apitrace.Span
}

// SenderOption customizes a SenderEngine at construction time.
type SenderOption func(*SenderEngine)

// WithSenderChunkSize overrides the default chunk size (64 bytes) used by Send.
func WithSenderChunkSize(size uint32) SenderOption {
	return func(e *SenderEngine) { e.session.chunkSize = size }
}

// WithSenderMetrics wires a Prometheus metrics sink into the engine's chunk
// and store-operation events. A nil metrics value (the default) disables
// recording.
func WithSenderMetrics(m *observability.Metrics) SenderOption {
	return func(e *SenderEngine) { e.metrics = m }
}

// NewSenderEngine constructs a sender for one transfer attempt. store and
// sessionStore may be nil, in which case resumability and progress
// persistence are silently skipped, per the spec's "best-effort" policy.
func NewSenderEngine(writer transport.Writer, reader transport.Reader, store *chunkstore.Store,
	sessStore *sessionstore.Store, observer Observer, bus *EventBus, logger *observability.Logger,
	opts ...SenderOption) *SenderEngine {

	if observer == nil {
		observer = NoopObserver{}
	}

	e := &SenderEngine{
		session: &session{
			party:     protocol.PartySender,
			localSeq:  beamchunk.RandomSeq(),
			chunkSize: defaultChunkSize,
			state:     StateIdle,
		},
		writer:       writer,
		reader:       reader,
		chunkStore:   store,
		sessionStore: sessStore,
		observer:     observer,
		bus:          bus,
		logger:       logger,
		sentChunks:   -1,
		rate:         newRateTracker(),
		inbound:      make(chan protocol.Message, inboundQueueDepth),
		resultCh:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send chunks blob, stores it (best-effort) for resume, and drives the
// handshake/transfer state machine to completion, blocking until the
// transfer finishes, fails, or ctx is cancelled.
func (e *SenderEngine) Send(ctx context.Context, fileName string, mime string, blob []byte) error {
	e.session.sessionID = beamchunk.DeriveSessionID(fileName, defaultSessionIDLen)
	e.session.fileName = fileName
	e.session.mimeType = mime
	e.session.fileSize = uint64(len(blob))
	e.session.startTime = time.Now()

	chunks := beamchunk.Chunk(blob, int(e.session.chunkSize))
	e.chunks = chunks
	e.session.totalChunks = uint32(len(chunks))

	if e.chunkStore != nil {
		err := e.chunkStore.StoreChunks(fileName, e.session.fileSize, mime, e.session.chunkSize, chunks)
		e.recordStoreOp("store", err)
		if err != nil {
			e.log("chunk store write failed (continuing without resumability)", err)
		}
	}

	return e.run(ctx)
}

// SendResumable resumes a previously stored transfer: it skips chunking
// and the store write, validates the stored chunk set's integrity, and
// starts the cursor at the stored sent-chunks position.
func (e *SenderEngine) SendResumable(ctx context.Context, rec chunkstore.Record, sentChunks int32) error {
	if err := chunkstore.ValidateIntegrity(rec); err != nil {
		return &SessionExpiredError{Msg: err.Error()}
	}

	e.session.sessionID = beamchunk.DeriveSessionID(rec.FileName, defaultSessionIDLen)
	e.session.fileName = rec.FileName
	e.session.mimeType = rec.Mime
	e.session.fileSize = rec.FileSize
	e.session.chunkSize = rec.ChunkSize
	e.session.totalChunks = rec.TotalChunks
	e.session.startTime = time.Now()

	e.chunks = rec.Chunks
	e.sentChunks = sentChunks

	return e.run(ctx)
}

// Cancel transitions the engine to CANCELLED and rejects the outstanding
// Send call with a CancelledError exactly once. Further calls are no-ops.
func (e *SenderEngine) Cancel() {
	if e.session.isTerminal() {
		return
	}
	_ = e.session.transitionTo(StateCancelled)
	err := &CancelledError{SessionID: e.session.sessionID}
	e.endSpan(err)
	e.finish(err)
}

func (e *SenderEngine) run(ctx context.Context) error {
	if err := e.session.transitionTo(StateHandshake); err != nil {
		return err
	}
	_, e.activeSpan = observability.StartSpan(ctx, "HANDSHAKE", e.session.sessionID)

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

	hello := protocol.Hello{
		SessionID:    e.session.sessionID,
		Seq:          e.session.nextLocalSeq(),
		Party:        protocol.PartySender,
		ProtoVersion: defaultProtocolVer,
		FileName:     e.session.fileName,
		FileSize:     e.session.fileSize,
		MimeType:     e.session.mimeType,
		TotalChunks:  e.session.totalChunks,
		ChunkSize:    e.session.chunkSize,
	}
	if err := e.writeMessage(ctx, hello); err != nil {
		e.reject(err)
	}

	select {
	case err := <-e.resultCh:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (e *SenderEngine) loop(ctx context.Context) {
	for {
		select {
		case msg := <-e.inbound:
			e.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (e *SenderEngine) handle(ctx context.Context, msg protocol.Message) {
	if e.session.isTerminal() {
		return
	}

	switch m := msg.(type) {
	case protocol.Ack:
		e.handleAck(ctx, m)
	case protocol.Pull:
		e.handlePull(ctx, m)
	case protocol.ErrorMsg:
		if m.ErrorType == protocol.ErrorInvalidParty {
			_ = e.session.transitionTo(StateError)
			e.reject(&InvalidPartyError{SessionID: e.session.sessionID, Msg: "peer reported invalid party"})
			return
		}
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unknown error type"})
	default:
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unexpected message type in sender"})
	}
}

func (e *SenderEngine) sessionMismatch(sid string) bool {
	return sid != e.session.sessionID
}

func (e *SenderEngine) handleAck(ctx context.Context, m protocol.Ack) {
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

	ack := protocol.Ack{SessionID: e.session.sessionID, Seq: e.session.nextLocalSeq()}
	if err := e.writeMessage(ctx, ack); err != nil {
		e.reject(err)
		return
	}

	e.publish(EventHandshake, "handshake complete", nil)

	if e.session.totalChunks == 0 {
		e.complete(ctx)
	}
}

func (e *SenderEngine) handlePull(ctx context.Context, m protocol.Pull) {
	if e.session.getState() != StateTransfer || e.sessionMismatch(m.SessionID) {
		_ = e.session.transitionTo(StateError)
		e.reject(&protocol.ProtocolError{SessionID: e.session.sessionID, Msg: "unexpected PULL"})
		return
	}
	e.session.observeRemoteSeq(m.Seq)

	var data protocol.Data
	inRange := m.ChunkIndex >= 0 && uint32(m.ChunkIndex) < e.session.totalChunks

	if inRange {
		next := int32(-1)
		if uint32(m.ChunkIndex+1) < e.session.totalChunks {
			next = m.ChunkIndex + 1
		}
		data = protocol.Data{
			SessionID:      e.session.sessionID,
			Seq:            e.session.nextLocalSeq(),
			ChunkIndex:     m.ChunkIndex,
			NextChunkIndex: next,
			Payload:        e.chunks[m.ChunkIndex],
		}
		e.sentChunks = m.ChunkIndex
		e.bytesTransferred += uint64(len(e.chunks[m.ChunkIndex]))
		if e.metrics != nil {
			e.metrics.RecordChunkSent(len(e.chunks[m.ChunkIndex]))
		}
	} else {
		data = protocol.Data{
			SessionID:      e.session.sessionID,
			Seq:            e.session.nextLocalSeq(),
			ChunkIndex:     m.ChunkIndex,
			NextChunkIndex: -1,
			Payload:        nil,
		}
	}

	if err := e.writeMessage(ctx, data); err != nil {
		e.reject(err)
		return
	}

	if inRange {
		e.publish(EventChunk, "chunk sent", map[string]string{"chunk_index": strconv.Itoa(int(m.ChunkIndex))})
		e.saveProgress()
	}

	if data.NextChunkIndex == -1 {
		e.complete(ctx)
	}
}

func (e *SenderEngine) complete(ctx context.Context) {
	if err := e.session.transitionTo(StateDone); err != nil {
		e.reject(err)
		return
	}
	e.endSpan(nil)
	if e.chunkStore != nil {
		err := e.chunkStore.Delete(e.session.fileName)
		e.recordStoreOp("delete", err)
		if err != nil {
			e.log("chunk store delete failed after completion", err)
		}
	}
	e.publish(EventDone, "transfer complete", nil)
	e.finish(nil)
}

// endSpan closes the HANDSHAKE/TRANSFER span currently open for this
// engine's session, recording err on it first if non-nil. A nil active
// span (tracing disabled, or already closed) is a no-op.
func (e *SenderEngine) endSpan(err error) {
	if e.activeSpan == nil {
		return
	}
	if err != nil {
		e.activeSpan.RecordError(err)
	}
	e.activeSpan.End()
	e.activeSpan = nil
}

func (e *SenderEngine) saveProgress() {
	rate := e.rate.update(e.bytesTransferred)
	snap := buildSnapshot(e.session.sessionID, e.session.fileName, e.session.fileSize,
		uint32(e.sentChunks+1), e.session.totalChunks, e.bytesTransferred, rate, e.session.startTime)

	e.observer.OnProgress(snap)
	if e.sessionStore != nil {
		err := e.sessionStore.Save(sessionstore.RoleSender, snap)
		e.recordStoreOp("save", err)
		if err != nil {
			e.log("progress snapshot save failed", err)
		}
	}
}

// recordStoreOp records a ChunkStore/SessionStore operation outcome against
// the wired metrics sink, if any.
func (e *SenderEngine) recordStoreOp(op string, err error) {
	if e.metrics == nil {
		return
	}
	store := "chunkstore"
	if op == "save" {
		store = "sessionstore"
	}
	e.metrics.RecordDatabaseOperation(store, op, err == nil)
}

func (e *SenderEngine) writeMessage(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.writer.Write(ctx, frame)
}

func (e *SenderEngine) publish(kind EventKind, message string, metadata map[string]string) {
	evt := TransferEvent{SessionID: e.session.sessionID, Kind: kind, Timestamp: time.Now(), Message: message, Metadata: metadata}
	e.observer.OnEvent(evt)
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}

func (e *SenderEngine) reject(err error) {
	_ = e.session.transitionTo(StateError)
	e.endSpan(err)
	e.publish(EventError, err.Error(), nil)
	e.finish(err)
}

func (e *SenderEngine) finish(err error) {
	e.doneOnce.Do(func() {
		if err != nil {
			e.observer.OnError(err)
		}
		if e.readerCancel != nil {
			e.readerCancel()
		}
		e.resultCh <- err
	})
}

func (e *SenderEngine) log(msg string, err error) {
	if e.logger != nil {
		e.logger.Error(err, msg)
	}
}
