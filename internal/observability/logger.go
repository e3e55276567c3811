package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs a HELLO sent or accepted for a new session.
func (l *Logger) TransferStarted(sessionID, fileName string, fileSize int64, totalChunks int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("file_name", fileName).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Msg("transfer session started")
}

// HandshakeCompleted logs the HELLO/ACK/ACK exchange finishing.
func (l *Logger) HandshakeCompleted(sessionID string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Msg("handshake completed")
}

// ChunkPulled logs a single PULL/DATA exchange.
func (l *Logger) ChunkPulled(sessionID string, chunkIndex int, chunkSize int) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Msg("chunk pulled")
}

// TransferProgress logs transfer progress.
func (l *Logger) TransferProgress(sessionID string, currentChunk, totalChunks int, transferRate float64, elapsed time.Duration) {
	progress := float64(currentChunk) / float64(totalChunks) * 100.0

	l.logger.Info().
		Str("session_id", sessionID).
		Int("current_chunk", currentChunk).
		Int("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Float64("transfer_rate", transferRate).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferDone logs transfer completion.
func (l *Logger) TransferDone(sessionID string, fileSize int64, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed successfully")
}

// TransferFailed logs a terminal transfer error.
func (l *Logger) TransferFailed(sessionID string, err error) {
	l.logger.Error().
		Str("session_id", sessionID).
		Err(err).
		Msg("transfer failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
