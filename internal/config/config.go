package config

// Config holds the settings a beam process needs to run one transfer:
// chunking/session-id defaults, store locations, and the observability
// server address.
type Config struct {
	ChunkSize       uint32
	SessionIDLength int

	ChunkStorePath   string
	SessionStorePath string

	MaxChunkAge     int64 // milliseconds
	MaxChunkEntries int

	ObservAddr      string
	EventBufferSize int
}

// DefaultConfig returns the spec-mandated defaults: chunk_size=64,
// session_id_length=5, eviction {max_age_ms=7 days, max_entries=1}.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:        64,
		SessionIDLength:  5,
		ChunkStorePath:   "beam_chunks.db",
		SessionStorePath: "beam_sessions.db",
		MaxChunkAge:      7 * 24 * 60 * 60 * 1000,
		MaxChunkEntries:  1,
		ObservAddr:       "127.0.0.1:8081",
		EventBufferSize:  100,
	}
}
