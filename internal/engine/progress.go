package engine

import (
	"sync"
	"time"

	"github.com/quantarax/beam/internal/sessionstore"
)

// rateSamples bounds the rolling window used for transfer-rate averaging.
// The source protocol's per-chunk ETA formula ("remaining_chunks *
// elapsed") is flagged as likely wrong; this engine instead averages the
// last few instantaneous byte rates, the same approach this codebase's
// session rate tracker already uses.
const rateSamples = 8

// rateTracker computes a rolling-average transfer rate in bytes/sec from
// successive bytes-transferred observations.
type rateTracker struct {
	mu        sync.Mutex
	samples   []float64
	lastTime  time.Time
	lastBytes uint64
}

func newRateTracker() *rateTracker {
	return &rateTracker{lastTime: time.Now()}
}

// update records a new bytes-transferred observation and returns the
// current rolling-average rate in bytes/sec.
func (r *rateTracker) update(bytesTransferred uint64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	dt := now.Sub(r.lastTime).Seconds()
	if dt > 0 && bytesTransferred >= r.lastBytes {
		delta := bytesTransferred - r.lastBytes
		rate := float64(delta) / dt
		r.samples = append(r.samples, rate)
		if len(r.samples) > rateSamples {
			r.samples = r.samples[1:]
		}
	}
	r.lastTime = now
	r.lastBytes = bytesTransferred

	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s
	}
	return sum / float64(len(r.samples))
}

// buildSnapshot derives a ProgressSnapshot for persistence/observation from
// current transfer state and rate.
func buildSnapshot(sessionID, fileName string, fileSize uint64, currentChunk, totalChunks uint32,
	bytesTransferred uint64, rate float64, started time.Time) sessionstore.ProgressSnapshot {

	var percent float64
	if totalChunks > 0 {
		percent = float64(currentChunk) / float64(totalChunks) * 100
	}

	var eta int64
	if rate > 0 && fileSize > bytesTransferred {
		remaining := fileSize - bytesTransferred
		eta = int64(float64(remaining) / rate * 1000)
	}

	now := time.Now()
	return sessionstore.ProgressSnapshot{
		SessionID:              sessionID,
		FileName:               fileName,
		FileSize:               fileSize,
		CurrentChunk:           currentChunk,
		TotalChunks:            totalChunks,
		PercentComplete:        percent,
		TransferSpeed:          rate,
		EstimatedTimeRemaining: eta,
		UpdatedTime:            now,
		StartedTime:            started,
		BytesTransferred:       bytesTransferred,
	}
}
