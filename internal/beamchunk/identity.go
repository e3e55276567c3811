package beamchunk

import (
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DeriveSessionID deterministically derives a fixed-length session id from
// fileName alone, so a sender can recognize "the same file" across runs
// without external bookkeeping. The hash need not be cryptographically
// strong; xxhash gives good distribution over the id alphabet cheaply.
func DeriveSessionID(fileName string, length int) string {
	sum := xxhash.Sum64String(fileName)

	id := make([]byte, 0, length)
	for sum > 0 && len(id) < length {
		id = append(id, idAlphabet[sum%uint64(len(idAlphabet))])
		sum /= uint64(len(idAlphabet))
	}

	for len(id) < length {
		id = append(id, 'A')
	}
	return string(id)
}

// RandomSeq returns a value in [0, 1000) for an engine's initial local_seq,
// chosen fresh at construction to avoid accidental collisions across re-runs.
func RandomSeq() uint32 {
	return uint32(rand.Intn(1000))
}
