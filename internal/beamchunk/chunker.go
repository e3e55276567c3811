// Package beamchunk slices a file into fixed-size chunks and reassembles
// them, and derives the deterministic session id two peers agree on from a
// file name alone.
package beamchunk

// File is the result of Assemble: a reassembled blob plus the metadata the
// receiver attaches once every chunk has arrived.
type File struct {
	Name string
	Mime string
	Data []byte
}

// Chunk slices blob into consecutive non-overlapping pieces of exactly size
// bytes, except the last which may be shorter. An empty blob yields zero
// chunks.
func Chunk(blob []byte, size int) [][]byte {
	if len(blob) == 0 {
		return nil
	}

	chunkCount := len(blob) / size
	if len(blob)%size != 0 {
		chunkCount++
	}

	chunks := make([][]byte, 0, chunkCount)
	for offset := 0; offset < len(blob); offset += size {
		end := offset + size
		if end > len(blob) {
			end = len(blob)
		}
		chunks = append(chunks, blob[offset:end])
	}
	return chunks
}

// Assemble concatenates chunks in order and attaches the provided metadata.
// It does not validate the result's size against any external claim — that
// check belongs to the Receiver Engine.
func Assemble(chunks [][]byte, name, mime string) File {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	data := make([]byte, 0, total)
	for _, c := range chunks {
		data = append(data, c...)
	}

	return File{Name: name, Mime: mime, Data: data}
}
