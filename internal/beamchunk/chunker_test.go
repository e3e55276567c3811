package beamchunk

import (
	"bytes"
	"testing"
)

func TestChunk_MultipleChunks(t *testing.T) {
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i % 256)
	}

	chunks := Chunk(data, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 {
		t.Errorf("expected first two chunks of length 100, got %d and %d", len(chunks[0]), len(chunks[1]))
	}
	if len(chunks[2]) != 50 {
		t.Errorf("expected last chunk length 50, got %d", len(chunks[2]))
	}
}

func TestChunk_EmptyBlob(t *testing.T) {
	chunks := Chunk(nil, 64)
	if len(chunks) != 0 {
		t.Errorf("expected zero chunks for empty blob, got %d", len(chunks))
	}
}

func TestChunk_SmallerThanChunkSize(t *testing.T) {
	data := []byte("hello")
	chunks := Chunk(data, 64)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one short chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != len(data) {
		t.Errorf("expected chunk length %d, got %d", len(data), len(chunks[0]))
	}
}

func TestAssemble_RoundTrip(t *testing.T) {
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i % 256)
	}

	chunks := Chunk(data, 100)
	file := Assemble(chunks, "photo.jpg", "image/jpeg")

	if !bytes.Equal(file.Data, data) {
		t.Error("assembled data does not match original")
	}
	if file.Name != "photo.jpg" || file.Mime != "image/jpeg" {
		t.Errorf("unexpected metadata: %+v", file)
	}
}

func TestAssemble_EmptyChunks(t *testing.T) {
	file := Assemble(nil, "empty.bin", "application/octet-stream")
	if len(file.Data) != 0 {
		t.Errorf("expected empty data, got %d bytes", len(file.Data))
	}
}
