package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressBulk compresses a large buffer with zstd. It is used for bulk
// artifacts outside the hot per-notification path: engine.Core.DumpClientQueue
// compresses a client's full JSON-marshaled queue with it, a payload closer
// in shape to a large replay stream than to a small per-event one.
func CompressBulk(raw []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd writer: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(raw, nil), nil
}

// DecompressBulk reverses CompressBulk.
func DecompressBulk(compressed []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd reader: %w", err)
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decode: %w", err)
	}
	return out, nil
}

// BulkWriter wraps an io.Writer with streaming zstd compression, used when
// the bulk payload is too large to buffer in memory at once.
type BulkWriter struct {
	enc *zstd.Encoder
}

// NewBulkWriter constructs a streaming compressor over dst.
func NewBulkWriter(dst io.Writer) (*BulkWriter, error) {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("codec: new zstd writer: %w", err)
	}
	return &BulkWriter{enc: enc}, nil
}

// Write streams raw bytes through the compressor.
func (w *BulkWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close flushes and closes the underlying encoder.
func (w *BulkWriter) Close() error {
	return w.enc.Close()
}
