package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"channel-mirror/pkg/mirror"
)

const defaultCompressionLevel = 3

// codec compresses record content with zstd.
//
// Frames are self-describing, so rows written at any level stay readable
// after the configured level changes.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("new codec: encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(mirror.MaxContentBytes),
	)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("new codec: decoder: %w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

// compress rejects payloads above mirror.MaxContentBytes before encoding.
func (c *codec) compress(raw []byte) ([]byte, error) {
	if len(raw) > mirror.MaxContentBytes {
		return nil, fmt.Errorf("compress: %d bytes exceeds %d: %w", len(raw), mirror.MaxContentBytes, mirror.ErrInvalidContent)
	}

	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// decompress is capped at mirror.MaxContentBytes of output.
func (c *codec) decompress(compressed []byte) ([]byte, error) {
	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(raw) > mirror.MaxContentBytes {
		return nil, fmt.Errorf("decompress: %d bytes exceeds %d: %w", len(raw), mirror.MaxContentBytes, mirror.ErrInvalidContent)
	}

	return raw, nil
}

func (c *codec) Close() {
	if c == nil {
		return
	}
	_ = c.encoder.Close()
	c.decoder.Close()
}
