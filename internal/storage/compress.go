package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// minCompressSize is the smallest body worth compressing.
const minCompressSize = 128

// Compressor zstd-compresses content blobs before they reach the database.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCompressor returns a Compressor; a disabled one passes data through.
func NewCompressor(enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{}, nil
	}
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &Compressor{encoder: encoder, decoder: decoder, enabled: true}, nil
}

// Compress returns the stored form of data and whether it was compressed.
// Small or incompressible bodies are stored as-is.
func (c *Compressor) Compress(data []byte) ([]byte, bool) {
	if !c.enabled || len(data) < minCompressSize {
		return data, false
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	if c.decoder == nil {
		// Written by a process with compression on, read with it off.
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		return decoder.DecodeAll(data, nil)
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return out, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
