package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec serializes state values as JSON, optionally zstd-compressed.
// Decoding detects compressed frames so the setting can change between runs.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCodec creates a codec
func NewCodec(compress bool) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{
		compress: compress,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Encode marshals v
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	if !c.compress {
		return data, nil
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode unmarshals data into v
func (c *Codec) Decode(data []byte, v interface{}) error {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress value: %w", err)
		}
		data = raw
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return nil
}

// Close releases codec resources
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Load reads and decodes key. found is false when the key does not exist.
func Load(ctx context.Context, s StateStore, c *Codec, key string, v interface{}) (found bool, err error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.Decode(data, v); err != nil {
		return true, err
	}
	return true, nil
}

// Save encodes and stages key
func Save(ctx context.Context, s StateStore, c *Codec, key string, v interface{}) error {
	data, err := c.Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data)
}
