package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the Content-Encoding value for compressed envelopes.
const EncodingZstd = "zstd"

// maxDecodedSize caps a decompressed envelope.
const maxDecodedSize = 64 << 20

// Codec serializes envelopes, optionally zstd-compressed. It is safe for
// concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec with shared zstd state.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes env. encoding is "" for plain JSON or EncodingZstd.
func (c *Codec) Encode(env *Envelope, encoding string) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if !IsZstd(encoding) {
		return data, nil
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode parses body produced with the given encoding.
func (c *Codec) Decode(body []byte, encoding string) (*Envelope, error) {
	if IsZstd(encoding) {
		raw, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		body = raw
	}

	env := NewEnvelope()
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Close releases zstd resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// IsZstd reports whether a Content-Encoding header names zstd.
func IsZstd(encoding string) bool {
	return strings.EqualFold(strings.TrimSpace(encoding), EncodingZstd)
}
