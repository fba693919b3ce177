package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressThreshold is the minimum JSON size before compression is
	// considered. zstd overhead is not worth it for smaller values.
	compressThreshold = 2048

	// maxDecodedSize is the hard cap during decompression to guard against
	// corrupted or hostile database files.
	maxDecodedSize = 10 * 1024 * 1024

	encodingIdentity byte = 0x00
	encodingZstd     byte = 0x01
)

var errEmptyEnvelope = errors.New("empty envelope")

// codec encodes values as JSON envelopes with a one-byte encoding flag,
// zstd-compressing payloads above the threshold when it actually shrinks
// them. Encoder and decoder are goroutine-safe and reused across calls.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *codec) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}

	if len(raw) >= compressThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			compressed := enc.EncodeAll(raw, make([]byte, 1, len(raw)/2))
			compressed[0] = encodingZstd
			if len(compressed) < len(raw)+1 {
				return compressed, nil
			}
		}
	}

	out := make([]byte, 1+len(raw))
	out[0] = encodingIdentity
	copy(out[1:], raw)
	return out, nil
}

func (c *codec) decode(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyEnvelope
	}

	payload := data[1:]

	switch data[0] {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("decompressing value: %w", err)
		}
		if len(decompressed) > maxDecodedSize {
			return fmt.Errorf("decompressed value exceeds %d bytes", maxDecodedSize)
		}
		payload = decompressed
	default:
		return fmt.Errorf("unsupported envelope encoding 0x%02x", data[0])
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshaling value: %w", err)
	}
	return nil
}
