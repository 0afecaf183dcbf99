// Package wire frames the monitoring payload written to a site after an
// authenticated pull handshake, and the payload posted by the push client.
//
// A pull stream carries exactly one payload and is terminated by the
// controller closing the connection. With CompressionZstd the payload is a
// single zstd frame.
package wire

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// Compression names the payload encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// MaxDecodedBytes bounds the size of a decoded payload.
const MaxDecodedBytes = 256 << 20

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedBytes))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// ParseCompression parses a configured compression name. The empty string
// selects CompressionNone.
func ParseCompression(raw string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("%w: unknown compression %q", domain.ErrConfigInvalid, raw)
	}
}

// Encode returns payload in the wire encoding c.
func Encode(payload []byte, c Compression) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		return payload, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
	default:
		return nil, fmt.Errorf("encode: unknown compression %q", c)
	}
}

// Decode reverses Encode.
func Decode(data []byte, c Compression) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		payload, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("decode: unknown compression %q", c)
	}
}

// WritePayload encodes payload and writes it to w in full.
func WritePayload(w io.Writer, payload []byte, c Compression) (int, error) {
	data, err := Encode(payload, c)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

// ReadPayload reads a close-terminated stream from r and decodes it.
func ReadPayload(r io.Reader, c Compression) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDecodedBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", MaxDecodedBytes)
	}
	return Decode(data, c)
}
