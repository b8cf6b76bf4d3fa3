package transfer

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Chunk encodings. Every encoded chunk starts with one of these bytes.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(4<<20))
	})
	return zstdEnc, zstdDec, zstdErr
}

// encodeChunk prefixes chunk with its encoding, compressing it when
// compress is set and the result is smaller.
func encodeChunk(chunk []byte, compress bool) []byte {
	if compress && len(chunk) > 0 {
		if enc, _, err := codecs(); err == nil {
			out := enc.EncodeAll(chunk, []byte{encodingZstd})
			if len(out) < len(chunk)+1 {
				return out
			}
		}
	}
	out := make([]byte, 0, len(chunk)+1)
	out = append(out, encodingRaw)
	return append(out, chunk...)
}

// decodeChunk reverses encodeChunk. Output larger than limit is rejected.
func decodeChunk(b []byte, limit int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrMalformedMessage)
	}
	switch b[0] {
	case encodingRaw:
		if len(b)-1 > limit {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedMessage, len(b)-1)
		}
		return b[1:], nil
	case encodingZstd:
		_, dec, err := codecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(b[1:], make([]byte, 0, limit))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		if len(out) > limit {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrMalformedMessage, len(out))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: encoding %d", ErrMalformedMessage, b[0])
	}
}
