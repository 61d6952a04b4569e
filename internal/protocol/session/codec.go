package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

var ErrUnknownCompression = errors.New("session: unknown compression")

// Codec compresses sample payloads carried in data and status fields.
type Codec interface {
	Name() string
	Compress(src []byte) []byte
	// Decompress refuses output larger than limit bytes.
	Decompress(src []byte, limit uint64) ([]byte, error)
}

func CodecFor(name string) (Codec, error) {
	switch name {
	case CompressionNone, "":
		return noopCodec{}, nil
	case CompressionZstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// SupportedCompression lists codec names in preference order.
func SupportedCompression() []string {
	return []string{CompressionZstd, CompressionNone}
}

type noopCodec struct{}

func (noopCodec) Name() string { return CompressionNone }

func (noopCodec) Compress(src []byte) []byte { return src }

func (noopCodec) Decompress(src []byte, limit uint64) ([]byte, error) {
	if uint64(len(src)) > limit {
		return nil, fmt.Errorf("session: payload of %d bytes exceeds %d", len(src), limit)
	}
	return src, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return CompressionZstd }

func (zstdCodec) Compress(src []byte) []byte {
	enc, _, err := zstdCoders()
	if err != nil {
		// zstd.NewWriter(nil) only fails on invalid options.
		panic(err)
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2+64))
}

func (zstdCodec) Decompress(src []byte, limit uint64) ([]byte, error) {
	_, dec, err := zstdCoders()
	if err != nil {
		return nil, err
	}
	size, err := frameContentSize(src)
	if err == nil && size > limit {
		return nil, fmt.Errorf("session: zstd payload of %d bytes exceeds %d", size, limit)
	}
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("session: zstd: %w", err)
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("session: zstd payload of %d bytes exceeds %d", len(out), limit)
	}
	return out, nil
}

func frameContentSize(src []byte) (uint64, error) {
	var h zstd.Header
	if err := h.Decode(src); err != nil {
		return 0, err
	}
	if !h.HasFCS {
		return 0, errors.New("no frame content size")
	}
	return h.FrameContentSize, nil
}
