// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds a decompressed body.
const MaxDecodedSize = 256 << 20

var (
	encoders sync.Map // zstd level -> *zstd.Encoder

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func encoderFor(level int) (*zstd.Encoder, error) {
	if enc, ok := encoders.Load(level); ok {
		return enc.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	actual, _ := encoders.LoadOrStore(level, enc)
	return actual.(*zstd.Encoder), nil
}

// Compress zstd-compresses data at the given zstd level (1-22).
func Compress(data []byte, level int) ([]byte, error) {
	enc, err := encoderFor(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxDecodedSize),
		)
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("zstd decoder: %w", decoderErr)
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// DecodeBody undoes the Content-Encoding of an HTTP body.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	switch contentEncoding {
	case "", "identity":
		return body, nil
	case EncodingZstd:
		return Decompress(body)
	default:
		return nil, Errorf("ProtocolError", "unsupported content encoding %q", contentEncoding)
	}
}
