package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &zstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (z *zstdCodec) compress(data []byte) []byte {
	return z.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (z *zstdCodec) decompress(data []byte, size int) ([]byte, error) {
	out, err := z.decoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (z *zstdCodec) close() {
	z.encoder.Close()
	z.decoder.Close()
}
