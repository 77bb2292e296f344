// Package compression compresses stored objects.
//
// Every compressed frame starts with a one-byte codec tag so objects
// written under one codec stay readable after the repository switches
// to another.
package compression

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Codec names a compression algorithm.
type Codec string

const (
	None Codec = "none"
	Zstd Codec = "zstd"
	LZ4  Codec = "lz4"
)

const (
	tagNone byte = iota
	tagZstd
	tagLZ4
)

// minSize is the payload size below which compression is skipped.
const minSize = 128

// ParseCodec validates a configured codec name; empty means zstd.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(s)); c {
	case "":
		return Zstd, nil
	case None, Zstd, LZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression codec %q", s)
	}
}

type Compressor struct {
	codec Codec
	zstd  *zstdCodec
}

// NewCompressor creates a compressor writing frames with codec. Level
// maps 1/2/3 to fastest/default/better and only applies to zstd.
func NewCompressor(codec Codec, level int) (*Compressor, error) {
	if codec == "" {
		codec = Zstd
	}

	// The zstd decoder is always needed to read frames written earlier.
	z, err := newZstdCodec(level)
	if err != nil {
		return nil, fmt.Errorf("create zstd codec: %w", err)
	}

	switch codec {
	case None, Zstd, LZ4:
	default:
		z.close()
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}

	return &Compressor{codec: codec, zstd: z}, nil
}

func (c *Compressor) Codec() Codec { return c.codec }

// Compress returns a tagged frame. Small or incompressible data is
// stored raw.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if c.codec == None || len(data) < minSize {
		return frame(tagNone, nil, data), nil
	}

	var (
		tag        byte
		compressed []byte
	)
	switch c.codec {
	case Zstd:
		tag, compressed = tagZstd, c.zstd.compress(data)
	case LZ4:
		var err error
		compressed, err = compressLZ4(data)
		if err != nil {
			return nil, err
		}
		tag = tagLZ4
	}

	if compressed == nil || len(compressed) >= len(data) {
		return frame(tagNone, nil, data), nil
	}

	size := binary.AppendUvarint(nil, uint64(len(data)))
	return frame(tag, size, compressed), nil
}

// Decompress reverses Compress for any codec.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	tag, body := data[0], data[1:]
	if tag == tagNone {
		return body, nil
	}

	size, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, fmt.Errorf("corrupt frame header")
	}
	body = body[n:]

	switch tag {
	case tagZstd:
		out, err := c.zstd.decompress(body, int(size))
		if err != nil {
			return nil, err
		}
		if len(out) != int(size) {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case tagLZ4:
		return decompressLZ4(body, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func (c *Compressor) Close() error {
	c.zstd.close()
	return nil
}

func frame(tag byte, header, body []byte) []byte {
	out := make([]byte, 0, 1+len(header)+len(body))
	out = append(out, tag)
	out = append(out, header...)
	return append(out, body...)
}
