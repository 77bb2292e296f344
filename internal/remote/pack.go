package remote

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/aweris/stratum/internal/digest"
)

const (
	LayerMinSize = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax = 10 * 1024 * 1024 // 10MB soft maximum

	packMagic = "stratum-pack\x01"
)

var ErrBadPack = errors.New("remote: malformed object pack")

// Objects are stored objects keyed by digest.
type Objects map[digest.Digest][]byte

// Shard is the two-hex-digit prefix an object is grouped under, the
// same fan-out the local store uses on disk.
func Shard(d digest.Digest) string {
	if hex := d.Hex(); len(hex) >= 2 {
		return hex[:2]
	}
	return "00"
}

// GroupByShard splits objects by shard.
func GroupByShard(objects Objects) map[string]Objects {
	out := make(map[string]Objects)
	for d, data := range objects {
		s := Shard(d)
		if out[s] == nil {
			out[s] = make(Objects)
		}
		out[s][d] = data
	}
	return out
}

func (o Objects) size() int64 {
	var total int64
	for _, data := range o {
		total += int64(len(data))
	}
	return total
}

func (o Objects) sorted() []digest.Digest {
	ds := make([]digest.Digest, 0, len(o))
	for d := range o {
		ds = append(ds, d)
	}
	slices.Sort(ds)
	return ds
}

// PlanLayers groups shards into layers of roughly LayerSoftMax bytes.
// Shards are visited in order, so the same object set always yields the
// same layers and unchanged layers are deduplicated by the registry.
func PlanLayers(byShard map[string]Objects) [][]string {
	shards := make([]string, 0, len(byShard))
	for s := range byShard {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	var (
		layers  [][]string
		current []string
		size    int64
	)
	for _, s := range shards {
		n := byShard[s].size()

		switch {
		case len(current) == 0:
			current, size = []string{s}, n
		case size+n <= LayerSoftMax, size < LayerMinSize && size+n <= 2*LayerSoftMax:
			current = append(current, s)
			size += n
		default:
			layers = append(layers, current)
			current, size = []string{s}, n
		}
	}
	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

// Pack encodes objects as: magic, then per object in digest order a
// uvarint-prefixed digest and a uvarint-prefixed payload.
func Pack(objects Objects) []byte {
	var buf bytes.Buffer
	buf.WriteString(packMagic)

	var lenBuf [binary.MaxVarintLen64]byte
	for _, d := range objects.sorted() {
		data := objects[d]

		n := binary.PutUvarint(lenBuf[:], uint64(len(d)))
		buf.Write(lenBuf[:n])
		buf.WriteString(string(d))

		n = binary.PutUvarint(lenBuf[:], uint64(len(data)))
		buf.Write(lenBuf[:n])
		buf.Write(data)
	}
	return buf.Bytes()
}

// Unpack decodes a pack and verifies every object against its digest.
func Unpack(r io.Reader) (Objects, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(packMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != packMagic {
		return nil, fmt.Errorf("%w: bad header", ErrBadPack)
	}

	out := make(Objects)
	for {
		name, err := readChunk(br, 128)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		d, err := digest.Parse(string(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPack, err)
		}

		data, err := readChunk(br, 1<<32)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: truncated object %s", ErrBadPack, d)
			}
			return nil, err
		}

		if got := d.Algorithm().FromBytes(data); got != d {
			return nil, fmt.Errorf("%w: object %s hashes to %s", ErrBadPack, d, got)
		}
		out[d] = data
	}
}

func readChunk(br *bufio.Reader, limit uint64) ([]byte, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrBadPack, err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrBadPack, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPack, err)
	}
	return data, nil
}
