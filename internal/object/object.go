// Package object encodes the immutable objects kept in the content store.
//
// Objects are framed like git objects, "<type> <size>\x00<payload>",
// and the digest is taken over the framed bytes. Blob payloads are raw
// bytes; dir and commit payloads are deterministic CBOR so the same
// logical value always produces the same digest.
package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/aweris/stratum/internal/digest"
)

// Type is the kind of a framed object.
type Type string

const (
	TypeBlob   Type = "blob"
	TypeDir    Type = "dir"
	TypeCommit Type = "commit"
)

var (
	ErrMalformed = errors.New("object: malformed")
	ErrWrongType = errors.New("object: unexpected type")
)

// Getter reads framed objects by digest.
type Getter interface {
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
}

// Putter stores framed objects and returns their digest.
type Putter interface {
	Put(ctx context.Context, data []byte) (digest.Digest, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("object: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("object: CBOR decoder initialization failed: " + err.Error())
	}
}

// Frame prefixes payload with its type header.
func Frame(t Type, payload []byte) []byte {
	header := string(t) + " " + strconv.Itoa(len(payload)) + "\x00"
	buf := make([]byte, len(header)+len(payload))
	copy(buf, header)
	copy(buf[len(header):], payload)
	return buf
}

// Unframe splits a framed object into its type and payload.
func Unframe(data []byte) (Type, []byte, error) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return "", nil, fmt.Errorf("%w: missing null terminator", ErrMalformed)
	}

	kind, size, ok := bytes.Cut(data[:idx], []byte(" "))
	if !ok {
		return "", nil, fmt.Errorf("%w: bad header %q", ErrMalformed, data[:idx])
	}

	n, err := strconv.Atoi(string(size))
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad size %q", ErrMalformed, size)
	}

	payload := data[idx+1:]
	if n != len(payload) {
		return "", nil, fmt.Errorf("%w: size %d does not match payload %d", ErrMalformed, n, len(payload))
	}

	switch t := Type(kind); t {
	case TypeBlob, TypeDir, TypeCommit:
		return t, payload, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown object type %q", ErrMalformed, kind)
	}
}

// BlobDigest is the digest content would get once stored as a blob.
func BlobDigest(algo digest.Algorithm, content []byte) digest.Digest {
	return algo.FromBytes(Frame(TypeBlob, content))
}

// References lists the digests a framed object points at. Commit
// parents are history, not content, and are not included.
func References(data []byte) ([]digest.Digest, error) {
	t, payload, err := Unframe(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeDir:
		entries, err := decodeDir(payload)
		if err != nil {
			return nil, err
		}
		refs := make([]digest.Digest, 0, len(entries))
		for _, e := range entries {
			refs = append(refs, e.Digest)
		}
		return refs, nil
	case TypeCommit:
		c, err := decodeCommit(payload)
		if err != nil {
			return nil, err
		}
		refs := []digest.Digest{c.Tree}
		if !c.Base.IsZero() {
			refs = append(refs, c.Base)
		}
		return refs, nil
	default:
		return nil, nil
	}
}

func read(ctx context.Context, g Getter, d digest.Digest, want Type) ([]byte, error) {
	data, err := g.Get(ctx, d)
	if err != nil {
		return nil, err
	}

	t, payload, err := Unframe(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d, err)
	}
	if t != want {
		return nil, fmt.Errorf("%w: %s is a %s, want %s", ErrWrongType, d, t, want)
	}
	return payload, nil
}

// ReadBlob returns blob content.
func ReadBlob(ctx context.Context, g Getter, d digest.Digest) ([]byte, error) {
	return read(ctx, g, d, TypeBlob)
}

// WriteBlob stores content as a blob.
func WriteBlob(ctx context.Context, p Putter, content []byte) (digest.Digest, error) {
	return p.Put(ctx, Frame(TypeBlob, content))
}
