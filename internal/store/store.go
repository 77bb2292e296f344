// Package store implements the local content store.
//
// Objects are addressed by the digest of their framed bytes and written
// with temp-file-then-rename, so concurrent writers of the same content
// never observe or produce a partial object. Refs are small named
// pointers to commit digests, replaced atomically.
package store

import (
	"context"
	"errors"

	"github.com/aweris/stratum/internal/digest"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrCorrupt  = errors.New("store: object corrupt")
)

// WalkFunc is called for every stored object with its on-disk size.
type WalkFunc func(d digest.Digest, size int64) error

// Stats summarizes what the store holds.
type Stats struct {
	Objects int
	Bytes   int64
}

// Store handles local content storage.
type Store interface {
	// Algorithm is the hash every digest in this store uses.
	Algorithm() digest.Algorithm

	// Get retrieves an object by digest.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)

	// Put stores an object durably and returns its digest.
	Put(ctx context.Context, data []byte) (digest.Digest, error)

	// Has checks if an object exists.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// PutMulti stores objects in parallel.
	PutMulti(ctx context.Context, objects [][]byte) ([]digest.Digest, error)

	// Delete removes an object. Only garbage collection calls this.
	Delete(ctx context.Context, d digest.Digest) error

	// Walk visits every stored object.
	Walk(ctx context.Context, fn WalkFunc) error

	// Stats counts objects and their on-disk bytes.
	Stats(ctx context.Context) (Stats, error)

	GetRef(name string) (digest.Digest, error)
	PutRef(name string, d digest.Digest) error
	DeleteRef(name string) error
	ListRefs() (map[string]digest.Digest, error)
}
