package object

import (
	"context"
	"fmt"
	"time"

	"github.com/aweris/stratum/internal/digest"
)

// Origin records how a commit's tree was produced.
type Origin string

const (
	OriginBase    Origin = "base"
	OriginLayered Origin = "layered"
)

// Commit is a tree plus provenance. Parent is at most one commit;
// Generation is the parent's generation plus one and indexes the
// commit in its linear history.
type Commit struct {
	Tree       digest.Digest `cbor:"tree"`
	Parent     digest.Digest `cbor:"parent,omitempty"`
	Base       digest.Digest `cbor:"base,omitempty"`
	Origin     Origin        `cbor:"origin"`
	Ref        string        `cbor:"ref,omitempty"`
	Subject    string        `cbor:"subject,omitempty"`
	Timestamp  int64         `cbor:"timestamp"`
	Generation uint64        `cbor:"generation"`

	OSName  string `cbor:"osname,omitempty"`
	Version string `cbor:"version,omitempty"`

	// Spec is the layering request as the user wrote it; Packages is
	// the resolved name=version set the checksum covers.
	Spec         []string `cbor:"spec,omitempty"`
	Packages     []string `cbor:"packages,omitempty"`
	SpecChecksum string   `cbor:"spec_checksum,omitempty"`
}

func (c *Commit) Time() time.Time { return time.Unix(c.Timestamp, 0).UTC() }

func (c *Commit) Layered() bool { return c.Origin == OriginLayered }

// EncodeCommit returns the framed commit object.
func EncodeCommit(c *Commit) ([]byte, error) {
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("%w: commit without tree", ErrMalformed)
	}
	if c.Origin == "" {
		return nil, fmt.Errorf("%w: commit without origin", ErrMalformed)
	}

	payload, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	return Frame(TypeCommit, payload), nil
}

func decodeCommit(payload []byte) (*Commit, error) {
	var c Commit
	if err := decMode.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: decode commit: %v", ErrMalformed, err)
	}
	return &c, nil
}

// ReadCommit loads a commit object.
func ReadCommit(ctx context.Context, g Getter, d digest.Digest) (*Commit, error) {
	payload, err := read(ctx, g, d, TypeCommit)
	if err != nil {
		return nil, err
	}
	return decodeCommit(payload)
}

// WriteCommit stores a commit object.
func WriteCommit(ctx context.Context, p Putter, c *Commit) (digest.Digest, error) {
	data, err := EncodeCommit(c)
	if err != nil {
		return "", err
	}
	return p.Put(ctx, data)
}

// History walks parents starting at head, newest first, stopping after
// limit commits (0 means no limit) or at the first parent that is no
// longer in the store.
func History(ctx context.Context, g Getter, head digest.Digest, limit int) ([]digest.Digest, []*Commit, error) {
	var (
		ids     []digest.Digest
		commits []*Commit
	)

	for d := head; !d.IsZero(); {
		if limit > 0 && len(commits) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		c, err := ReadCommit(ctx, g, d)
		if err != nil {
			if len(commits) > 0 {
				break
			}
			return nil, nil, err
		}

		ids = append(ids, d)
		commits = append(commits, c)
		d = c.Parent
	}

	return ids, commits, nil
}
