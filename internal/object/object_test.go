package object_test

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
)

func TestObject(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Object Suite")
}

// memStore is a minimal in-memory Getter/Putter.
type memStore map[digest.Digest][]byte

func (m memStore) Put(_ context.Context, data []byte) (digest.Digest, error) {
	d := digest.SHA256.FromBytes(data)
	m[d] = data
	return d, nil
}

func (m memStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	data, ok := m[d]
	if !ok {
		return nil, fmt.Errorf("missing %s", d)
	}
	return data, nil
}

var _ = Describe("Object", func() {
	var (
		ctx   context.Context
		store memStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memStore{}
	})

	Describe("framing", func() {
		It("uses a git-style header", func() {
			Expect(string(object.Frame(object.TypeBlob, []byte("hi")))).To(Equal("blob 2\x00hi"))
		})

		It("rejects bad frames", func() {
			for _, bad := range []string{"blob 2", "blob x\x00hi", "blob 3\x00hi", "tree 2\x00hi"} {
				_, _, err := object.Unframe([]byte(bad))
				Expect(err).To(MatchError(object.ErrMalformed), bad)
			}
		})

		It("computes blob digests without storing", func() {
			d, err := object.WriteBlob(ctx, store, []byte("content"))
			Expect(err).ToNot(HaveOccurred())
			Expect(object.BlobDigest(digest.SHA256, []byte("content"))).To(Equal(d))
		})
	})

	Describe("dirs", func() {
		It("encodes independently of input order", func() {
			a, _ := object.WriteBlob(ctx, store, []byte("a"))
			b, _ := object.WriteBlob(ctx, store, []byte("b"))

			d1, err := object.WriteDir(ctx, store, []object.Entry{
				{Name: "b", Kind: object.KindFile, Mode: 0o644, Digest: b},
				{Name: "a", Kind: object.KindFile, Mode: 0o755, Digest: a},
			})
			Expect(err).ToNot(HaveOccurred())
			d2, err := object.WriteDir(ctx, store, []object.Entry{
				{Name: "a", Kind: object.KindFile, Mode: 0o755, Digest: a},
				{Name: "b", Kind: object.KindFile, Mode: 0o644, Digest: b},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(d1).To(Equal(d2))

			entries, err := object.ReadDir(ctx, store, d1)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Name).To(Equal("a"))
			Expect(entries[0].Mode).To(Equal(uint32(0o755)))
			Expect(entries[1].Digest).To(Equal(b))
		})

		It("rejects duplicate and invalid names", func() {
			a, _ := object.WriteBlob(ctx, store, []byte("a"))
			_, err := object.EncodeDir([]object.Entry{{Name: "x", Digest: a}, {Name: "x", Digest: a}})
			Expect(err).To(MatchError(object.ErrMalformed))
			_, err = object.EncodeDir([]object.Entry{{Name: "a/b", Digest: a}})
			Expect(err).To(MatchError(object.ErrMalformed))
			_, err = object.EncodeDir([]object.Entry{{Name: ".."}})
			Expect(err).To(MatchError(object.ErrMalformed))
		})

		It("lists references", func() {
			a, _ := object.WriteBlob(ctx, store, []byte("a"))
			d, _ := object.WriteDir(ctx, store, []object.Entry{{Name: "a", Digest: a}})
			refs, err := object.References(store[d])
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(ConsistOf(a))
		})

		It("refuses to read a blob as a dir", func() {
			a, _ := object.WriteBlob(ctx, store, []byte("a"))
			_, err := object.ReadDir(ctx, store, a)
			Expect(err).To(MatchError(object.ErrWrongType))
		})
	})

	Describe("commits", func() {
		It("round-trips and walks history", func() {
			tree, err := object.EmptyDir(ctx, store)
			Expect(err).ToNot(HaveOccurred())

			root, err := object.WriteCommit(ctx, store, &object.Commit{Tree: tree, Origin: object.OriginBase, Timestamp: 1})
			Expect(err).ToNot(HaveOccurred())
			child, err := object.WriteCommit(ctx, store, &object.Commit{
				Tree: tree, Parent: root, Base: root, Origin: object.OriginLayered,
				Timestamp: 2, Generation: 1, Packages: []string{"vim=9.1"},
			})
			Expect(err).ToNot(HaveOccurred())

			c, err := object.ReadCommit(ctx, store, child)
			Expect(err).ToNot(HaveOccurred())
			Expect(c.Layered()).To(BeTrue())
			Expect(c.Packages).To(Equal([]string{"vim=9.1"}))

			refs, err := object.References(store[child])
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(ConsistOf(tree, root))

			ids, commits, err := object.History(ctx, store, child, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(Equal([]digest.Digest{child, root}))
			Expect(commits[1].Generation).To(BeZero())

			ids, _, err = object.History(ctx, store, child, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(1))
		})

		It("stops history at a pruned parent", func() {
			tree, _ := object.EmptyDir(ctx, store)
			missing := digest.SHA256.FromBytes([]byte("gone"))
			head, _ := object.WriteCommit(ctx, store, &object.Commit{Tree: tree, Parent: missing, Origin: object.OriginBase})

			ids, _, err := object.History(ctx, store, head, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(Equal([]digest.Digest{head}))
		})

		It("requires a tree", func() {
			_, err := object.EncodeCommit(&object.Commit{Origin: object.OriginBase})
			Expect(err).To(MatchError(object.ErrMalformed))
		})
	})
})
