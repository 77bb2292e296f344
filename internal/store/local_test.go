package store_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/compression"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/store"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store Suite")
}

var _ = Describe("LocalStore", func() {
	var (
		ctx  context.Context
		root string
		s    *store.LocalStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()

		var err error
		s, err = store.NewLocalStore(root, store.Options{CacheSize: 16})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)
	})

	It("returns byte-identical content", func() {
		data := bytes.Repeat([]byte("layered package payload "), 100)
		d, err := s.Put(ctx, data)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(digest.SHA256.FromBytes(data)))

		reopened, err := store.NewLocalStore(root, store.Options{})
		Expect(err).ToNot(HaveOccurred())
		defer reopened.Close()

		got, err := reopened.Get(ctx, d)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(data))
	})

	It("is idempotent", func() {
		d1, err := s.Put(ctx, []byte("same"))
		Expect(err).ToNot(HaveOccurred())
		before, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())

		d2, err := s.Put(ctx, []byte("same"))
		Expect(err).ToNot(HaveOccurred())
		Expect(d2).To(Equal(d1))

		after, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(after).To(Equal(before))
		Expect(after.Objects).To(Equal(1))
	})

	It("survives concurrent writers of the same content", func() {
		data := bytes.Repeat([]byte{7}, 4096)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := s.Put(ctx, data)
				Expect(err).ToNot(HaveOccurred())
			}()
		}
		wg.Wait()

		st, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Objects).To(Equal(1))

		got, err := s.Get(ctx, digest.SHA256.FromBytes(data))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(data))
	})

	It("reports missing objects as not found", func() {
		missing := digest.SHA256.FromBytes([]byte("nope"))
		_, err := s.Get(ctx, missing)
		Expect(err).To(MatchError(store.ErrNotFound))

		ok, err := s.Has(ctx, missing)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("detects corruption", func() {
		noCache, err := store.NewLocalStore(root, store.Options{CacheSize: 0, Compression: compression.None})
		Expect(err).ToNot(HaveOccurred())
		defer noCache.Close()

		d, err := noCache.Put(ctx, []byte("original"))
		Expect(err).ToNot(HaveOccurred())

		path := filepath.Join(root, "objects", d.Hex()[:2], d.Hex()[2:])
		Expect(os.Chmod(path, 0o644)).To(Succeed())
		Expect(os.WriteFile(path, append([]byte{0}, []byte("tampered")...), 0o644)).To(Succeed())

		_, err = noCache.Get(ctx, d)
		Expect(err).To(MatchError(store.ErrCorrupt))
	})

	It("stores many objects in parallel and deletes them", func() {
		objects := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
		digests, err := s.PutMulti(ctx, objects)
		Expect(err).ToNot(HaveOccurred())
		Expect(digests).To(HaveLen(3))
		Expect(digests[1]).To(Equal(digest.SHA256.FromBytes([]byte("b"))))

		Expect(s.Delete(ctx, digests[0])).To(Succeed())
		Expect(s.Delete(ctx, digests[0])).To(Succeed())

		ok, err := s.Has(ctx, digests[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())

		var seen []digest.Digest
		Expect(s.Walk(ctx, func(d digest.Digest, _ int64) error {
			seen = append(seen, d)
			return nil
		})).To(Succeed())
		Expect(seen).To(ConsistOf(digests[1], digests[2]))
	})

	It("manages refs", func() {
		d, err := s.Put(ctx, []byte("commit"))
		Expect(err).ToNot(HaveOccurred())

		Expect(s.PutRef("arch/base", d)).To(Succeed())
		got, err := s.GetRef("arch/base")
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(d))

		refs, err := s.ListRefs()
		Expect(err).ToNot(HaveOccurred())
		Expect(refs).To(HaveKeyWithValue("arch/base", d))

		Expect(s.DeleteRef("arch/base")).To(Succeed())
		_, err = s.GetRef("arch/base")
		Expect(err).To(MatchError(store.ErrNotFound))

		Expect(s.PutRef("../escape", d)).ToNot(Succeed())
		Expect(s.PutRef("arch/.hidden", d)).ToNot(Succeed())
	})

	It("removes temp files from interrupted writes", func() {
		shard := filepath.Join(root, "objects", "ab")
		Expect(os.MkdirAll(shard, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(shard, ".cdef123"), []byte("partial"), 0o644)).To(Succeed())

		n, err := s.RemoveTemp(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		st, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Objects).To(BeZero())
	})

	It("keeps the digest algorithm of an existing repository", func() {
		_, err := store.NewLocalStore(root, store.Options{Algorithm: digest.BLAKE3})
		Expect(err).To(HaveOccurred())

		other := GinkgoT().TempDir()
		b3, err := store.NewLocalStore(other, store.Options{Algorithm: digest.BLAKE3, Compression: compression.LZ4})
		Expect(err).ToNot(HaveOccurred())
		defer b3.Close()

		d, err := b3.Put(ctx, []byte("x"))
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Algorithm()).To(Equal(digest.BLAKE3))

		_, err = b3.Get(ctx, digest.SHA256.FromBytes([]byte("x")))
		Expect(err).To(MatchError(store.ErrNotFound))
	})
})
