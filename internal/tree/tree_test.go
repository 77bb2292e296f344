package tree_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
)

func TestTree(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tree Suite")
}

var _ = Describe("Composer", func() {
	var (
		ctx  context.Context
		s    *store.LocalStore
		base digest.Digest
		blob func(string) digest.Digest
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		s, err = store.NewLocalStore(GinkgoT().TempDir(), store.Options{})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)

		blob = func(content string) digest.Digest {
			d, err := object.WriteBlob(ctx, s, []byte(content))
			Expect(err).ToNot(HaveOccurred())
			return d
		}

		base, err = tree.NewComposer(s, tree.AllowAll()).Compose(ctx, "", tree.Diff{
			tree.AddOrReplace("usr/bin/a", blob("a"), 0o755),
			tree.AddOrReplace("usr/lib/os-release", blob("ID=test\n"), 0o644),
			tree.AddOrReplace("etc/hostname", blob("host"), 0o644),
		})
		Expect(err).ToNot(HaveOccurred())
	})

	flatten := func(root digest.Digest) map[string]object.Entry {
		files, err := tree.NewSnapshot(s, root).Flatten(ctx)
		Expect(err).ToNot(HaveOccurred())
		return files
	}

	It("returns the base hash for an empty diff", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(base))
	})

	It("adds files next to the base content", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{
			tree.AddOrReplace("usr/bin/b", blob("b"), 0o755),
		})
		Expect(err).ToNot(HaveOccurred())

		files := flatten(got)
		Expect(files).To(HaveKey("usr/bin/a"))
		Expect(files).To(HaveKey("usr/bin/b"))
		Expect(files).To(HaveKey("etc/hostname"))

		Expect(flatten(base)).ToNot(HaveKey("usr/bin/b"))
	})

	It("shares unchanged subtrees", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{
			tree.AddOrReplace("usr/bin/b", blob("b"), 0o755),
		})
		Expect(err).ToNot(HaveOccurred())

		before, err := tree.NewSnapshot(s, base).Lookup(ctx, "usr/lib")
		Expect(err).ToNot(HaveOccurred())
		after, err := tree.NewSnapshot(s, got).Lookup(ctx, "usr/lib")
		Expect(err).ToNot(HaveOccurred())
		Expect(after.Digest).To(Equal(before.Digest))
	})

	It("applies changes in order", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{
			tree.AddOrReplace("usr/bin/b", blob("first"), 0o755),
			tree.AddOrReplace("usr/bin/b", blob("second"), 0o755),
			tree.AddOrReplace("usr/bin/c", blob("c"), 0o755),
			tree.Remove("usr/bin/c"),
		})
		Expect(err).ToNot(HaveOccurred())

		content, err := tree.NewSnapshot(s, got).ReadFile(ctx, "/usr/bin/b")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(Equal("second"))
		Expect(flatten(got)).ToNot(HaveKey("usr/bin/c"))
	})

	It("is deterministic", func() {
		diff := tree.Diff{
			tree.AddOrReplace("opt/x/y", blob("y"), 0o644),
			tree.Mkdir("usr/share/empty", 0o700),
		}
		a, err := tree.NewComposer(s).Compose(ctx, base, diff)
		Expect(err).ToNot(HaveOccurred())
		b, err := tree.NewComposer(s).Compose(ctx, base, diff)
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(b))

		e := flatten(a)["usr/share/empty"]
		Expect(e.Kind).To(Equal(object.KindDir))
		Expect(e.Mode).To(Equal(uint32(0o700)))
	})

	It("keeps directory contents when re-adding a directory", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{tree.Mkdir("usr/bin", 0o755)})
		Expect(err).ToNot(HaveOccurred())
		Expect(flatten(got)).To(HaveKey("usr/bin/a"))
	})

	It("treats removing a missing path as a no-op", func() {
		got, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{
			tree.Remove("usr/bin/missing"),
			tree.Remove("usr/nothing/here"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(base))
	})

	DescribeTable("rejects conflicting changes",
		func(change tree.Change) {
			_, err := tree.NewComposer(s).Compose(ctx, base, tree.Diff{change})
			var conflict *tree.ConflictError
			Expect(errors.As(err, &conflict)).To(BeTrue())
		},
		Entry("outside the allowlist", tree.AddOrReplace("etc/passwd", digest.SHA256.FromBytes(nil), 0o644)),
		Entry("escaping the tree", tree.AddOrReplace("usr/../etc/passwd", digest.SHA256.FromBytes(nil), 0o644)),
		Entry("the root itself", tree.Remove("/")),
		Entry("under a file", tree.AddOrReplace("usr/bin/a/b", digest.SHA256.FromBytes(nil), 0o644)),
		Entry("a file over a directory", tree.AddOrReplace("usr/bin", digest.SHA256.FromBytes(nil), 0o644)),
	)

	It("validates the whole diff before writing", func() {
		before, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())

		_, err = tree.NewComposer(s).Compose(ctx, base, tree.Diff{
			tree.AddOrReplace("usr/bin/new", blob("new"), 0o755),
			tree.AddOrReplace("var/lib/x", digest.SHA256.FromBytes(nil), 0o644),
		})
		Expect(err).To(HaveOccurred())

		after, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		// Only the blob written by the helper above.
		Expect(after.Objects).To(Equal(before.Objects + 1))
	})

	It("honours a custom allowlist", func() {
		_, err := tree.NewComposer(s, tree.WithAllowlist("/etc/")).Compose(ctx, base, tree.Diff{
			tree.AddOrReplace("etc/motd", blob("hi"), 0o644),
		})
		Expect(err).ToNot(HaveOccurred())
	})
})

var _ = Describe("Snapshot", func() {
	It("reports missing paths", func() {
		ctx := context.Background()
		s, err := store.NewLocalStore(GinkgoT().TempDir(), store.Options{})
		Expect(err).ToNot(HaveOccurred())
		defer s.Close()

		root, err := object.EmptyDir(ctx, s)
		Expect(err).ToNot(HaveOccurred())

		_, err = tree.NewSnapshot(s, root).Lookup(ctx, "usr")
		Expect(err).To(MatchError(tree.ErrNotExist))

		entries, err := tree.NewSnapshot(s, root).ReadDir(ctx, "/")
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})
})
