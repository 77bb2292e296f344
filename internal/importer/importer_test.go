package importer_test

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/aweris/stratum/internal/importer"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
)

func TestImporter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Importer Suite")
}

var _ = Describe("Importer", func() {
	var (
		ctx context.Context
		s   *store.LocalStore
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		s, err = store.NewLocalStore(GinkgoT().TempDir(), store.Options{})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)
	})

	It("imports a directory tree", func() {
		fsys, cleanup, err := vfst.NewTestFS(map[string]any{
			"/image/usr/bin/a":          &vfst.File{Perm: 0o755, Contents: []byte("a")},
			"/image/usr/bin/sh":         &vfst.Symlink{Target: "a"},
			"/image/usr/lib/os-release": "ID=arch\n",
			"/image/etc":                &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(cleanup)

		res, err := importer.New(s, importer.WithOwnership(false)).ImportDir(ctx, fsys, "/image")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Files).To(Equal(2))
		Expect(res.Links).To(Equal(1))

		snap := tree.NewSnapshot(s, res.Tree)
		e, err := snap.Lookup(ctx, "usr/bin/a")
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Mode).To(Equal(uint32(0o755)))
		Expect(e.ModTime).To(BeZero())

		target, err := snap.ReadFile(ctx, "usr/bin/sh")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(target)).To(Equal("a"))

		e, err = snap.Lookup(ctx, "etc")
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Kind).To(Equal(object.KindDir))
	})

	It("is deterministic", func() {
		files := map[string]any{"/src/usr/share/doc": "hello", "/src/opt/x": "y"}
		fsys, cleanup, err := vfst.NewTestFS(files)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(cleanup)

		imp := importer.New(s, importer.WithOwnership(false))
		r1, err := imp.ImportDir(ctx, fsys, "/src")
		Expect(err).ToNot(HaveOccurred())
		r2, err := imp.ImportDir(ctx, fsys, "/src")
		Expect(err).ToNot(HaveOccurred())
		Expect(r1.Tree).To(Equal(r2.Tree))
	})

	It("imports tar streams with hard links", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		now := time.Unix(1700000000, 0)
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "usr/", Mode: 0o755, ModTime: now})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "usr/a", Mode: 0o644, Size: 5, ModTime: now})).To(Succeed())
		_, err := tw.Write([]byte("hello"))
		Expect(err).ToNot(HaveOccurred())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeLink, Name: "usr/b", Linkname: "usr/a"})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "usr/c", Linkname: "a"})).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		res, err := importer.New(s, importer.WithTimestamps(true)).ImportTar(ctx, &buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Files).To(Equal(2))

		snap := tree.NewSnapshot(s, res.Tree)
		a, err := snap.Lookup(ctx, "usr/a")
		Expect(err).ToNot(HaveOccurred())
		b, err := snap.Lookup(ctx, "usr/b")
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Digest).To(Equal(a.Digest))
		Expect(a.ModTime).To(Equal(now.Unix()))
	})

	It("resolves hard links in archives rooted at dot", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "./", Mode: 0o755})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "./usr/", Mode: 0o755})).To(Succeed())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "./usr/a", Mode: 0o644, Size: 5})).To(Succeed())
		_, err := tw.Write([]byte("hello"))
		Expect(err).ToNot(HaveOccurred())
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeLink, Name: "./usr/b", Linkname: "./usr/a"})).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		res, err := importer.New(s).ImportTar(ctx, &buf)
		Expect(err).ToNot(HaveOccurred())

		snap := tree.NewSnapshot(s, res.Tree)
		a, err := snap.Lookup(ctx, "usr/a")
		Expect(err).ToNot(HaveOccurred())
		b, err := snap.Lookup(ctx, "usr/b")
		Expect(err).ToNot(HaveOccurred())
		Expect(b.Digest).To(Equal(a.Digest))
	})

	It("rejects hard links escaping the root", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeLink, Name: "usr/b", Linkname: "../etc/shadow"})).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		_, err := importer.New(s).ImportTar(ctx, &buf)
		var conflict *tree.ConflictError
		Expect(err).To(BeAssignableToTypeOf(conflict))
	})

	It("rejects entries escaping the root", func() {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		Expect(tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "../evil", Mode: 0o644})).To(Succeed())
		Expect(tw.Close()).To(Succeed())

		_, err := importer.New(s).ImportTar(ctx, &buf)
		var conflict *tree.ConflictError
		Expect(err).To(BeAssignableToTypeOf(conflict))
	})
})
