package checkout_test

import (
	"context"
	"io/fs"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/aweris/stratum/internal/checkout"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/importer"
	"github.com/aweris/stratum/internal/store"
)

func TestCheckout(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Checkout Suite")
}

var _ = Describe("Checkout", func() {
	var (
		ctx  context.Context
		s    *store.LocalStore
		fsys *vfst.TestFS
		root digest.Digest
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		s, err = store.NewLocalStore(GinkgoT().TempDir(), store.Options{})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)

		var cleanup func()
		fsys, cleanup, err = vfst.NewTestFS(map[string]any{
			"/src/usr/bin/tool":   &vfst.File{Perm: 0o755, Contents: []byte("#!/bin/sh\n")},
			"/src/usr/bin/alias":  &vfst.Symlink{Target: "tool"},
			"/src/usr/share/ro":   &vfst.Dir{Perm: 0o555},
			"/src/usr/share/note": "read me",
			"/deploy":             &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(cleanup)

		res, err := importer.New(s, importer.WithOwnership(false)).ImportDir(ctx, fsys, "/src")
		Expect(err).ToNot(HaveOccurred())
		root = res.Tree
	})

	It("materializes the tree", func() {
		co := checkout.New(fsys, s)
		Expect(co.Tree(ctx, root, "/deploy/arch-1")).To(Succeed())

		info, err := fsys.Lstat("/deploy/arch-1/usr/bin/tool")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().IsRegular()).To(BeTrue())
		Expect(info.Mode().Perm()).To(Equal(fs.FileMode(0o755)))
		data, err := fsys.ReadFile("/deploy/arch-1/usr/bin/tool")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("#!/bin/sh\n"))

		target, err := fsys.Readlink("/deploy/arch-1/usr/bin/alias")
		Expect(err).ToNot(HaveOccurred())
		Expect(target).To(Equal("tool"))

		info, err = fsys.Lstat("/deploy/arch-1/usr/share/ro")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
		Expect(info.Mode().Perm()).To(Equal(fs.FileMode(0o555)))

		_, err = fsys.Lstat("/deploy/" + checkout.PartialPrefix + "arch-1")
		Expect(err).To(MatchError(fs.ErrNotExist))

		Expect(co.Remove("/deploy/arch-1")).To(Succeed())
		_, err = fsys.Lstat("/deploy/arch-1")
		Expect(err).To(MatchError(fs.ErrNotExist))
	})

	It("refuses to overwrite an existing checkout", func() {
		co := checkout.New(fsys, s)
		Expect(co.Tree(ctx, root, "/deploy/arch-1")).To(Succeed())
		Expect(co.Tree(ctx, root, "/deploy/arch-1")).To(MatchError(checkout.ErrExists))
	})

	It("cleans checkouts that are no longer wanted", func() {
		co := checkout.New(fsys, s)
		Expect(co.Tree(ctx, root, "/deploy/keep")).To(Succeed())
		Expect(co.Tree(ctx, root, "/deploy/drop")).To(Succeed())
		Expect(vfs.MkdirAll(fsys, "/deploy/"+checkout.PartialPrefix+"keep/usr", 0o755)).To(Succeed())

		removed, err := co.Clean("/deploy", []string{"keep"})
		Expect(err).ToNot(HaveOccurred())
		Expect(removed).To(ConsistOf("drop", checkout.PartialPrefix+"keep"))

		_, err = fsys.Lstat("/deploy/keep/usr/bin/tool")
		Expect(err).ToNot(HaveOccurred())
		_, err = fsys.Lstat("/deploy/drop")
		Expect(err).To(MatchError(fs.ErrNotExist))
	})
})
