package layering_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
)

func TestLayering(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Layering Suite")
}

const catalogYAML = `
packages:
  - name: p
    version: "1.0-1"
    files:
      usr/bin/b: {content: "b", mode: "0755"}
  - name: dup
    version: "1.0-1"
    files:
      usr/bin: {dir: true}
      usr/bin/a: {content: "a", mode: "0755"}
      usr/share/dup: {dir: true, mode: "0750"}
      usr/share/dup/readme: {content: "hi"}
      usr/share/empty: {dir: true}
  - name: clash
    version: "1.0-1"
    files:
      usr/bin/a: {content: "different", mode: "0755"}
  - name: config
    version: "1.0-1"
    files:
      etc/app.conf: {content: "k=v"}
      usr/bin/app: {target: "../lib/app/app"}
`

var _ = Describe("Spec", func() {
	It("adds and removes requests", func() {
		spec, err := layering.ParseSpec([]string{"vim", "git"})
		Expect(err).ToNot(HaveOccurred())

		reqs, _ := pkgmgr.ParseRequests([]string{"vim", "htop", "git>=2"})
		next, changed := spec.With(reqs...)
		Expect(next.Strings()).To(Equal([]string{"vim", "git>=2", "htop"}))
		Expect(changed).To(HaveLen(2))
		Expect(spec.Strings()).To(Equal([]string{"vim", "git"}))

		_, changed = next.With(reqs...)
		Expect(changed).To(BeEmpty())

		smaller, err := next.Without("vim")
		Expect(err).ToNot(HaveOccurred())
		Expect(smaller.Names()).To(Equal([]string{"git", "htop"}))

		_, err = next.Without("emacs")
		Expect(err).To(MatchError(layering.ErrNotLayered))
	})

	It("compares resolved sets regardless of order", func() {
		a := []pkgmgr.Package{{Name: "vim", Version: "9"}, {Name: "gpm", Version: "1"}}
		b := []pkgmgr.Package{{Name: "gpm", Version: "1"}, {Name: "vim", Version: "9"}}
		Expect(layering.Equal(a, b)).To(BeTrue())
		Expect(layering.Checksum(digest.SHA256, a)).To(Equal(layering.Checksum(digest.SHA256, b)))

		c := []pkgmgr.Package{{Name: "vim", Version: "9.1"}}
		Expect(layering.Equal(a, c)).To(BeFalse())
	})
})

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		s        *store.LocalStore
		catalog  *pkgmgr.Catalog
		base     *object.Commit
		resolver *layering.Resolver
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		s, err = store.NewLocalStore(GinkgoT().TempDir(), store.Options{})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)

		catalog, err = pkgmgr.ParseCatalog([]byte(catalogYAML))
		Expect(err).ToNot(HaveOccurred())

		a, err := object.WriteBlob(ctx, s, []byte("a"))
		Expect(err).ToNot(HaveOccurred())
		root, err := tree.NewComposer(s).Compose(ctx, "", tree.Diff{tree.AddOrReplace("usr/bin/a", a, 0o755)})
		Expect(err).ToNot(HaveOccurred())
		base = &object.Commit{Tree: root, Origin: object.OriginBase}

		resolver = layering.NewResolver(catalog, s, s.Algorithm())
	})

	resolve := func(r *layering.Resolver, pkgs ...string) (*layering.Resolution, error) {
		spec, err := layering.ParseSpec(pkgs)
		Expect(err).ToNot(HaveOccurred())
		return r.Resolve(ctx, base, spec)
	}

	It("adds only the new file", func() {
		res, err := resolve(resolver, "p")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff.Paths()).To(Equal([]string{"usr/bin/b"}))
		Expect(res.Payload).To(HaveLen(1))
		Expect(res.Packages).To(Equal([]pkgmgr.Package{{Name: "p", Version: "1.0-1"}}))
	})

	It("does not write to the store", func() {
		before, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())

		_, err = resolve(resolver, "p", "dup")
		Expect(err).ToNot(HaveOccurred())

		after, err := s.Stats(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(after).To(Equal(before))
	})

	It("skips files and directories identical to the base", func() {
		res, err := resolve(resolver, "dup")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff.Paths()).To(Equal([]string{"usr/share/dup", "usr/share/dup/readme"}))
		Expect(res.Diff[0].Mode).To(Equal(uint32(0o750)))
	})

	It("relocates etc and keeps symlinks", func() {
		res, err := resolve(resolver, "config")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff.Paths()).To(Equal([]string{"usr/bin/app", "usr/etc/app.conf"}))
		Expect(res.Diff[0].Kind).To(Equal(object.KindSymlink))
		Expect(res.Payload[res.Diff[0].Digest]).To(Equal(object.Frame(object.TypeBlob, []byte("../lib/app/app"))))
	})

	It("matches relocated files against the base's own etc", func() {
		withEtc := func(content string) *object.Commit {
			conf, err := object.WriteBlob(ctx, s, []byte(content))
			Expect(err).ToNot(HaveOccurred())
			root, err := tree.NewComposer(s, tree.AllowAll()).Compose(ctx, base.Tree, tree.Diff{tree.AddOrReplace("etc/app.conf", conf, 0o644)})
			Expect(err).ToNot(HaveOccurred())
			return &object.Commit{Tree: root, Origin: object.OriginBase}
		}

		spec, err := layering.ParseSpec([]string{"config"})
		Expect(err).ToNot(HaveOccurred())

		res, err := resolver.Resolve(ctx, withEtc("k=v"), spec)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff.Paths()).To(Equal([]string{"usr/bin/app"}))

		strict := layering.NewResolver(catalog, s, s.Algorithm(), layering.WithCollisionPolicy(layering.CollisionReject))
		_, err = strict.Resolve(ctx, withEtc("k=other"), spec)
		var resErr *pkgmgr.ResolutionError
		Expect(errors.As(err, &resErr)).To(BeTrue())
		Expect(resErr.Package).To(Equal("config"))
	})

	It("replaces base files by default and rejects them on request", func() {
		res, err := resolve(resolver, "clash")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff.Paths()).To(Equal([]string{"usr/bin/a"}))

		strict := layering.NewResolver(catalog, s, s.Algorithm(), layering.WithCollisionPolicy(layering.CollisionReject))
		_, err = resolve(strict, "clash")
		var resErr *pkgmgr.ResolutionError
		Expect(errors.As(err, &resErr)).To(BeTrue())
		Expect(resErr.Package).To(Equal("clash"))
	})

	It("surfaces resolution failures", func() {
		_, err := resolve(resolver, "nothing")
		var resErr *pkgmgr.ResolutionError
		Expect(errors.As(err, &resErr)).To(BeTrue())
	})

	It("is deterministic", func() {
		a, err := resolve(resolver, "dup", "p", "config")
		Expect(err).ToNot(HaveOccurred())
		b, err := resolve(resolver, "config", "p", "dup")
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Diff).To(Equal(b.Diff))
		Expect(a.Checksum).To(Equal(b.Checksum))
	})

	It("resolves an empty spec to an empty diff", func() {
		res, err := resolver.Resolve(ctx, base, layering.Spec{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Diff).To(BeEmpty())
		Expect(res.Checksum).To(Equal(layering.Checksum(s.Algorithm(), nil)))
	})
})
