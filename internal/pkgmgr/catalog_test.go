package pkgmgr_test

import (
	"context"
	"errors"
	"io/fs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/pkgmgr"
)

const catalogYAML = `
packages:
  - name: vim
    version: 9.0-1
    files:
      usr/bin/vim: {content: "old vim", mode: "0755"}
  - name: vim
    version: 9.1-1
    depends: [gpm, "ncurses>=6"]
    files:
      usr/bin/vim: {content: "vim", mode: "0755"}
      usr/bin/vi: {target: vim}
      usr/share/vim: {dir: true}
      etc/vimrc: {content: "set nocp"}
  - name: gpm
    version: 1.20-1
    files:
      usr/lib/libgpm.so: {content: "gpm"}
  - name: ncurses
    version: "6.5-1"
    files:
      usr/lib/libncurses.so: {content: "ncurses"}
  - name: nano
    version: "8.0-1"
    conflicts: [vim]
    files:
      usr/bin/nano: {content: "nano"}
  - name: broken
    version: "1-1"
    depends: [missing]
  - name: clash
    version: "1-1"
    files:
      usr/bin/vim: {content: "not vim"}
`

var _ = Describe("Catalog", func() {
	var (
		ctx     context.Context
		catalog *pkgmgr.Catalog
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		catalog, err = pkgmgr.ParseCatalog([]byte(catalogYAML))
		Expect(err).ToNot(HaveOccurred())
	})

	resolve := func(base []string, reqs ...string) ([]pkgmgr.Package, error) {
		parsed, err := pkgmgr.ParseRequests(reqs)
		Expect(err).ToNot(HaveOccurred())
		return catalog.ResolvePackages(ctx, base, parsed)
	}

	It("resolves the newest version with dependencies", func() {
		pkgs, err := resolve(nil, "vim")
		Expect(err).ToNot(HaveOccurred())
		Expect(pkgs).To(Equal([]pkgmgr.Package{
			{Name: "gpm", Version: "1.20-1"},
			{Name: "ncurses", Version: "6.5-1"},
			{Name: "vim", Version: "9.1-1"},
		}))
	})

	It("honours version constraints", func() {
		pkgs, err := resolve(nil, "vim<9.1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pkgs).To(Equal([]pkgmgr.Package{{Name: "vim", Version: "9.0-1"}}))
	})

	It("skips dependencies the base already provides", func() {
		pkgs, err := resolve([]string{"/usr/lib/libncurses.so"}, "vim")
		Expect(err).ToNot(HaveOccurred())
		Expect(pkgs).ToNot(ContainElement(pkgmgr.Package{Name: "ncurses", Version: "6.5-1"}))
	})

	It("is deterministic regardless of request order", func() {
		a, err := resolve(nil, "vim", "gpm")
		Expect(err).ToNot(HaveOccurred())
		b, err := resolve(nil, "gpm", "vim")
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	DescribeTable("fails to resolve",
		func(reqs []string, pkg string) {
			_, err := resolve(nil, reqs...)
			var resErr *pkgmgr.ResolutionError
			Expect(errors.As(err, &resErr)).To(BeTrue())
			Expect(resErr.Package).To(Equal(pkg))
		},
		Entry("missing package", []string{"emacs"}, "emacs"),
		Entry("unsatisfiable version", []string{"vim>=10"}, "vim"),
		Entry("broken dependency", []string{"broken"}, "missing"),
		Entry("conflicting requirements", []string{"vim<9.1", "vim>=9.1"}, "vim"),
		Entry("conflicting packages", []string{"nano", "vim"}, "nano"),
	)

	It("lists installed files", func() {
		files, err := catalog.InstallFiles(ctx, []pkgmgr.Package{{Name: "vim", Version: "9.1-1"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(files.Paths()).To(Equal([]string{"etc/vimrc", "usr/bin/vi", "usr/bin/vim", "usr/share/vim"}))

		Expect(files["usr/bin/vim"].Mode).To(Equal(fs.FileMode(0o755)))
		Expect(files["usr/bin/vi"].IsSymlink()).To(BeTrue())
		Expect(files["usr/bin/vi"].Target).To(Equal("vim"))
		Expect(files["usr/share/vim"].IsDir()).To(BeTrue())
		Expect(files["etc/vimrc"].Mode).To(Equal(fs.FileMode(0o644)))
	})

	It("detects file conflicts between packages", func() {
		_, err := catalog.InstallFiles(ctx, []pkgmgr.Package{
			{Name: "vim", Version: "9.1-1"},
			{Name: "clash", Version: "1-1"},
		})
		var resErr *pkgmgr.ResolutionError
		Expect(errors.As(err, &resErr)).To(BeTrue())
	})

	It("rejects invalid catalogs", func() {
		_, err := pkgmgr.ParseCatalog([]byte("packages:\n  - name: x\n"))
		Expect(err).To(HaveOccurred())
		_, err = pkgmgr.ParseCatalog([]byte("packages:\n  - name: x\n    version: 1\n    files:\n      a: {mode: \"99\"}\n"))
		Expect(err).To(HaveOccurred())
		_, err = pkgmgr.ParseCatalog([]byte("unknown: true\n"))
		Expect(err).To(HaveOccurred())
	})
})
