package pkgmgr_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/aweris/stratum/internal/pkgmgr"
)

const fakePacman = `#!/bin/sh
op="$1"
shift
root=""
dbpath=""
targets=""
while [ $# -gt 0 ]; do
	case "$1" in
	--root) root="$2"; shift;;
	--dbpath) dbpath="$2"; shift;;
	--print-format) shift;;
	-*) ;;
	*) targets="$targets $1";;
	esac
	shift
done
echo "$op root=${root:+yes} sync=$(readlink "$dbpath/sync")" >> "$(dirname "$0")/calls"

for t in $targets; do
	case "$t" in
	missing) echo "error: target not found: missing" >&2; exit 1;;
	esac
done

if [ -z "$root" ]; then
	echo "vim 9.1-1"
	echo "gpm 1.20-1"
	exit 0
fi

mkdir -p "$root/usr/bin" "$root/var/lib/pacman/local/vim-9.1-1" "$root/var/cache/pacman/pkg"
printf 'vim' > "$root/usr/bin/vim"
chmod 0755 "$root/usr/bin/vim"
ln -s vim "$root/usr/bin/vi"
printf 'desc' > "$root/var/lib/pacman/local/vim-9.1-1/desc"
printf 'junk' > "$root/var/cache/pacman/pkg/vim.pkg.tar.zst"
`

var _ = Describe("Pacman", func() {
	var (
		ctx context.Context
		dir string
		p   *pkgmgr.Pacman
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		bin := filepath.Join(dir, "pacman")
		Expect(os.WriteFile(bin, []byte(fakePacman), 0o755)).To(Succeed())
		p = pkgmgr.NewPacman(
			pkgmgr.WithPacmanBinary(bin),
			pkgmgr.WithPacmanDBPath("/srv/pacman"),
			pkgmgr.WithScratchDir(filepath.Join(dir, "scratch")),
		)
	})

	It("resolves targets from pacman's print output", func() {
		reqs, _ := pkgmgr.ParseRequests([]string{"vim"})
		pkgs, err := p.ResolvePackages(ctx, nil, reqs)
		Expect(err).ToNot(HaveOccurred())
		Expect(pkgs).To(Equal([]pkgmgr.Package{
			{Name: "gpm", Version: "1.20-1"},
			{Name: "vim", Version: "9.1-1"},
		}))
	})

	It("reports pacman failures as resolution errors", func() {
		reqs, _ := pkgmgr.ParseRequests([]string{"missing"})
		_, err := p.ResolvePackages(ctx, nil, reqs)
		var resErr *pkgmgr.ResolutionError
		Expect(errors.As(err, &resErr)).To(BeTrue())
		Expect(resErr.Reason).To(ContainSubstring("target not found"))
	})

	It("installs into a scratch root and reads it back", func() {
		files, err := p.InstallFiles(ctx, []pkgmgr.Package{{Name: "vim", Version: "9.1-1"}})
		Expect(err).ToNot(HaveOccurred())

		Expect(files).To(HaveKey("usr/bin/vim"))
		Expect(string(files["usr/bin/vim"].Content)).To(Equal("vim"))
		Expect(files["usr/bin/vi"].Target).To(Equal("vim"))
		Expect(files).To(HaveKey("var/lib/pacman/local/vim-9.1-1/desc"))
		Expect(files).ToNot(HaveKey("var/cache/pacman/pkg/vim.pkg.tar.zst"))
	})

	It("resolves and installs against the same sync databases without refreshing them", func() {
		reqs, _ := pkgmgr.ParseRequests([]string{"vim"})
		pkgs, err := p.ResolvePackages(ctx, nil, reqs)
		Expect(err).ToNot(HaveOccurred())
		_, err = p.InstallFiles(ctx, pkgs)
		Expect(err).ToNot(HaveOccurred())

		calls, err := os.ReadFile(filepath.Join(dir, "calls"))
		Expect(err).ToNot(HaveOccurred())
		Expect(strings.Split(strings.TrimSpace(string(calls)), "\n")).To(Equal([]string{
			"-S root= sync=/srv/pacman/sync",
			"-S root=yes sync=/srv/pacman/sync",
		}))

		entries, err := os.ReadDir(filepath.Join(dir, "scratch"))
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})
})

var _ = Describe("readRoot", func() {
	It("skips pacman state and keeps file types", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/usr/bin/tool":  &vfst.File{Perm: 0o755, Contents: []byte("tool")},
			"/usr/bin/alias": &vfst.Symlink{Target: "tool"},
			"/tmp/scratch":   "junk",
			"/var/log/x.log": "log",
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		files, err := pkgmgr.ReadRoot(fs)
		Expect(err).ToNot(HaveOccurred())
		Expect(files.Paths()).To(Equal([]string{"usr", "usr/bin", "usr/bin/alias", "usr/bin/tool", "var"}))
		Expect(files["usr/bin/tool"].Mode.Perm()).To(BeEquivalentTo(0o755))
		Expect(files["usr/bin/alias"].IsSymlink()).To(BeTrue())
	})
})
