package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/manifest"
)

func TestManifest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Manifest Suite")
}

var _ = Describe("Manifest", func() {
	It("loads a complete manifest", func() {
		path := filepath.Join(GinkgoT().TempDir(), "stratum.yaml")
		Expect(os.WriteFile(path, []byte(`
osname: arch
base:
  image: registry.example.com/arch/base:latest
packages:
  - vim
  - htop>=3.0
allowlist: [usr, opt]
collision: reject
`), 0o644)).To(Succeed())

		m, err := manifest.Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.OSName).To(Equal("arch"))
		Expect(m.Base.Image).To(Equal("registry.example.com/arch/base:latest"))
		Expect(m.Allowlist).To(Equal([]string{"usr", "opt"}))

		reqs, err := m.Requests()
		Expect(err).ToNot(HaveOccurred())
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[1].Name).To(Equal("htop"))
		Expect(reqs[1].Op).To(Equal(">="))
	})

	DescribeTable("rejects invalid manifests",
		func(doc string) {
			_, err := manifest.Parse([]byte(doc))
			Expect(err).To(MatchError(manifest.ErrInvalid))
		},
		Entry("missing osname", "base: {ref: arch/base}\n"),
		Entry("no base", "osname: arch\n"),
		Entry("two bases", "osname: arch\nbase: {ref: a, dir: /b}\n"),
		Entry("unknown key", "osname: arch\nbase: {ref: a}\nextra: 1\n"),
		Entry("bad package", "osname: arch\nbase: {ref: a}\npackages: ['>=1']\n"),
	)
})
