package pkgmgr_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/pkgmgr"
)

var _ = Describe("Request", func() {
	DescribeTable("parses",
		func(in, name, op, version string) {
			r, err := pkgmgr.ParseRequest(in)
			Expect(err).ToNot(HaveOccurred())
			Expect(r.Name).To(Equal(name))
			Expect(r.Op).To(Equal(op))
			Expect(r.Version).To(Equal(version))
			Expect(r.String()).To(Equal(name + op + version))
		},
		Entry("bare name", "vim", "vim", "", ""),
		Entry("exact", "vim=9.1-1", "vim", "=", "9.1-1"),
		Entry("at least", "glibc>=2.39", "glibc", ">=", "2.39"),
		Entry("below", "python<3.13", "python", "<", "3.13"),
	)

	It("rejects empty parts", func() {
		for _, in := range []string{"", ">=1", "vim>=", "two words"} {
			_, err := pkgmgr.ParseRequest(in)
			Expect(err).To(HaveOccurred(), in)
		}
	})

	DescribeTable("compares versions like pacman",
		func(a, b string, want int) {
			Expect(pkgmgr.Vercmp(a, b)).To(Equal(want))
			Expect(pkgmgr.Vercmp(b, a)).To(Equal(-want))
		},
		Entry("equal", "1.0", "1.0", 0),
		Entry("numeric segments", "1.10", "1.9", 1),
		Entry("longer is newer", "1.0.1", "1.0", 1),
		Entry("alpha suffix is older", "1.0a", "1.0", -1),
		Entry("release", "9.1-2", "9.1-1", 1),
		Entry("epoch wins", "1:1.0", "2.0", 1),
		Entry("leading zeros", "1.01", "1.1", 0),
	)

	It("matches constraints", func() {
		r, _ := pkgmgr.ParseRequest("vim>=9.0")
		Expect(r.Matches("9.1-1")).To(BeTrue())
		Expect(r.Matches("8.2")).To(BeFalse())

		r, _ = pkgmgr.ParseRequest("vim")
		Expect(r.Matches("anything")).To(BeTrue())
	})
})
