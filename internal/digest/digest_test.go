package digest_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/digest"
)

func TestDigest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Digest Suite")
}

var _ = Describe("Digest", func() {
	It("hashes sha256 with the algorithm prefix", func() {
		d := digest.SHA256.FromBytes([]byte("hello"))
		Expect(string(d)).To(Equal("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"))
		Expect(d.Validate()).To(Succeed())
		Expect(d.Algorithm()).To(Equal(digest.SHA256))
		Expect(d.Short()).To(Equal("2cf24dba5fb0"))
	})

	It("hashes blake3 differently from sha256", func() {
		a := digest.BLAKE3.FromBytes([]byte("hello"))
		b := digest.SHA256.FromBytes([]byte("hello"))
		Expect(a).ToNot(Equal(b))
		Expect(a.Validate()).To(Succeed())
		Expect(a.Algorithm()).To(Equal(digest.BLAKE3))
	})

	It("agrees between FromBytes and FromHash", func() {
		for _, algo := range []digest.Algorithm{digest.SHA256, digest.BLAKE3} {
			h := algo.New()
			h.Write([]byte("stream"))
			Expect(algo.FromHash(h)).To(Equal(algo.FromBytes([]byte("stream"))))
		}
	})

	It("rejects malformed digests", func() {
		for _, s := range []string{"", "abc", "md5:00", "sha256:zz", "sha256:1234"} {
			_, err := digest.Parse(s)
			Expect(err).To(MatchError(digest.ErrInvalid), s)
		}
	})

	It("parses algorithm names", func() {
		a, err := digest.ParseAlgorithm("")
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(digest.Canonical))

		a, err = digest.ParseAlgorithm("BLAKE3")
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(digest.BLAKE3))

		_, err = digest.ParseAlgorithm("crc32")
		Expect(err).To(HaveOccurred())
	})

	It("matches abbreviations", func() {
		d := digest.SHA256.FromBytes([]byte("hello"))
		Expect(d.HasPrefix("2cf24d")).To(BeTrue())
		Expect(d.HasPrefix("sha256:2cf2")).To(BeTrue())
		Expect(d.HasPrefix("ffff")).To(BeFalse())
		Expect(d.HasPrefix("")).To(BeFalse())
	})
})
