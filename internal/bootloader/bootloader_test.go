package bootloader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aweris/stratum/internal/bootloader"
)

func TestBootloader(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bootloader Suite")
}

var _ = Describe("Command", func() {
	It("is a no-op without a command line", func() {
		n := bootloader.NewCommand("  ")
		Expect(n).To(Equal(bootloader.Nop{}))
		Expect(n.NotifyNewDefault(context.Background(), bootloader.Entry{})).To(Succeed())
	})

	It("passes the entry through the environment", func() {
		dir := GinkgoT().TempDir()
		out := filepath.Join(dir, "out")
		script := filepath.Join(dir, "notify")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\necho \"$STRATUM_DEPLOYMENT $STRATUM_OSNAME\" > "+out+"\n"), 0o755)).To(Succeed())

		n := bootloader.NewCommand(script)
		Expect(n.NotifyNewDefault(context.Background(), bootloader.Entry{ID: "arch-abc.0", OSName: "arch"})).To(Succeed())

		data, err := os.ReadFile(out)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("arch-abc.0 arch\n"))
	})

	It("reports stderr on failure", func() {
		dir := GinkgoT().TempDir()
		script := filepath.Join(dir, "notify")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\necho 'no esp mounted' >&2\nexit 3\n"), 0o755)).To(Succeed())

		err := bootloader.NewCommand(script).NotifyNewDefault(context.Background(), bootloader.Entry{})
		Expect(err).To(MatchError(ContainSubstring("no esp mounted")))
	})
})
