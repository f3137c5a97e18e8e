package replication

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fenio/zfs-sync/pkg/machine"
	"github.com/fenio/zfs-sync/pkg/replicate"
)

const poolEnvVar = "ZFS_SYNC_E2E_POOL"

// scratch returns the pool to test against, or skips the spec.
func scratch() string {
	pool := os.Getenv(poolEnvVar)
	if pool == "" {
		Skip(fmt.Sprintf("set %s to a scratch pool to run e2e tests", poolEnvVar))
	}
	return pool
}

func zfs(args ...string) {
	out, err := exec.Command("zfs", args...).CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "zfs %v: %s", args, out)
}

var _ = Describe("Replicate", func() {
	var src, dst string

	BeforeEach(func() {
		pool := scratch()
		src = pool + "/zfs-sync-e2e/src"
		dst = pool + "/zfs-sync-e2e/dst"
		zfs("create", "-p", src)
		zfs("snapshot", src+"@base")
	})

	AfterEach(func() {
		if os.Getenv(poolEnvVar) != "" {
			_ = exec.Command("zfs", "destroy", "-r", os.Getenv(poolEnvVar)+"/zfs-sync-e2e").Run()
		}
	})

	It("bootstraps a nonexistent destination with --init", func() {
		srcHost, srcDS, err := machine.ParseSpec(src)
		Expect(err).NotTo(HaveOccurred())
		dstHost, dstDS, err := machine.ParseSpec(dst)
		Expect(err).NotTo(HaveOccurred())

		msg, err := replicate.Run(srcHost, srcDS, dstHost, dstDS, replicate.Opts{
			InitNonexistentDestination: true,
			ProgressOut:                io.Discard,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(ContainSubstring("already up-to-date"))

		Expect(dstHost.GetSnaps(dstDS)).To(Succeed())
		Expect(dstDS.Snaps).To(HaveLen(1))
		Expect(dstDS.Snaps[0].Name).To(Equal("base"))
	})

	It("reports up-to-date on a second run", func() {
		srcHost, srcDS, err := machine.ParseSpec(src)
		Expect(err).NotTo(HaveOccurred())
		dstHost, dstDS, err := machine.ParseSpec(dst)
		Expect(err).NotTo(HaveOccurred())

		_, err = replicate.Run(srcHost, srcDS, dstHost, dstDS, replicate.Opts{
			InitNonexistentDestination: true,
			ProgressOut:                io.Discard,
		})
		Expect(err).NotTo(HaveOccurred())

		srcHost2, srcDS2, err := machine.ParseSpec(src)
		Expect(err).NotTo(HaveOccurred())
		dstHost2, dstDS2, err := machine.ParseSpec(dst)
		Expect(err).NotTo(HaveOccurred())

		msg, err := replicate.Run(srcHost2, srcDS2, dstHost2, dstDS2, replicate.Opts{
			ProgressOut: io.Discard,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(ContainSubstring("already up-to-date"))
	})

	It("sends an incremental stream when the source is ahead", func() {
		srcHost, srcDS, err := machine.ParseSpec(src)
		Expect(err).NotTo(HaveOccurred())
		dstHost, dstDS, err := machine.ParseSpec(dst)
		Expect(err).NotTo(HaveOccurred())

		_, err = replicate.Run(srcHost, srcDS, dstHost, dstDS, replicate.Opts{
			InitNonexistentDestination: true,
			ProgressOut:                io.Discard,
		})
		Expect(err).NotTo(HaveOccurred())

		zfs("snapshot", src+"@second")

		srcHost2, srcDS2, err := machine.ParseSpec(src)
		Expect(err).NotTo(HaveOccurred())
		dstHost2, dstDS2, err := machine.ParseSpec(dst)
		Expect(err).NotTo(HaveOccurred())

		msg, err := replicate.Run(srcHost2, srcDS2, dstHost2, dstDS2, replicate.Opts{
			ProgressOut: io.Discard,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(ContainSubstring("Successfully synchronized"))

		Expect(dstHost2.GetSnaps(dstDS2)).To(Succeed())
		Expect(dstDS2.Snaps).To(HaveLen(2))
	})
})
