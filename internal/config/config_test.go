package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/DigiJLinux/SteamOS-Extract/internal/config"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/encode"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var dir string

	write := func(body string) string {
		p := filepath.Join(dir, "config.toml")
		Expect(os.WriteFile(p, []byte(body), 0o644)).To(Succeed())
		return p
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("has usable defaults", func() {
		c := config.Default()
		Expect(c.Validate()).To(Succeed())
		Expect(c.Mount.Retries).To(BeEquivalentTo(3))
		Expect(c.Mount.RetryDelay).To(Equal(200 * time.Millisecond))
		Expect(c.Encode.SquashfsBackend).To(Equal("mksquashfs"))
		Expect(c.Capacity.BlockSize).To(BeEquivalentTo(4096))
		Expect(c.Slot.BootconfKey).To(Equal(slot.DefaultEnvKey))
		Expect(c.SlotQuery()).To(BeNil())
	})

	It("overlays the file on the defaults", func() {
		c, err := config.Load(write(`
[mount]
retries = 5
retry_delay = "1s"

[encode]
squashfs_backend = "diskfs"
compression = "zstd"

[capacity]
inode_overhead = 512

[slot]
bootconf = "/esp/steamcl/bootconf"
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Mount.Retries).To(BeEquivalentTo(5))
		Expect(c.Mount.RetryDelay).To(Equal(time.Second))
		Expect(c.Mount.WorkDir).To(Equal("/var/tmp/superimage"))
		Expect(c.Capacity.InodeOverhead).To(BeEquivalentTo(512))
		Expect(c.Capacity.DirentOverhead).To(BeEquivalentTo(64))
		Expect(c.Planner().InodeOverhead).To(BeEquivalentTo(512))

		e, err := c.Encoders().For(schema.FormatSquashfs)
		Expect(err).ToNot(HaveOccurred())
		Expect(e).To(BeAssignableToTypeOf(&encode.DiskfsSquashfs{}))

		Expect(c.SlotQuery()).To(Equal(slot.EnvFile{Path: "/esp/steamcl/bootconf", Key: "ACTIVE_SLOT"}))
	})

	It("rejects invalid values", func() {
		_, err := config.Load(write(`
[encode]
squashfs_backend = "tar"
`))
		Expect(err).To(HaveOccurred())
	})

	It("fails on an explicit path that does not exist", func() {
		_, err := config.Load(filepath.Join(dir, "missing.toml"))
		Expect(err).To(HaveOccurred())
	})

	It("fails on malformed toml", func() {
		_, err := config.Load(write("[mount\nretries = "))
		Expect(err).To(HaveOccurred())
	})
})
