package manifest_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/manifest"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Manifest", func() {
	var dir string
	var m *manifest.Manifest

	BeforeEach(func() {
		dir = filepath.Join(GinkgoT().TempDir(), "tree")
		Expect(os.Mkdir(dir, 0o755)).To(Succeed())
		m = &manifest.Manifest{
			Created: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Source:  manifest.Source{Path: "/images/steamdeck.img", Size: 4 << 30, DiskGUID: "0f6b9c1e-1111-4d2a-8c3e-000000000001", BlockSize: 512},
			Roles: []manifest.Role{
				{
					Role: schema.RoleRoot, Slot: schema.SlotA, Format: schema.FormatSquashfs,
					Size: 1932735283, Capacity: 2 << 30,
					Partition: manifest.Partition{Index: 1, Name: "rootfs-A", GUID: "1b1a6f0c-0000-4000-8000-000000000002"},
					Path: ".", Digest: "sha256:abc", DefaultedSlot: true,
				},
				{
					Role: schema.RoleVar, Slot: schema.SlotA, Format: schema.FormatExt4,
					Size: 512 << 20, Capacity: 512 << 20, Path: "var",
					Nested: &manifest.Nested{Name: "var-A.img", Format: schema.FormatExt4, Size: 256 << 20},
				},
			},
		}
	})

	It("reads back what was written", func() {
		Expect(manifest.Write(dir, m)).To(Succeed())

		got, err := manifest.Load(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Version).To(Equal(manifest.Version))
		Expect(got.Source).To(Equal(m.Source))
		Expect(got.Created.Equal(m.Created)).To(BeTrue())
		Expect(got.Roles).To(Equal(m.Roles))
	})

	It("stores formats by name", func() {
		Expect(manifest.Write(dir, m)).To(Succeed())
		raw, err := os.ReadFile(manifest.Path(dir))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring("format: compressed-readonly"))
		Expect(string(raw)).To(ContainSubstring("format: journaling-writable"))
	})

	It("keeps the manifest next to the tree, not in it", func() {
		Expect(manifest.Write(dir, m)).To(Succeed())
		Expect(manifest.Path(dir)).To(Equal(filepath.Join(filepath.Dir(dir), ".tree"+manifest.Suffix)))

		inside, err := os.ReadDir(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(inside).To(BeEmpty())
		beside, err := os.ReadDir(filepath.Dir(dir))
		Expect(err).ToNot(HaveOccurred())
		Expect(beside).To(HaveLen(2))
	})

	It("finds the manifest through a relative path", func() {
		Expect(manifest.Write(dir, m)).To(Succeed())
		wd, err := os.Getwd()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.Chdir, wd)
		Expect(os.Chdir(filepath.Dir(dir))).To(Succeed())

		got, err := manifest.Load("tree")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Source).To(Equal(m.Source))
	})

	It("refuses to put a manifest beside the filesystem root", func() {
		Expect(manifest.Write("/", m)).ToNot(Succeed())
	})

	It("reports a missing manifest", func() {
		_, err := manifest.Load(dir)
		Expect(err).To(MatchError(schema.ErrMissingManifest))
	})

	It("reports a garbled manifest as missing", func() {
		Expect(os.WriteFile(manifest.Path(dir), []byte("roles: [:"), 0o644)).To(Succeed())
		_, err := manifest.Load(dir)
		Expect(err).To(MatchError(schema.ErrMissingManifest))
	})

	It("finds roles", func() {
		r, ok := m.Role(schema.RoleVar)
		Expect(ok).To(BeTrue())
		Expect(r.Nested.Name).To(Equal("var-A.img"))
		_, ok = m.Role(schema.RoleHome)
		Expect(ok).To(BeFalse())
	})

	It("flags a manifest from another disk as stale", func() {
		Expect(m.CheckSource(m.Source.DiskGUID)).To(Succeed())
		Expect(m.CheckSource("00000000-0000-0000-0000-000000000000")).To(MatchError(schema.ErrMissingManifest))
	})
})
