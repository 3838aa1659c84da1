package dag_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/capacity"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/dag"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/encode"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/manifest"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/mount"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/state"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/tree"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
	vfs "github.com/twpayne/go-vfs/v4"
)

// steamParts is esp, rootfs-A/B, var-A/B and home on a 64MiB image.
func steamParts(dir string) []part {
	mb := uint64(MiB / 512)
	rootA := writeTree(filepath.Join(dir, "rootA"), map[string]string{
		"etc/os-release": "ID=steamos\n",
		"usr/bin/tool":   "#!/bin/sh\n",
		"var/junk":       "hidden under the var mount",
		"home/":          "",
	})
	Expect(os.Symlink("usr/bin", filepath.Join(rootA, "bin"))).To(Succeed())
	rootB := writeTree(filepath.Join(dir, "rootB"), map[string]string{
		"etc/os-release": "ID=steamos\nVARIANT=b\n",
	})
	varA := writeTree(filepath.Join(dir, "varA"), map[string]string{
		"lib/pacman/local/ALPM_DB_VERSION": "9\n",
		"log/": "",
	})
	home := writeTree(filepath.Join(dir, "home"), map[string]string{
		"deck/.bashrc": "export PS1='$ '\n",
	})
	return []part{
		{entry: gpt.Entry{TypeGUID: gpt.TypeESP, FirstLBA: 1 * mb, LastLBA: 9*mb - 1, Name: "esp"}},
		{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 9 * mb, LastLBA: 21*mb - 1, Name: "rootfs-A"}, head: squashfsSuperblock(3 * MiB), tree: rootA},
		{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 21 * mb, LastLBA: 33*mb - 1, Name: "rootfs-B"}, head: squashfsSuperblock(4 * MiB), tree: rootB},
		{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 33 * mb, LastLBA: 41*mb - 1, Name: "var-A"}, head: extSuperblock(8*MiB, "var"), tree: varA},
		{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 41 * mb, LastLBA: 49*mb - 1, Name: "var-B"}, head: extSuperblock(8*MiB, "var")},
		{entry: gpt.Entry{TypeGUID: gpt.TypeHome, FirstLBA: 49 * mb, LastLBA: 62*mb - 1, Name: "home"}, head: extSuperblock(13*MiB, "home"), tree: home},
	}
}

type env struct {
	dir     string
	fx      *fixture
	mounter *fakeMounter
	mounts  *mount.Manager
	dest    string
}

func newEnv(parts func(dir string) []part, size int64) *env {
	dir := GinkgoT().TempDir()
	fx := buildFixture(dir, size, parts(dir))
	m := newFakeMounter(fx)
	return &env{
		dir:     dir,
		fx:      fx,
		mounter: m,
		mounts:  &mount.Manager{WorkDir: filepath.Join(dir, "work"), Attempts: 1, Attacher: fakeAttacher{}, Mounter: m},
		dest:    filepath.Join(dir, "tree"),
	}
}

func (e *env) extract(mod func(s *state.ExtractState)) (*state.ExtractState, error) {
	return e.extractCtx(context.Background(), mod)
}

func (e *env) extractCtx(ctx context.Context, mod func(s *state.ExtractState)) (*state.ExtractState, error) {
	s := &state.ExtractState{
		State: state.State{Image: e.fx.image, Mounts: e.mounts, Privileges: utils.AllowPrivileges{}},
		Dest:  e.dest,
	}
	if mod != nil {
		mod(s)
	}
	g := herd.DAG()
	Expect(dag.RegisterExtraction(s, g)).To(Succeed())
	return s, dag.Run(ctx, s, g)
}

func (e *env) repack(plan state.RepackPlan, encoders encode.Registry, mod func(s *state.RepackState)) (*state.RepackState, error) {
	return e.repackCtx(context.Background(), plan, encoders, mod)
}

func (e *env) repackCtx(ctx context.Context, plan state.RepackPlan, encoders encode.Registry, mod func(s *state.RepackState)) (*state.RepackState, error) {
	s := &state.RepackState{
		State:    state.State{Image: e.fx.image, Mounts: e.mounts, Privileges: utils.AllowPrivileges{}},
		Tree:     e.dest,
		Plan:     plan,
		Encoders: encoders,
		Planner:  capacity.New(),
		WorkDir:  filepath.Join(e.dir, "work"),
	}
	if mod != nil {
		mod(s)
	}
	g := herd.DAG()
	Expect(dag.RegisterRepack(s, g)).To(Succeed())
	err := dag.Run(ctx, s, g)
	Expect(s.Finish(err)).To(Succeed())
	return s, err
}

var _ = Describe("Extraction", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv(steamParts, 64*MiB)
	})

	It("copies the active slot of every role and writes the manifest", func() {
		_, err := e.extract(nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(filepath.Join(e.dest, "etc/os-release")).To(BeARegularFile())
		Expect(filepath.Join(e.dest, "var/lib/pacman/local/ALPM_DB_VERSION")).To(BeARegularFile())
		Expect(filepath.Join(e.dest, "home/deck/.bashrc")).To(BeARegularFile())
		Expect(filepath.Join(e.dest, "var/junk")).ToNot(BeAnExistingFile())
		link, err := os.Readlink(filepath.Join(e.dest, "bin"))
		Expect(err).ToNot(HaveOccurred())
		Expect(link).To(Equal("usr/bin"))

		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Source.DiskGUID).To(Equal(e.fx.table.Header.DiskGUID.String()))
		Expect(m.Roles).To(HaveLen(3))

		root, ok := m.Role(schema.RoleRoot)
		Expect(ok).To(BeTrue())
		Expect(root.Slot).To(Equal(schema.SlotA))
		Expect(root.Format).To(Equal(schema.FormatSquashfs))
		Expect(root.Size).To(BeEquivalentTo(3 * MiB))
		Expect(root.Capacity).To(BeEquivalentTo(12 * MiB))
		Expect(root.Partition.Name).To(Equal("rootfs-A"))
		Expect(root.DefaultedSlot).To(BeTrue())

		d, err := tree.Digest(vfs.OSFS, e.dest, []string{"var", "home"})
		Expect(err).ToNot(HaveOccurred())
		Expect(root.Digest).To(Equal(d.String()))

		v, _ := m.Role(schema.RoleVar)
		Expect(v.Format).To(Equal(schema.FormatExt4))
		Expect(v.Path).To(Equal("var"))

		h, _ := m.Role(schema.RoleHome)
		Expect(h.Slot).To(Equal(schema.SlotNone))
		Expect(h.DefaultedSlot).To(BeFalse())

		Expect(e.mounts.Active()).To(Equal(0))
	})

	It("follows the active slot signal", func() {
		_, err := e.extract(func(s *state.ExtractState) {
			s.Query = slot.Static(schema.SlotB)
			s.Skip = map[schema.Role]bool{schema.RoleVar: true}
		})
		Expect(err).ToNot(HaveOccurred())

		content, err := os.ReadFile(filepath.Join(e.dest, "etc/os-release"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("VARIANT=b"))

		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		root, _ := m.Role(schema.RoleRoot)
		Expect(root.Slot).To(Equal(schema.SlotB))
		Expect(root.DefaultedSlot).To(BeFalse())
		_, ok := m.Role(schema.RoleVar)
		Expect(ok).To(BeFalse())
	})

	It("leaves home out when asked", func() {
		_, err := e.extract(func(s *state.ExtractState) {
			s.Skip = map[schema.Role]bool{schema.RoleHome: true}
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(filepath.Join(e.dest, "home/deck")).ToNot(BeAnExistingFile())
		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		_, ok := m.Role(schema.RoleHome)
		Expect(ok).To(BeFalse())
	})

	It("writes no manifest when a role fails", func() {
		delete(e.mounter.trees, e.fx.image+"@"+itoa(e.fx.rangeOf("home").Offset))

		_, err := e.extract(nil)
		Expect(err).To(MatchError(schema.ErrMountFailure))
		Expect(manifest.Path(e.dest)).ToNot(BeAnExistingFile())
		Expect(filepath.Join(e.dest, "etc/os-release")).To(BeARegularFile())
		Expect(e.mounts.Active()).To(Equal(0))

		_, err = e.repack(state.NewRepackPlan(filepath.Join(e.dir, "new.img")), nil, nil)
		Expect(err).To(MatchError(schema.ErrMissingManifest))
		Expect(filepath.Join(e.dir, "new.img")).ToNot(BeAnExistingFile())
	})

	It("refuses payloads it cannot classify", func() {
		f, err := os.OpenFile(e.fx.image, os.O_WRONLY, 0)
		Expect(err).ToNot(HaveOccurred())
		_, err = f.WriteAt(make([]byte, 4096), e.fx.rangeOf("rootfs-A").Offset)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = e.extract(nil)
		Expect(err).To(MatchError(schema.ErrUnsupportedFormat))
		var re *schema.RoleError
		Expect(errors.As(err, &re)).To(BeTrue())
		Expect(re.Role).To(Equal(schema.RoleRoot))
		Expect(manifest.Path(e.dest)).ToNot(BeAnExistingFile())
	})

	It("trusts the superblock over the partition type", func() {
		f, err := os.OpenFile(e.fx.image, os.O_WRONLY, 0)
		Expect(err).ToNot(HaveOccurred())
		_, err = f.WriteAt(squashfsSuperblock(MiB), e.fx.rangeOf("home").Offset)
		Expect(err).ToNot(HaveOccurred())
		// the ext magic at 1080 would make the payload ambiguous
		_, err = f.WriteAt(make([]byte, 2), e.fx.rangeOf("home").Offset+1080)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		_, err = e.extract(nil)
		Expect(err).ToNot(HaveOccurred())
		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		h, _ := m.Role(schema.RoleHome)
		Expect(h.Format).To(Equal(schema.FormatSquashfs))
	})

	It("extracts the inner image of a partition holding one", func() {
		outer := writeTree(filepath.Join(e.dir, "homeOuter"), map[string]string{})
		Expect(os.WriteFile(filepath.Join(outer, "home.img"), extSuperblock(4*MiB, "home"), 0o644)).To(Succeed())
		e.mounter.trees[e.fx.image+"@"+itoa(e.fx.rangeOf("home").Offset)] = outer
		inner := writeTree(filepath.Join(e.dir, "homeInner"), map[string]string{
			"deck/inner.txt": "from the inner image",
		})
		e.mounter.nested("home.img", inner)

		_, err := e.extract(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(filepath.Join(e.dest, "home/deck/inner.txt")).To(BeARegularFile())
		Expect(filepath.Join(e.dest, "home/home.img")).ToNot(BeAnExistingFile())

		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		h, _ := m.Role(schema.RoleHome)
		Expect(h.Nested).ToNot(BeNil())
		Expect(h.Nested.Name).To(Equal("home.img"))
		Expect(h.Nested.Format).To(Equal(schema.FormatExt4))
		Expect(e.mounts.Active()).To(Equal(0))
	})

	It("keeps the manifest out of the extracted tree", func() {
		_, err := e.extract(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(manifest.Path(e.dest)).To(BeARegularFile())
		Expect(manifestsIn(e.dest)).To(BeEmpty())

		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		root, _ := m.Role(schema.RoleRoot)
		d, err := tree.Digest(vfs.OSFS, e.dest, []string{"var", "home"})
		Expect(err).ToNot(HaveOccurred())
		Expect(root.Digest).To(Equal(d.String()))
	})

	It("stops on cancellation and releases what it mounted", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		e.mounter.onMount = func(string) { cancel() }

		_, err := e.extractCtx(ctx, nil)
		Expect(err).To(MatchError(context.Canceled))
		Expect(e.mounts.Active()).To(Equal(0))
		Expect(manifest.Path(e.dest)).ToNot(BeAnExistingFile())
		Expect(filepath.Join(e.dest, "etc/os-release")).ToNot(BeAnExistingFile())
	})

	It("checks privileges before writing anything", func() {
		_, err := e.extract(func(s *state.ExtractState) {
			s.Privileges = denyPrivileges{}
		})
		Expect(err).To(MatchError(schema.ErrNotPrivileged))
		Expect(e.dest).ToNot(BeAnExistingFile())
	})
})

var _ = Describe("Repack", func() {
	var e *env
	var out string
	var squash, ext *fakeEncoder
	var encoders encode.Registry

	BeforeEach(func() {
		e = newEnv(steamParts, 64*MiB)
		_, err := e.extract(nil)
		Expect(err).ToNot(HaveOccurred())
		out = filepath.Join(e.dir, "new.img")
		payloads := filepath.Join(e.dir, "payloads")
		Expect(os.MkdirAll(payloads, 0o755)).To(Succeed())
		squash = &fakeEncoder{format: schema.FormatSquashfs, dir: payloads}
		ext = &fakeEncoder{format: schema.FormatExt4, dir: payloads}
		encoders = encode.Registry{schema.FormatSquashfs: squash, schema.FormatExt4: ext}
	})

	rootOnly := func() state.RepackPlan {
		p := state.NewRepackPlan(out)
		p.Roles = map[schema.Role]bool{schema.RoleRoot: true}
		return p
	}

	expectVerbatim := func(names ...string) {
		for _, n := range names {
			r := e.fx.rangeOf(n)
			Expect(readRange(out, r)).To(Equal(readRange(e.fx.image, r)), "partition %s", n)
		}
	}

	expectOnlyOutput := func() {
		entries, err := os.ReadDir(e.dir)
		Expect(err).ToNot(HaveOccurred())
		for _, en := range entries {
			Expect(en.Name()).ToNot(HavePrefix(".new.img.tmp-"))
		}
	}

	It("regenerates root and copies everything else as is", func() {
		s, err := e.repack(rootOnly(), encoders, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Phase()).To(Equal(state.PhaseDone))

		expectVerbatim("esp", "rootfs-B", "var-A", "var-B", "home")

		r := e.fx.rangeOf("rootfs-A")
		got := readRange(out, r)
		want := squash.header(encode.Source{Dir: e.dest, Excludes: []string{"var", "home"}, Label: "rootfs-A"}, r.Length)
		Expect(got[:len(want)]).To(Equal(want))
		Expect(allZero(got[len(want):])).To(BeTrue())

		Expect(squash.sources()).To(ConsistOf(encode.Source{Dir: e.dest, Excludes: []string{"var", "home"}, Label: "rootfs-A"}))
		Expect(ext.sources()).To(BeEmpty())

		f, err := os.Open(out)
		Expect(err).ToNot(HaveOccurred())
		defer f.Close()
		t, err := gpt.Parse(f, 64*MiB)
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Degraded).To(BeFalse())
		Expect(t.Header.DiskGUID).To(Equal(e.fx.table.Header.DiskGUID))
		orig := e.fx.table.Partitions()
		Expect(t.Partitions()).To(HaveLen(len(orig)))
		for i, p := range t.Partitions() {
			Expect(p.Name).To(Equal(orig[i].Name))
			Expect(p.UniqueGUID).To(Equal(orig[i].UniqueGUID))
			Expect(p.TypeGUID).To(Equal(orig[i].TypeGUID))
			Expect(t.ByteRange(p)).To(Equal(e.fx.table.ByteRange(orig[i])))
		}
		Expect(readRange(out, schema.ByteRange{Length: 512})).To(Equal(readRange(e.fx.image, schema.ByteRange{Length: 512})))

		Expect(e.mounts.Active()).To(Equal(0))
		expectOnlyOutput()
	})

	It("keeps home byte for byte when home is not selected", func() {
		p := state.NewRepackPlan(out)
		p.Roles[schema.RoleHome] = false
		_, err := e.repack(p, encoders, nil)
		Expect(err).ToNot(HaveOccurred())

		expectVerbatim("home", "esp", "rootfs-B", "var-B")
		Expect(ext.sources()).To(HaveLen(1))
		Expect(ext.sources()[0].Dir).To(Equal(filepath.Join(e.dest, "var")))
	})

	It("fails without writing when a payload does not fit", func() {
		Expect(os.WriteFile(out, []byte("previous image"), 0o644)).To(Succeed())
		squash.size = 12*MiB + 100*1024

		s, err := e.repack(rootOnly(), encoders, nil)
		Expect(err).To(MatchError(schema.ErrInsufficientSpace))
		var space *schema.InsufficientSpaceError
		Expect(errors.As(err, &space)).To(BeTrue())
		Expect(space.Role).To(Equal(schema.RoleRoot))
		Expect(space.Slot).To(Equal(schema.SlotA))
		Expect(space.Deficit()).To(BeEquivalentTo(100 * 1024))
		Expect(s.Phase()).To(Equal(state.PhaseFailed))

		content, err := os.ReadFile(out)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(Equal("previous image"))
		expectOnlyOutput()
	})

	It("does not leave an output behind on encoder failure", func() {
		squash.err = errors.New("mksquashfs crashed")
		_, err := e.repack(rootOnly(), encoders, nil)
		Expect(err).To(HaveOccurred())
		Expect(out).ToNot(BeAnExistingFile())
		expectOnlyOutput()
	})

	It("grows a partition and shifts the ones after it", func() {
		p := rootOnly()
		p.Capacity[schema.RoleRoot] = 16 * MiB
		_, err := e.repack(p, encoders, nil)
		Expect(err).ToNot(HaveOccurred())

		info, err := os.Stat(out)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Size()).To(BeEquivalentTo(68 * MiB))

		f, err := os.Open(out)
		Expect(err).ToNot(HaveOccurred())
		defer f.Close()
		t, err := gpt.Parse(f, info.Size())
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Degraded).To(BeFalse())

		for _, part := range t.Partitions() {
			nr := t.ByteRange(part)
			or := e.fx.rangeOf(part.Name)
			switch part.Name {
			case "rootfs-A":
				Expect(nr.Length).To(BeEquivalentTo(16 * MiB))
			case "esp":
				Expect(nr).To(Equal(or))
			default:
				Expect(nr.Offset).To(Equal(or.Offset + 4*MiB))
				Expect(readRange(out, nr)).To(Equal(readRange(e.fx.image, or)), "partition %s", part.Name)
			}
		}
	})

	It("refuses to shrink a partition", func() {
		p := rootOnly()
		p.Capacity[schema.RoleRoot] = 8 * MiB
		_, err := e.repack(p, encoders, nil)
		Expect(err).To(MatchError(ContainSubstring("cannot shrink")))
		Expect(out).ToNot(BeAnExistingFile())
	})

	It("rejects a manifest extracted from another image", func() {
		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		m.Source.DiskGUID = "00000000-0000-0000-0000-000000000000"
		Expect(manifest.Write(e.dest, m)).To(Succeed())

		_, err = e.repack(rootOnly(), encoders, nil)
		Expect(err).To(MatchError(schema.ErrMissingManifest))
		Expect(out).ToNot(BeAnExistingFile())
	})

	It("uses an image file in place of a tree as the payload", func() {
		Expect(os.RemoveAll(filepath.Join(e.dest, "home"))).To(Succeed())
		img := extSuperblock(2*MiB, "home")
		Expect(os.WriteFile(filepath.Join(e.dest, "home"), img, 0o644)).To(Succeed())

		p := state.NewRepackPlan(out)
		p.Roles = map[schema.Role]bool{schema.RoleHome: true}
		_, err := e.repack(p, encoders, nil)
		Expect(err).ToNot(HaveOccurred())

		got := readRange(out, e.fx.rangeOf("home"))
		Expect(got[:len(img)]).To(Equal(img))
		Expect(allZero(got[len(img):])).To(BeTrue())
		Expect(ext.sources()).To(BeEmpty())
		Expect(filepath.Join(e.dest, "home")).To(BeARegularFile())
	})

	It("copies a role whose tree went missing", func() {
		Expect(os.RemoveAll(filepath.Join(e.dest, "var"))).To(Succeed())
		p := state.NewRepackPlan(out)
		p.Roles = map[schema.Role]bool{schema.RoleVar: true}
		_, err := e.repack(p, encoders, nil)
		Expect(err).ToNot(HaveOccurred())
		expectVerbatim("var-A")
		Expect(ext.sources()).To(BeEmpty())
	})

	It("never encodes the manifest into the root payload", func() {
		_, err := e.repack(rootOnly(), encoders, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(squash.sources()).To(HaveLen(1))
		Expect(squash.manifests()).To(BeEmpty())
	})

	It("tells edited trees from untouched ones", func() {
		p := state.NewRepackPlan(out)
		p.Roles[schema.RoleHome] = false
		Expect(os.WriteFile(filepath.Join(e.dest, "etc/motd"), []byte("edited\n"), 0o644)).To(Succeed())

		s, err := e.repack(p, encoders, nil)
		Expect(err).ToNot(HaveOccurred())

		edited, ok := s.Edited(schema.RoleRoot)
		Expect(ok).To(BeTrue())
		Expect(edited).To(BeTrue())
		edited, ok = s.Edited(schema.RoleVar)
		Expect(ok).To(BeTrue())
		Expect(edited).To(BeFalse())
		_, ok = s.Edited(schema.RoleHome)
		Expect(ok).To(BeFalse())
	})

	It("reports an untouched tree as unedited", func() {
		s, err := e.repack(rootOnly(), encoders, nil)
		Expect(err).ToNot(HaveOccurred())
		edited, ok := s.Edited(schema.RoleRoot)
		Expect(ok).To(BeTrue())
		Expect(edited).To(BeFalse())
	})

	It("names the role and a deficit when the formatter runs out of room", func() {
		ext.err = fmt.Errorf("%w: mke2fs: Could not allocate block in ext2 filesystem", schema.ErrInsufficientSpace)
		p := state.NewRepackPlan(out)
		p.Roles = map[schema.Role]bool{schema.RoleVar: true}

		_, err := e.repack(p, encoders, nil)
		var space *schema.InsufficientSpaceError
		Expect(errors.As(err, &space)).To(BeTrue())
		Expect(space.Role).To(Equal(schema.RoleVar))
		Expect(space.Slot).To(Equal(schema.SlotA))
		Expect(space.Capacity).To(BeEquivalentTo(8 * MiB))
		Expect(space.AtLeast).To(BeTrue())
		Expect(space.Deficit()).To(BeEquivalentTo(capacity.DefaultBlockSize))
		Expect(err).To(MatchError(ContainSubstring("Could not allocate")))
		Expect(out).ToNot(BeAnExistingFile())
	})

	It("cleans up when cancelled while encoding", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		squash.hook = func(encode.Source) { cancel() }

		s, err := e.repackCtx(ctx, rootOnly(), encoders, nil)
		Expect(err).To(MatchError(context.Canceled))
		Expect(s.Phase()).To(Equal(state.PhaseFailed))
		Expect(out).ToNot(BeAnExistingFile())
		Expect(e.mounts.Active()).To(Equal(0))
		expectOnlyOutput()
	})

	It("checks privileges before creating the output", func() {
		s, err := e.repack(rootOnly(), encoders, func(s *state.RepackState) {
			s.Privileges = denyPrivileges{}
		})
		Expect(err).To(MatchError(schema.ErrNotPrivileged))
		Expect(s.Phase()).To(Equal(state.PhaseFailed))
		Expect(out).ToNot(BeAnExistingFile())
		Expect(squash.sources()).To(BeEmpty())
	})
})

var _ = Describe("Deck sized image", func() {
	// esp 100MiB, rootfs-A 2GiB, var-A 512MiB, home 1GiB. The image is sparse.
	deckParts := func(dir string) []part {
		mb := uint64(MiB / 512)
		root := writeTree(filepath.Join(dir, "root"), map[string]string{"etc/os-release": "ID=steamos\n"})
		v := writeTree(filepath.Join(dir, "var"), map[string]string{"lib/": ""})
		h := writeTree(filepath.Join(dir, "home"), map[string]string{"deck/": ""})
		return []part{
			{entry: gpt.Entry{TypeGUID: gpt.TypeESP, FirstLBA: 1 * mb, LastLBA: 101*mb - 1, Name: "esp"}},
			{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 101 * mb, LastLBA: 2149*mb - 1, Name: "rootfs-A"}, head: squashfsSuperblock(1843 * MiB), tree: root},
			{entry: gpt.Entry{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 2149 * mb, LastLBA: 2661*mb - 1, Name: "var-A"}, head: extSuperblock(512*MiB, "var"), tree: v},
			{entry: gpt.Entry{TypeGUID: gpt.TypeHome, FirstLBA: 2661 * mb, LastLBA: 3685*mb - 1, Name: "home"}, head: extSuperblock(1024*MiB, "home"), tree: h},
		}
	}

	It("fits 1.9GiB into root and reports the 100MiB deficit of 2.1GiB", func() {
		e := newEnv(deckParts, 3686*MiB)
		_, err := e.extract(nil)
		Expect(err).ToNot(HaveOccurred())
		m, err := manifest.Load(e.dest)
		Expect(err).ToNot(HaveOccurred())
		root, _ := m.Role(schema.RoleRoot)
		Expect(root.Slot).To(Equal(schema.SlotA))
		Expect(root.Format).To(Equal(schema.FormatSquashfs))
		Expect(root.Size).To(BeEquivalentTo(1843 * MiB))
		Expect(root.Capacity).To(BeEquivalentTo(2048 * MiB))

		out := filepath.Join(e.dir, "new.img")
		plan := state.NewRepackPlan(out)
		plan.Roles = map[schema.Role]bool{schema.RoleRoot: true}
		payloads := GinkgoT().TempDir()

		big := &fakeEncoder{format: schema.FormatSquashfs, dir: payloads, size: 2148 * MiB}
		_, err = e.repack(plan, encode.Registry{schema.FormatSquashfs: big}, nil)
		var space *schema.InsufficientSpaceError
		Expect(errors.As(err, &space)).To(BeTrue())
		Expect(space.Deficit()).To(BeEquivalentTo(100 * MiB))
		Expect(out).ToNot(BeAnExistingFile())

		fits := &fakeEncoder{format: schema.FormatSquashfs, dir: payloads, size: 1946 * MiB}
		_, err = e.repack(plan, encode.Registry{schema.FormatSquashfs: fits}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(BeARegularFile())
	})
})
