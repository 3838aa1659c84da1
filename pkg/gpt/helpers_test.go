package gpt_test

import (
	"io"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	. "github.com/onsi/gomega"
)

const MiB = 1024 * 1024

// memImage is an in-memory backing store.
type memImage []byte

func (m memImage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memImage) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

// steamLayout is esp, rootfs-A/B, var-A/B and home on a 64MiB image.
func steamLayout(blockSize int64) []gpt.Entry {
	mb := uint64(MiB / blockSize)
	return []gpt.Entry{
		{TypeGUID: gpt.TypeESP, FirstLBA: 1 * mb, LastLBA: 9*mb - 1, Name: "esp"},
		{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 9 * mb, LastLBA: 21*mb - 1, Name: "rootfs-A"},
		{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 21 * mb, LastLBA: 33*mb - 1, Name: "rootfs-B"},
		{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 33 * mb, LastLBA: 41*mb - 1, Name: "var-A"},
		{TypeGUID: gpt.TypeLinuxFilesystem, FirstLBA: 41 * mb, LastLBA: 49*mb - 1, Name: "var-B"},
		{TypeGUID: gpt.TypeHome, FirstLBA: 49 * mb, LastLBA: 62*mb - 1, Name: "home", Attributes: 1 << 60},
	}
}

func buildImage(size, blockSize int64, parts []gpt.Entry) (memImage, *gpt.Table) {
	t, err := gpt.New(size, blockSize, parts)
	Expect(err).ToNot(HaveOccurred())
	img := make(memImage, size)
	Expect(gpt.WriteTo(img, t)).To(Succeed())
	return img, t
}
