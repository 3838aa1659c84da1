// Package sniff classifies partition payloads by their superblock.
package sniff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
)

// PrefixSize is how much of a payload is read for classification.
const PrefixSize = 4096

const (
	squashfsMagic = 0x73717368 // "hsqs"

	extSuperblock   = 1024
	extMagic        = 0xEF53
	extMagicOff     = 0x38
	extBlocksLoOff  = 0x04
	extLogBlockOff  = 0x18
	extIncompatOff  = 0x60
	extLabelOff     = 0x78
	extBlocksHiOff  = 0x150
	extIncompat64   = 0x80
	extLabelLen     = 16
	squashBytesUsed = 40
)

// Result describes what was found at the start of a payload.
type Result struct {
	Format schema.PayloadFormat
	// Size is the filesystem size the superblock declares, zero when unknown.
	Size int64
	// Label is the volume label, when the format has one.
	Label string
}

type matcher func(prefix []byte) (Result, bool)

// matchers is the dispatch table of known superblock signatures.
var matchers = map[schema.PayloadFormat]matcher{
	schema.FormatSquashfs: matchSquashfs,
	schema.FormatExt4:     matchExt,
}

// Classify reads a bounded prefix of r and matches it against the known
// superblocks. Nothing matching, or more than one format matching, yields
// FormatUnknown.
func Classify(r io.ReaderAt) (Result, error) {
	prefix := make([]byte, PrefixSize)
	n, err := r.ReadAt(prefix, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Result{}, err
	}
	return ClassifyPrefix(prefix[:n]), nil
}

// ClassifyPrefix classifies an already read prefix.
func ClassifyPrefix(prefix []byte) Result {
	var found []Result
	for _, p := range matchers {
		if res, ok := p(prefix); ok {
			found = append(found, res)
		}
	}
	if len(found) != 1 {
		return Result{Format: schema.FormatUnknown}
	}
	return found[0]
}

func matchSquashfs(b []byte) (Result, bool) {
	if len(b) < squashBytesUsed+8 || binary.LittleEndian.Uint32(b[0:4]) != squashfsMagic {
		return Result{}, false
	}
	return Result{
		Format: schema.FormatSquashfs,
		Size:   int64(binary.LittleEndian.Uint64(b[squashBytesUsed:])),
	}, true
}

func matchExt(b []byte) (Result, bool) {
	if len(b) < extSuperblock+extBlocksHiOff+4 {
		return Result{}, false
	}
	sb := b[extSuperblock:]
	le := binary.LittleEndian
	if le.Uint16(sb[extMagicOff:]) != extMagic {
		return Result{}, false
	}
	blocks := uint64(le.Uint32(sb[extBlocksLoOff:]))
	if le.Uint32(sb[extIncompatOff:])&extIncompat64 != 0 {
		blocks |= uint64(le.Uint32(sb[extBlocksHiOff:])) << 32
	}
	logBlock := le.Uint32(sb[extLogBlockOff:])
	res := Result{Format: schema.FormatExt4}
	if logBlock < 16 {
		res.Size = int64(blocks) * (1024 << logBlock)
	}
	label := sb[extLabelOff : extLabelOff+extLabelLen]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	res.Label = string(label)
	return res, true
}
