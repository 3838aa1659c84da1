package state

import (
	"fmt"
	"os"
	"path/filepath"

	cnst "github.com/DigiJLinux/SteamOS-Extract/internal/constants"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
)

// nestedImage is an image file sitting at the top of a partition that holds
// the role's real tree.
type nestedImage struct {
	Name   string
	Path   string
	Size   int64
	Format schema.PayloadFormat
}

// findNested looks for the role's inner image in dir. Preferred names win,
// otherwise the largest top level file is used when its format is known. A
// nil result means the partition holds the tree directly.
func findNested(dir string, role schema.Role) (*nestedImage, error) {
	for _, name := range cnst.NestedImageNames(role) {
		p := filepath.Join(dir, name)
		info, err := os.Lstat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		res, err := classify(p, schema.ByteRange{Length: info.Size()})
		if err != nil {
			return nil, err
		}
		if res.Format == schema.FormatUnknown {
			return nil, fmt.Errorf("%w: inner image %s", schema.ErrUnsupportedFormat, name)
		}
		return &nestedImage{Name: name, Path: p, Size: info.Size(), Format: res.Format}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var largest os.FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if largest == nil || info.Size() > largest.Size() {
			largest = info
		}
	}
	if largest == nil {
		return nil, nil
	}
	p := filepath.Join(dir, largest.Name())
	res, err := classify(p, schema.ByteRange{Length: largest.Size()})
	if err != nil || res.Format == schema.FormatUnknown {
		return nil, err
	}
	return &nestedImage{Name: largest.Name(), Path: p, Size: largest.Size(), Format: res.Format}, nil
}
