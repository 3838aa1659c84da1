package mount

import (
	"fmt"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	losetup "github.com/freddierice/go-losetup/v2"
)

// Device is an attached block device.
type Device interface {
	Path() string
	Detach() error
}

// Attacher exposes a byte range of a backing file as a block device.
type Attacher interface {
	Attach(backing string, r schema.ByteRange, readOnly bool) (Device, error)
}

// LoopAttacher attaches loop devices with an offset and size limit.
type LoopAttacher struct{}

type loopDevice struct {
	losetup.Device
}

func (LoopAttacher) Attach(backing string, r schema.ByteRange, readOnly bool) (Device, error) {
	dev, err := losetup.Attach(backing, uint64(r.Offset), readOnly)
	if err != nil {
		return nil, err
	}
	if r.Length > 0 {
		info, err := dev.GetInfo()
		if err == nil {
			info.SizeLimit = uint64(r.Length)
			err = dev.SetInfo(info)
		}
		if err != nil {
			_ = dev.Detach()
			return nil, fmt.Errorf("limiting %s to %d bytes: %w", dev.Path(), r.Length, err)
		}
	}
	return &loopDevice{Device: dev}, nil
}
