package mount

import (
	"errors"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	cmount "github.com/containerd/containerd/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// MountOperation is a single filesystem mount onto Target.
type MountOperation struct {
	MountOption     cmount.Mount
	Target          string
	PrepareCallback func() error
}

func (m MountOperation) Run() error {
	// Add context to sublogger
	l := utils.Log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Strs("options", m.MountOption.Options).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("executing mount callback")
			return err
		}
	}
	mounted, err := mountinfo.Mounted(m.Target)
	if err != nil {
		l.Warn().Err(err).Msg("checking mount status")
		return err
	}
	if mounted {
		l.Debug().Msg("Already mounted")
		return schema.ErrAlreadyMounted
	}
	l.Debug().Msg("mount ready")
	return cmount.All([]cmount.Mount{m.MountOption}, m.Target)
}

// Mounter performs mount operations. Tests swap it for a fake.
type Mounter interface {
	Mount(op MountOperation) error
	Unmount(target string) error
}

// SystemMounter mounts through the kernel.
type SystemMounter struct{}

func (SystemMounter) Mount(op MountOperation) error {
	return op.Run()
}

// Unmount unmounts everything stacked on target, lazily if the target is busy.
func (SystemMounter) Unmount(target string) error {
	defer utils.Sync()
	err := cmount.UnmountAll(target, 0)
	if errors.Is(err, unix.EBUSY) {
		utils.Log.Warn().Str("where", target).Msg("Target busy, detaching lazily")
		return cmount.UnmountAll(target, unix.MNT_DETACH)
	}
	return err
}
