// Package mount attaches partition byte ranges as loop devices and mounts
// them, handing out scoped handles that are always released.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/avast/retry-go"
	cmount "github.com/containerd/containerd/mount"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Request describes what to mount.
type Request struct {
	Backing string
	Range   schema.ByteRange
	Format  schema.PayloadFormat
	Mode    Mode
}

// Manager hands out ScopedMounts and keeps track of the live ones.
type Manager struct {
	WorkDir  string
	Attempts uint
	Delay    time.Duration
	Attacher Attacher
	Mounter  Mounter

	mu     sync.Mutex
	active []*ScopedMount
}

// NewManager returns a Manager backed by loop devices and kernel mounts.
func NewManager(workDir string, attempts uint, delay time.Duration) *Manager {
	return &Manager{
		WorkDir:  workDir,
		Attempts: attempts,
		Delay:    delay,
		Attacher: LoopAttacher{},
		Mounter:  SystemMounter{},
	}
}

// ScopedMount is a mounted partition. Release must be called on every path.
type ScopedMount struct {
	// Target is the directory the payload is mounted on.
	Target string
	// Device is the block device backing the mount.
	Device string

	manager *Manager
	device  Device
	mounted bool
	once    sync.Once
	err     error
}

// Acquire attaches and mounts the requested range. Busy devices and failed
// mounts are retried with exponential backoff.
func (m *Manager) Acquire(ctx context.Context, req Request) (*ScopedMount, error) {
	fsType := req.Format.FSType()
	if fsType == "" {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnsupportedFormat, req.Format)
	}
	if req.Format == schema.FormatSquashfs && req.Mode == ReadWrite {
		return nil, fmt.Errorf("%w: %s payloads are mounted read-only", schema.ErrMountFailure, req.Format)
	}
	l := utils.Log.With().Str("backing", req.Backing).Str("range", req.Range.String()).Str("type", fsType).Str("mode", req.Mode.String()).Logger()

	var sm *ScopedMount
	err := retry.Do(
		func() error {
			s, err := m.acquire(req, fsType)
			if err != nil {
				return err
			}
			sm = s
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(m.attempts()),
		retry.Delay(m.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, schema.ErrDeviceBusy) || errors.Is(err, schema.ErrMountFailure)
		}),
		retry.OnRetry(func(n uint, err error) {
			l.Warn().Err(err).Uint("attempt", n+1).Msg("Mount failed, retrying")
		}),
	)
	if err != nil {
		l.Err(err).Msg("Mount failed")
		return nil, err
	}
	m.mu.Lock()
	m.active = append(m.active, sm)
	m.mu.Unlock()
	l.Debug().Str("device", sm.Device).Str("where", sm.Target).Msg("mount done")
	return sm, nil
}

func (m *Manager) attempts() uint {
	if m.Attempts == 0 {
		return 1
	}
	return m.Attempts
}

func (m *Manager) acquire(req Request, fsType string) (*ScopedMount, error) {
	dev, err := m.Attacher.Attach(req.Backing, req.Range, req.Mode == ReadOnly)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("attaching %s at %s", req.Backing, req.Range))
	}
	sm := &ScopedMount{manager: m, device: dev, Device: dev.Path()}

	if m.WorkDir != "" {
		if err := utils.CreateIfNotExists(m.WorkDir); err != nil {
			_ = sm.Release()
			return nil, fmt.Errorf("%w: creating work dir: %w", schema.ErrMountFailure, err)
		}
	}
	target, err := os.MkdirTemp(m.WorkDir, "superimage-mnt-")
	if err != nil {
		_ = sm.Release()
		return nil, fmt.Errorf("%w: creating mount point: %w", schema.ErrMountFailure, err)
	}
	sm.Target = target

	op := MountOperation{
		MountOption: cmount.Mount{
			Type:    fsType,
			Source:  dev.Path(),
			Options: mountOptions(req),
		},
		Target: target,
		PrepareCallback: func() error {
			// the device node may show up a little after attaching
			_, err := os.Stat(dev.Path())
			return err
		},
	}
	if err := m.Mounter.Mount(op); err != nil {
		_ = sm.Release()
		return nil, classify(err, fmt.Sprintf("mounting %s on %s", dev.Path(), target))
	}
	sm.mounted = true
	return sm, nil
}

func mountOptions(req Request) []string {
	if req.Mode == ReadWrite {
		return []string{"rw"}
	}
	if req.Format == schema.FormatExt4 {
		// no journal replay, the image must not change underneath us
		return []string{"ro", "noload"}
	}
	return []string{"ro"}
}

func classify(err error, what string) error {
	if errors.Is(err, unix.EBUSY) || errors.Is(err, schema.ErrDeviceBusy) {
		return fmt.Errorf("%w: %s: %w", schema.ErrDeviceBusy, what, err)
	}
	return fmt.Errorf("%w: %s: %w", schema.ErrMountFailure, what, err)
}

// Release unmounts, detaches and removes the mount point. It is safe to call
// more than once; failures are aggregated.
func (s *ScopedMount) Release() error {
	s.once.Do(func() {
		var result *multierror.Error
		if s.mounted {
			if err := s.manager.Mounter.Unmount(s.Target); err != nil {
				result = multierror.Append(result, fmt.Errorf("unmounting %s: %w", s.Target, err))
			}
		}
		if s.device != nil {
			if err := s.device.Detach(); err != nil {
				result = multierror.Append(result, fmt.Errorf("detaching %s: %w", s.Device, err))
			}
		}
		if s.Target != "" && result.ErrorOrNil() == nil {
			if err := utils.IgnoreNotExist(os.Remove(s.Target)); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.manager.forget(s)
		s.err = result.ErrorOrNil()
		if s.err != nil {
			utils.Log.Err(s.err).Str("where", s.Target).Msg("Error releasing mount")
		}
	})
	return s.err
}

func (m *Manager) forget(s *ScopedMount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.active {
		if a == s {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

// Active returns how many mounts are currently held.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ReleaseAll releases every live mount in reverse acquisition order. It is the
// backstop used when a run is cancelled.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	live := append([]*ScopedMount(nil), m.active...)
	m.mu.Unlock()

	var failures []string
	for i := len(live) - 1; i >= 0; i-- {
		utils.Log.Debug().Str("what", live[i].Target).Msg("Releasing mount")
		if err := live[i].Release(); err != nil {
			failures = append(failures, live[i].Target)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("failed releasing mounts: %v", failures)
	}
	return nil
}
