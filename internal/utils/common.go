package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"golang.org/x/sys/unix"
)

// CreateIfNotExists creates a dir if it does not exist.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}
	return nil
}

// Sync flushes filesystem buffers.
func Sync() {
	unix.Sync()
}

// SH runs a command and returns its combined output. Failures carry the output
// so the log shows what the tool complained about.
func SH(ctx context.Context, name string, args ...string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()
	Log.Debug().Str("cmd", path).Strs("args", args).Msg("running")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Privileges is the check every write path passes before touching the disk.
type Privileges interface {
	Check() error
}

// RootPrivileges requires an effective uid of 0, loop devices and mounts need it.
type RootPrivileges struct{}

func (RootPrivileges) Check() error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("%w: must run as root (euid %d)", schema.ErrNotPrivileged, unix.Geteuid())
	}
	return nil
}

// AllowPrivileges skips the check. Meant for tests and dry runs.
type AllowPrivileges struct{}

func (AllowPrivileges) Check() error {
	return nil
}

// IgnoreNotExist drops not-exist errors, used when cleaning up.
func IgnoreNotExist(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
