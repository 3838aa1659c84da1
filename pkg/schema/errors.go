package schema

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	ErrCorruptTable      = errors.New("corrupt partition table")
	ErrDegradedTable     = errors.New("primary partition table invalid, using backup")
	ErrMissingRole       = errors.New("missing role")
	ErrAmbiguousSlots    = errors.New("ambiguous slots")
	ErrUnsupportedFormat = errors.New("unsupported payload format")
	ErrMountFailure      = errors.New("mount failure")
	ErrDeviceBusy        = errors.New("device busy")
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrMissingManifest   = errors.New("missing extraction manifest")
	ErrNotPrivileged     = errors.New("insufficient privileges")
	ErrAlreadyMounted    = errors.New("already mounted")
)

// RoleError attaches the offending role and slot to one of the sentinel errors.
type RoleError struct {
	Role Role
	Slot Slot
	Err  error
}

func (e *RoleError) Error() string {
	if e.Slot == SlotNone {
		return fmt.Sprintf("%s: %s", e.Role, e.Err)
	}
	return fmt.Sprintf("%s (slot %s): %s", e.Role, e.Slot, e.Err)
}

func (e *RoleError) Unwrap() error {
	return e.Err
}

// NewRoleError wraps err with the role and slot it happened on.
func NewRoleError(r Role, s Slot, err error) error {
	return &RoleError{Role: r, Slot: s, Err: err}
}

// InsufficientSpaceError reports a payload that does not fit its partition.
// AtLeast marks a Required that is a lower bound: the formatter ran out of
// room before the real size was known.
type InsufficientSpaceError struct {
	Role     Role
	Slot     Slot
	Required int64
	Capacity int64
	AtLeast  bool
	Err      error
}

// Deficit is the number of bytes missing for the payload to fit.
func (e *InsufficientSpaceError) Deficit() int64 {
	return e.Required - e.Capacity
}

func (e *InsufficientSpaceError) Error() string {
	bound := ""
	if e.AtLeast {
		bound = "at least "
	}
	msg := fmt.Sprintf("%s (slot %s): %s: needs %s%d bytes, partition holds %d, deficit %s%d bytes (%s)",
		e.Role, e.Slot, ErrInsufficientSpace, bound, e.Required, e.Capacity, bound, e.Deficit(), humanize.IBytes(uint64(e.Deficit())))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

func (e *InsufficientSpaceError) Unwrap() error {
	return e.Err
}
