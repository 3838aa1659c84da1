package slot

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/joho/godotenv"
)

// DefaultSlot is used when nothing tells which slot is active.
const DefaultSlot = schema.SlotA

// DefaultEnvKey is the variable read from a bootloader state file.
const DefaultEnvKey = "ACTIVE_SLOT"

// Query asks the bootloader context which slot is active. ok is false when
// the context carries no signal.
type Query interface {
	ActiveSlot() (s schema.Slot, ok bool, err error)
}

// Static is a Query answering a fixed slot, SlotNone meaning no signal.
type Static schema.Slot

func (s Static) ActiveSlot() (schema.Slot, bool, error) {
	return schema.Slot(s), schema.Slot(s) != schema.SlotNone, nil
}

// EnvFile reads the active slot from a KEY=VALUE bootloader state file.
// A missing file or key is not an error, it just carries no signal.
type EnvFile struct {
	Path string
	Key  string
}

func (e EnvFile) ActiveSlot() (schema.Slot, bool, error) {
	env, err := godotenv.Read(e.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.SlotNone, false, nil
		}
		return schema.SlotNone, false, fmt.Errorf("reading bootloader state %s: %w", e.Path, err)
	}
	key := e.Key
	if key == "" {
		key = DefaultEnvKey
	}
	v, ok := env[key]
	if !ok || v == "" {
		return schema.SlotNone, false, nil
	}
	s, err := schema.ParseSlot(v)
	if err != nil {
		return schema.SlotNone, false, fmt.Errorf("%s in %s: %w", key, e.Path, err)
	}
	return s, s != schema.SlotNone, nil
}

// Active resolves the slot to extract. Without a query or a signal it falls
// back to DefaultSlot and reports defaulted.
func Active(q Query) (s schema.Slot, defaulted bool, err error) {
	if q == nil {
		return DefaultSlot, true, nil
	}
	s, ok, err := q.ActiveSlot()
	if err != nil {
		return schema.SlotNone, false, err
	}
	if !ok {
		return DefaultSlot, true, nil
	}
	return s, false, nil
}

// Select picks the binding to use for a role given the active slot. Single
// slot roles ignore active.
func Select(b Bindings, role schema.Role, active schema.Slot) (Binding, error) {
	want := schema.SlotNone
	if role.DualSlot() {
		want = active
	}
	bb, ok := b.Get(role, want)
	if !ok {
		return Binding{}, schema.NewRoleError(role, want, schema.ErrMissingRole)
	}
	return bb, nil
}
