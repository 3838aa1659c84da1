// Package slot maps partition table entries to roles and A/B slots.
package slot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/gofrs/uuid"
)

// Binding ties a role and slot to the partition holding it.
type Binding struct {
	Role  schema.Role
	Slot  schema.Slot
	Entry gpt.Entry
}

func (b Binding) String() string {
	return fmt.Sprintf("%s:%s (p%d %q)", b.Role, b.Slot, b.Entry.Index, b.Entry.Name)
}

// Bindings is the resolved layout of a superimage.
type Bindings struct {
	bound map[schema.Role]map[schema.Slot]Binding
	// Unbound lists entries that carry no role, such as efi-A/efi-B.
	Unbound []gpt.Entry
}

// Get returns the binding for a role and slot.
func (b Bindings) Get(r schema.Role, s schema.Slot) (Binding, bool) {
	bb, ok := b.bound[r][s]
	return bb, ok
}

// Has reports whether the role has any binding.
func (b Bindings) Has(r schema.Role) bool {
	return len(b.bound[r]) > 0
}

// Slots returns the bound slots of a role in order.
func (b Bindings) Slots(r schema.Role) []schema.Slot {
	var out []schema.Slot
	for s := range b.bound[r] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every binding ordered by partition position.
func (b Bindings) All() []Binding {
	var out []Binding
	for _, slots := range b.bound {
		for _, bb := range slots {
			out = append(out, bb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.FirstLBA < out[j].Entry.FirstLBA })
	return out
}

// ByIndex finds the binding of a partition array index.
func (b Bindings) ByIndex(index int) (Binding, bool) {
	for _, bb := range b.All() {
		if bb.Entry.Index == index {
			return bb, true
		}
	}
	return Binding{}, false
}

type candidate struct {
	entry gpt.Entry
	slot  schema.Slot
}

// Resolve classifies every used entry of t. Specific type GUIDs decide the
// role, generic Linux data partitions are classified by name. Slots come from
// a -A/-B suffix, unsuffixed duplicates are ordered by position.
func Resolve(t *gpt.Table) (Bindings, error) {
	found := map[schema.Role][]candidate{}
	b := Bindings{bound: map[schema.Role]map[schema.Slot]Binding{}}

	for _, e := range t.Partitions() {
		role, ok := roleOf(e)
		if !ok {
			b.Unbound = append(b.Unbound, e)
			continue
		}
		s := slotOf(e.Name)
		if !role.DualSlot() && s != schema.SlotNone {
			// efi-A, efi-B and friends
			b.Unbound = append(b.Unbound, e)
			continue
		}
		found[role] = append(found[role], candidate{entry: e, slot: s})
	}

	for _, role := range schema.Roles {
		cands := found[role]
		if len(cands) == 0 {
			continue
		}
		var assigned map[schema.Slot]Binding
		var err error
		if role.DualSlot() {
			assigned, err = assignDual(role, cands)
		} else {
			assigned, err = assignSingle(role, cands)
		}
		if err != nil {
			return Bindings{}, err
		}
		b.bound[role] = assigned
	}

	for _, required := range []schema.Role{schema.RoleESP, schema.RoleRoot} {
		if !b.Has(required) {
			return Bindings{}, schema.NewRoleError(required, schema.SlotNone, schema.ErrMissingRole)
		}
	}
	return b, nil
}

func assignSingle(role schema.Role, cands []candidate) (map[schema.Slot]Binding, error) {
	if len(cands) > 1 {
		return nil, schema.NewRoleError(role, schema.SlotNone,
			fmt.Errorf("%w: partitions %s", schema.ErrAmbiguousSlots, names(cands)))
	}
	return map[schema.Slot]Binding{
		schema.SlotNone: {Role: role, Slot: schema.SlotNone, Entry: cands[0].entry},
	}, nil
}

func assignDual(role schema.Role, cands []candidate) (map[schema.Slot]Binding, error) {
	out := map[schema.Slot]Binding{}
	var unsuffixed []candidate
	for _, c := range cands {
		if c.slot == schema.SlotNone {
			unsuffixed = append(unsuffixed, c)
			continue
		}
		if prev, ok := out[c.slot]; ok {
			return nil, schema.NewRoleError(role, c.slot,
				fmt.Errorf("%w: %q and %q both claim the slot", schema.ErrAmbiguousSlots, prev.Entry.Name, c.entry.Name))
		}
		out[c.slot] = Binding{Role: role, Slot: c.slot, Entry: c.entry}
	}
	// lower LBA takes slot A by convention; cands are already in LBA order
	for _, c := range unsuffixed {
		switch {
		case !has(out, schema.SlotA):
			out[schema.SlotA] = Binding{Role: role, Slot: schema.SlotA, Entry: c.entry}
		case !has(out, schema.SlotB):
			out[schema.SlotB] = Binding{Role: role, Slot: schema.SlotB, Entry: c.entry}
		default:
			return nil, schema.NewRoleError(role, schema.SlotNone,
				fmt.Errorf("%w: partitions %s", schema.ErrAmbiguousSlots, names(cands)))
		}
	}
	return out, nil
}

func has(m map[schema.Slot]Binding, s schema.Slot) bool {
	_, ok := m[s]
	return ok
}

func names(cands []candidate) string {
	var n []string
	for _, c := range cands {
		n = append(n, fmt.Sprintf("p%d %q", c.entry.Index, c.entry.Name))
	}
	return strings.Join(n, ", ")
}

var typeRoles = map[uuid.UUID]schema.Role{
	gpt.TypeESP:        schema.RoleESP,
	gpt.TypeRootX86_64: schema.RoleRoot,
	gpt.TypeRootARM64:  schema.RoleRoot,
	gpt.TypeVar:        schema.RoleVar,
	gpt.TypeHome:       schema.RoleHome,
}

var namePrefixes = []struct {
	prefix string
	role   schema.Role
}{
	{"rootfs", schema.RoleRoot},
	{"root", schema.RoleRoot},
	{"var", schema.RoleVar},
	{"home", schema.RoleHome},
	{"esp", schema.RoleESP},
}

func roleOf(e gpt.Entry) (schema.Role, bool) {
	if r, ok := typeRoles[e.TypeGUID]; ok {
		return r, true
	}
	if e.TypeGUID != gpt.TypeLinuxFilesystem {
		return "", false
	}
	base := strings.ToLower(trimSlot(e.Name))
	for _, p := range namePrefixes {
		if base == p.prefix {
			return p.role, true
		}
	}
	return "", false
}

func slotOf(name string) schema.Slot {
	n := strings.ToUpper(name)
	for _, sep := range []string{"-", "_"} {
		switch {
		case strings.HasSuffix(n, sep+"A"):
			return schema.SlotA
		case strings.HasSuffix(n, sep+"B"):
			return schema.SlotB
		}
	}
	return schema.SlotNone
}

func trimSlot(name string) string {
	if slotOf(name) == schema.SlotNone {
		return name
	}
	return name[:len(name)-2]
}
