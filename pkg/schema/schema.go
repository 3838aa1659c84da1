package schema

import (
	"fmt"
	"strings"
)

// Role is the logical function a partition serves inside a superimage.
type Role string

const (
	RoleESP  Role = "esp"
	RoleRoot Role = "root"
	RoleVar  Role = "var"
	RoleHome Role = "home"
)

// Roles lists every role in the order the pipelines process them.
var Roles = []Role{RoleESP, RoleRoot, RoleVar, RoleHome}

// DualSlot reports whether the role ships as an A/B pair.
func (r Role) DualSlot() bool {
	return r == RoleRoot || r == RoleVar
}

// TreePath is where the role lives relative to the extracted tree root.
// ESP is never extracted so it has no path.
func (r Role) TreePath() string {
	switch r {
	case RoleRoot:
		return "."
	case RoleVar:
		return "var"
	case RoleHome:
		return "home"
	default:
		return ""
	}
}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Slot identifies one copy of a dual-slot role. SlotNone is used by ESP and home.
type Slot string

const (
	SlotNone Slot = ""
	SlotA    Slot = "A"
	SlotB    Slot = "B"
)

func (s Slot) String() string {
	if s == SlotNone {
		return "none"
	}
	return string(s)
}

func ParseSlot(s string) (Slot, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return SlotA, nil
	case "B":
		return SlotB, nil
	case "", "NONE":
		return SlotNone, nil
	}
	return SlotNone, fmt.Errorf("unknown slot %q", s)
}

// PayloadFormat is the closed set of payload kinds the engine can read and write.
type PayloadFormat int

const (
	FormatUnknown PayloadFormat = iota
	// FormatSquashfs is the compressed read-only payload.
	FormatSquashfs
	// FormatExt4 is the journaling writable payload (ext2/3/4 superblock).
	FormatExt4
)

var formatNames = map[PayloadFormat]string{
	FormatUnknown:  "unknown",
	FormatSquashfs: "compressed-readonly",
	FormatExt4:     "journaling-writable",
}

func (f PayloadFormat) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return formatNames[FormatUnknown]
}

// FSType is the kernel filesystem name used when mounting the payload.
func (f PayloadFormat) FSType() string {
	switch f {
	case FormatSquashfs:
		return "squashfs"
	case FormatExt4:
		return "ext4"
	}
	return ""
}

func ParseFormat(s string) (PayloadFormat, error) {
	switch strings.ToLower(s) {
	case "compressed-readonly", "squashfs":
		return FormatSquashfs, nil
	case "journaling-writable", "ext4", "ext3", "ext2":
		return FormatExt4, nil
	case "unknown", "":
		return FormatUnknown, nil
	}
	return FormatUnknown, fmt.Errorf("unknown payload format %q", s)
}

func (f PayloadFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *PayloadFormat) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ByteRange addresses a partition inside the backing image.
type ByteRange struct {
	Offset int64
	Length int64
}

func (b ByteRange) End() int64 {
	return b.Offset + b.Length
}

func (b ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", b.Offset, b.End())
}
