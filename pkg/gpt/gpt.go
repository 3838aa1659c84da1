// Package gpt reads and writes GUID partition tables of raw disk images.
package gpt

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/gofrs/uuid"
)

const (
	signature       = "EFI PART"
	revision1       = 0x00010000
	headerSize      = 92
	entrySize       = 128
	mbrSize         = 512
	nameBytes       = 72
	defaultEntries  = 128
	maxArrayBytes   = 1 << 20
	mbrSignatureOff = 510
	mbrEntriesOff   = 446
	protectiveType  = 0xEE
)

// Logical block sizes tried when looking for a header.
var blockSizes = []int64{512, 1024, 2048, 4096}

// Well known partition type GUIDs.
var (
	TypeESP             = uuid.Must(uuid.FromString("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"))
	TypeLinuxFilesystem = uuid.Must(uuid.FromString("0FC63DAF-8483-4772-8E79-3D69D8477DE4"))
	TypeRootX86_64      = uuid.Must(uuid.FromString("4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709"))
	TypeRootARM64       = uuid.Must(uuid.FromString("B921B045-1DF0-41C3-AF44-4C6F280D3FAE"))
	TypeVar             = uuid.Must(uuid.FromString("4D21B016-B534-45C2-A9FB-5C16E091FD2D"))
	TypeHome            = uuid.Must(uuid.FromString("933AC7E1-2EB4-4F13-B844-0E14E2AEF915"))
)

// Header is a decoded GPT header. The same record is used for the primary and
// the backup copy, they only differ in the self-location fields.
type Header struct {
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC      uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntryArrayLBA  uint64
	NumEntries     uint32
	EntrySize      uint32
	ArrayCRC       uint32
}

// Entry is one row of the partition entry array.
type Entry struct {
	// Index is the 1-based position in the entry array (the "pN" number).
	Index      int
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
	// bytes past the standard 128 byte record, kept verbatim
	extra []byte
}

// Empty reports an unused slot of the entry array.
func (e Entry) Empty() bool {
	return e.TypeGUID == uuid.Nil
}

// Blocks is the partition length in logical blocks.
func (e Entry) Blocks() uint64 {
	return e.LastLBA - e.FirstLBA + 1
}

// Table is a parsed superimage partition layout: protective MBR, both headers
// and the entry array, bound to the size of the backing store.
type Table struct {
	BlockSize int64
	DiskSize  int64
	// MBR is the raw protective MBR sector.
	MBR    []byte
	Header Header
	// BackupArrayLBA is where the backup entry array lives.
	BackupArrayLBA uint64
	// Entries holds every slot of the array, including empty ones.
	Entries []Entry

	// BackupValid is false when the primary was fine but the backup did not validate.
	BackupValid bool
	// Degraded is set when the primary was unusable and the backup was used instead.
	Degraded       bool
	DegradedReason error
}

// Partitions returns the used entries ordered by their first block.
func (t *Table) Partitions() []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if !e.Empty() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstLBA < out[j].FirstLBA })
	return out
}

// Entry looks up a used entry by its array index.
func (t *Table) Entry(index int) (Entry, bool) {
	if index < 1 || index > len(t.Entries) || t.Entries[index-1].Empty() {
		return Entry{}, false
	}
	return t.Entries[index-1], true
}

// ByteRange resolves the byte offset and length of a partition.
func (t *Table) ByteRange(e Entry) schema.ByteRange {
	return schema.ByteRange{
		Offset: int64(e.FirstLBA) * t.BlockSize,
		Length: int64(e.Blocks()) * t.BlockSize,
	}
}

// ArrayBlocks is the number of blocks one copy of the entry array occupies.
func (t *Table) ArrayBlocks() uint64 {
	return arrayBlocks(t.Header.NumEntries, t.Header.EntrySize, t.BlockSize)
}

// LastLBA is the last addressable block of the backing store.
func (t *Table) LastLBA() uint64 {
	return uint64(t.DiskSize/t.BlockSize) - 1
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := *t
	c.MBR = append([]byte(nil), t.MBR...)
	c.Entries = make([]Entry, len(t.Entries))
	for i, e := range t.Entries {
		if e.extra != nil {
			e.extra = append([]byte(nil), e.extra...)
		}
		c.Entries[i] = e
	}
	return &c
}

func arrayBlocks(n, size uint32, bs int64) uint64 {
	b := uint64(n) * uint64(size)
	return (b + uint64(bs) - 1) / uint64(bs)
}

// GPT stores the first three GUID fields little endian.
func guidFromDisk(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

func guidToDisk(u uuid.UUID, b []byte) {
	copy(b[:16], u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
}

func decodeName(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}

func encodeName(s string, b []byte) {
	u := utf16.Encode([]rune(s))
	for i := 0; i < len(u) && (i+1)*2 <= len(b); i++ {
		binary.LittleEndian.PutUint16(b[i*2:], u[i])
	}
}
