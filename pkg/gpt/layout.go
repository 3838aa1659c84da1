package gpt

import (
	"encoding/binary"
	"fmt"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/gofrs/uuid"
)

// New lays out a fresh table on a store of diskSize bytes with a 128 entry
// array right after the primary header and the backup at the very end.
// Entry indexes are assigned from their position in parts.
func New(diskSize, blockSize int64, parts []Entry) (*Table, error) {
	if diskSize%blockSize != 0 {
		return nil, fmt.Errorf("disk size %d is not a multiple of the block size %d", diskSize, blockSize)
	}
	if len(parts) > defaultEntries {
		return nil, fmt.Errorf("too many partitions (%d)", len(parts))
	}
	diskGUID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	t := &Table{
		BlockSize: blockSize,
		DiskSize:  diskSize,
		MBR:       protectiveMBR(uint64(diskSize/blockSize) - 1),
		Header: Header{
			Revision:      revision1,
			HeaderSize:    headerSize,
			CurrentLBA:    1,
			DiskGUID:      diskGUID,
			EntryArrayLBA: 2,
			NumEntries:    defaultEntries,
			EntrySize:     entrySize,
		},
		Entries:     make([]Entry, defaultEntries),
		BackupValid: true,
	}
	ab := t.ArrayBlocks()
	t.Header.FirstUsableLBA = 2 + ab
	t.Header.BackupLBA = t.LastLBA()
	t.BackupArrayLBA = t.Header.BackupLBA - ab
	t.Header.LastUsableLBA = t.BackupArrayLBA - 1
	for i := range t.Entries {
		t.Entries[i].Index = i + 1
	}
	for i, p := range parts {
		p.Index = i + 1
		if p.UniqueGUID == uuid.Nil {
			if p.UniqueGUID, err = uuid.NewV4(); err != nil {
				return nil, err
			}
		}
		t.Entries[i] = p
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func protectiveMBR(lastLBA uint64) []byte {
	mbr := make([]byte, mbrSize)
	e := mbr[mbrEntriesOff : mbrEntriesOff+16]
	e[1], e[2], e[3] = 0x00, 0x02, 0x00
	e[4] = protectiveType
	e[5], e[6], e[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(e[8:12], 1)
	sectors := lastLBA
	if sectors > 0xFFFFFFFF {
		sectors = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(e[12:16], uint32(sectors))
	mbr[mbrSignatureOff], mbr[mbrSignatureOff+1] = 0x55, 0xAA
	return mbr
}

// Relayout returns a copy of t where the entries in grow (keyed by array
// index) are extended to at least the given number of blocks. Growth is
// rounded up to align blocks and every later partition, the backup array and
// the backup header shift by the accumulated delta so the image grows by the
// same amount. Shrinking is refused.
func (t *Table) Relayout(grow map[int]uint64, align uint64) (*Table, error) {
	if align == 0 {
		align = 1
	}
	nt := t.Clone()
	var shift uint64
	for _, p := range t.Partitions() {
		e := &nt.Entries[p.Index-1]
		e.FirstLBA += shift
		e.LastLBA += shift
		want, ok := grow[p.Index]
		if !ok || want == p.Blocks() {
			continue
		}
		if want < p.Blocks() {
			return nil, fmt.Errorf("partition %d (%s): cannot shrink from %d to %d blocks", p.Index, p.Name, p.Blocks(), want)
		}
		delta := alignUp(want-p.Blocks(), align)
		e.LastLBA += delta
		shift += delta
	}
	for idx := range grow {
		if _, ok := t.Entry(idx); !ok {
			return nil, fmt.Errorf("partition %d does not exist", idx)
		}
	}
	if shift == 0 {
		return nt, nil
	}
	nt.Header.LastUsableLBA += shift
	nt.Header.BackupLBA += shift
	nt.BackupArrayLBA += shift
	nt.DiskSize += int64(shift) * nt.BlockSize
	if err := nt.Validate(); err != nil {
		return nil, fmt.Errorf("relayout: %w", err)
	}
	return nt, nil
}

// Shift reports how many bytes a partition moved between two layouts.
func Shift(from, to *Table, index int) (int64, error) {
	a, ok := from.Entry(index)
	if !ok {
		return 0, fmt.Errorf("%w: partition %d missing from source layout", schema.ErrCorruptTable, index)
	}
	b, ok := to.Entry(index)
	if !ok {
		return 0, fmt.Errorf("%w: partition %d missing from target layout", schema.ErrCorruptTable, index)
	}
	return to.ByteRange(b).Offset - from.ByteRange(a).Offset, nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
