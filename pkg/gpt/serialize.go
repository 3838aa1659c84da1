package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
)

// Section is a chunk of table metadata addressed by its byte offset in the image.
type Section struct {
	Offset int64
	Data   []byte
}

// Serialize renders the protective MBR, both headers and both entry arrays.
// The array checksum is recomputed once and stored in both headers, then each
// header is checksummed with its own checksum field zeroed.
func Serialize(t *Table) ([]Section, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	array := t.encodeEntries()
	arrayCRC := crc32.ChecksumIEEE(array)

	primary := t.Header
	primary.CurrentLBA = 1
	primary.ArrayCRC = arrayCRC

	backup := primary
	backup.CurrentLBA = primary.BackupLBA
	backup.BackupLBA = 1
	backup.EntryArrayLBA = t.BackupArrayLBA

	bs := t.BlockSize
	padded := make([]byte, int64(t.ArrayBlocks())*bs)
	copy(padded, array)

	return []Section{
		{Offset: 0, Data: t.MBR},
		{Offset: bs, Data: encodeHeader(primary, bs)},
		{Offset: int64(primary.EntryArrayLBA) * bs, Data: padded},
		{Offset: int64(backup.EntryArrayLBA) * bs, Data: padded},
		{Offset: int64(backup.CurrentLBA) * bs, Data: encodeHeader(backup, bs)},
	}, nil
}

// WriteTo serializes t into w.
func WriteTo(w io.WriterAt, t *Table) error {
	sections, err := Serialize(t)
	if err != nil {
		return err
	}
	for _, s := range sections {
		if _, err := w.WriteAt(s.Data, s.Offset); err != nil {
			return fmt.Errorf("writing table at offset %d: %w", s.Offset, err)
		}
	}
	return nil
}

// Validate checks the table is consistent enough to be written out.
func (t *Table) Validate() error {
	h := t.Header
	if len(t.MBR) != mbrSize {
		return fmt.Errorf("%w: protective MBR must be %d bytes", schema.ErrCorruptTable, mbrSize)
	}
	if h.HeaderSize < headerSize || int64(h.HeaderSize) > t.BlockSize {
		return fmt.Errorf("%w: invalid header size %d", schema.ErrCorruptTable, h.HeaderSize)
	}
	if int(h.NumEntries) != len(t.Entries) {
		return fmt.Errorf("%w: header declares %d entries, table has %d", schema.ErrCorruptTable, h.NumEntries, len(t.Entries))
	}
	if h.EntrySize < entrySize {
		return fmt.Errorf("%w: invalid entry size %d", schema.ErrCorruptTable, h.EntrySize)
	}
	ab := t.ArrayBlocks()
	switch {
	case h.EntryArrayLBA+ab > h.FirstUsableLBA:
		return fmt.Errorf("%w: primary array overlaps usable space", schema.ErrCorruptTable)
	case h.LastUsableLBA >= t.BackupArrayLBA:
		return fmt.Errorf("%w: backup array overlaps usable space", schema.ErrCorruptTable)
	case t.BackupArrayLBA+ab > h.BackupLBA:
		return fmt.Errorf("%w: backup array overlaps backup header", schema.ErrCorruptTable)
	case h.BackupLBA > t.LastLBA():
		return fmt.Errorf("%w: backup header beyond image end", schema.ErrCorruptTable)
	}
	if err := t.validateEntries(); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrCorruptTable, err)
	}
	return nil
}

func encodeHeader(h Header, bs int64) []byte {
	le := binary.LittleEndian
	raw := make([]byte, bs)
	copy(raw[0:8], signature)
	le.PutUint32(raw[8:12], h.Revision)
	le.PutUint32(raw[12:16], h.HeaderSize)
	le.PutUint64(raw[24:32], h.CurrentLBA)
	le.PutUint64(raw[32:40], h.BackupLBA)
	le.PutUint64(raw[40:48], h.FirstUsableLBA)
	le.PutUint64(raw[48:56], h.LastUsableLBA)
	guidToDisk(h.DiskGUID, raw[56:72])
	le.PutUint64(raw[72:80], h.EntryArrayLBA)
	le.PutUint32(raw[80:84], h.NumEntries)
	le.PutUint32(raw[84:88], h.EntrySize)
	le.PutUint32(raw[88:92], h.ArrayCRC)
	le.PutUint32(raw[16:20], crc32.ChecksumIEEE(raw[:h.HeaderSize]))
	return raw
}

func (t *Table) encodeEntries() []byte {
	le := binary.LittleEndian
	size := int(t.Header.EntrySize)
	array := make([]byte, len(t.Entries)*size)
	for i, e := range t.Entries {
		raw := array[i*size : (i+1)*size]
		guidToDisk(e.TypeGUID, raw[0:16])
		guidToDisk(e.UniqueGUID, raw[16:32])
		le.PutUint64(raw[32:40], e.FirstLBA)
		le.PutUint64(raw[40:48], e.LastLBA)
		le.PutUint64(raw[48:56], e.Attributes)
		encodeName(e.Name, raw[56:56+nameBytes])
		if e.extra != nil {
			copy(raw[entrySize:], e.extra)
		}
	}
	return array
}
