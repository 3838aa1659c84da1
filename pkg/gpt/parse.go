package gpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
)

// Parse reads the partition table of a backing store of the given size.
// A broken primary header or array falls back to the backup copy, in which
// case the returned table is marked Degraded. Errors wrap schema.ErrCorruptTable.
func Parse(r io.ReaderAt, size int64) (*Table, error) {
	mbr := make([]byte, mbrSize)
	if _, err := r.ReadAt(mbr, 0); err != nil {
		return nil, fmt.Errorf("%w: reading protective MBR: %v", schema.ErrCorruptTable, err)
	}
	if err := checkProtectiveMBR(mbr); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCorruptTable, err)
	}

	var primaryErr error
	bs, found := detectBlockSize(r, size)
	if found {
		t, err := readTable(r, size, bs, 1)
		if err == nil {
			t.MBR = mbr
			t.attachBackup(r, size)
			return t, nil
		}
		primaryErr = fmt.Errorf("primary header: %w", err)
	} else {
		primaryErr = errors.New("primary header: signature not found")
	}

	t, backupErr := readBackup(r, size, bs, found)
	if backupErr != nil {
		return nil, fmt.Errorf("%w: %v; backup header: %v", schema.ErrCorruptTable, primaryErr, backupErr)
	}
	t.MBR = mbr
	t.Degraded = true
	t.DegradedReason = fmt.Errorf("%w: %v", schema.ErrDegradedTable, primaryErr)
	return t, nil
}

func checkProtectiveMBR(mbr []byte) error {
	if mbr[mbrSignatureOff] != 0x55 || mbr[mbrSignatureOff+1] != 0xAA {
		return errors.New("protective MBR signature missing")
	}
	for i := 0; i < 4; i++ {
		if mbr[mbrEntriesOff+i*16+4] == protectiveType {
			return nil
		}
	}
	return errors.New("no protective MBR entry")
}

// detectBlockSize looks for the header signature at LBA1 for each supported block size.
func detectBlockSize(r io.ReaderAt, size int64) (int64, bool) {
	sig := make([]byte, len(signature))
	for _, bs := range blockSizes {
		if bs+int64(len(sig)) > size {
			continue
		}
		if _, err := r.ReadAt(sig, bs); err != nil {
			continue
		}
		if string(sig) == signature {
			return bs, true
		}
	}
	return 0, false
}

func readBackup(r io.ReaderAt, size, bs int64, known bool) (*Table, error) {
	sizes := blockSizes
	if known {
		sizes = []int64{bs}
	}
	var lastErr error = errors.New("no candidate location")
	for _, bs := range sizes {
		for _, lba := range backupCandidates(r, size, bs, known) {
			t, err := readTable(r, size, bs, lba)
			if err != nil {
				lastErr = err
				continue
			}
			t.BackupArrayLBA = t.Header.EntryArrayLBA
			t.BackupValid = true
			// present the table from the primary's point of view
			t.Header.BackupLBA = t.Header.CurrentLBA
			t.Header.CurrentLBA = 1
			t.Header.EntryArrayLBA = 2
			return t, nil
		}
	}
	return nil, lastErr
}

// backupCandidates returns where a backup header may live: the location the
// primary points at (when its signature is still there) and the last block.
func backupCandidates(r io.ReaderAt, size, bs int64, known bool) []uint64 {
	last := uint64(size/bs) - 1
	var out []uint64
	if known {
		raw := make([]byte, headerSize)
		if _, err := r.ReadAt(raw, bs); err == nil {
			lba := binary.LittleEndian.Uint64(raw[32:40])
			if lba > 1 && lba <= last && lba != last {
				out = append(out, lba)
			}
		}
	}
	return append(out, last)
}

// attachBackup records where the backup array is and whether the backup validates.
func (t *Table) attachBackup(r io.ReaderAt, size int64) {
	b, err := readTable(r, size, t.BlockSize, t.Header.BackupLBA)
	if err == nil && b.Header.DiskGUID == t.Header.DiskGUID {
		t.BackupArrayLBA = b.Header.EntryArrayLBA
		t.BackupValid = true
		return
	}
	t.BackupArrayLBA = t.Header.BackupLBA - t.ArrayBlocks()
}

func readTable(r io.ReaderAt, size, bs int64, lba uint64) (*Table, error) {
	h, err := readHeader(r, size, bs, lba)
	if err != nil {
		return nil, err
	}
	array := make([]byte, int64(h.NumEntries)*int64(h.EntrySize))
	if _, err := r.ReadAt(array, int64(h.EntryArrayLBA)*bs); err != nil {
		return nil, fmt.Errorf("reading entry array: %w", err)
	}
	if crc := crc32.ChecksumIEEE(array); crc != h.ArrayCRC {
		return nil, fmt.Errorf("entry array checksum mismatch (stored %08x, computed %08x)", h.ArrayCRC, crc)
	}
	t := &Table{
		BlockSize: bs,
		DiskSize:  size,
		Header:    h,
		Entries:   decodeEntries(array, h.EntrySize),
	}
	if err := t.validateEntries(); err != nil {
		return nil, err
	}
	return t, nil
}

func readHeader(r io.ReaderAt, size, bs int64, lba uint64) (Header, error) {
	var h Header
	if int64(lba+1)*bs > size {
		return h, fmt.Errorf("header LBA %d outside of image", lba)
	}
	raw := make([]byte, bs)
	if _, err := r.ReadAt(raw, int64(lba)*bs); err != nil {
		return h, fmt.Errorf("reading header at LBA %d: %w", lba, err)
	}
	if string(raw[:8]) != signature {
		return h, fmt.Errorf("no signature at LBA %d", lba)
	}
	h = decodeHeader(raw)
	if h.HeaderSize < headerSize || int64(h.HeaderSize) > bs {
		return h, fmt.Errorf("invalid header size %d", h.HeaderSize)
	}
	if crc := headerCRC(raw[:h.HeaderSize]); crc != h.HeaderCRC {
		return h, fmt.Errorf("header checksum mismatch (stored %08x, computed %08x)", h.HeaderCRC, crc)
	}
	if h.CurrentLBA != lba {
		return h, fmt.Errorf("header at LBA %d claims to live at LBA %d", lba, h.CurrentLBA)
	}
	last := uint64(size/bs) - 1
	if h.BackupLBA > last {
		return h, fmt.Errorf("alternate header LBA %d beyond image end (%d)", h.BackupLBA, last)
	}
	if h.EntrySize < entrySize || h.EntrySize%8 != 0 {
		return h, fmt.Errorf("invalid entry size %d", h.EntrySize)
	}
	if uint64(h.NumEntries)*uint64(h.EntrySize) > maxArrayBytes {
		return h, fmt.Errorf("entry array too large (%d entries)", h.NumEntries)
	}
	if h.FirstUsableLBA > h.LastUsableLBA || h.LastUsableLBA > last {
		return h, fmt.Errorf("invalid usable range [%d, %d]", h.FirstUsableLBA, h.LastUsableLBA)
	}
	if int64(h.EntryArrayLBA+arrayBlocks(h.NumEntries, h.EntrySize, bs))*bs > size {
		return h, fmt.Errorf("entry array at LBA %d outside of image", h.EntryArrayLBA)
	}
	return h, nil
}

func decodeHeader(raw []byte) Header {
	le := binary.LittleEndian
	return Header{
		Revision:       le.Uint32(raw[8:12]),
		HeaderSize:     le.Uint32(raw[12:16]),
		HeaderCRC:      le.Uint32(raw[16:20]),
		CurrentLBA:     le.Uint64(raw[24:32]),
		BackupLBA:      le.Uint64(raw[32:40]),
		FirstUsableLBA: le.Uint64(raw[40:48]),
		LastUsableLBA:  le.Uint64(raw[48:56]),
		DiskGUID:       guidFromDisk(raw[56:72]),
		EntryArrayLBA:  le.Uint64(raw[72:80]),
		NumEntries:     le.Uint32(raw[80:84]),
		EntrySize:      le.Uint32(raw[84:88]),
		ArrayCRC:       le.Uint32(raw[88:92]),
	}
}

// headerCRC checksums the header with its own checksum field zeroed.
func headerCRC(raw []byte) uint32 {
	b := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(b[16:20], 0)
	return crc32.ChecksumIEEE(b)
}

func decodeEntries(array []byte, size uint32) []Entry {
	le := binary.LittleEndian
	n := len(array) / int(size)
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		raw := array[i*int(size) : (i+1)*int(size)]
		e := Entry{
			Index:      i + 1,
			TypeGUID:   guidFromDisk(raw[0:16]),
			UniqueGUID: guidFromDisk(raw[16:32]),
			FirstLBA:   le.Uint64(raw[32:40]),
			LastLBA:    le.Uint64(raw[40:48]),
			Attributes: le.Uint64(raw[48:56]),
			Name:       decodeName(raw[56 : 56+nameBytes]),
		}
		if size > entrySize {
			e.extra = append([]byte(nil), raw[entrySize:]...)
		}
		out[i] = e
	}
	return out
}

// validateEntries checks used entries are well formed, inside the usable
// range and the backing store, and pairwise disjoint.
func (t *Table) validateEntries() error {
	parts := t.Partitions()
	for _, e := range parts {
		if e.FirstLBA > e.LastLBA {
			return fmt.Errorf("partition %d: first LBA %d after last LBA %d", e.Index, e.FirstLBA, e.LastLBA)
		}
		if e.FirstLBA < t.Header.FirstUsableLBA || e.LastLBA > t.Header.LastUsableLBA {
			return fmt.Errorf("partition %d: [%d, %d] outside usable range [%d, %d]",
				e.Index, e.FirstLBA, e.LastLBA, t.Header.FirstUsableLBA, t.Header.LastUsableLBA)
		}
		if int64(e.LastLBA+1)*t.BlockSize > t.DiskSize {
			return fmt.Errorf("partition %d: ends beyond the image", e.Index)
		}
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].FirstLBA <= parts[i-1].LastLBA {
			return fmt.Errorf("partitions %d and %d overlap", parts[i-1].Index, parts[i].Index)
		}
	}
	return nil
}
