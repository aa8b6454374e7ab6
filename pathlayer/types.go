// Package pathlayer implements directories as ordered arrays of
// fixed-size (name, file id) entries stored in an ordinary FileLayer
// file, searched and updated by binary search over the sorted array.
package pathlayer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// FilenameSize is the fixed width of a directory entry's name field.
	FilenameSize = 256
	// EntrySize is the on-disk width of one directory entry.
	EntrySize = FilenameSize + 8
	// RootFileID is the file id of the root directory; file id 0 is
	// never assigned so it can serve as a null sentinel in header
	// chains.
	RootFileID = 1
)

// Entry is one (name, file id) directory record.
type Entry struct {
	Name   string
	FileID uint64
}

// packEntry encodes e into EntrySize bytes: the name NUL-padded to
// FilenameSize followed by the little-endian file id.
func packEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	copy(buf[:FilenameSize], e.Name)
	binary.LittleEndian.PutUint64(buf[FilenameSize:], e.FileID)
	return buf
}

// unpackEntry decodes an EntrySize-byte record, trimming the name's NUL
// padding.
func unpackEntry(data []byte) (Entry, error) {
	if len(data) < EntrySize {
		return Entry{}, fmt.Errorf("pathlayer: unpack_directory_entry: need %d bytes, got %d: %w", EntrySize, len(data), ErrCorrupt)
	}
	name := bytes.TrimRight(data[:FilenameSize], "\x00")
	fileID := binary.LittleEndian.Uint64(data[FilenameSize:EntrySize])
	return Entry{Name: string(name), FileID: fileID}, nil
}
