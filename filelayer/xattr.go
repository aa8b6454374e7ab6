package filelayer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// XattrEntry is one name/value pair of a file's extended-attribute set,
// kept in the order it appears in the on-disk blob.
type XattrEntry struct {
	Key   string
	Value []byte
}

func packXattrBlock(nextBlock uint64, data []byte) []byte {
	buf := make([]byte, xattrBlockHeaderSize+XattrBlockDataSize)
	binary.LittleEndian.PutUint64(buf[:8], nextBlock)
	copy(buf[8:], data)
	return buf
}

func unpackXattrBlock(raw []byte) (nextBlock uint64, payload []byte) {
	nextBlock = binary.LittleEndian.Uint64(raw[:8])
	payload = append([]byte{}, raw[8:8+XattrBlockDataSize]...)
	return nextBlock, payload
}

func decodeXattrBlob(blob []byte) ([]XattrEntry, error) {
	blob = bytes.TrimRight(blob, "\x00")
	if len(blob) == 0 {
		return nil, nil
	}
	parts := bytes.Split(blob, []byte{0})
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("filelayer: decode_xattr_blob: odd number of NUL-separated parts: %w", ErrCorrupt)
	}
	entries := make([]XattrEntry, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		entries = append(entries, XattrEntry{Key: string(parts[i]), Value: append([]byte{}, parts[i+1]...)})
	}
	return entries, nil
}

func encodeXattrBlob(entries []XattrEntry) []byte {
	parts := make([][]byte, 0, len(entries)*2)
	for _, e := range entries {
		parts = append(parts, []byte(e.Key), e.Value)
	}
	return bytes.Join(parts, []byte{0})
}

// readXattrsOrdered reads the full inline+overflow xattr blob for
// fileID and decodes it, preserving on-disk order.
func (fs *FileSystem) readXattrsOrdered(fileID uint64) ([]XattrEntry, error) {
	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return nil, err
	}

	blob := append([]byte{}, hd.xattrInline[:]...)
	next := hd.xattrBlock
	for next != 0 {
		raw, err := fs.blocks.ReadBlock(next)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("filelayer: read_xattrs(%d): overflow block %d is uninitialised: %w", fileID, next, ErrCorrupt)
		}
		nextBlock, payload := unpackXattrBlock(raw)
		blob = append(blob, payload...)
		next = nextBlock
	}
	return decodeXattrBlob(blob)
}

// writeXattrsOrdered re-encodes entries and writes it back as
// xattr_inline plus a reused-where-possible overflow block chain.
func (fs *FileSystem) writeXattrsOrdered(fileID uint64, entries []XattrEntry) error {
	blob := encodeXattrBlob(entries)
	inline := blob
	var tail []byte
	if len(inline) > XattrInlineSize {
		tail = append([]byte{}, inline[XattrInlineSize:]...)
		inline = inline[:XattrInlineSize]
	}
	var xattrInline [XattrInlineSize]byte
	copy(xattrInline[:], inline)

	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return err
	}

	var existing []uint64
	next := hd.xattrBlock
	for next != 0 {
		raw, err := fs.blocks.ReadBlock(next)
		if err != nil {
			return err
		}
		nextBlock, _ := unpackXattrBlock(raw)
		existing = append(existing, next)
		next = nextBlock
	}

	neededBlocks := len(tail) / XattrBlockDataSize
	if len(tail)%XattrBlockDataSize != 0 {
		neededBlocks++
	}

	var blocks []uint64
	switch {
	case neededBlocks < len(existing):
		blocks = existing[:neededBlocks]
		if err := fs.deallocateBlocksLocked(existing[neededBlocks:]); err != nil {
			return err
		}
	case neededBlocks > len(existing):
		blocks = append([]uint64{}, existing...)
		extra, err := fs.allocateBlocksLocked(neededBlocks - len(existing))
		if err != nil {
			return err
		}
		blocks = append(blocks, extra...)
	default:
		blocks = existing
	}

	for i := 0; i < neededBlocks; i++ {
		start := i * XattrBlockDataSize
		end := start + XattrBlockDataSize
		if end > len(tail) {
			end = len(tail)
		}
		var nextID uint64
		if i+1 < neededBlocks {
			nextID = blocks[i+1]
		}
		if _, err := fs.blocks.WriteBlock(blocks[i], 0, packXattrBlock(nextID, tail[start:end])); err != nil {
			return err
		}
	}

	hd.xattrInline = xattrInline
	if neededBlocks > 0 {
		hd.xattrBlock = blocks[0]
	} else {
		hd.xattrBlock = 0
	}
	return fs.WriteFileHeader(fileID, 0, hd)
}

// ReadXattrs returns all of fileID's extended attributes.
func (fs *FileSystem) ReadXattrs(fileID uint64) (map[string][]byte, error) {
	entries, err := fs.readXattrsOrdered(fileID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// LookupXattr returns the value of a single xattr key, or ErrNotFound.
func (fs *FileSystem) LookupXattr(fileID uint64, key string) ([]byte, error) {
	entries, err := fs.readXattrsOrdered(fileID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Key == key {
			return e.Value, nil
		}
	}
	return nil, fmt.Errorf("filelayer: lookup_xattr(%d,%q): %w", fileID, key, ErrNotFound)
}

// SetXattr creates or replaces key's value. createOnly rejects an
// existing key with ErrKeyAlreadyExists; replaceOnly rejects a missing
// key with ErrKeyDoesNotExist.
func (fs *FileSystem) SetXattr(fileID uint64, key string, value []byte, createOnly, replaceOnly bool) error {
	entries, err := fs.readXattrsOrdered(fileID)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.Key == key {
			idx = i
			break
		}
	}
	if createOnly && idx >= 0 {
		return fmt.Errorf("filelayer: set_xattr(%d,%q): %w", fileID, key, ErrKeyAlreadyExists)
	}
	if replaceOnly && idx < 0 {
		return fmt.Errorf("filelayer: set_xattr(%d,%q): %w", fileID, key, ErrKeyDoesNotExist)
	}
	if idx >= 0 {
		entries[idx].Value = value
	} else {
		entries = append(entries, XattrEntry{Key: key, Value: value})
	}
	return fs.writeXattrsOrdered(fileID, entries)
}

// DeleteXattr removes key, or returns ErrKeyDoesNotExist if absent.
func (fs *FileSystem) DeleteXattr(fileID uint64, key string) error {
	entries, err := fs.readXattrsOrdered(fileID)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("filelayer: delete_xattr(%d,%q): %w", fileID, key, ErrKeyDoesNotExist)
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	return fs.writeXattrsOrdered(fileID, entries)
}
