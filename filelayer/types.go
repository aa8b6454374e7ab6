package filelayer

import (
	"encoding/binary"
	"fmt"

	"github.com/sealedvol/sealedvol/blocklayer"
)

const (
	// BlockIDsPerHeader is the number of data-block ids a single
	// header (primary or continuation) can own.
	BlockIDsPerHeader = 32
	// FileHeaderInterval is the number of logical file blocks one
	// header "interval" spans: the header itself plus the data blocks
	// it owns.
	FileHeaderInterval = BlockIDsPerHeader + 1
	// XattrInlineSize is the number of xattr-blob bytes stored inline
	// in the primary header.
	XattrInlineSize = 256
	// FilesizeSize is the wire size of the size field.
	FilesizeSize = 8

	fileHeaderFixedSize = 1 + FilesizeSize + (BlockIDsPerHeader+2)*blocklayer.BlockIDSize + XattrInlineSize
	continuationHeaderFixedSize = (BlockIDsPerHeader + 2) * blocklayer.BlockIDSize

	// FileHeaderDataSize is the inline-payload capacity of a primary
	// header block.
	FileHeaderDataSize = blocklayer.LogBlockSize - fileHeaderFixedSize
	// ContinuationHeaderDataSize is the inline-payload capacity of a
	// continuation header block.
	ContinuationHeaderDataSize = blocklayer.LogBlockSize - continuationHeaderFixedSize

	// SuperblockInterval is the number of blocks a single superblock's
	// bitmap tracks: one bit per block in LOG*8 bits.
	SuperblockInterval = blocklayer.LogBlockSize * 8

	xattrBlockHeaderSize = blocklayer.BlockIDSize
	// XattrBlockDataSize is the payload capacity of one xattr overflow
	// block.
	XattrBlockDataSize = blocklayer.LogBlockSize - xattrBlockHeaderSize
)

// FileType identifies what kind of file a primary header describes.
type FileType uint8

const (
	// FileTypeRegular is a regular data file.
	FileTypeRegular FileType = 0
	// FileTypeDirectory is a directory file (see pathlayer).
	FileTypeDirectory FileType = 1
)

// FileHeader is the plaintext layout of a file's primary header block.
type FileHeader struct {
	FileType    FileType
	Size        uint64
	NextHeader  uint64
	BlockIDs    []uint64
	XattrBlock  uint64
	XattrInline [XattrInlineSize]byte
}

// ContinuationHeader is the plaintext layout of a non-primary header
// block in a file's header chain.
type ContinuationHeader struct {
	NextHeader uint64
	PrevHeader uint64
	BlockIDs   []uint64
}

func packBlockIDs(dst []byte, ids []uint64) {
	if len(ids) > BlockIDsPerHeader {
		panic("filelayer: too many block ids for one header")
	}
	for i := 0; i < BlockIDsPerHeader; i++ {
		var v uint64
		if i < len(ids) {
			v = ids[i]
		}
		binary.LittleEndian.PutUint64(dst[i*8:(i+1)*8], v)
	}
}

func unpackBlockIDs(src []byte) []uint64 {
	ids := make([]uint64, 0, BlockIDsPerHeader)
	for i := 0; i < BlockIDsPerHeader; i++ {
		v := binary.LittleEndian.Uint64(src[i*8 : (i+1)*8])
		if v == 0 {
			break
		}
		ids = append(ids, v)
	}
	return ids
}

// PackFileHeader packs h into the fixed-size primary header prefix of a
// logical block (fileHeaderFixedSize bytes); the caller appends inline
// data after it to fill out the full logical block.
func PackFileHeader(h FileHeader) []byte {
	buf := make([]byte, fileHeaderFixedSize)
	buf[0] = byte(h.FileType)
	binary.LittleEndian.PutUint64(buf[1:9], h.Size)
	binary.LittleEndian.PutUint64(buf[9:17], h.NextHeader)
	packBlockIDs(buf[17:17+BlockIDsPerHeader*8], h.BlockIDs)
	off := 17 + BlockIDsPerHeader*8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.XattrBlock)
	copy(buf[off+8:off+8+XattrInlineSize], h.XattrInline[:])
	return buf
}

// UnpackFileHeader parses the fixed-size primary header prefix from
// data, which must be at least fileHeaderFixedSize bytes.
func UnpackFileHeader(data []byte) (FileHeader, error) {
	if len(data) < fileHeaderFixedSize {
		return FileHeader{}, fmt.Errorf("filelayer: unpack_file_header: need %d bytes, got %d: %w", fileHeaderFixedSize, len(data), ErrCorrupt)
	}
	var h FileHeader
	h.FileType = FileType(data[0])
	h.Size = binary.LittleEndian.Uint64(data[1:9])
	h.NextHeader = binary.LittleEndian.Uint64(data[9:17])
	h.BlockIDs = unpackBlockIDs(data[17 : 17+BlockIDsPerHeader*8])
	off := 17 + BlockIDsPerHeader*8
	h.XattrBlock = binary.LittleEndian.Uint64(data[off : off+8])
	copy(h.XattrInline[:], data[off+8:off+8+XattrInlineSize])
	return h, nil
}

// PackContinuationHeader packs h into the fixed-size continuation header
// prefix of a logical block.
func PackContinuationHeader(h ContinuationHeader) []byte {
	buf := make([]byte, continuationHeaderFixedSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.NextHeader)
	binary.LittleEndian.PutUint64(buf[8:16], h.PrevHeader)
	packBlockIDs(buf[16:16+BlockIDsPerHeader*8], h.BlockIDs)
	return buf
}

// UnpackContinuationHeader parses the fixed-size continuation header
// prefix from data.
func UnpackContinuationHeader(data []byte) (ContinuationHeader, error) {
	if len(data) < continuationHeaderFixedSize {
		return ContinuationHeader{}, fmt.Errorf("filelayer: unpack_continuation_header: need %d bytes, got %d: %w", continuationHeaderFixedSize, len(data), ErrCorrupt)
	}
	var h ContinuationHeader
	h.NextHeader = binary.LittleEndian.Uint64(data[0:8])
	h.PrevHeader = binary.LittleEndian.Uint64(data[8:16])
	h.BlockIDs = unpackBlockIDs(data[16 : 16+BlockIDsPerHeader*8])
	return h, nil
}
