// Package filelayer composes blocklayer blocks into variable-length
// files via a doubly linked chain of header blocks, manages free space
// through per-superblock bitmaps, and stores extended attributes inline
// plus in an overflow block chain.
package filelayer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sealedvol/sealedvol/blocklayer"
)

const (
	defaultHeaderCacheCapacity     = 1024
	defaultSuperblockCacheCapacity = 128
)

// Options configures a FileSystem. The zero value is valid.
type Options struct {
	// HeaderCacheCapacity bounds the number of (file id, header index)
	// entries kept in the header cache. Defaults to 1024.
	HeaderCacheCapacity int
	// SuperblockCacheCapacity bounds the number of superblock bitmaps
	// kept cached. Defaults to 128.
	SuperblockCacheCapacity int
	// Logger is kept on the FileSystem; the file layer itself emits no
	// log events.
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.HeaderCacheCapacity <= 0 {
		o.HeaderCacheCapacity = defaultHeaderCacheCapacity
	}
	if o.SuperblockCacheCapacity <= 0 {
		o.SuperblockCacheCapacity = defaultSuperblockCacheCapacity
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// FileSystem is the file layer over a blocklayer.Container: it knows
// nothing about directories, only about files as header chains plus the
// bitmap allocator that backs them.
type FileSystem struct {
	blocks *blocklayer.Container
	logger logrus.FieldLogger

	headerCache     *headerCache
	superblockCache *superblockCache
}

// New wraps an already-open blocklayer.Container.
func New(blocks *blocklayer.Container, opts Options) *FileSystem {
	opts = opts.withDefaults()
	return &FileSystem{
		blocks:          blocks,
		logger:          opts.Logger,
		headerCache:     newHeaderCache(opts.HeaderCacheCapacity),
		superblockCache: newSuperblockCache(opts.SuperblockCacheCapacity),
	}
}

// Initialise lays down superblock 0 on a freshly created, empty
// container. It must be called exactly once, before any other
// FileSystem operation.
func Initialise(blocks *blocklayer.Container) error {
	ids, err := blocks.NewBlocks(1)
	if err != nil {
		return fmt.Errorf("filelayer: initialise: %w", err)
	}
	if len(ids) != 1 || ids[0] != 0 {
		return fmt.Errorf("filelayer: initialise: expected superblock at block 0, got %v: %w", ids, ErrCorrupt)
	}
	fs := New(blocks, Options{})
	return fs.writeNewSuperblock(0)
}

// CreateNewFile allocates a single block, writes an empty primary
// header of the given type into it, and returns the new file's id
// (equal to its primary header's block id).
func (fs *FileSystem) CreateNewFile(fileType FileType) (uint64, error) {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ids, err := fs.allocateBlocksLocked(1)
	if err != nil {
		return 0, err
	}
	fileID := ids[0]
	// The block was just allocated, so it still holds the
	// uninitialised-sentinel IV; BlockLayer's partial-write path
	// therefore treats the rest of the logical block as zero without
	// needing an explicit full-block write here.
	header := FileHeader{FileType: fileType}
	token, err := fs.blocks.WriteBlock(fileID, 0, PackFileHeader(header))
	if err != nil {
		return 0, err
	}
	fs.cacheHeader(fileID, 0, fileID, headerDataFromFileHeader(header), token)
	return fileID, nil
}

// DeleteFile walks a file's entire header chain and deallocates every
// header and data block it owns.
func (fs *FileSystem) DeleteFile(fileID uint64) error {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	headerBlockID, hdata, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return err
	}
	toFree := append([]uint64{}, hdata.blockIDs...)
	toFree = append(toFree, headerBlockID)

	next := hdata.nextHeader
	for next != 0 {
		raw, err := fs.blocks.ReadBlock(next)
		if err != nil {
			return err
		}
		cont, err := UnpackContinuationHeader(raw)
		if err != nil {
			return err
		}
		toFree = append(toFree, next)
		toFree = append(toFree, cont.BlockIDs...)
		next = cont.NextHeader
	}

	fs.headerCache.removeFile(fileID)
	return fs.deallocateBlocksLocked(toFree)
}
