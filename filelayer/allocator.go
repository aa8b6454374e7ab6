package filelayer

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/sealedvol/sealedvol/blocklayer"
)

// bitmapToBytes serialises a SuperblockInterval-bit bitmap into LOG
// bytes, MSB-first within each byte (bit 0 of the superblock is the
// 0x80 bit of byte 0, per the reserved-bit-0 convention).
func bitmapToBytes(bm *bitset.BitSet) []byte {
	out := make([]byte, blocklayer.LogBlockSize)
	for i, e := bm.NextSet(0); e; i, e = bm.NextSet(i + 1) {
		out[i/8] |= 0x80 >> (i % 8)
	}
	return out
}

func bitmapFromBytes(data []byte) *bitset.BitSet {
	bm := bitset.New(SuperblockInterval)
	for byteIdx, b := range data {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				bm.Set(uint(byteIdx*8 + bit))
			}
		}
	}
	return bm
}

// writeNewSuperblock materialises a fresh superblock at its block id:
// bit 0 set (the superblock marks itself used), every other bit clear.
func (fs *FileSystem) writeNewSuperblock(superblockID uint64) error {
	blockID := superblockID * SuperblockInterval
	payload := make([]byte, blocklayer.LogBlockSize)
	payload[0] = 0x80
	if _, err := fs.blocks.WriteBlock(blockID, 0, payload); err != nil {
		return fmt.Errorf("filelayer: write_new_superblock(%d): %w", superblockID, err)
	}
	return nil
}

// readSuperblockLocked returns the bitmap for superblockID, extending
// the container with a fresh superblock block if it doesn't exist yet.
// Caller must hold the container lock.
func (fs *FileSystem) readSuperblockLocked(superblockID uint64) (*bitset.BitSet, error) {
	if cached, ok := fs.superblockCache.get(superblockID); ok {
		blockID := superblockID * SuperblockInterval
		changed, _, err := fs.blocks.BlockVersion(blockID, cached.token)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cached.bitmap, nil
		}
	}

	blockID := superblockID * SuperblockInterval
	total, err := fs.blocks.TotalBlocks()
	if err != nil {
		return nil, err
	}
	if blockID >= total {
		ids, err := fs.blocks.NewBlocks(1)
		if err != nil {
			return nil, err
		}
		if len(ids) != 1 || ids[0] != blockID {
			return nil, fmt.Errorf("filelayer: read_superblock(%d): expected new block %d, got %v: %w", superblockID, blockID, ids, ErrCorrupt)
		}
		if err := fs.writeNewSuperblock(superblockID); err != nil {
			return nil, err
		}
	}

	data, token, err := fs.blocks.ReadBlockWithToken(blockID)
	if err != nil {
		return nil, err
	}
	bm := bitmapFromBytes(data)
	fs.superblockCache.put(&superblockCacheEntry{id: superblockID, bitmap: bm, token: token})
	return bm, nil
}

func (fs *FileSystem) writeSuperblockLocked(superblockID uint64, bm *bitset.BitSet) error {
	blockID := superblockID * SuperblockInterval
	token, err := fs.blocks.WriteBlock(blockID, 0, bitmapToBytes(bm))
	if err != nil {
		return err
	}
	fs.superblockCache.put(&superblockCacheEntry{id: superblockID, bitmap: bm, token: token})
	return nil
}

// NumberFreeBlocks reports the number of unused blocks tracked by one
// superblock.
func (fs *FileSystem) NumberFreeBlocks(superblockID uint64) (uint64, error) {
	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return 0, err
	}
	defer unlock()
	bm, err := fs.readSuperblockLocked(superblockID)
	if err != nil {
		return 0, err
	}
	return uint64(SuperblockInterval) - uint64(bm.Count()), nil
}

// ReadSuperblock exposes the raw bitmap for a superblock, e.g. for the
// out-of-scope consistency checker.
func (fs *FileSystem) ReadSuperblock(superblockID uint64) (*bitset.BitSet, error) {
	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return fs.readSuperblockLocked(superblockID)
}

// WriteSuperblock writes a superblock's bitmap, e.g. for the
// out-of-scope consistency checker to apply a repair.
func (fs *FileSystem) WriteSuperblock(superblockID uint64, bm *bitset.BitSet) error {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()
	return fs.writeSuperblockLocked(superblockID, bm)
}

// AllocateBlocks finds number free blocks via ascending (superblock,
// bit) first-fit, marks them used, and returns their ids. Allocations
// that land past the current container end are appended to the
// container in one batch, or in one batch per new superblock that the
// allocation has to materialise.
func (fs *FileSystem) AllocateBlocks(number int) ([]uint64, error) {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return fs.allocateBlocksLocked(number)
}

func (fs *FileSystem) allocateBlocksLocked(number int) ([]uint64, error) {
	if number <= 0 {
		return nil, nil
	}
	blocks := make([]uint64, 0, number)
	var newBlocksNeeded uint64

	totalSize, err := fs.blocks.TotalBlocks()
	if err != nil {
		return nil, err
	}

	for superblockID := uint64(0); number > 0; superblockID++ {
		if newBlocksNeeded > 0 && superblockID*SuperblockInterval >= totalSize {
			// Grow the pending blocks first so a new superblock lands at
			// its own block id.
			if _, err := fs.blocks.NewBlocks(newBlocksNeeded); err != nil {
				return nil, err
			}
			totalSize += newBlocksNeeded
			newBlocksNeeded = 0
		}
		bm, err := fs.readSuperblockLocked(superblockID)
		if err != nil {
			return nil, err
		}
		if bm.Count() == SuperblockInterval {
			// Fully allocated: skip straight to the next superblock
			// instead of rescanning a bitmap with no free bits.
			continue
		}

		freeBit, ok := bm.NextClear(0)
		for ok && number > 0 {
			bm.Set(freeBit)
			blockID := superblockID*SuperblockInterval + uint64(freeBit)
			blocks = append(blocks, blockID)
			if blockID >= totalSize {
				newBlocksNeeded++
			}
			number--
			if number == 0 {
				break
			}
			freeBit, ok = bm.NextClear(freeBit + 1)
		}

		if err := fs.writeSuperblockLocked(superblockID, bm); err != nil {
			return nil, err
		}
	}

	if newBlocksNeeded > 0 {
		if _, err := fs.blocks.NewBlocks(newBlocksNeeded); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// DeallocateBlocks wipes each block and clears its bit, batching
// superblock writes once per touched superblock.
func (fs *FileSystem) DeallocateBlocks(ids []uint64) error {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()
	return fs.deallocateBlocksLocked(ids)
}

func (fs *FileSystem) deallocateBlocksLocked(ids []uint64) error {
	touched := make(map[uint64]*bitset.BitSet)
	order := make([]uint64, 0)

	for _, id := range ids {
		if err := fs.blocks.WipeBlock(id); err != nil {
			return err
		}
		superblockID := id / SuperblockInterval
		bit := id % SuperblockInterval

		bm, ok := touched[superblockID]
		if !ok {
			var err error
			bm, err = fs.readSuperblockLocked(superblockID)
			if err != nil {
				return err
			}
			touched[superblockID] = bm
			order = append(order, superblockID)
		}
		bm.Clear(uint(bit))
	}

	for _, superblockID := range order {
		if err := fs.writeSuperblockLocked(superblockID, touched[superblockID]); err != nil {
			return err
		}
	}
	return nil
}
