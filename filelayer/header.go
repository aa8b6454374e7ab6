package filelayer

import (
	"fmt"
	"sort"

	"github.com/sealedvol/sealedvol/blocklayer"
)

// headerData unifies a primary FileHeader and a ContinuationHeader into
// one shape so the chain-walking code doesn't need to branch on header
// kind at every step; fields irrelevant to a continuation header
// (fileType, size, xattr*) are simply left zero for it.
type headerData struct {
	isPrimary   bool
	fileType    FileType
	size        uint64
	nextHeader  uint64
	prevHeader  uint64
	blockIDs    []uint64
	xattrBlock  uint64
	xattrInline [XattrInlineSize]byte
}

func (h headerData) toFileHeader() FileHeader {
	return FileHeader{
		FileType:    h.fileType,
		Size:        h.size,
		NextHeader:  h.nextHeader,
		BlockIDs:    h.blockIDs,
		XattrBlock:  h.xattrBlock,
		XattrInline: h.xattrInline,
	}
}

func (h headerData) toContinuationHeader() ContinuationHeader {
	return ContinuationHeader{
		NextHeader: h.nextHeader,
		PrevHeader: h.prevHeader,
		BlockIDs:   h.blockIDs,
	}
}

func headerDataFromFileHeader(fh FileHeader) headerData {
	return headerData{
		isPrimary:   true,
		fileType:    fh.FileType,
		size:        fh.Size,
		nextHeader:  fh.NextHeader,
		blockIDs:    fh.BlockIDs,
		xattrBlock:  fh.XattrBlock,
		xattrInline: fh.XattrInline,
	}
}

func headerDataFromContinuationHeader(ch ContinuationHeader) headerData {
	return headerData{
		nextHeader: ch.NextHeader,
		prevHeader: ch.PrevHeader,
		blockIDs:   ch.BlockIDs,
	}
}

func entryToHeaderData(e *headerCacheEntry) headerData {
	if e.isPrim {
		return headerDataFromFileHeader(e.primary)
	}
	return headerDataFromContinuationHeader(e.cont)
}

func (fs *FileSystem) cacheHeader(fileID, headerNum, blockID uint64, hd headerData, token blocklayer.Token) {
	e := &headerCacheEntry{
		key:     headerKey{fileID: fileID, index: headerNum},
		blockID: blockID,
		token:   token,
		isPrim:  headerNum == 0,
	}
	if e.isPrim {
		e.primary = hd.toFileHeader()
	} else {
		e.cont = hd.toContinuationHeader()
	}
	fs.headerCache.put(e)
}

// BlockFromOffset maps a byte offset in a file's logical data stream to
// a (logical_block_num, intra_block_offset) pair, accounting for the
// smaller inline-data capacity of header blocks.
func (fs *FileSystem) BlockFromOffset(offset uint64) (uint64, int) {
	if offset < uint64(FileHeaderDataSize) {
		return 0, int(offset)
	}
	offset -= uint64(FileHeaderDataSize)
	interval := uint64(blocklayer.LogBlockSize)*uint64(BlockIDsPerHeader) + uint64(ContinuationHeaderDataSize)
	header := offset / interval
	blockAndStuff := offset % interval
	block := blockAndStuff / uint64(blocklayer.LogBlockSize)
	intra := blockAndStuff % uint64(blocklayer.LogBlockSize)
	if block == uint64(BlockIDsPerHeader) {
		header++
		block = 0
	} else {
		block++
	}
	return header*uint64(FileHeaderInterval) + block, int(intra)
}

// FileDataInBlock returns the payload capacity of the logical file
// block numbered blockNum: the smaller inline region if it is a header
// block, else a full logical block.
func (fs *FileSystem) FileDataInBlock(blockNum uint64) int {
	header := blockNum / uint64(FileHeaderInterval)
	slot := blockNum % uint64(FileHeaderInterval)
	switch {
	case slot != 0:
		return blocklayer.LogBlockSize
	case header != 0:
		return ContinuationHeaderDataSize
	default:
		return FileHeaderDataSize
	}
}

// GetFileHeader returns the block id and parsed contents of header
// index headerNum in fileID's chain, validating the header cache via
// block_version and, on a full miss, walking next_header/prev_header
// from the nearest still-valid cached neighbour (or from the primary
// header if none is cached).
func (fs *FileSystem) GetFileHeader(fileID, headerNum uint64) (uint64, headerData, error) {
	if e, ok := fs.headerCache.get(headerKey{fileID, headerNum}); ok {
		changed, _, err := fs.blocks.BlockVersion(e.blockID, e.token)
		if err != nil {
			return 0, headerData{}, err
		}
		if !changed {
			return e.blockID, entryToHeaderData(e), nil
		}
	}

	var blockID uint64
	var hd headerData
	haveStart := false
	var start uint64

	for offset := uint64(1); offset < headerNum; offset++ {
		below := headerNum - offset
		if e, ok := fs.headerCache.get(headerKey{fileID, below}); ok {
			changed, _, err := fs.blocks.BlockVersion(e.blockID, e.token)
			if err != nil {
				return 0, headerData{}, err
			}
			if !changed {
				start, hd, blockID, haveStart = below, entryToHeaderData(e), e.blockID, true
				break
			}
		}
		above := headerNum + offset
		if e, ok := fs.headerCache.get(headerKey{fileID, above}); ok {
			changed, _, err := fs.blocks.BlockVersion(e.blockID, e.token)
			if err != nil {
				return 0, headerData{}, err
			}
			if !changed {
				start, hd, blockID, haveStart = above, entryToHeaderData(e), e.blockID, true
				break
			}
		}
	}

	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return 0, headerData{}, err
	}
	defer unlock()

	if !haveStart {
		start = 0
		blockID = fileID
		hd, err = fs.readFileHeaderBlock(fileID, 0, fileID)
		if err != nil {
			return 0, headerData{}, err
		}
	}

	for start < headerNum {
		blockID = hd.nextHeader
		if blockID == 0 {
			return 0, headerData{}, fmt.Errorf("filelayer: get_file_header(%d,%d): chain ends at header %d: %w", fileID, headerNum, start, ErrCorrupt)
		}
		start++
		hd, err = fs.readFileHeaderBlock(fileID, start, blockID)
		if err != nil {
			return 0, headerData{}, err
		}
	}
	for start > headerNum {
		blockID = hd.prevHeader
		if blockID == 0 {
			return 0, headerData{}, fmt.Errorf("filelayer: get_file_header(%d,%d): chain ends at header %d: %w", fileID, headerNum, start, ErrCorrupt)
		}
		start--
		hd, err = fs.readFileHeaderBlock(fileID, start, blockID)
		if err != nil {
			return 0, headerData{}, err
		}
	}
	return blockID, hd, nil
}

// readFileHeaderBlock reads and unpacks header index headerNum (whose
// block id is fileID itself for headerNum 0, else blockID), caching the
// result.
func (fs *FileSystem) readFileHeaderBlock(fileID, headerNum, blockID uint64) (headerData, error) {
	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return headerData{}, err
	}
	defer unlock()

	if headerNum == 0 {
		data, token, err := fs.blocks.ReadBlockWithToken(fileID)
		if err != nil {
			return headerData{}, err
		}
		fh, err := UnpackFileHeader(data)
		if err != nil {
			return headerData{}, err
		}
		hd := headerDataFromFileHeader(fh)
		fs.cacheHeader(fileID, 0, fileID, hd, token)
		return hd, nil
	}

	data, token, err := fs.blocks.ReadBlockWithToken(blockID)
	if err != nil {
		return headerData{}, err
	}
	ch, err := UnpackContinuationHeader(data)
	if err != nil {
		return headerData{}, err
	}
	hd := headerDataFromContinuationHeader(ch)
	fs.cacheHeader(fileID, headerNum, blockID, hd, token)
	return hd, nil
}

// WriteFileHeader packs and writes only the fixed-size header prefix of
// headerNum (the inline data region that follows it in the same
// logical block is untouched, via BlockLayer's partial-write path), and
// updates the header cache entry in place.
func (fs *FileSystem) WriteFileHeader(fileID, headerNum uint64, hd headerData) error {
	var packed []byte
	if headerNum == 0 {
		packed = PackFileHeader(hd.toFileHeader())
	} else {
		packed = PackContinuationHeader(hd.toContinuationHeader())
	}

	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	blockID, _, err := fs.GetFileHeader(fileID, headerNum)
	if err != nil {
		return err
	}
	token, err := fs.blocks.WriteBlock(blockID, 0, packed)
	if err != nil {
		return err
	}
	fs.cacheHeader(fileID, headerNum, blockID, hd, token)
	return nil
}

// GetLastFileHeader returns the terminal header (next_header == 0) of
// fileID's chain, starting the walk from the deepest still-valid cached
// header index rather than always from the primary header.
func (fs *FileSystem) GetLastFileHeader(fileID uint64) (headerNum uint64, blockID uint64, hd headerData, err error) {
	var candidates []uint64
	for k := range fs.headerCache.items {
		if k.fileID == fileID {
			candidates = append(candidates, k.index)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	start := uint64(0)
	for _, idx := range candidates {
		e, ok := fs.headerCache.get(headerKey{fileID, idx})
		if !ok {
			continue
		}
		changed, _, verr := fs.blocks.BlockVersion(e.blockID, e.token)
		if verr != nil {
			return 0, 0, headerData{}, verr
		}
		if !changed {
			start = idx
			break
		}
	}

	unlock, lerr := fs.blocks.LockFile(false)
	if lerr != nil {
		return 0, 0, headerData{}, lerr
	}
	defer unlock()

	blockID, hd, err = fs.GetFileHeader(fileID, start)
	if err != nil {
		return 0, 0, headerData{}, err
	}
	for hd.nextHeader != 0 {
		start++
		blockID, hd, err = fs.GetFileHeader(fileID, start)
		if err != nil {
			return 0, 0, headerData{}, err
		}
	}
	return start, blockID, hd, nil
}

// FileInfo returns a file's type and recorded size, as kept in its
// primary header.
func (fs *FileSystem) FileInfo(fileID uint64) (FileType, uint64, error) {
	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return 0, 0, err
	}
	return hd.fileType, hd.size, nil
}

// NumFileBlocks returns the count of logical file blocks (headers plus
// data blocks) in fileID's chain.
func (fs *FileSystem) NumFileBlocks(fileID uint64) (uint64, error) {
	lastHeader, _, hd, err := fs.GetLastFileHeader(fileID)
	if err != nil {
		return 0, err
	}
	return lastHeader*uint64(FileHeaderInterval) + uint64(len(hd.blockIDs)) + 1, nil
}

// ExtendFileBlocks grows fileID's chain so that it owns at least
// blockNum logical blocks, allocating new data and continuation-header
// blocks as needed.
func (fs *FileSystem) ExtendFileBlocks(fileID, blockNum uint64) error {
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	lastHeader, headerBlockID, hd, err := fs.GetLastFileHeader(fileID)
	if err != nil {
		return err
	}
	lastBlock := uint64(len(hd.blockIDs))

	signedNeeded := int64(blockNum) - int64(lastHeader)*int64(FileHeaderInterval) - int64(lastBlock) - 1
	if signedNeeded <= 0 {
		return fmt.Errorf("filelayer: extend_file_blocks(%d,%d): file already has %d logical blocks", fileID, blockNum, lastHeader*uint64(FileHeaderInterval)+lastBlock+1)
	}

	newBlocks, err := fs.allocateBlocksLocked(int(signedNeeded))
	if err != nil {
		return err
	}
	pos := 0

	curHeaderNum := lastHeader
	curBlockID := headerBlockID
	curHD := hd
	for curBlockID != 0 {
		free := BlockIDsPerHeader - len(curHD.blockIDs)
		take := free
		if pos+take > len(newBlocks) {
			take = len(newBlocks) - pos
		}
		curHD.blockIDs = append(curHD.blockIDs, newBlocks[pos:pos+take]...)
		pos += take

		var newHeaderID uint64
		if pos < len(newBlocks) {
			newHeaderID = newBlocks[pos]
			pos++
		}
		curHD.nextHeader = newHeaderID

		if curHeaderNum == lastHeader {
			if err := fs.WriteFileHeader(fileID, curHeaderNum, curHD); err != nil {
				return err
			}
		} else {
			// A freshly allocated header block is still the uninitialised
			// sentinel, so it is written by id rather than looked up
			// through the chain.
			token, err := fs.blocks.WriteBlock(curBlockID, 0, PackContinuationHeader(curHD.toContinuationHeader()))
			if err != nil {
				return err
			}
			fs.cacheHeader(fileID, curHeaderNum, curBlockID, curHD, token)
		}

		if newHeaderID != 0 {
			curHD = headerData{prevHeader: curBlockID}
			curHeaderNum++
		}
		curBlockID = newHeaderID
	}
	return nil
}

// TruncateFileBlocks shrinks fileID's chain to exactly blockNum logical
// blocks, deallocating every header and data block past that point.
func (fs *FileSystem) TruncateFileBlocks(fileID, blockNum uint64) error {
	if blockNum < 1 {
		return fmt.Errorf("filelayer: truncate_file_blocks(%d,%d): blockNum must be >= 1", fileID, blockNum)
	}
	lastHeader := blockNum / uint64(FileHeaderInterval)
	lastBlock := blockNum % uint64(FileHeaderInterval)
	if lastBlock != 0 {
		lastBlock--
	} else {
		lastHeader--
		lastBlock = uint64(BlockIDsPerHeader)
	}

	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	_, hd, err := fs.GetFileHeader(fileID, lastHeader)
	if err != nil {
		return err
	}

	toFree := append([]uint64{}, hd.blockIDs[lastBlock:]...)

	next := hd.nextHeader
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

	hd.blockIDs = append([]uint64{}, hd.blockIDs[:lastBlock]...)
	hd.nextHeader = 0

	if err := fs.WriteFileHeader(fileID, lastHeader, hd); err != nil {
		return err
	}
	return fs.deallocateBlocksLocked(toFree)
}

// TruncateFileSize shrinks fileID's block chain to cover size bytes and
// records size in the primary header.
func (fs *FileSystem) TruncateFileSize(fileID, size uint64) error {
	lastBlock, _ := fs.BlockFromOffset(size)

	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fs.TruncateFileBlocks(fileID, lastBlock+1); err != nil {
		return err
	}
	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return err
	}
	hd.size = size
	return fs.WriteFileHeader(fileID, 0, hd)
}
