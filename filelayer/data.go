package filelayer

// readFileData returns the raw payload of logical file block blockNum:
// the full plaintext of a data block, or the inline-data suffix of a
// header block. A nil return (no error) means the underlying block is
// the uninitialised sentinel.
func (fs *FileSystem) readFileData(fileID, blockNum uint64) ([]byte, error) {
	header := blockNum / uint64(FileHeaderInterval)
	slot := blockNum % uint64(FileHeaderInterval)

	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	headerBlockID, hd, err := fs.GetFileHeader(fileID, header)
	if err != nil {
		return nil, err
	}
	if slot != 0 {
		return fs.blocks.ReadBlock(hd.blockIDs[slot-1])
	}
	raw, err := fs.blocks.ReadBlock(headerBlockID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	if header != 0 {
		return raw[continuationHeaderFixedSize:], nil
	}
	return raw[fileHeaderFixedSize:], nil
}

// writeFileData writes data at intra-block offset into logical file
// block blockNum, going through the primary/continuation header's
// inline region when blockNum lands on a header slot.
func (fs *FileSystem) writeFileData(fileID, blockNum uint64, offset int, data []byte) error {
	header := blockNum / uint64(FileHeaderInterval)
	slot := blockNum % uint64(FileHeaderInterval)

	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	headerBlockID, hd, err := fs.GetFileHeader(fileID, header)
	if err != nil {
		return err
	}
	if slot != 0 {
		_, err := fs.blocks.WriteBlock(hd.blockIDs[slot-1], offset, data)
		return err
	}

	prefixSize := fileHeaderFixedSize
	if header != 0 {
		prefixSize = continuationHeaderFixedSize
	}
	token, err := fs.blocks.WriteBlock(headerBlockID, prefixSize+offset, data)
	if err != nil {
		return err
	}
	fs.cacheHeader(fileID, header, headerBlockID, hd, token)
	return nil
}

// Read returns up to length bytes of fileID's data stream starting at
// offset. A negative length reads through to the file's recorded size.
// Reads past size are truncated to size; it never returns an error for
// reading past end-of-file, only an empty/short result.
func (fs *FileSystem) Read(fileID, offset uint64, length int64) ([]byte, error) {
	unlock, err := fs.blocks.LockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return nil, err
	}
	if offset >= hd.size {
		return nil, nil
	}

	remaining := hd.size - offset
	if length >= 0 && uint64(length) < remaining {
		remaining = uint64(length)
	}
	return fs.readSpanLocked(fileID, offset, remaining)
}

// readSpanLocked reads exactly n bytes of fileID's data stream starting
// at start; the caller must already hold at least a shared container
// lock and must have already bounded n to the file's recorded size.
func (fs *FileSystem) readSpanLocked(fileID, start, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		blockNum, intra := fs.BlockFromOffset(start)
		data, err := fs.readFileData(fileID, blockNum)
		if err != nil {
			return nil, err
		}

		capacity := fs.FileDataInBlock(blockNum) - intra
		take := uint64(capacity)
		if take > n {
			take = n
		}

		if data == nil {
			out = append(out, make([]byte, take)...)
		} else {
			end := intra + int(take)
			if end > len(data) {
				end = len(data)
			}
			chunk := data[intra:end]
			out = append(out, chunk...)
			if uint64(len(chunk)) < take {
				out = append(out, make([]byte, take-uint64(len(chunk)))...)
			}
		}

		start += take
		n -= take
	}
	return out, nil
}

// Write writes data at offset into fileID's data stream, extending the
// file's block chain first if necessary, and advances the recorded
// size if the write reaches past it.
func (fs *FileSystem) Write(fileID, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	unlock, err := fs.blocks.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	endOffset := offset + uint64(len(data))
	lastBlock, _ := fs.BlockFromOffset(endOffset - 1)

	numBlocks, err := fs.NumFileBlocks(fileID)
	if err != nil {
		return err
	}
	if numBlocks < lastBlock+1 {
		if err := fs.ExtendFileBlocks(fileID, lastBlock+1); err != nil {
			return err
		}
	}

	pos := 0
	start := offset
	for pos < len(data) {
		blockNum, intra := fs.BlockFromOffset(start)
		capacity := fs.FileDataInBlock(blockNum) - intra
		take := len(data) - pos
		if take > capacity {
			take = capacity
		}
		if err := fs.writeFileData(fileID, blockNum, intra, data[pos:pos+take]); err != nil {
			return err
		}
		pos += take
		start += uint64(take)
	}

	_, hd, err := fs.GetFileHeader(fileID, 0)
	if err != nil {
		return err
	}
	if endOffset > hd.size {
		hd.size = endOffset
		if err := fs.WriteFileHeader(fileID, 0, hd); err != nil {
			return err
		}
	}
	return nil
}
