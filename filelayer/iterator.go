package filelayer

// Reader streams a file's data sequentially under repeated shared-lock
// acquisitions, tracking its own byte cursor so callers (notably
// PathLayer's binary search over directory entries) can read small
// spans without recomputing offsets themselves.
type Reader struct {
	fs     *FileSystem
	fileID uint64
	start  uint64
}

// NewReader returns a Reader positioned at byte offset start in
// fileID's data stream.
func (fs *FileSystem) NewReader(fileID, start uint64) *Reader {
	return &Reader{fs: fs, fileID: fileID, start: start}
}

// Seek repositions the reader's cursor.
func (r *Reader) Seek(pos uint64) { r.start = pos }

// Read returns up to length bytes from the current cursor and advances
// it by however many bytes were returned. A negative length reads
// through to the file's recorded size.
func (r *Reader) Read(length int64) ([]byte, error) {
	unlock, err := r.fs.blocks.LockFile(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, hd, err := r.fs.GetFileHeader(r.fileID, 0)
	if err != nil {
		return nil, err
	}
	if r.start >= hd.size {
		return nil, nil
	}
	remaining := hd.size - r.start
	if length >= 0 && uint64(length) < remaining {
		remaining = uint64(length)
	}

	data, err := r.fs.readSpanLocked(r.fileID, r.start, remaining)
	if err != nil {
		return nil, err
	}
	r.start += uint64(len(data))
	return data, nil
}

// Writer buffers caller-supplied chunks and flushes complete logical
// blocks to disk as soon as the buffer spans one; an explicit Flush (or
// a Write call with flush=true) pads the final partial block through
// BlockLayer's partial-write path.
type Writer struct {
	fs      *FileSystem
	fileID  uint64
	start   uint64
	pending []byte
}

// NewWriter returns a Writer positioned at byte offset start in
// fileID's data stream.
func (fs *FileSystem) NewWriter(fileID, start uint64) *Writer {
	return &Writer{fs: fs, fileID: fileID, start: start}
}

// Write appends data to the writer's pending buffer and drains whatever
// full logical blocks that makes available; pass flush=true to also
// push out a trailing partial block.
func (w *Writer) Write(data []byte, flush bool) error {
	w.pending = append(w.pending, data...)
	return w.drain(flush)
}

// Flush pushes out any buffered bytes, including a trailing partial
// block.
func (w *Writer) Flush() error {
	return w.drain(true)
}

func (w *Writer) drain(force bool) error {
	for len(w.pending) > 0 {
		blockNum, intra := w.fs.BlockFromOffset(w.start)
		capacity := w.fs.FileDataInBlock(blockNum) - intra
		if len(w.pending) < capacity && !force {
			return nil
		}
		take := capacity
		if take > len(w.pending) {
			take = len(w.pending)
		}
		if err := w.fs.Write(w.fileID, w.start, w.pending[:take]); err != nil {
			return err
		}
		w.pending = w.pending[take:]
		w.start += uint64(take)
	}
	return nil
}
