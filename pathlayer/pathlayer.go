package pathlayer

import (
	"fmt"

	"github.com/sealedvol/sealedvol/filelayer"
)

// FileSystem is the path layer over a filelayer.FileSystem: directories
// are regular files holding a sorted array of fixed-size entries.
type FileSystem struct {
	files *filelayer.FileSystem
}

// New wraps an already-initialised filelayer.FileSystem.
func New(files *filelayer.FileSystem) *FileSystem {
	return &FileSystem{files: files}
}

// Initialise creates the root directory, which always takes file id
// RootFileID because it is the first file ever created in a fresh
// container (block 0 is claimed by the superblock).
func Initialise(files *filelayer.FileSystem) error {
	id, err := files.CreateNewFile(filelayer.FileTypeDirectory)
	if err != nil {
		return fmt.Errorf("pathlayer: initialise: %w", err)
	}
	if id != RootFileID {
		return fmt.Errorf("pathlayer: initialise: expected root directory at file id %d, got %d: %w", RootFileID, id, ErrCorrupt)
	}
	return nil
}

func (fs *FileSystem) checkIsDirectory(dirFileID uint64) (uint64, error) {
	fileType, size, err := fs.files.FileInfo(dirFileID)
	if err != nil {
		return 0, err
	}
	if fileType != filelayer.FileTypeDirectory {
		return 0, fmt.Errorf("pathlayer: file %d is not a directory: %w", dirFileID, ErrCorrupt)
	}
	if size%EntrySize != 0 {
		return 0, fmt.Errorf("pathlayer: directory %d size %d is not a multiple of the entry size %d: %w", dirFileID, size, EntrySize, ErrCorrupt)
	}
	return size, nil
}

// SearchDirectory binary-searches dirFileID's sorted entry array for
// name. If found, it returns the entry and its byte position; if
// absent, it returns a nil entry and the byte position at which it
// would be inserted to keep the array sorted.
func (fs *FileSystem) SearchDirectory(dirFileID uint64, name string) (*Entry, uint64, error) {
	size, err := fs.checkIsDirectory(dirFileID)
	if err != nil {
		return nil, 0, err
	}
	numEntries := size / EntrySize
	if numEntries == 0 {
		return nil, 0, nil
	}

	reader := fs.files.NewReader(dirFileID, 0)
	start, end := uint64(0), numEntries
	for {
		middle := (start + end) / 2
		reader.Seek(middle * EntrySize)
		raw, err := reader.Read(EntrySize)
		if err != nil {
			return nil, 0, err
		}
		entry, err := unpackEntry(raw)
		if err != nil {
			return nil, 0, err
		}
		switch {
		case entry.Name == name:
			return &entry, middle * EntrySize, nil
		case entry.Name < name:
			start = middle + 1
		default:
			end = middle
		}
		if start == end {
			return nil, start * EntrySize, nil
		}
	}
}

// AddDirectoryEntry inserts entry into dirFileID's sorted array,
// preserving order, or overwrites an existing entry of the same name if
// overwrite is set. Without overwrite, an existing entry of the same
// name yields ErrExists.
func (fs *FileSystem) AddDirectoryEntry(dirFileID uint64, entry Entry, overwrite bool) error {
	existing, position, err := fs.SearchDirectory(dirFileID, entry.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		if !overwrite {
			return fmt.Errorf("pathlayer: add_directory_entry(%d,%q): %w", dirFileID, entry.Name, ErrExists)
		}
		writer := fs.files.NewWriter(dirFileID, position)
		return writer.Write(packEntry(entry), true)
	}

	suffix, err := fs.files.NewReader(dirFileID, position).Read(-1)
	if err != nil {
		return err
	}
	writer := fs.files.NewWriter(dirFileID, position)
	if err := writer.Write(packEntry(entry), false); err != nil {
		return err
	}
	return writer.Write(suffix, true)
}

// RemoveDirectoryEntry deletes the entry named name from dirFileID's
// array, shifting every later entry back by one slot width. Returns
// ErrNotFound if no such entry exists.
func (fs *FileSystem) RemoveDirectoryEntry(dirFileID uint64, name string) error {
	existing, position, err := fs.SearchDirectory(dirFileID, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("pathlayer: remove_directory_entry(%d,%q): %w", dirFileID, name, ErrNotFound)
	}

	suffix, err := fs.files.NewReader(dirFileID, position+EntrySize).Read(-1)
	if err != nil {
		return err
	}
	if err := fs.files.TruncateFileSize(dirFileID, position+uint64(len(suffix))); err != nil {
		return err
	}
	writer := fs.files.NewWriter(dirFileID, position)
	return writer.Write(suffix, true)
}

// DirectoryEntries streams every entry of dirFileID in sorted order.
func (fs *FileSystem) DirectoryEntries(dirFileID uint64) ([]Entry, error) {
	size, err := fs.checkIsDirectory(dirFileID)
	if err != nil {
		return nil, err
	}
	numEntries := size / EntrySize
	data, err := fs.files.NewReader(dirFileID, 0).Read(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		entry, err := unpackEntry(data[i*EntrySize : (i+1)*EntrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
