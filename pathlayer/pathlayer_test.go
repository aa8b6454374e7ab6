package pathlayer

import (
	"crypto/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/sealedvol/sealedvol/blocklayer"
	"github.com/sealedvol/sealedvol/filelayer"
)

func newTestFS(t *testing.T) (*blocklayer.Container, *filelayer.FileSystem, *FileSystem) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.img")
	key := make([]byte, blocklayer.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := blocklayer.Initialise(path, key, 32); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	blocks, err := blocklayer.Open(path, key, 32, blocklayer.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { blocks.Close() })

	if err := filelayer.Initialise(blocks); err != nil {
		t.Fatalf("filelayer initialise: %v", err)
	}
	files := filelayer.New(blocks, filelayer.Options{})
	if err := Initialise(files); err != nil {
		t.Fatalf("pathlayer initialise: %v", err)
	}
	return blocks, files, New(files)
}

func TestEmptyContainerScenario(t *testing.T) {
	blocks, files, _ := newTestFS(t)
	total, err := blocks.TotalBlocks()
	if err != nil {
		t.Fatalf("total_blocks: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 blocks (superblock + root directory), got %d", total)
	}

	fileType, size, err := files.FileInfo(RootFileID)
	if err != nil {
		t.Fatalf("file_info: %v", err)
	}
	if fileType != filelayer.FileTypeDirectory || size != 0 {
		t.Fatalf("expected an empty directory at the root, got type=%v size=%d", fileType, size)
	}

	bm, err := files.ReadSuperblock(0)
	if err != nil {
		t.Fatalf("read_superblock: %v", err)
	}
	if bm.Count() != 2 {
		t.Fatalf("expected popcount 2 (superblock + root directory bits), got %d", bm.Count())
	}
}

func TestSearchAddRemoveDirectoryEntry(t *testing.T) {
	_, _, paths := newTestFS(t)

	if _, _, err := paths.SearchDirectory(RootFileID, "missing"); err != nil {
		t.Fatalf("search empty: %v", err)
	}

	names := []string{"banana", "apple", "cherry", "date"}
	for i, name := range names {
		if err := paths.AddDirectoryEntry(RootFileID, Entry{Name: name, FileID: uint64(100 + i)}, false); err != nil {
			t.Fatalf("add %q: %v", name, err)
		}
	}

	if err := paths.AddDirectoryEntry(RootFileID, Entry{Name: "apple", FileID: 999}, false); err == nil {
		t.Fatalf("expected ErrExists re-adding apple without overwrite")
	}
	if err := paths.AddDirectoryEntry(RootFileID, Entry{Name: "apple", FileID: 999}, true); err != nil {
		t.Fatalf("overwrite apple: %v", err)
	}

	entry, _, err := paths.SearchDirectory(RootFileID, "apple")
	if err != nil {
		t.Fatalf("search apple: %v", err)
	}
	if entry == nil || entry.FileID != 999 {
		t.Fatalf("expected overwritten apple with file id 999, got %+v", entry)
	}

	entries, err := paths.DirectoryEntries(RootFileID)
	if err != nil {
		t.Fatalf("directory_entries: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("expected %d entries, got %d", len(names), len(entries))
	}
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	for i, want := range sorted {
		if entries[i].Name != want {
			t.Fatalf("entry %d: expected %q, got %q (not in sorted order)", i, want, entries[i].Name)
		}
	}

	if err := paths.RemoveDirectoryEntry(RootFileID, "cherry"); err != nil {
		t.Fatalf("remove cherry: %v", err)
	}
	if err := paths.RemoveDirectoryEntry(RootFileID, "cherry"); err == nil {
		t.Fatalf("expected ErrNotFound removing an already-removed entry")
	}
	if entry, _, err := paths.SearchDirectory(RootFileID, "cherry"); err != nil || entry != nil {
		t.Fatalf("expected cherry to be gone, got entry=%+v err=%v", entry, err)
	}

	entries, err = paths.DirectoryEntries(RootFileID)
	if err != nil {
		t.Fatalf("directory_entries 2: %v", err)
	}
	if len(entries) != len(names)-1 {
		t.Fatalf("expected %d entries after removal, got %d", len(names)-1, len(entries))
	}
}

func TestDirectoryOrderingAfterManyMutations(t *testing.T) {
	_, _, paths := newTestFS(t)

	var present []string
	for i := 0; i < 40; i++ {
		// Collision-free names, generated the same way the pack's
		// property-style tests generate test fixture identifiers.
		name := uuid.New().String()
		if err := paths.AddDirectoryEntry(RootFileID, Entry{Name: name, FileID: uint64(i + 1)}, true); err != nil {
			t.Fatalf("add %q: %v", name, err)
		}
		present = append(present, name)
	}
	for i := 0; i < len(present); i += 3 {
		entry, _, err := paths.SearchDirectory(RootFileID, present[i])
		if err != nil {
			t.Fatalf("search %q: %v", present[i], err)
		}
		if entry == nil {
			continue
		}
		if err := paths.RemoveDirectoryEntry(RootFileID, present[i]); err != nil {
			t.Fatalf("remove %q: %v", present[i], err)
		}
	}

	entries, err := paths.DirectoryEntries(RootFileID)
	if err != nil {
		t.Fatalf("directory_entries: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name >= entries[i].Name {
			t.Fatalf("entries not in strictly ascending order at %d: %q >= %q", i, entries[i-1].Name, entries[i].Name)
		}
	}
}
