// Package blocklayer implements the authenticated-encrypted block store
// that backs a container file: fixed-size logical blocks are mapped to
// AES-256-GCM-framed physical blocks, with a plaintext LRU cache and a
// write buffer that coalesces partial-block writes into full-block
// flushes.
package blocklayer

import (
	"fmt"
	"os"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// IVSize is the size in bytes of the GCM nonce stored as each
	// block's IV/token.
	IVSize = 16
	// TagSize is the size in bytes of the GCM authentication tag.
	TagSize = 16
	// PhysBlockSize is the size in bytes of a block as stored on disk:
	// IV || ciphertext || tag.
	PhysBlockSize = 4096
	// LogBlockSize is the plaintext payload capacity of a block.
	LogBlockSize = PhysBlockSize - IVSize - TagSize
	// BlockIDSize is the wire size of a block identifier.
	BlockIDSize = 8

	defaultCacheCapacity = 2048
)

// Token is the 16-byte IV currently stored for a block; two reads
// returning the same token are guaranteed (by AEAD + unique-IV-per-write)
// to have returned identical plaintext.
type Token [IVSize]byte

var zeroToken Token

// Options configures a Container. The zero value is valid; unset fields
// take their defaults.
type Options struct {
	// CacheCapacity bounds the number of decrypted blocks kept in the
	// plaintext LRU cache. Defaults to 2048.
	CacheCapacity int
	// Logger receives structured diagnostic events. Defaults to
	// logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = defaultCacheCapacity
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Container is a block-addressable, authenticated-encrypted store over a
// single host file. All public methods are safe to call from a single
// goroutine at a time per the synchronous, single-threaded-per-container
// model of the spec; Container does not itself provide cross-goroutine
// parallelism beyond what the OS advisory lock gives cooperating
// processes.
type Container struct {
	mu sync.Mutex

	file   *os.File
	key    [KeySize]byte
	offset int64
	logger logrus.FieldLogger
	id     uuid.UUID

	lockDepth int
	lockWrite bool

	cache        *lruCache
	writeBuffer  map[uint64]bufferedWrite
	lockedTokens map[Token]struct{}

	blockReads  uint64
	blockWrites uint64
}

type bufferedWrite struct {
	data  []byte
	token Token
}

// Initialise creates a new, empty container file at path: offset bytes
// of zeroed header area (owned by the caller, e.g. for a salt) followed
// by zero physical blocks. key must be KeySize bytes.
func Initialise(path string, key []byte, offset int64) error {
	if len(key) != KeySize {
		return fmt.Errorf("blocklayer: key must be %d bytes, got %d", KeySize, len(key))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("blocklayer: initialise: %w", err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Write(make([]byte, offset)); err != nil {
			return fmt.Errorf("blocklayer: initialise: writing header area: %w", err)
		}
	}
	return nil
}

// Open opens an existing container file. The file size minus offset
// must be a whole number of physical blocks.
func Open(path string, key []byte, offset int64, opts Options) (*Container, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("blocklayer: key must be %d bytes, got %d", KeySize, len(key))
	}
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blocklayer: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blocklayer: open: stat: %w", err)
	}
	if (info.Size()-offset)%PhysBlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("blocklayer: open: container size %d minus offset %d is not a multiple of %d", info.Size(), offset, PhysBlockSize)
	}

	c := &Container{
		file:         f,
		offset:       offset,
		logger:       opts.Logger,
		id:           uuid.NewV4(),
		cache:        newLRUCache(opts.CacheCapacity),
		writeBuffer:  make(map[uint64]bufferedWrite),
		lockedTokens: make(map[Token]struct{}),
	}
	copy(c.key[:], key)
	return c, nil
}

// Close flushes any buffered writes and releases the backing file
// handle.
func (c *Container) Close() error {
	if err := c.flushWritesLocked(nil); err != nil {
		return err
	}
	return c.file.Close()
}

// BlockStart returns the file offset of a physical block, so FileLayer
// and tests can reason about raw file positions without duplicating the
// arithmetic.
func (c *Container) BlockStart(blockID uint64) int64 {
	return c.offset + int64(blockID)*PhysBlockSize
}

// TotalBlocks returns the number of physical blocks currently in the
// container.
func (c *Container) TotalBlocks() (uint64, error) {
	info, err := c.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("blocklayer: total_blocks: %w", err)
	}
	size := info.Size() - c.offset
	if size%PhysBlockSize != 0 {
		return 0, fmt.Errorf("blocklayer: total_blocks: %w: size %d not a multiple of %d", ErrCorruptBlock, size, PhysBlockSize)
	}
	return uint64(size / PhysBlockSize), nil
}

// Stats returns the cumulative count of physical block reads and writes
// performed since Open, for tests asserting cache-hit behaviour.
func (c *Container) Stats() (reads, writes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockReads, c.blockWrites
}

// ClearCache drops all cached plaintext, forcing the next read of every
// block to hit the backing file.
func (c *Container) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.clear()
}

// NewBlocks appends n physical blocks of all-zero ciphertext (the
// uninitialised sentinel) to the end of the container and returns their
// ids. It does not mark them used in any bitmap.
func (c *Container) NewBlocks(n uint64) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	unlock, err := c.LockFile(true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	total, err := c.TotalBlocks()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = total + uint64(i)
	}

	zeros := make([]byte, PhysBlockSize*n)
	if _, err := c.file.WriteAt(zeros, c.BlockStart(total)); err != nil {
		return nil, fmt.Errorf("blocklayer: new_blocks: %w", err)
	}
	c.mu.Lock()
	c.blockWrites += n
	c.mu.Unlock()
	return ids, nil
}

// RemoveBlocks truncates the container by n physical blocks, purging any
// buffered writes targeting the removed ids.
func (c *Container) RemoveBlocks(n uint64) error {
	unlock, err := c.LockFile(true)
	if err != nil {
		return err
	}
	defer unlock()

	total, err := c.TotalBlocks()
	if err != nil {
		return err
	}
	if n > total {
		return fmt.Errorf("blocklayer: remove_blocks: %w: removing %d of %d blocks", ErrOutOfRange, n, total)
	}
	newTotal := total - n

	c.mu.Lock()
	for id := newTotal; id < total; id++ {
		delete(c.writeBuffer, id)
		c.cache.remove(id)
	}
	c.mu.Unlock()

	if err := c.file.Truncate(c.BlockStart(newTotal)); err != nil {
		return fmt.Errorf("blocklayer: remove_blocks: %w", err)
	}
	return nil
}
