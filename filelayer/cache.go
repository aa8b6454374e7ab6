package filelayer

import (
	"container/list"

	"github.com/bits-and-blooms/bitset"

	"github.com/sealedvol/sealedvol/blocklayer"
)

// headerKey identifies one header block within a file's chain.
type headerKey struct {
	fileID uint64
	index  uint64
}

type headerCacheEntry struct {
	key     headerKey
	blockID uint64
	primary FileHeader
	cont    ContinuationHeader
	isPrim  bool
	token   blocklayer.Token
}

// headerCache is an LRU keyed by (file id, header index), mirroring the
// cache in blocklayer.
type headerCache struct {
	capacity int
	ll       *list.List
	items    map[headerKey]*list.Element
}

func newHeaderCache(capacity int) *headerCache {
	return &headerCache{capacity: capacity, ll: list.New(), items: make(map[headerKey]*list.Element)}
}

func (c *headerCache) get(key headerKey) (*headerCacheEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*headerCacheEntry), true
}

func (c *headerCache) put(e *headerCacheEntry) {
	if el, ok := c.items[e.key]; ok {
		c.ll.MoveToFront(el)
		el.Value = e
		return
	}
	el := c.ll.PushFront(e)
	c.items[e.key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*headerCacheEntry).key)
		}
	}
}

func (c *headerCache) removeFile(fileID uint64) {
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*headerCacheEntry)
		if e.key.fileID == fileID {
			c.ll.Remove(el)
			delete(c.items, e.key)
		}
		el = next
	}
}

type superblockCacheEntry struct {
	id     uint64
	bitmap *bitset.BitSet
	token  blocklayer.Token
}

// superblockCache is an LRU keyed by superblock id.
type superblockCache struct {
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

func newSuperblockCache(capacity int) *superblockCache {
	return &superblockCache{capacity: capacity, ll: list.New(), items: make(map[uint64]*list.Element)}
}

func (c *superblockCache) get(id uint64) (*superblockCacheEntry, bool) {
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*superblockCacheEntry), true
}

func (c *superblockCache) put(e *superblockCacheEntry) {
	if el, ok := c.items[e.id]; ok {
		c.ll.MoveToFront(el)
		el.Value = e
		return
	}
	el := c.ll.PushFront(e)
	c.items[e.id] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*superblockCacheEntry).id)
		}
	}
}
