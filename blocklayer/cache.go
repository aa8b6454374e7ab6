package blocklayer

import "container/list"

// lruCache is a bounded least-recently-used cache mapping a block id to
// its decrypted plaintext and the token (IV) it was read or written
// with.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

type cacheEntry struct {
	blockID uint64
	data    []byte
	token   Token
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

func (c *lruCache) get(blockID uint64) ([]byte, Token, bool) {
	el, ok := c.items[blockID]
	if !ok {
		return nil, zeroToken, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*cacheEntry)
	return e.data, e.token, true
}

func (c *lruCache) put(blockID uint64, data []byte, token Token) {
	if el, ok := c.items[blockID]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*cacheEntry)
		e.data = data
		e.token = token
		return
	}
	el := c.ll.PushFront(&cacheEntry{blockID: blockID, data: data, token: token})
	c.items[blockID] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).blockID)
		}
	}
}

func (c *lruCache) remove(blockID uint64) {
	if el, ok := c.items[blockID]; ok {
		c.ll.Remove(el)
		delete(c.items, blockID)
	}
}

func (c *lruCache) clear() {
	c.ll = list.New()
	c.items = make(map[uint64]*list.Element)
}
