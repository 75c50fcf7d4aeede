package xattr

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/xattrfs/xattrfs/pkg/types"
)

// aclCache is a small LRU cache of fetched ACL values keyed by object
// identity and ACL kind. It only ever holds verified values: entries are
// inserted after a successful checksummed read or write and invalidated
// before removal, so a hit never masks on-disk corruption.
type aclCache struct {
	mu      sync.Mutex
	max     int
	items   map[string]*list.Element
	recency *list.List
}

type aclCacheEntry struct {
	key   string
	value []byte
}

func newACLCache(maxEntries int) *aclCache {
	return &aclCache{
		max:     maxEntries,
		items:   make(map[string]*list.Element),
		recency: list.New(),
	}
}

func aclCacheKey(id types.ObjectID, gen types.Generation, name string) string {
	return fmt.Sprintf("%X.%X/%s", uint64(id), uint32(gen), name)
}

func (c *aclCache) get(id types.ObjectID, gen types.Generation, name string) ([]byte, bool) {
	if c.max == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[aclCacheKey(id, gen, name)]
	if !ok {
		return nil, false
	}
	c.recency.MoveToFront(elem)
	entry := elem.Value.(*aclCacheEntry)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true
}

func (c *aclCache) put(id types.ObjectID, gen types.Generation, name string, value []byte) {
	if c.max == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := aclCacheKey(id, gen, name)
	stored := make([]byte, len(value))
	copy(stored, value)
	if elem, ok := c.items[key]; ok {
		elem.Value.(*aclCacheEntry).value = stored
		c.recency.MoveToFront(elem)
		return
	}
	c.items[key] = c.recency.PushFront(&aclCacheEntry{key: key, value: stored})
	for len(c.items) > c.max {
		oldest := c.recency.Back()
		if oldest == nil {
			break
		}
		c.recency.Remove(oldest)
		delete(c.items, oldest.Value.(*aclCacheEntry).key)
	}
}

func (c *aclCache) invalidate(id types.ObjectID, gen types.Generation, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := aclCacheKey(id, gen, name)
	if elem, ok := c.items[key]; ok {
		c.recency.Remove(elem)
		delete(c.items, key)
	}
}
