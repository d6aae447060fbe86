// Package cache is the capacity-bounded block cache (spec.md C5): a
// map from block id to an in-memory 512-byte buffer with dirty tracking,
// write-back on drop, and LRU eviction that only ever drops entries
// nobody else currently holds.
//
// Grounded on the teacher's fs/blk.go Bdev_block_t/BlkList_t (an
// intrusive container/list of cached blocks with a per-block mutex and a
// Disk_i it writes back through), stripped of the teacher's write-ahead
// log plumbing (Type/CommitBlk/RevokeBlk) since spec.md's Non-goals
// exclude journaling: acore's cache is a plain LRU, not a log-structured one.
package cache

import (
	"container/list"
	"sync"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/klog"
)

// Entry is one cached 512-byte block.
type Entry struct {
	mu      sync.Mutex
	blockID int
	buf     [blockdev.BlockSize]byte
	dirty   bool
	dev     blockdev.BlockDevice
	refs    int // number of outstanding *Handle borrowers
}

// AsRef locks the entry and exposes offset..offset+len(dst) for reading.
func (e *Entry) AsRef(offset int, dst []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	checkBounds(offset, len(dst))
	copy(dst, e.buf[offset:offset+len(dst)])
}

// AsMut locks the entry, writes src at offset, and marks the entry dirty.
func (e *Entry) AsMut(offset int, src []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	checkBounds(offset, len(src))
	copy(e.buf[offset:offset+len(src)], src)
	e.dirty = true
}

func checkBounds(offset, n int) {
	if offset < 0 || offset+n > blockdev.BlockSize {
		klog.Panicf("cache: access [%d, %d) outside a %d-byte block", offset, offset+n, blockdev.BlockSize)
	}
}

func (e *Entry) writeback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		e.dev.WriteBlock(e.blockID, &e.buf)
		e.dirty = false
	}
}

// Handle is a borrowed reference to a cached entry; Release must be called
// to let the cache consider evicting it again.
type Handle struct {
	c     *Cache
	entry *Entry
}

// Entry exposes the underlying cache entry for AsRef/AsMut calls.
func (h *Handle) Entry() *Entry { return h.entry }

// Release returns the handle; when the refcount drops to zero the entry
// becomes eligible for LRU eviction again.
func (h *Handle) Release() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.entry.refs--
	if h.entry.refs < 0 {
		klog.Panicf("cache: release underflow on block %d", h.entry.blockID)
	}
}

// Cache is an LRU map of capacity cap from block id to cache entry
// (spec.md §4.5); capacity is fixed at construction (16 per spec.md §3).
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	byID     map[int]*list.Element
}

// New constructs an empty cache of the given capacity.
func New(capacity int) *Cache {
	return &Cache{capacity: capacity, order: list.New(), byID: make(map[int]*list.Element)}
}

// Get returns a handle to the cached entry for blockID, reading it from
// dev on first access. If the cache is full, it evicts the least recently
// used entry whose refcount is exactly one (i.e. nobody but the cache
// itself holds it); if none qualifies, it panics with "exhausted cache"
// per spec.md §4.5.
func (c *Cache) Get(blockID int, dev blockdev.BlockDevice) *Handle {
	c.mu.Lock()
	if el, ok := c.byID[blockID]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*Entry)
		e.refs++
		c.mu.Unlock()
		return &Handle{c: c, entry: e}
	}

	if len(c.byID) >= c.capacity {
		if !c.evictOneLocked() {
			c.mu.Unlock()
			klog.Panicf("cache: exhausted cache")
		}
	}

	e := &Entry{blockID: blockID, dev: dev, refs: 1}
	dev.ReadBlock(blockID, &e.buf)
	el := c.order.PushFront(e)
	c.byID[blockID] = el
	c.mu.Unlock()
	return &Handle{c: c, entry: e}
}

// evictOneLocked scans from the LRU tail for the first entry with no live
// Handle outstanding (spec.md's "reference count across borrowers is
// exactly one" counts the cache slot itself as the +1; acore tracks only
// external borrowers, so the equivalent condition is refs==0) and evicts
// it, writing back if dirty. Caller must hold c.mu.
func (c *Cache) evictOneLocked() bool {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.refs == 0 {
			c.order.Remove(el)
			delete(c.byID, e.blockID)
			e.writeback()
			return true
		}
	}
	return false
}

// SyncAll flushes every dirty entry to its device (spec.md §4.5 sync_all).
func (c *Cache) SyncAll() {
	c.mu.Lock()
	entries := make([]*Entry, 0, len(c.byID))
	for _, el := range c.byID {
		entries = append(entries, el.Value.(*Entry))
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.writeback()
	}
}

// Len reports the number of cached entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
