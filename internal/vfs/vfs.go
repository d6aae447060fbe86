// Package vfs is the filesystem-wide inode broker (spec.md C8): it
// turns an inode id plus the on-disk layout into directory lookups,
// creation, removal and byte-range read/write, all under one coarse
// mutex per mounted filesystem.
//
// Grounded on the teacher's ufs/ufs.go Ufs_t, which also wraps a single
// *fs.Fs_t behind one handle; acore keeps that "one mutex guards the
// whole tree" shape rather than the teacher's per-inode locks, since
// spec.md's Non-goals exclude SMP and acore never needs finer-grained
// disk locking to stay correct on one hart.
package vfs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/CrazyDave999/acore/internal/bitmap"
	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/cache"
	"github.com/CrazyDave999/acore/internal/klog"
	"github.com/CrazyDave999/acore/internal/layout"
)

// FS is a mounted AFS filesystem: geometry, the shared block cache and
// device, the inode/data bitmaps, and the one mutex guarding every
// allocation and directory mutation (spec.md §9 shared-resource policy).
type FS struct {
	mu       sync.Mutex
	dev      blockdev.BlockDevice
	cache    *cache.Cache
	geometry layout.Geometry
	sb       *layout.Superblock
	inodeMap *bitmap.Bitmap
	dataMap  *bitmap.Bitmap
}

// Mount opens an AFS image already formatted by Format (or cmd/mkfs)
// and validates its superblock.
func Mount(dev blockdev.BlockDevice, cacheCapacity int) *FS {
	c := cache.New(cacheCapacity)
	sb := layout.ReadSuperblock(c, dev)
	if !sb.IsValid() {
		klog.Panicf("vfs: invalid superblock magic %#x", sb.Magic)
	}
	g := layout.NewGeometry(sb)
	return &FS{
		dev:      dev,
		cache:    c,
		geometry: g,
		sb:       sb,
		inodeMap: bitmap.New(g.InodeBitmapStart, int(sb.InodeBitmapBlocks)),
		dataMap:  bitmap.New(g.DataBitmapStart, int(sb.DataBitmapBlocks)),
	}
}

// Format writes a fresh superblock and root directory onto dev, sized
// for the given inode and data bitmap block counts, and returns the
// mounted filesystem (spec.md §8 mkfs scenario).
func Format(dev blockdev.BlockDevice, cacheCapacity int, inodeBitmapBlocks, inodeBlocks, dataBitmapBlocks, dataBlocks uint32) *FS {
	c := cache.New(cacheCapacity)
	sb := &layout.Superblock{
		Magic:             layout.SuperblockMagic,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeBlocks:       inodeBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataBlocks:        dataBlocks,
	}
	layout.WriteSuperblock(sb, c, dev)
	g := layout.NewGeometry(sb)
	fs := &FS{
		dev:      dev,
		cache:    c,
		geometry: g,
		sb:       sb,
		inodeMap: bitmap.New(g.InodeBitmapStart, int(inodeBitmapBlocks)),
		dataMap:  bitmap.New(g.DataBitmapStart, int(dataBitmapBlocks)),
	}
	root, ok := fs.inodeMap.Alloc(fs.cache, fs.dev)
	if !ok || root != 0 {
		klog.Panicf("vfs: root inode must be the first allocated inode, got %d ok=%v", root, ok)
	}
	rootDI := layout.NewDiskInode(layout.TypeDirectory)
	layout.WriteInode(g, RootInodeID, rootDI, c, dev)
	rootHandle := fs.Inode(RootInodeID)
	rootHandle.InsertDirEntry(".", RootInodeID)
	rootHandle.InsertDirEntry("..", RootInodeID)
	return fs
}

// RootInodeID is the well-known id of the filesystem root directory.
const RootInodeID = 0

// SyncAll flushes every dirty cache entry to the device.
func (fs *FS) SyncAll() { fs.cache.SyncAll() }

// Stats reports inode and data block usage, grounded on the teacher's
// Fs_statistics/Ufs_t.Sizes; cmd/mkfs uses it to report image utilization
// after packing a skeleton tree.
type Stats struct {
	TotalInodes int
	UsedInodes  int
	TotalBlocks int
	UsedBlocks  int
}

// Stats reports the current inode and data bitmap occupancy.
func (fs *FS) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stats{
		TotalInodes: fs.inodeMap.Capacity(),
		UsedInodes:  fs.inodeMap.UsedCount(fs.cache, fs.dev),
		TotalBlocks: fs.dataMap.Capacity(),
		UsedBlocks:  fs.dataMap.UsedCount(fs.cache, fs.dev),
	}
}

// Inode returns a handle brokering access to inode id.
func (fs *FS) Inode(id int) *Inode {
	return &Inode{fs: fs, id: id}
}

// Inode is a handle to one on-disk inode, matching spec.md §4.8's
// {inode_id, block_id, block_offset, fs, device} tuple (block_id and
// block_offset are recomputed on demand from fs.geometry rather than
// cached, since Go's GC makes staleness after a reformat a non-issue).
type Inode struct {
	fs *FS
	id int
}

// ID reports the inode id this handle addresses.
func (in *Inode) ID() int { return in.id }

func (in *Inode) load() *layout.DiskInode {
	return layout.ReadInode(in.fs.geometry, in.id, in.fs.cache, in.fs.dev)
}

func (in *Inode) store(di *layout.DiskInode) {
	layout.WriteInode(in.fs.geometry, in.id, di, in.fs.cache, in.fs.dev)
}

// IsDirectory reports whether this inode is a directory.
func (in *Inode) IsDirectory() bool {
	return in.load().IsDirectory()
}

// Size reports the inode's byte size.
func (in *Inode) Size() int {
	return int(in.load().Size)
}

// Fstat formats a one-line description of the inode (spec.md §4.8 fstat).
func (in *Inode) Fstat() string {
	di := in.load()
	kind := "File"
	if di.IsDirectory() {
		kind = "Directory"
	}
	return fmt.Sprintf("Type: %s Size: %d Blocks: %d", kind, di.Size, layout.TotalBlocks(di.Size))
}

// AccessDirEntry looks up name among self's directory entries; name ""
// returns a handle to self. If not found and create is true, a fresh
// inode of the given type is allocated, linked into self, and a handle
// to it returned (spec.md §4.8 access_dir_entry).
func (in *Inode) AccessDirEntry(name string, t layout.InodeType, create bool) (*Inode, bool) {
	if name == "" {
		return in, true
	}
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	di := in.load()
	if !di.IsDirectory() {
		klog.Panicf("vfs: access_dir_entry on non-directory inode %d", in.id)
	}
	entries, _ := in.readDirEntriesLocked(di)
	for _, e := range entries {
		if !e.Empty() && e.Name == name {
			return in.fs.Inode(int(e.InodeID)), true
		}
	}
	if !create {
		return nil, false
	}

	childID, ok := in.fs.inodeMap.Alloc(in.fs.cache, in.fs.dev)
	if !ok {
		klog.Panicf("vfs: inode bitmap exhausted")
	}
	childDI := layout.NewDiskInode(t)
	layout.WriteInode(in.fs.geometry, childID, childDI, in.fs.cache, in.fs.dev)
	child := in.fs.Inode(childID)
	if t == layout.TypeDirectory {
		child.insertDirEntryLocked(childDI, ".", childID)
		child.insertDirEntryLocked(childDI, "..", in.id)
	}
	in.insertDirEntryLocked(di, name, childID)
	return child, true
}

// InsertDirEntry writes name -> id into self, preferring the first
// empty slot and otherwise growing by one entry (spec.md §4.8
// insert_dir_entry); it takes the filesystem mutex itself. Used both
// internally (wiring "." / ".." on mkdir) and by callers that need to
// link an already-existing inode under a new name, such as mv.
func (in *Inode) InsertDirEntry(name string, id int) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	in.insertDirEntryLocked(di, name, id)
}

func (in *Inode) insertDirEntryLocked(di *layout.DiskInode, name string, id int) {
	entries, _ := in.readDirEntriesLocked(di)
	for i, e := range entries {
		if e.Empty() {
			in.writeDirEntryLocked(di, i, layout.DirEntry{Name: name, InodeID: uint32(id)})
			return
		}
	}
	in.growAndAppendLocked(di, layout.DirEntry{Name: name, InodeID: uint32(id)})
}

// RemoveDirEntry zeroes the matching entry in place without freeing the
// underlying inode (spec.md §4.8 remove_dir_entry), returning its id.
func (in *Inode) RemoveDirEntry(name string) (int, bool) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	entries, _ := in.readDirEntriesLocked(di)
	for i, e := range entries {
		if !e.Empty() && e.Name == name {
			removed := int(e.InodeID)
			in.writeDirEntryLocked(di, i, layout.DirEntry{})
			return removed, true
		}
	}
	return 0, false
}

// Ls lists the non-empty entry names in this directory.
func (in *Inode) Ls() []string {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	entries, _ := in.readDirEntriesLocked(di)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Empty() {
			names = append(names, e.Name)
		}
	}
	return names
}

func (in *Inode) readDirEntriesLocked(di *layout.DiskInode) ([]layout.DirEntry, int) {
	count := int(di.Size) / layout.DirEntrySize
	entries := make([]layout.DirEntry, count)
	buf := make([]byte, layout.DirEntrySize)
	for i := 0; i < count; i++ {
		di.ReadAt(i*layout.DirEntrySize, buf, in.fs.cache, in.fs.dev)
		entries[i] = layout.DecodeDirEntry(buf)
	}
	return entries, count
}

func (in *Inode) writeDirEntryLocked(di *layout.DiskInode, slot int, e layout.DirEntry) {
	buf := make([]byte, layout.DirEntrySize)
	e.Encode(buf)
	di.WriteAt(slot*layout.DirEntrySize, buf, in.fs.cache, in.fs.dev)
	in.store(di)
}

func (in *Inode) growAndAppendLocked(di *layout.DiskInode, e layout.DirEntry) {
	newSize := uint32(int(di.Size) + layout.DirEntrySize)
	in.growLocked(di, newSize)
	buf := make([]byte, layout.DirEntrySize)
	e.Encode(buf)
	di.WriteAt(int(di.Size)-layout.DirEntrySize, buf, in.fs.cache, in.fs.dev)
	in.store(di)
}

// growLocked extends di to newSize, allocating exactly the data blocks
// the growth requires from the data bitmap first (spec.md §4.8
// write_at: "grows the file to offset+len first by allocating the
// needed data blocks, then writes").
func (in *Inode) growLocked(di *layout.DiskInode, newSize uint32) {
	if newSize <= di.Size {
		return
	}
	oldBlocks := layout.TotalBlocks(di.Size)
	newBlocks := layout.TotalBlocks(newSize)
	need := newBlocks - oldBlocks
	ids := make([]int, need)
	for i := range ids {
		id, ok := in.fs.dataMap.Alloc(in.fs.cache, in.fs.dev)
		if !ok {
			klog.Panicf("vfs: data bitmap exhausted")
		}
		ids[i] = in.fs.geometry.DataBlocksStart + id
	}
	di.IncreaseSize(newSize, ids, in.fs.cache, in.fs.dev)
}

// ReadAt reads into buf starting at offset, under the filesystem mutex.
func (in *Inode) ReadAt(offset int, buf []byte) int {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	return di.ReadAt(offset, buf, in.fs.cache, in.fs.dev)
}

// WriteAt grows the inode to cover offset+len(data) if needed, then
// writes, under the filesystem mutex.
func (in *Inode) WriteAt(offset int, data []byte) int {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	if need := uint32(offset + len(data)); need > di.Size {
		in.growLocked(di, need)
		di = in.load()
	}
	n := di.WriteAt(offset, data, in.fs.cache, in.fs.dev)
	in.store(di)
	return n
}

// Clear frees every data and internal index block this inode owns back
// to the data bitmap (spec.md §4.8 clear).
func (in *Inode) Clear() {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di := in.load()
	freed := di.ClearSize(in.fs.cache, in.fs.dev)
	in.store(di)
	for _, blockID := range freed {
		in.fs.dataMap.Dealloc(in.fs.cache, in.fs.dev, blockID-in.fs.geometry.DataBlocksStart)
	}
}

// Lookup walks an absolute, '/'-separated path from root, never
// creating intermediate components (spec.md §4.9 open's directory walk).
func (fs *FS) Lookup(path string) (*Inode, bool) {
	cur := fs.Inode(RootInodeID)
	path = strings.Trim(path, "/")
	if path == "" {
		return cur, true
	}
	for _, part := range strings.Split(path, "/") {
		if !cur.IsDirectory() {
			return nil, false
		}
		next, ok := cur.AccessDirEntry(part, layout.TypeFile, false)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
