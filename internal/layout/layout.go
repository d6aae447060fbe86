// Package layout is the on-disk format of the AFS filesystem (spec.md
// C7): superblock, disk inodes with a 26-entry direct array plus three
// indirect trees of degree 1, 2 and 3, and fixed-size directory entries.
// Every byte access here goes through internal/cache; nothing in this
// package touches a blockdev.BlockDevice directly.
//
// Grounded on the teacher's fs/super.go Superblock_t, which exposes its
// on-disk fields through paired fieldr/fieldw accessors over a raw page;
// acore follows the same "thin accessor over a fixed byte layout" idiom
// but keyed to a cache.Handle instead of a raw mem.Bytepg_t, since acore's
// cache (unlike the teacher's Bdev_block_t) is the only thing allowed to
// touch the device.
package layout

import (
	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/cache"
	"github.com/CrazyDave999/acore/internal/klog"
)

// SuperblockMagic identifies a valid AFS image (spec.md §6: 0x00114514).
const SuperblockMagic = 0x00114514

// IC is the number of u32 entries an indirect block holds: BlockSize/4.
const IC = blockdev.BlockSize / 4

// DirectCount is the number of direct block pointers a disk inode carries.
const DirectCount = 26

// DiskInodeSize is the packed byte size of one on-disk inode: size(4) +
// direct(26*4) + indirect(3*4) + next(4) + type(4) = 128 bytes.
const DiskInodeSize = 4 + DirectCount*4 + 3*4 + 4 + 4

// InodesPerBlock is how many packed inodes fit in one 512-byte block.
const InodesPerBlock = blockdev.BlockSize / DiskInodeSize

// DirEntrySize is the packed byte size of one directory entry: a
// 28-byte nul-padded name plus a 4-byte inode id.
const DirEntrySize = 32

// DirNameCap is the maximum usable name length (terminator included in
// the 28-byte capacity).
const DirNameCap = 27

// InodeType tags a disk inode as a plain file or a directory.
type InodeType uint32

const (
	TypeFile      InodeType = 0
	TypeDirectory InodeType = 1
)

// Superblock mirrors block 0 of an AFS image.
type Superblock struct {
	Magic             uint32
	InodeBitmapBlocks uint32
	InodeBlocks       uint32
	DataBitmapBlocks  uint32
	DataBlocks        uint32
}

// IsValid reports whether the superblock's magic matches SuperblockMagic.
func (sb *Superblock) IsValid() bool {
	return sb.Magic == SuperblockMagic
}

// ReadSuperblock loads the superblock from block 0.
func ReadSuperblock(c *cache.Cache, dev blockdev.BlockDevice) *Superblock {
	h := c.Get(0, dev)
	defer h.Release()
	var raw [20]byte
	h.Entry().AsRef(0, raw[:])
	return &Superblock{
		Magic:             getU32(raw[:], 0),
		InodeBitmapBlocks: getU32(raw[:], 4),
		InodeBlocks:       getU32(raw[:], 8),
		DataBitmapBlocks:  getU32(raw[:], 12),
		DataBlocks:        getU32(raw[:], 16),
	}
}

// WriteSuperblock formats block 0, zero-padding the remainder of the
// block as spec.md §6 requires.
func WriteSuperblock(sb *Superblock, c *cache.Cache, dev blockdev.BlockDevice) {
	h := c.Get(0, dev)
	defer h.Release()
	var raw [blockdev.BlockSize]byte
	putU32(raw[:], 0, sb.Magic)
	putU32(raw[:], 4, sb.InodeBitmapBlocks)
	putU32(raw[:], 8, sb.InodeBlocks)
	putU32(raw[:], 12, sb.DataBitmapBlocks)
	putU32(raw[:], 16, sb.DataBlocks)
	h.Entry().AsMut(0, raw[:])
}

// Geometry derives every region's starting block from a superblock,
// following the fixed disk order: superblock | inode bitmap | data
// bitmap | inode blocks | data blocks (spec.md §4.7).
type Geometry struct {
	InodeBitmapStart int
	DataBitmapStart  int
	InodeBlocksStart int
	DataBlocksStart  int
}

// NewGeometry lays out regions from a populated superblock.
func NewGeometry(sb *Superblock) Geometry {
	inodeBitmapStart := 1
	dataBitmapStart := inodeBitmapStart + int(sb.InodeBitmapBlocks)
	inodeBlocksStart := dataBitmapStart + int(sb.DataBitmapBlocks)
	dataBlocksStart := inodeBlocksStart + int(sb.InodeBlocks)
	return Geometry{
		InodeBitmapStart: inodeBitmapStart,
		DataBitmapStart:  dataBitmapStart,
		InodeBlocksStart: inodeBlocksStart,
		DataBlocksStart:  dataBlocksStart,
	}
}

// InodeBlockID returns the on-disk block holding inode id, and
// InodeSlotOffset the byte offset of its slot within that block.
func (g Geometry) InodeBlockID(id int) int    { return g.InodeBlocksStart + id/InodesPerBlock }
func (g Geometry) InodeSlotOffset(id int) int { return (id % InodesPerBlock) * DiskInodeSize }

// DiskInode is the in-memory mirror of one packed on-disk inode record.
type DiskInode struct {
	Size     uint32
	Direct   [DirectCount]uint32
	Indirect [3]uint32
	Next     uint32
	Type     InodeType
}

// NewDiskInode builds a zero-size inode of the given type.
func NewDiskInode(t InodeType) *DiskInode {
	return &DiskInode{Type: t}
}

// IsDirectory reports whether the inode is a directory.
func (di *DiskInode) IsDirectory() bool { return di.Type == TypeDirectory }

// Encode packs the inode into a DiskInodeSize-byte slot.
func (di *DiskInode) Encode(buf []byte) {
	if len(buf) != DiskInodeSize {
		klog.Panicf("layout: encode buffer is %d bytes, want %d", len(buf), DiskInodeSize)
	}
	putU32(buf, 0, di.Size)
	for i, d := range di.Direct {
		putU32(buf, 4+i*4, d)
	}
	base := 4 + DirectCount*4
	for i, r := range di.Indirect {
		putU32(buf, base+i*4, r)
	}
	putU32(buf, base+12, di.Next)
	putU32(buf, base+16, uint32(di.Type))
}

// Decode unpacks a DiskInodeSize-byte slot.
func Decode(buf []byte) *DiskInode {
	if len(buf) != DiskInodeSize {
		klog.Panicf("layout: decode buffer is %d bytes, want %d", len(buf), DiskInodeSize)
	}
	di := &DiskInode{Size: getU32(buf, 0)}
	for i := range di.Direct {
		di.Direct[i] = getU32(buf, 4+i*4)
	}
	base := 4 + DirectCount*4
	for i := range di.Indirect {
		di.Indirect[i] = getU32(buf, base+i*4)
	}
	di.Next = getU32(buf, base+12)
	di.Type = InodeType(getU32(buf, base+16))
	return di
}

// ReadInode loads inode id through the cache.
func ReadInode(g Geometry, id int, c *cache.Cache, dev blockdev.BlockDevice) *DiskInode {
	h := c.Get(g.InodeBlockID(id), dev)
	defer h.Release()
	var buf [DiskInodeSize]byte
	h.Entry().AsRef(g.InodeSlotOffset(id), buf[:])
	return Decode(buf[:])
}

// WriteInode stores di at inode id's slot.
func WriteInode(g Geometry, id int, di *DiskInode, c *cache.Cache, dev blockdev.BlockDevice) {
	h := c.Get(g.InodeBlockID(id), dev)
	defer h.Release()
	var buf [DiskInodeSize]byte
	di.Encode(buf[:])
	h.Entry().AsMut(g.InodeSlotOffset(id), buf[:])
}

// GetBlockID resolves inner block number n to its on-disk block id
// (spec.md §4.7 indirect-block addressing), returning false if that
// slot has never been allocated.
func (di *DiskInode) GetBlockID(n int, c *cache.Cache, dev blockdev.BlockDevice) (int, bool) {
	if n < DirectCount {
		if di.Direct[n] == 0 {
			return 0, false
		}
		return int(di.Direct[n]), true
	}
	n -= DirectCount
	cap64 := int64(IC)
	for deg := 1; deg <= 3; deg++ {
		if int64(n) < cap64 {
			root := di.Indirect[deg-1]
			if root == 0 {
				return 0, false
			}
			return walkRead(int(root), indices(n, deg), c, dev)
		}
		n -= int(cap64)
		cap64 *= IC
	}
	return 0, false
}

// blocksNeeded is ceil(size/BlockSize), the number of data blocks (leaf
// slots, excluding internal index blocks) a file of size bytes spans.
func blocksNeeded(size uint32) int {
	return int(ceilDiv(uint64(size), blockdev.BlockSize))
}

// IncreaseSize grows the inode to newSize, consuming newBlocks left to
// right: direct slots first, then each indirect tree degree-by-degree
// in depth-first order, taking a fresh id from newBlocks whenever a
// zero (never-allocated) slot is encountered (spec.md §4.7
// increase_size). newBlocks must be exhausted exactly.
func (di *DiskInode) IncreaseSize(newSize uint32, newBlocks []int, c *cache.Cache, dev blockdev.BlockDevice) {
	oldCount := blocksNeeded(di.Size)
	newCount := blocksNeeded(newSize)
	di.Size = newSize
	next := 0
	take := func() int {
		if next >= len(newBlocks) {
			klog.Panicf("layout: increase_size ran out of pre-allocated blocks")
		}
		id := newBlocks[next]
		next++
		return id
	}
	for n := oldCount; n < newCount; n++ {
		di.fillSlot(n, c, dev, take)
	}
	if next != len(newBlocks) {
		klog.Panicf("layout: increase_size left %d unused block ids", len(newBlocks)-next)
	}
}

func (di *DiskInode) fillSlot(n int, c *cache.Cache, dev blockdev.BlockDevice, take func() int) {
	if n < DirectCount {
		if di.Direct[n] == 0 {
			di.Direct[n] = uint32(take())
		}
		return
	}
	n -= DirectCount
	cap64 := int64(IC)
	for deg := 1; deg <= 3; deg++ {
		if int64(n) < cap64 {
			if di.Indirect[deg-1] == 0 {
				root := take()
				zeroBlock(root, c, dev)
				di.Indirect[deg-1] = uint32(root)
			}
			walkCreate(int(di.Indirect[deg-1]), indices(n, deg), c, dev, take)
			return
		}
		n -= int(cap64)
		cap64 *= IC
	}
	klog.Panicf("layout: inner block number out of range during increase_size")
}

// ClearSize returns every data block id and every internal indirect
// block id owned by this inode, zeroing size and all pointer fields
// (spec.md §4.7 clear_size).
func (di *DiskInode) ClearSize(c *cache.Cache, dev blockdev.BlockDevice) []int {
	var ids []int
	for i, d := range di.Direct {
		if d != 0 {
			ids = append(ids, int(d))
			di.Direct[i] = 0
		}
	}
	for deg := 1; deg <= 3; deg++ {
		root := di.Indirect[deg-1]
		if root != 0 {
			ids = append(ids, collectTree(int(root), deg, c, dev)...)
			di.Indirect[deg-1] = 0
		}
	}
	di.Size = 0
	return ids
}

// TotalBlocks computes the total block count (data plus internal index
// blocks) a file of size bytes occupies (spec.md §4.7 size math).
func TotalBlocks(size uint32) int {
	d := blocksNeeded(size)
	total := d
	remaining := int64(d)
	if remaining <= DirectCount {
		return total
	}
	remaining -= DirectCount
	cap64 := int64(IC)
	for deg := 1; deg <= 3 && remaining > 0; deg++ {
		leaves := remaining
		if leaves > cap64 {
			leaves = cap64
		}
		total++ // root
		divisor := int64(1)
		for lvl := 1; lvl < deg; lvl++ {
			divisor *= IC
			total += int(ceilDiv(uint64(leaves), uint64(divisor)))
		}
		remaining -= leaves
		cap64 *= IC
	}
	return total
}

// ReadAt copies bytes [offset, min(offset+len(buf), size)) into buf,
// splitting at block boundaries (spec.md §4.7 read_at), and returns the
// number of bytes actually copied.
func (di *DiskInode) ReadAt(offset int, buf []byte, c *cache.Cache, dev blockdev.BlockDevice) int {
	end := offset + len(buf)
	if end > int(di.Size) {
		end = int(di.Size)
	}
	if end <= offset {
		return 0
	}
	copied := 0
	for pos := offset; pos < end; {
		n := pos / blockdev.BlockSize
		within := pos % blockdev.BlockSize
		chunk := blockdev.BlockSize - within
		if pos+chunk > end {
			chunk = end - pos
		}
		blockID, ok := di.GetBlockID(n, c, dev)
		if !ok {
			klog.Panicf("layout: read_at found unmapped inner block %d within size", n)
		}
		h := c.Get(blockID, dev)
		h.Entry().AsRef(within, buf[copied:copied+chunk])
		h.Release()
		copied += chunk
		pos += chunk
	}
	return copied
}

// WriteAt writes data into [offset, min(offset+len(data), size)),
// splitting at block boundaries; callers must grow the inode first via
// IncreaseSize (spec.md §4.7/§4.8 split of responsibility).
func (di *DiskInode) WriteAt(offset int, data []byte, c *cache.Cache, dev blockdev.BlockDevice) int {
	end := offset + len(data)
	if end > int(di.Size) {
		end = int(di.Size)
	}
	if end <= offset {
		return 0
	}
	written := 0
	for pos := offset; pos < end; {
		n := pos / blockdev.BlockSize
		within := pos % blockdev.BlockSize
		chunk := blockdev.BlockSize - within
		if pos+chunk > end {
			chunk = end - pos
		}
		blockID, ok := di.GetBlockID(n, c, dev)
		if !ok {
			klog.Panicf("layout: write_at found unmapped inner block %d within size", n)
		}
		h := c.Get(blockID, dev)
		h.Entry().AsMut(within, data[written:written+chunk])
		h.Release()
		written += chunk
		pos += chunk
	}
	return written
}

// indices decomposes inner index n into deg base-IC digits, most
// significant first, for walking a degree-deg indirect tree.
func indices(n, deg int) []int {
	idx := make([]int, deg)
	for i := deg - 1; i >= 0; i-- {
		idx[i] = n % IC
		n /= IC
	}
	return idx
}

func walkRead(blockID int, idx []int, c *cache.Cache, dev blockdev.BlockDevice) (int, bool) {
	cur := blockID
	for _, i := range idx {
		entry := readEntry(cur, i, c, dev)
		if entry == 0 {
			return 0, false
		}
		cur = entry
	}
	return cur, true
}

func walkCreate(blockID int, idx []int, c *cache.Cache, dev blockdev.BlockDevice, take func() int) {
	cur := blockID
	for level, i := range idx {
		entry := readEntry(cur, i, c, dev)
		if entry == 0 {
			entry = take()
			if level < len(idx)-1 {
				zeroBlock(entry, c, dev)
			}
			writeEntry(cur, i, entry, c, dev)
		}
		cur = entry
	}
}

// collectTree gathers blockID (an internal index block at degree-levels
// remaining) plus every block it transitively references.
func collectTree(blockID, levels int, c *cache.Cache, dev blockdev.BlockDevice) []int {
	ids := []int{blockID}
	for i := 0; i < IC; i++ {
		entry := readEntry(blockID, i, c, dev)
		if entry == 0 {
			continue
		}
		if levels == 1 {
			ids = append(ids, entry)
		} else {
			ids = append(ids, collectTree(entry, levels-1, c, dev)...)
		}
	}
	return ids
}

func readEntry(blockID, slot int, c *cache.Cache, dev blockdev.BlockDevice) int {
	h := c.Get(blockID, dev)
	defer h.Release()
	var buf [4]byte
	h.Entry().AsRef(slot*4, buf[:])
	return int(getU32(buf[:], 0))
}

func writeEntry(blockID, slot, value int, c *cache.Cache, dev blockdev.BlockDevice) {
	h := c.Get(blockID, dev)
	defer h.Release()
	var buf [4]byte
	putU32(buf[:], 0, uint32(value))
	h.Entry().AsMut(slot*4, buf[:])
}

func zeroBlock(blockID int, c *cache.Cache, dev blockdev.BlockDevice) {
	h := c.Get(blockID, dev)
	defer h.Release()
	var zero [blockdev.BlockSize]byte
	h.Entry().AsMut(0, zero[:])
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func getU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// DirEntry is one 32-byte directory record: a nul-padded name and the
// child inode id. An entry is empty when InodeID == 0 and Name == "".
type DirEntry struct {
	Name    string
	InodeID uint32
}

// Empty reports whether this is an unused directory slot.
func (e DirEntry) Empty() bool { return e.InodeID == 0 && e.Name == "" }

// Encode packs e into a DirEntrySize-byte slot.
func (e DirEntry) Encode(buf []byte) {
	if len(buf) != DirEntrySize {
		klog.Panicf("layout: dirent encode buffer is %d bytes, want %d", len(buf), DirEntrySize)
	}
	if len(e.Name) > DirNameCap {
		klog.Panicf("layout: dirent name %q exceeds %d bytes", e.Name, DirNameCap)
	}
	for i := range buf[:28] {
		buf[i] = 0
	}
	copy(buf[:28], e.Name)
	putU32(buf, 28, e.InodeID)
}

// DecodeDirEntry unpacks a DirEntrySize-byte slot.
func DecodeDirEntry(buf []byte) DirEntry {
	if len(buf) != DirEntrySize {
		klog.Panicf("layout: dirent decode buffer is %d bytes, want %d", len(buf), DirEntrySize)
	}
	end := 0
	for end < 28 && buf[end] != 0 {
		end++
	}
	return DirEntry{Name: string(buf[:end]), InodeID: getU32(buf, 28)}
}
