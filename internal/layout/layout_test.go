package layout

import (
	"testing"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/cache"
)

// idGen hands out consecutive fresh block ids starting at start, mimicking
// what the bitmap allocator would produce for a pre-allocated id list.
func idGen(start, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = start + i
	}
	return ids
}

func TestSuperblockRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(4)
	c := cache.New(4)
	sb := &Superblock{Magic: SuperblockMagic, InodeBitmapBlocks: 1, InodeBlocks: 2, DataBitmapBlocks: 1, DataBlocks: 100}
	WriteSuperblock(sb, c, dev)

	got := ReadSuperblock(c, dev)
	if !got.IsValid() {
		t.Fatalf("superblock not valid after round trip")
	}
	if *got != *sb {
		t.Fatalf("superblock round trip mismatch: got %+v, want %+v", got, sb)
	}
}

func TestInvalidMagicIsNotValid(t *testing.T) {
	sb := &Superblock{Magic: 0xDEAD}
	if sb.IsValid() {
		t.Fatalf("bad magic reported valid")
	}
}

func TestDiskInodeEncodeDecodeRoundTrip(t *testing.T) {
	di := NewDiskInode(TypeDirectory)
	di.Size = 4096
	di.Direct[0] = 7
	di.Indirect[1] = 99
	var buf [DiskInodeSize]byte
	di.Encode(buf[:])
	got := Decode(buf[:])
	if got.Size != di.Size || got.Direct[0] != 7 || got.Indirect[1] != 99 || got.Type != TypeDirectory {
		t.Fatalf("decode mismatch: %+v", got)
	}
}

func TestDirEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := DirEntry{Name: "hello.txt", InodeID: 42}
	var buf [DirEntrySize]byte
	e.Encode(buf[:])
	got := DecodeDirEntry(buf[:])
	if got != e {
		t.Fatalf("dirent round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEmptyDirEntry(t *testing.T) {
	var e DirEntry
	if !e.Empty() {
		t.Fatalf("zero-value dirent should be empty")
	}
}

func TestDirectOnlyGrowthAndRead(t *testing.T) {
	dev := blockdev.NewMemDevice(64)
	c := cache.New(16)
	di := NewDiskInode(TypeFile)

	data := make([]byte, 3*blockdev.BlockSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	need := TotalBlocks(uint32(len(data)))
	di.IncreaseSize(uint32(len(data)), idGen(10, need), c, dev)
	di.WriteAt(0, data, c, dev)

	buf := make([]byte, len(data))
	n := di.ReadAt(0, buf, c, dev)
	if n != len(data) {
		t.Fatalf("read %d bytes, want %d", n, len(data))
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, buf[i], data[i])
		}
	}
}

func TestGrowthCrossesIntoIndirectDegree1(t *testing.T) {
	dev := blockdev.NewMemDevice(20000)
	c := cache.New(16)
	di := NewDiskInode(TypeFile)

	size := uint32((DirectCount + 5) * blockdev.BlockSize)
	need := TotalBlocks(size)
	di.IncreaseSize(size, idGen(100, need), c, dev)

	if di.Indirect[0] == 0 {
		t.Fatalf("degree-1 indirect root never allocated")
	}
	blockID, ok := di.GetBlockID(DirectCount+4, c, dev)
	if !ok || blockID == 0 {
		t.Fatalf("get_block_id at indirect degree 1 offset failed: %d %v", blockID, ok)
	}
}

func TestClearSizeRecoversAllAllocatedBlocks(t *testing.T) {
	dev := blockdev.NewMemDevice(40000)
	c := cache.New(16)
	di := NewDiskInode(TypeFile)

	size := uint32((DirectCount + IC + IC*IC + 3) * blockdev.BlockSize)
	ids := idGen(1, TotalBlocks(size))
	di.IncreaseSize(size, ids, c, dev)

	freed := di.ClearSize(c, dev)
	if len(freed) != len(ids) {
		t.Fatalf("clear_size freed %d blocks, want %d", len(freed), len(ids))
	}
	seen := make(map[int]bool)
	for _, id := range freed {
		if seen[id] {
			t.Fatalf("block %d freed twice", id)
		}
		seen[id] = true
	}
	if di.Size != 0 {
		t.Fatalf("size not reset after clear_size")
	}
	for _, d := range di.Direct {
		if d != 0 {
			t.Fatalf("direct pointer not cleared")
		}
	}
	for _, r := range di.Indirect {
		if r != 0 {
			t.Fatalf("indirect root not cleared")
		}
	}
}

func TestTotalBlocksMatchesClearSizeSetSize(t *testing.T) {
	dev := blockdev.NewMemDevice(60000)
	c := cache.New(16)

	sizes := []uint32{0, 100, blockdev.BlockSize, uint32(DirectCount * blockdev.BlockSize), uint32((DirectCount + 1) * blockdev.BlockSize), uint32((DirectCount + IC + 1) * blockdev.BlockSize)}
	for _, size := range sizes {
		di := NewDiskInode(TypeFile)
		need := TotalBlocks(size)
		ids := idGen(1, need)
		di.IncreaseSize(size, ids, c, dev)
		freed := di.ClearSize(c, dev)
		if len(freed) != need {
			t.Fatalf("size %d: total_blocks=%d but clear_size freed %d", size, need, len(freed))
		}
	}
}

func TestMaxCapacityBoundary(t *testing.T) {
	maxBlocks := int64(DirectCount) + IC + IC*IC + IC*IC*IC
	if maxBlocks != TotalBlocksCapacity() {
		t.Fatalf("capacity constant drifted: %d vs helper %d", maxBlocks, TotalBlocksCapacity())
	}
}

// TotalBlocksCapacity is the maximum number of leaf data blocks one
// inode can address, re-derived independently of TotalBlocks for the
// boundary check above.
func TotalBlocksCapacity() int64 {
	return int64(DirectCount) + IC + IC*IC + IC*IC*IC
}
