package bitmap

import (
	"testing"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/cache"
)

func TestAllocDeallocIsIdentity(t *testing.T) {
	dev := blockdev.NewMemDevice(2)
	c := cache.New(2)
	bm := New(0, 2)

	slot, ok := bm.Alloc(c, dev)
	if !ok {
		t.Fatalf("alloc failed on empty bitmap")
	}
	if slot != 0 {
		t.Fatalf("first alloc = %d, want 0", slot)
	}
	bm.Dealloc(c, dev, slot)

	slot2, ok := bm.Alloc(c, dev)
	if !ok || slot2 != 0 {
		t.Fatalf("alloc after dealloc = (%d, %v), want (0, true)", slot2, ok)
	}
}

func TestAllocAdvancesOnRepeatedCalls(t *testing.T) {
	dev := blockdev.NewMemDevice(1)
	c := cache.New(1)
	bm := New(0, 1)

	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		slot, ok := bm.Alloc(c, dev)
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		if seen[slot] {
			t.Fatalf("slot %d allocated twice", slot)
		}
		seen[slot] = true
	}
}

func TestAllocCrossesWordBoundary(t *testing.T) {
	dev := blockdev.NewMemDevice(1)
	c := cache.New(1)
	bm := New(0, 1)

	var last int
	for i := 0; i < 65; i++ {
		slot, ok := bm.Alloc(c, dev)
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		last = slot
	}
	if last != 64 {
		t.Fatalf("65th alloc = %d, want 64 (first bit of second word)", last)
	}
}

func TestDeallocOfClearSlotPanics(t *testing.T) {
	dev := blockdev.NewMemDevice(1)
	c := cache.New(1)
	bm := New(0, 1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on dealloc of already-clear slot")
		}
	}()
	bm.Dealloc(c, dev, 5)
}

func TestAllocExhaustionReturnsFalse(t *testing.T) {
	dev := blockdev.NewMemDevice(1)
	c := cache.New(1)
	bm := New(0, 1)

	for i := 0; i < bm.Capacity(); i++ {
		if _, ok := bm.Alloc(c, dev); !ok {
			t.Fatalf("alloc %d unexpectedly failed before exhaustion", i)
		}
	}
	if _, ok := bm.Alloc(c, dev); ok {
		t.Fatalf("alloc succeeded past capacity")
	}
}

func TestCapacityMatchesBlockCount(t *testing.T) {
	bm := New(3, 2)
	if got, want := bm.Capacity(), 2*bitsPerBlock; got != want {
		t.Fatalf("capacity = %d, want %d", got, want)
	}
}

func TestUsedCountTracksAllocAndDealloc(t *testing.T) {
	dev := blockdev.NewMemDevice(1)
	c := cache.New(1)
	bm := New(0, 1)

	if got := bm.UsedCount(c, dev); got != 0 {
		t.Fatalf("used count on empty bitmap = %d, want 0", got)
	}
	for i := 0; i < 5; i++ {
		bm.Alloc(c, dev)
	}
	if got := bm.UsedCount(c, dev); got != 5 {
		t.Fatalf("used count after 5 allocs = %d, want 5", got)
	}
	bm.Dealloc(c, dev, 2)
	if got := bm.UsedCount(c, dev); got != 4 {
		t.Fatalf("used count after dealloc = %d, want 4", got)
	}
}
