package allocator

import (
	"math"
	"testing"
	"unsafe"

	"gopheros-smp/kernel"
	"gopheros-smp/kernel/mem"
	"gopheros-smp/kernel/mem/pmm"
	"gopheros-smp/kernel/mem/vmm"
	"gopheros-smp/multiboot"
)

func TestSetupBitmap(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
	}()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	// The captured multiboot data corresponds to qemu running with 128M RAM
	// split across two regions; the allocator should pick the larger one.
	var (
		alloc   BitmapAllocator
		physMem = make([]byte, 2*mem.PageSize)
	)

	for i := range physMem {
		physMem[i] = 0xf0
	}

	mapCallCount := 0
	mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapCallCount++
		return nil
	}

	reserveCallCount := 0
	reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
		reserveCallCount++
		return uintptr(unsafe.Pointer(&physMem[0])), nil
	}

	if err := alloc.setupBitmap(); err != nil {
		t.Fatal(err)
	}

	if reserveCallCount != 1 {
		t.Fatalf("expected allocator to call vmm.EarlyReserveRegion once; called %d", reserveCallCount)
	}

	if mapCallCount == 0 {
		t.Fatal("expected allocator to call vmm.Map at least once")
	}

	if expFreeCount := uint32(alloc.endFrame - alloc.startFrame + 1); alloc.totalPages != expFreeCount {
		t.Errorf("expected total pages to be %d; got %d", expFreeCount, alloc.totalPages)
	}

	if exp, got := int(math.Ceil(float64(alloc.totalPages)/64.0)), len(alloc.freeBitmap); got != exp {
		t.Errorf("expected bitmap len to be %d; got %d", exp, got)
	}

	for blockIndex, block := range alloc.freeBitmap {
		if block != 0 {
			t.Errorf("expected bitmap block %d to be cleared; got %d", blockIndex, block)
		}
	}
}

func TestSetupBitmapErrors(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
	}()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))
	var alloc BitmapAllocator

	t.Run("vmm.EarlyReserveRegion returns an error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "something went wrong"}

		reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
			return 0, expErr
		}

		if err := alloc.setupBitmap(); err != expErr {
			t.Fatalf("expected to get error: %v; got %v", expErr, err)
		}
	})

	t.Run("vmm.Map returns an error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "something went wrong"}

		reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
			return 0, nil
		}

		mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			return expErr
		}

		if err := alloc.setupBitmap(); err != expErr {
			t.Fatalf("expected to get error: %v; got %v", expErr, err)
		}
	})

	t.Run("no usable memory region", func(t *testing.T) {
		emptyInfoData := []byte{
			0, 0, 0, 0, // size
			0, 0, 0, 0, // reserved
			0, 0, 0, 0, // tag with type zero and length zero
			0, 0, 0, 0,
		}

		multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))

		if err := alloc.setupBitmap(); err != errBitmapNoUsableRegion {
			t.Fatalf("expected to get error: %v; got %v", errBitmapNoUsableRegion, err)
		}
	})
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	alloc := BitmapAllocator{
		startFrame: pmm.Frame(0),
		endFrame:   pmm.Frame(127),
		totalPages: 128,
		freeBitmap: make([]uint64, 2),
	}

	lastFrame := pmm.Frame(alloc.totalPages)
	for frame := pmm.Frame(0); frame < lastFrame; frame++ {
		alloc.markFrame(frame, markReserved)

		block := uint64(frame / 64)
		bitIndex := 63 - uint64(frame%64)
		bitMask := uint64(1 << bitIndex)

		if alloc.freeBitmap[block]&bitMask != bitMask {
			t.Errorf("[frame %d] expected block[%d], bit %d to be set", frame, block, bitIndex)
		}

		alloc.markFrame(frame, markFree)

		if alloc.freeBitmap[block]&bitMask != 0 {
			t.Errorf("[frame %d] expected block[%d], bit %d to be unset", frame, block, bitIndex)
		}
	}

	// Calling markFrame with a frame outside the span should be a no-op.
	alloc.markFrame(pmm.Frame(0xbadf00d), markReserved)
	for blockIndex, block := range alloc.freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}
}

func TestBitmapAllocatorAllocFreeFrame(t *testing.T) {
	const total = 64
	alloc := BitmapAllocator{
		startFrame: pmm.Frame(10),
		endFrame:   pmm.Frame(10 + total - 1),
		totalPages: total,
		freeBitmap: make([]uint64, 1),
	}

	seen := make(map[pmm.Frame]bool)
	for i := 0; i < total; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if frame < alloc.startFrame || frame > alloc.endFrame {
			t.Fatalf("[alloc %d] frame %d out of managed span", i, frame)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %d allocated twice", i, frame)
		}
		seen[frame] = true
	}

	if _, err := alloc.AllocFrame(); err != errBitmapOutOfMemory {
		t.Fatalf("expected errBitmapOutOfMemory once the span is exhausted; got %v", err)
	}

	freed := alloc.startFrame + 5
	alloc.FreeFrame(freed)
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error after freeing a frame: %v", err)
	}
	if frame != freed {
		t.Fatalf("expected freed frame %d to be reallocated; got %d", freed, frame)
	}
}
