package allocator

import (
	"reflect"
	"unsafe"

	"gopheros-smp/kernel"
	"gopheros-smp/kernel/kfmt"
	"gopheros-smp/kernel/mem"
	"gopheros-smp/kernel/mem/pmm"
	"gopheros-smp/kernel/mem/vmm"
	"gopheros-smp/multiboot"
)

// maxManagedFrames caps the number of frames a single BitmapAllocator span
// can track, bounding the size of the bitmap reserved during setup. 1<<20
// frames is 4GiB worth of physical memory.
const maxManagedFrames = 1 << 20

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages once the kernel has left the
	// early boot allocation phase.
	FrameAllocator BitmapAllocator

	// The following functions are used by tests to mock calls to the vmm
	// package and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errBitmapNoUsableRegion = &kernel.Error{Module: "bitmap_alloc", Message: "no usable memory region found"}
	errBitmapOutOfMemory    = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations for a single contiguous span of physical memory using a
// bitmap. Unlike a per-region pool design, the allocator picks the single
// largest available memory region reported by the bootloader (capped at
// maxManagedFrames) and manages only that span.
type BitmapAllocator struct {
	// startFrame/endFrame bound the span of frames this allocator tracks.
	startFrame pmm.Frame
	endFrame   pmm.Frame

	// totalPages tracks the number of frames in the managed span.
	totalPages uint32

	// reservedPages tracks the number of reserved frames in the span.
	reservedPages uint32

	// nextFreeHint speeds up repeated allocations by remembering where
	// the last free frame was found.
	nextFreeHint uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// init allocates space for the allocator's bitmap using the early bootmem
// allocator, flags the frames used by the kernel and the early allocator as
// reserved and prints a summary of the resulting state.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupBitmap(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupBitmap selects the largest available memory region reported by the
// bootloader, reserves enough pages (via the early allocator) to hold the
// free-frame bitmap for that region and maps them into the allocator's
// address space.
func (alloc *BitmapAllocator) setupBitmap() *kernel.Error {
	var (
		err                *kernel.Error
		pageSizeMinus1     = uint64(mem.PageSize - 1)
		bestStart, bestEnd pmm.Frame
		bestPages          uint32
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		if regionEndFrame <= regionStartFrame {
			return true
		}

		pageCount := uint32(regionEndFrame-regionStartFrame) + 1
		if pageCount > bestPages {
			bestPages, bestStart, bestEnd = pageCount, regionStartFrame, regionEndFrame
		}
		return true
	})

	if bestPages == 0 {
		return errBitmapNoUsableRegion
	}

	if bestPages > maxManagedFrames {
		bestPages = maxManagedFrames
		bestEnd = bestStart + pmm.Frame(maxManagedFrames) - 1
	}

	alloc.startFrame = bestStart
	alloc.endFrame = bestEnd
	alloc.totalPages = bestPages

	requiredBitmapBytes := mem.Size(((uint64(bestPages) + 63) &^ 63) >> 3)
	requiredPages := (requiredBitmapBytes + mem.PageSize - 1) >> mem.PageShift

	var bitmapAddr uintptr
	if bitmapAddr, err = reserveRegionFn(requiredBitmapBytes); err != nil {
		return err
	}

	for page, index := vmm.PageFromAddress(bitmapAddr), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, ferr := earlyAllocFrame()
		if ferr != nil {
			return ferr
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, uintptr(mem.PageSize))
	}

	alloc.freeBitmapHdr.Len = int(requiredBitmapBytes >> 3)
	alloc.freeBitmapHdr.Cap = alloc.freeBitmapHdr.Len
	alloc.freeBitmapHdr.Data = bitmapAddr
	alloc.freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.freeBitmapHdr))

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame. Frames outside the managed span are
// silently ignored.
func (alloc *BitmapAllocator) markFrame(frame pmm.Frame, flag markAs) {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		return
	}

	relFrame := uint32(frame - alloc.startFrame)
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		if alloc.freeBitmap[block]&mask != 0 {
			alloc.freeBitmap[block] &^= mask
			alloc.reservedPages--
		}
	case markReserved:
		if alloc.freeBitmap[block]&mask == 0 {
			alloc.freeBitmap[block] |= mask
			alloc.reservedPages++
		}
	}
}

// isReserved reports whether frame is currently flagged as reserved.
func (alloc *BitmapAllocator) isReserved(frame pmm.Frame) bool {
	relFrame := uint32(frame - alloc.startFrame)
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.freeBitmap[block]&mask != 0
}

// AllocFrame reserves and returns the next available frame in the managed
// span, or an error if the span has no free frames left.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	total := uint32(alloc.endFrame - alloc.startFrame + 1)
	for i := uint32(0); i < total; i++ {
		candidate := (alloc.nextFreeHint + i) % total
		frame := alloc.startFrame + pmm.Frame(candidate)
		if !alloc.isReserved(frame) {
			alloc.markFrame(frame, markReserved)
			alloc.nextFreeHint = candidate + 1
			return frame, nil
		}
	}

	return pmm.InvalidFrame, errBitmapOutOfMemory
}

// FreeFrame releases a previously allocated frame back to the pool.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) {
	alloc.markFrame(frame, markFree)
}

// reserveKernelFrames flags the bitmap entries for the frames occupied by
// the kernel image as reserved.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames flags the bitmap entries for the frames
// already allocated by the early allocator as reserved. The early allocator
// only tracks a counter of allocated frames so its allocation requests are
// replayed against a reset copy of its state to recover the exact frame
// list.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.markFrame(frame, markReserved)
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// earlyAllocFrame is a helper that delegates a frame allocation request to
// the early allocator instance. This function is passed as an argument to
// vmm.SetFrameAllocator instead of earlyAllocator.AllocFrame directly, since
// the latter confuses the compiler's escape analysis into thinking that
// earlyAllocator.Frame escapes to the heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// AllocFrame reserves and returns the next available frame from the primary
// allocator. It is a convenience wrapper around FrameAllocator.AllocFrame
// for callers (such as the goruntime package) that only need a bare
// allocation function value.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// Init sets up the kernel's physical memory allocation subsystem: the early
// bootmem allocator first, followed by the bitmap allocator that takes over
// for the remainder of the kernel's lifetime.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	return FrameAllocator.init()
}
