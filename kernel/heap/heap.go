// Package heap implements a simple bump allocator used for kernel-internal
// allocations that do not fit the statically-sized tables the rest of the
// kernel prefers (e.g. per-CPU arrays). Freed memory is never reclaimed.
package heap

import (
	"gopheros-smp/kernel"
	"gopheros-smp/kernel/mem"
	"gopheros-smp/kernel/mem/vmm"
	"gopheros-smp/kernel/sync"
)

// windowSize bounds the virtual address range the bump allocator serves
// requests from. The window is fully backed by physical frames at Init time
// since it is not demand-paged.
const windowSize = 4 * mem.Mb

// allocAlignment is the alignment boundary every Kmalloc request is rounded
// up to.
const allocAlignment = 16

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	lock sync.Spinlock

	windowStart, windowEnd, nextFree uintptr

	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errHeapOutOfMemory    = &kernel.Error{Module: "heap", Message: "out of memory"}
)

// Init reserves and eagerly maps the heap's bump window, using allocFn to
// back every page in the window with a physical frame.
func Init(allocFn vmm.FrameAllocatorFn) *kernel.Error {
	start, err := reserveRegionFn(windowSize)
	if err != nil {
		return err
	}

	pageCount := windowSize >> mem.PageShift
	for page, i := vmm.PageFromAddress(start), mem.Size(0); i < pageCount; page, i = page+1, i+1 {
		frame, ferr := allocFn()
		if ferr != nil {
			return ferr
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	windowStart = start
	windowEnd = start + uintptr(windowSize)
	nextFree = start
	return nil
}

// Kmalloc reserves size bytes from the bump window, rounding the request up
// to allocAlignment. It returns the OOM error once the window is exhausted;
// the allocator never reclaims space past that point.
func Kmalloc(size mem.Size) (uintptr, *kernel.Error) {
	if windowStart == 0 {
		return 0, errHeapNotInitialized
	}

	lock.Acquire()
	defer lock.Release()

	aligned := (uintptr(size) + allocAlignment - 1) &^ (allocAlignment - 1)
	if nextFree+aligned > windowEnd || nextFree+aligned < nextFree {
		return 0, errHeapOutOfMemory
	}

	addr := nextFree
	nextFree += aligned
	return addr, nil
}

// Kfree is a documented no-op: the bump allocator never reclaims memory. A
// future allocator is expected to replace it.
func Kfree(_ uintptr) {}
