package heap

import (
	"gopheros-smp/kernel"
	"gopheros-smp/kernel/mem"
	"gopheros-smp/kernel/mem/pmm"
	"gopheros-smp/kernel/mem/vmm"
	"testing"
)

func resetState() {
	windowStart, windowEnd, nextFree = 0, 0, 0
}

func TestInit(t *testing.T) {
	defer func() {
		reserveRegionFn = vmm.EarlyReserveRegion
		mapFn = vmm.Map
		resetState()
	}()

	reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) {
		return 0x1000, nil
	}

	mapCalls := 0
	mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapCalls++
		return nil
	}

	allocCalls := 0
	allocFn := func() (pmm.Frame, *kernel.Error) {
		allocCalls++
		return pmm.Frame(allocCalls), nil
	}

	if err := Init(allocFn); err != nil {
		t.Fatal(err)
	}

	expPages := int(windowSize >> mem.PageShift)
	if mapCalls != expPages || allocCalls != expPages {
		t.Fatalf("expected %d pages to be mapped; mapCalls=%d allocCalls=%d", expPages, mapCalls, allocCalls)
	}

	if windowStart != 0x1000 {
		t.Fatalf("expected windowStart to be 0x1000; got %x", windowStart)
	}
}

func TestInitErrors(t *testing.T) {
	defer func() {
		reserveRegionFn = vmm.EarlyReserveRegion
		mapFn = vmm.Map
		resetState()
	}()

	expErr := &kernel.Error{Module: "test", Message: "boom"}

	t.Run("reserve fails", func(t *testing.T) {
		reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) { return 0, expErr }
		if err := Init(func() (pmm.Frame, *kernel.Error) { return 0, nil }); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) { return 0x1000, nil }
		if err := Init(func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("map fails", func(t *testing.T) {
		reserveRegionFn = func(_ mem.Size) (uintptr, *kernel.Error) { return 0x1000, nil }
		mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error { return expErr }
		if err := Init(func() (pmm.Frame, *kernel.Error) { return 1, nil }); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})
}

func TestKmallocBumpsAndAligns(t *testing.T) {
	defer resetState()

	windowStart, nextFree = 0x2000, 0x2000
	windowEnd = windowStart + uintptr(windowSize)

	addr1, err := Kmalloc(3)
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != 0x2000 {
		t.Fatalf("expected first allocation at 0x2000; got %x", addr1)
	}

	addr2, err := Kmalloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != 0x2000+allocAlignment {
		t.Fatalf("expected second allocation to be aligned past the first; got %x", addr2)
	}
}

func TestKmallocNotInitialized(t *testing.T) {
	defer resetState()
	resetState()

	if _, err := Kmalloc(1); err != errHeapNotInitialized {
		t.Fatalf("expected errHeapNotInitialized; got %v", err)
	}
}

func TestKmallocOutOfMemory(t *testing.T) {
	defer resetState()

	windowStart = 0x3000
	windowEnd = windowStart + 32
	nextFree = windowStart

	if _, err := Kmalloc(64); err != errHeapOutOfMemory {
		t.Fatalf("expected errHeapOutOfMemory; got %v", err)
	}
}

func TestKfreeIsNoop(t *testing.T) {
	Kfree(0x1234)
}
