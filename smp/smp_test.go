package smp

import (
	"gopheros-smp/apic"
	"gopheros-smp/device/acpi"
	"gopheros-smp/kernel/cpu"
	"sync/atomic"
	"testing"
	"unsafe"
)

func resetState(t *testing.T) {
	cpus = [cpu.MaxCPUs]CPU{}
	cpuCount = 0
	cpusOnline = 0
	trampolineLen = 0

	buf := make([]byte, 256)
	trampolineBase = uintptr(unsafe.Pointer(&buf[0]))

	sendIPIFn = func(uint8, uint32) {}
	wbinvdFn = func() {}
	activePDTFn = func() uintptr { return 0x1000 }
	sleepFn = func(uint32) {}

	t.Cleanup(func() {
		trampolineBase = TrampolineAddr
		sendIPIFn = apic.SendIPI
		wbinvdFn = cpu.Wbinvd
		activePDTFn = cpu.ActivePDT
		sleepFn = busySleepMicros
	})
}

func TestTrampolineSetupPatchesSlots(t *testing.T) {
	resetState(t)

	blob := make([]byte, 64)
	for i := range blob {
		blob[i] = 0xAA
	}

	activePDTFn = func() uintptr { return 0xcafe000 }
	TrampolineSetup(blob, 0xdeadbeef)

	dest := (*[64]byte)(unsafe.Pointer(trampolineBase))[:]
	for i := 0; i < len(blob); i++ {
		if dest[i] != 0xAA {
			t.Fatalf("expected blob to be copied byte-for-byte at offset %d", i)
		}
	}

	readSlot := func(offset int) uint64 {
		addr := trampolineBase + uintptr(len(blob)) + uintptr(offset)
		return *(*uint64)(unsafe.Pointer(addr))
	}

	if got := readSlot(patchOffsetCR3); got != 0xcafe000 {
		t.Errorf("expected CR3 patch slot to be 0xcafe000; got %x", got)
	}
	if got := readSlot(patchOffsetEntry); got != 0xdeadbeef {
		t.Errorf("expected entry patch slot to be 0xdeadbeef; got %x", got)
	}
	if got := readSlot(patchOffsetStackTop); got != 0 {
		t.Errorf("expected stack-top patch slot to start at 0; got %x", got)
	}
}

func TestSetCPUsMarksBSPOnline(t *testing.T) {
	resetState(t)

	enumerated := []acpi.CPUInfo{
		{APICID: 0, Enabled: true},
		{APICID: 1, Enabled: true},
		{APICID: 2, Enabled: false},
		{APICID: 3, Enabled: true},
	}

	if err := SetCPUs(enumerated, 0); err != nil {
		t.Fatal(err)
	}

	if CPUCount() != 3 {
		t.Fatalf("expected 3 enabled CPUs; got %d", CPUCount())
	}

	table := CPUTable()
	if table[0].State != StateOnline {
		t.Errorf("expected BSP entry to be marked online")
	}
	if table[1].State != StateAbsent || table[2].State != StateAbsent {
		t.Errorf("expected AP entries to start absent")
	}
}

func TestSetCPUsTooManyCPUs(t *testing.T) {
	resetState(t)

	enumerated := make([]acpi.CPUInfo, cpu.MaxCPUs+1)
	for i := range enumerated {
		enumerated[i] = acpi.CPUInfo{APICID: uint8(i), Enabled: true}
	}

	if err := SetCPUs(enumerated, 0); err != errTooManyCPUs {
		t.Fatalf("expected errTooManyCPUs; got %v", err)
	}
}

func TestBootAPsSkipsBSPAndSerializesIPIs(t *testing.T) {
	resetState(t)

	if err := SetCPUs([]acpi.CPUInfo{
		{APICID: 0, Enabled: true},
		{APICID: 1, Enabled: true},
	}, 0); err != nil {
		t.Fatal(err)
	}

	blob := make([]byte, 32)
	TrampolineSetup(blob, 0x1234)

	var ipiTargets []uint8
	sendIPIFn = func(apicID uint8, flags uint32) { ipiTargets = append(ipiTargets, apicID) }

	atomic.StoreUint32(&cpusOnline, 1)
	go func() {
		atomic.AddUint32(&cpusOnline, 1)
	}()

	stacks := make([][]byte, CPUCount())
	for i := range stacks {
		stacks[i] = make([]byte, APStackSize)
	}

	BootAPs(0, stacks)

	for _, target := range ipiTargets {
		if target != 1 {
			t.Errorf("expected every IPI to target AP 1 (the only non-BSP CPU); got target %d", target)
		}
	}
	if len(ipiTargets) == 0 {
		t.Fatal("expected at least one IPI to be sent")
	}

	if cpus[1].StackTop == 0 {
		t.Error("expected AP 1's stack top to be patched")
	}
}

func TestAPOnlineAssignsIndex(t *testing.T) {
	resetState(t)

	if err := SetCPUs([]acpi.CPUInfo{
		{APICID: 0, Enabled: true},
		{APICID: 1, Enabled: true},
	}, 0); err != nil {
		t.Fatal(err)
	}

	atomic.StoreUint32(&cpusOnline, 1)

	idx := APOnline()
	if idx != 1 {
		t.Fatalf("expected the first AP to get index 1; got %d", idx)
	}
	if cpus[1].State != StateOnline {
		t.Error("expected APOnline to mark the CPU table entry online")
	}
}
