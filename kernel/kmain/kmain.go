// Package kmain implements the BSP-side bring-up sequence: it is the Go
// entry point the rt0 assembly calls into once the GDT is loaded and a
// minimal g0 stack is available.
package kmain

import (
	"gopheros-smp/apic"
	"gopheros-smp/console"
	"gopheros-smp/device"
	"gopheros-smp/device/acpi"
	"gopheros-smp/kernel"
	"gopheros-smp/kernel/cpu"
	"gopheros-smp/kernel/gate"
	"gopheros-smp/kernel/goruntime"
	"gopheros-smp/kernel/heap"
	"gopheros-smp/kernel/irq"
	"gopheros-smp/kernel/kfmt"
	"gopheros-smp/kernel/mem/pmm/allocator"
	"gopheros-smp/kernel/mem/vmm"
	"gopheros-smp/kernel/trap"
	"gopheros-smp/multiboot"
	"gopheros-smp/smp"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	consoleInitFn        = console.Init
	allocatorInitFn      = allocator.Init
	vmmInitFn            = vmm.Init
	goruntimeInitFn      = goruntime.Init
	heapInitFn           = heap.Init
	driverListFn         = device.DriverList
	gateInitFn           = gate.Init
	trapInitFn           = trap.Init
	madtLocalAPICBaseFn  = acpi.MADTLocalAPICBase
	apicInitBSPFn        = apic.InitBSP
	apicIDFn             = apic.ID
	enumerateCPUsFn      = acpi.EnumerateCPUs
	smpSetCPUsFn         = smp.SetCPUs
	smpCPUCountFn        = smp.CPUCount
	smpTrampolineSetupFn = smp.TrampolineSetup
	smpBootAPsFn         = smp.BootAPs
	trampolineBlobFn     = trampolineBlob
	apEntryAddrFn        = apEntryAddr
	panicFn              = kfmt.Panic
	bspHaltFn            = cpu.Halt
)

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// sequences console, PMM, VMM, heap, ACPI, IDT, APIC and SMP bring-up before
// handing off to whatever workload the build configures.
//
// The rt0 code passes the address of the multiboot info payload supplied by
// the boot loader and the physical addresses bounding the kernel image.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	consoleInitFn()
	kfmt.SetOutputSink(console.Device)

	var err *kernel.Error
	if err = allocatorInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err = vmmInitFn(0); err != nil {
		panicFn(err)
	}

	if err = goruntimeInitFn(); err != nil {
		panicFn(err)
	}

	if err = heapInitFn(allocator.AllocFrame); err != nil {
		panicFn(err)
	}

	if err = probeDrivers(); err != nil {
		panicFn(err)
	}

	gateInitFn()
	trapInitFn()

	bspAPICID, mmioBase, err := bringUpAPIC()
	if err != nil {
		panicFn(err)
	}

	if err = bringUpSMP(bspAPICID, mmioBase); err != nil {
		panicFn(err)
	}

	// The BSP brings up its own timer and interrupts the same way every
	// AP does in APEntry: once SMP bring-up has handed off the remaining
	// CPUs, the BSP starts its own periodic tick.
	timerStartPeriodicFn(uint8(irq.TimerIRQ), defaultTimerDivide, defaultTimerInitialCount)
	enableInterruptsFn()

	for {
		bspHaltFn()
	}
}

// probeDrivers runs every registered driver probe in detection order. The
// ACPI driver is expected to register itself; its absence surfaces later,
// when bringUpAPIC asks for the MADT it would have parsed.
func probeDrivers() *kernel.Error {
	for _, info := range driverListFn() {
		drv := info.Probe()
		if drv == nil {
			continue
		}
		if err := drv.DriverInit(); err != nil {
			return err
		}
	}

	return nil
}

// bringUpAPIC enables the Local APIC on the BSP and returns the BSP's own
// APIC ID together with the MMIO base MADT reports (used again by each AP).
func bringUpAPIC() (uint8, uintptr, *kernel.Error) {
	mmioBase, err := madtLocalAPICBaseFn()
	if err != nil {
		return 0, 0, err
	}

	if err := apicInitBSPFn(mmioBase); err != nil {
		return 0, 0, err
	}

	sharedMMIOBase = mmioBase
	return uint8(apicIDFn()), mmioBase, nil
}

// bringUpSMP enumerates the CPUs ACPI discovered, populates the CPU table
// and brings every AP online, one at a time. mmioBase is unused on the BSP
// side; each AP re-identity-maps it for itself via apic.InitAP.
func bringUpSMP(bspAPICID uint8, _ uintptr) *kernel.Error {
	cpus, err := enumerateCPUsFn()
	if err != nil {
		return err
	}

	if err := smpSetCPUsFn(cpus, bspAPICID); err != nil {
		return err
	}

	if smpCPUCountFn() <= 1 {
		return nil
	}

	stacks := make([][]byte, smpCPUCountFn())
	for i := range stacks {
		stacks[i] = make([]byte, smp.APStackSize)
	}

	smpTrampolineSetupFn(trampolineBlobFn(), apEntryAddrFn())
	smpBootAPsFn(bspAPICID, stacks)
	return nil
}
