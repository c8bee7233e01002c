// Package smp brings additional CPUs online through the INIT-SIPI-SIPI
// sequence described by the Intel MP specification. The real-mode
// trampoline's byte layout lives outside this package (kmain hands it to
// TrampolineSetup as an opaque blob); smp only knows the three 64-bit patch
// slots at the end of that blob and the ordering rules for sending IPIs.
package smp

import (
	"gopheros-smp/apic"
	"gopheros-smp/device/acpi"
	"gopheros-smp/kernel"
	"gopheros-smp/kernel/cpu"
	"sync/atomic"
	"unsafe"
)

// State describes where an AP is in the boot state machine.
type State uint8

const (
	StateAbsent State = iota
	StateInitSent
	StateStartupSent
	StateRunning
	StateOnline
)

// CPU describes one entry in the kernel's CPU table.
type CPU struct {
	Index    int
	APICID   uint8
	State    State
	StackTop uintptr
}

const (
	// TrampolineAddr is the fixed physical address the trampoline blob is
	// copied to; it doubles as the SIPI target page (0x8000 >> 12 = 0x08).
	TrampolineAddr = uintptr(0x8000)

	// SIPIVector is the vector encoded in the STARTUP IPI, derived from
	// TrampolineAddr.
	SIPIVector = uint8(TrampolineAddr >> 12)

	// APStackSize is the stack allocated to each AP.
	APStackSize = 8192

	// Patch slot offsets relative to the end of the trampoline blob: the
	// blob's last 24 bytes are three 64-bit fields the BSP fills in
	// before sending SIPIs.
	patchOffsetCR3      = -24
	patchOffsetStackTop = -16
	patchOffsetEntry    = -8
)

var (
	cpus     [cpu.MaxCPUs]CPU
	cpuCount int

	// cpusOnline is incremented by each AP as it reaches steady state; the
	// pre-increment value is used as that AP's table index.
	cpusOnline uint32

	// trampolineBase is the address TrampolineSetup copies the blob to
	// and patchSlot writes through. It defaults to TrampolineAddr but is
	// overridden by tests so they can patch an ordinary Go byte slice
	// instead of dereferencing low physical memory.
	trampolineBase = TrampolineAddr

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	sendIPIFn   = apic.SendIPI
	wbinvdFn    = cpu.Wbinvd
	activePDTFn = cpu.ActivePDT
	sleepFn     = busySleepMicros

	errTooManyCPUs = &kernel.Error{Module: "smp", Message: "cpu count exceeds MaxCPUs"}
)

// busySleepMicros is a calibration-free busy wait; exact timing accuracy is
// not required, only that it blocks for at least the requested duration.
func busySleepMicros(us uint32) {
	start := cpu.ReadTSC()
	// Assume a TSC rate of at most 10GHz so the wait never returns early on
	// any clock up to that rate; real accuracy is not required here, only
	// a lower bound on elapsed time.
	cycles := uint64(us) * 10000
	for cpu.ReadTSC()-start < cycles {
		cpu.Pause()
	}
}

// trampolineLen records the length of the blob passed to the most recent
// TrampolineSetup call, so later patches (the per-AP stack-top slot) can
// locate the patch region without the caller re-supplying the blob.
var trampolineLen int

// TrampolineSetup copies the trampoline blob to TrampolineAddr and writes
// the CR3 and AP-entry patch slots. apEntry is the physical address the
// trampoline jumps to once the AP reaches long mode.
func TrampolineSetup(blob []byte, apEntry uintptr) {
	dest := (*[1 << 16]byte)(unsafe.Pointer(trampolineBase))[:len(blob):len(blob)]
	copy(dest, blob)
	trampolineLen = len(blob)

	patchSlot(patchOffsetCR3, uint64(activePDTFn()))
	patchSlot(patchOffsetStackTop, 0)
	patchSlot(patchOffsetEntry, uint64(apEntry))

	wbinvdFn()
}

// patchSlot writes a 64-bit value into the trampoline image at
// TrampolineAddr+trampolineLen+offset, where offset is negative and
// measured from the end of the blob.
func patchSlot(offset int, value uint64) {
	addr := trampolineBase + uintptr(trampolineLen) + uintptr(offset)
	*(*uint64)(unsafe.Pointer(addr)) = value
}

// SetCPUs populates the CPU table from the enumeration reported by ACPI.
// The BSP's own entry (matched by bspAPICID) is marked online immediately.
func SetCPUs(enumerated []acpi.CPUInfo, bspAPICID uint8) *kernel.Error {
	cpuCount = 0
	for _, c := range enumerated {
		if !c.Enabled {
			continue
		}
		if cpuCount >= cpu.MaxCPUs {
			return errTooManyCPUs
		}

		state := StateAbsent
		if c.APICID == bspAPICID {
			state = StateOnline
		}

		cpus[cpuCount] = CPU{Index: cpuCount, APICID: c.APICID, State: state}
		cpuCount++
	}

	atomic.StoreUint32(&cpusOnline, 1)
	return nil
}

// CPUCount returns the number of enabled CPUs discovered via SetCPUs.
func CPUCount() int {
	return cpuCount
}

// CPUTable returns the slice of populated CPU table entries.
func CPUTable() []CPU {
	return cpus[:cpuCount]
}

// BootAPs brings up every non-BSP CPU in the table, one at a time: each AP
// is fully taken through INIT-SIPI-SIPI and observed online (or timed out)
// before the next AP's sequence begins.
func BootAPs(bspAPICID uint8, stacks [][]byte) {
	for i := range cpus[:cpuCount] {
		c := &cpus[i]
		if c.APICID == bspAPICID {
			continue
		}

		c.StackTop = uintptr(unsafe.Pointer(&stacks[i][len(stacks[i])-1])) + 1
		patchSlot(patchOffsetStackTop, uint64(c.StackTop))
		wbinvdFn()

		initial := atomic.LoadUint32(&cpusOnline)
		c.State = StateInitSent
		sendIPIFn(c.APICID, apic.DeliveryInit|apic.Assert|apic.TriggerLevel)
		sleepFn(10000)

		sendIPIFn(c.APICID, apic.DeliveryInit|apic.TriggerLevel)
		sleepFn(200)

		c.State = StateStartupSent
		sendIPIFn(c.APICID, apic.DeliveryStartup|uint32(SIPIVector))
		sleepFn(200)
		sendIPIFn(c.APICID, apic.DeliveryStartup|uint32(SIPIVector))
		sleepFn(10000)

		waitOnline(c, initial, 1000)
	}
}

// waitOnline polls cpusOnline for up to timeoutMs milliseconds, looking for
// an increase over initial, its value when this AP's sequence started.
func waitOnline(c *CPU, initial uint32, timeoutMs int) {
	for timeout := timeoutMs; timeout > 0; timeout-- {
		if atomic.LoadUint32(&cpusOnline) != initial {
			c.State = StateOnline
			return
		}
		sleepFn(1000)
	}
	c.State = StateRunning
}

// APOnline is called by an AP once it reaches steady state. It returns the
// AP's table index, obtained by atomically incrementing cpusOnline.
func APOnline() int {
	idx := int(atomic.AddUint32(&cpusOnline, 1) - 1)
	if idx < cpuCount {
		cpus[idx].State = StateOnline
	}
	return idx
}
