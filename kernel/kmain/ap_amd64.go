package kmain

import (
	"gopheros-smp/apic"
	"gopheros-smp/kernel/cpu"
	"gopheros-smp/kernel/irq"
	"gopheros-smp/smp"
)

// defaultTimerDivide and defaultTimerInitialCount are fixed timer
// calibration values; they are not derived from a measured TSC frequency.
const (
	defaultTimerDivide       = 0x3
	defaultTimerInitialCount = 0x00100000
)

// sharedMMIOBase is the xAPIC MMIO physical address discovered by the BSP,
// reused by every AP that enables its own Local APIC in xAPIC mode.
var sharedMMIOBase uintptr

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	apOnlineFn           = smp.APOnline
	apicInitAPFn         = apic.InitAP
	timerStartPeriodicFn = apic.TimerStartPeriodic
	enableInterruptsFn   = cpu.EnableInterrupts
	apHaltFn             = cpu.Halt
)

// APEntry is the Go-side counterpart of the trampoline's long-mode jump
// target: it is reached once an AP has switched to 64-bit mode and loaded
// its own copy of the recursive-self-map CR3 the BSP patched into the
// trampoline. It never returns.
//
//go:noinline
func APEntry() {
	apOnlineFn()

	gateInitFn()
	trapInitFn()

	if err := apicInitAPFn(sharedMMIOBase); err != nil {
		panicFn(err)
	}

	timerStartPeriodicFn(uint8(irq.TimerIRQ), defaultTimerDivide, defaultTimerInitialCount)

	enableInterruptsFn()

	for {
		apHaltFn()
	}
}
