// Package trap wires the high-level exception and timer-tick semantics on
// top of the raw IDT plumbing exposed by gate and irq: it decides, given a
// vector and register snapshot, whether to log and continue or halt the CPU,
// and it services the per-CPU timer interrupt.
package trap

import (
	"gopheros-smp/apic"
	"gopheros-smp/kernel/cpu"
	"gopheros-smp/kernel/gate"
	"gopheros-smp/kernel/irq"
	"gopheros-smp/kernel/kfmt"
	"sync/atomic"
)

const (
	// BreakpointVector is raised by the INT3 instruction.
	BreakpointVector = gate.InterruptNumber(3)

	// SpuriousVector is the vector the Local APIC delivers when an
	// interrupt is withdrawn before it could be serviced.
	SpuriousVector = gate.InterruptNumber(255)
)

var (
	// exceptionCount is incremented for every exception that reaches
	// handleVector, including breakpoints and spurious interrupts.
	exceptionCount uint64

	// timerTicks counts timer interrupts per CPU, indexed by Local APIC
	// ID. Entries beyond cpu.MaxCPUs are dropped rather than recorded.
	timerTicks [cpu.MaxCPUs]uint32

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleInterruptFn = gate.HandleInterrupt
	handleIRQFn       = irq.HandleIRQ
	apicIDFn          = apic.ID
	apicEOIFn         = apic.EOI
	haltFn            = cpu.Halt
)

// lastCPUExceptionVector is the highest vector number the architecture
// reserves for CPU-generated exceptions (0-31); everything in that range
// installIDT leaves non-present would otherwise double-fault if it ever
// fired, including vectors with no named gate constant (Debug, the legacy
// coprocessor-segment-overrun slot, and the reserved/future vectors).
const lastCPUExceptionVector = 31

// unhandledVectors lists the exception vectors trap installs its own generic
// handler for: every vector in 0-31 except GPFException and
// PageFaultException, which the VMM registers dedicated handlers for via
// irq.HandleExceptionWithCode, plus the Local APIC's spurious vector.
var unhandledVectors = buildUnhandledVectors()

func buildUnhandledVectors() []gate.InterruptNumber {
	vectors := make([]gate.InterruptNumber, 0, lastCPUExceptionVector+2)
	for v := gate.InterruptNumber(0); v <= lastCPUExceptionVector; v++ {
		if v == gate.GPFException || v == gate.PageFaultException {
			continue
		}
		vectors = append(vectors, v)
	}
	return append(vectors, SpuriousVector)
}

// Init installs the generic exception handlers and the timer IRQ handler.
// It does not call gate.Init/lidt; that happens once per CPU, independently,
// as part of the BSP/AP bring-up sequence.
func Init() {
	for _, vec := range unhandledVectors {
		v := vec
		handleInterruptFn(v, 0, func(r *gate.Registers) { handleVector(v, r) })
	}

	handleIRQFn(irq.TimerIRQ, handleTimerTick)
}

// handleVector implements the common high-level exception policy: every
// vector increments the exception counter. Breakpoints and spurious
// interrupts are reported and return normally; every other vector is fatal.
func handleVector(vec gate.InterruptNumber, r *gate.Registers) {
	atomic.AddUint64(&exceptionCount, 1)

	switch vec {
	case BreakpointVector:
		kfmt.Printf("trap: breakpoint at 0x%16x\n", r.RIP)
		return
	case SpuriousVector:
		kfmt.Printf("trap: spurious interrupt\n")
		return
	}

	kfmt.Printf("trap: fatal exception %d (code=0x%x) at 0x%16x\n", vec, r.Info, r.RIP)
	r.DumpTo(sinkWriter{})
	haltFn()
}

// handleTimerTick services the per-CPU APIC timer interrupt: it reads the
// calling CPU's Local APIC ID, increments that CPU's tick counter and
// signals end-of-interrupt.
func handleTimerTick(_ *irq.Frame, _ *irq.Regs) {
	id := apicIDFn()
	if id < cpu.MaxCPUs {
		atomic.AddUint32(&timerTicks[id], 1)
	}
	apicEOIFn()
}

// sinkWriter adapts kfmt.Printf's active output sink to the io.Writer
// gate.Registers.DumpTo expects, since Printf's target is not itself
// exported.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// ExceptionCount returns the number of exceptions handled since boot.
func ExceptionCount() uint64 {
	return atomic.LoadUint64(&exceptionCount)
}

// TimerTicks returns the number of timer interrupts serviced by the CPU
// whose Local APIC ID is apicID.
func TimerTicks(apicID uint32) uint32 {
	if apicID >= cpu.MaxCPUs {
		return 0
	}
	return atomic.LoadUint32(&timerTicks[apicID])
}
