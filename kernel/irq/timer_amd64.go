package irq

import "gopheros-smp/kernel/gate"

// IRQNum identifies a hardware interrupt vector. Vectors below 32 are
// reserved for CPU exceptions (see ExceptionNum); IRQNum values start past
// that range once the PIC/APIC has been reprogrammed to remap legacy IRQs.
type IRQNum uint8

const (
	// TimerIRQ is the vector the APIC driver programs a CPU's timer LVT
	// entry to fire on.
	TimerIRQ = IRQNum(32)
)

// IRQHandler handles a hardware interrupt routed through the IDT.
type IRQHandler func(*Frame, *Regs)

var (
	irqHandlers [256]IRQHandler

	// handleInterruptFn is mocked by tests and is automatically inlined
	// by the compiler.
	handleInterruptFn = gate.HandleInterrupt
)

// HandleIRQ registers handler as the target for irqNum, installing the
// backing IDT gate via the gate package.
func HandleIRQ(irqNum IRQNum, handler IRQHandler) {
	irqHandlers[irqNum] = handler
	handleInterruptFn(gate.InterruptNumber(irqNum), 0, dispatchIRQ(irqNum))
}

// dispatchIRQ adapts a gate.Registers snapshot to the Frame/Regs pair used
// by the rest of the irq package and invokes the handler registered for
// irqNum, if any.
func dispatchIRQ(irqNum IRQNum) func(*gate.Registers) {
	return func(gregs *gate.Registers) {
		handler := irqHandlers[irqNum]
		if handler == nil {
			return
		}

		regs := Regs{
			RAX: gregs.RAX, RBX: gregs.RBX, RCX: gregs.RCX, RDX: gregs.RDX,
			RSI: gregs.RSI, RDI: gregs.RDI, RBP: gregs.RBP,
			R8: gregs.R8, R9: gregs.R9, R10: gregs.R10, R11: gregs.R11,
			R12: gregs.R12, R13: gregs.R13, R14: gregs.R14, R15: gregs.R15,
		}
		frame := Frame{
			RIP: gregs.RIP, CS: gregs.CS, RFlags: gregs.RFlags, RSP: gregs.RSP, SS: gregs.SS,
		}

		handler(&frame, &regs)

		gregs.RAX, gregs.RBX, gregs.RCX, gregs.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
		gregs.RSI, gregs.RDI, gregs.RBP = regs.RSI, regs.RDI, regs.RBP
		gregs.R8, gregs.R9, gregs.R10, gregs.R11 = regs.R8, regs.R9, regs.R10, regs.R11
		gregs.R12, gregs.R13, gregs.R14, gregs.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	}
}
