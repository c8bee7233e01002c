package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outw writes a word to the given I/O port.
func Outw(port uint16, value uint16)

// Inw reads a word from the given I/O port.
func Inw(port uint16) uint16

// Outl writes a dword to the given I/O port.
func Outl(port uint16, value uint32)

// Inl reads a dword from the given I/O port.
func Inl(port uint16) uint32

// Rdmsr reads the 64-bit value of the model-specific register msr.
func Rdmsr(msr uint32) uint64

// Wrmsr writes a 64-bit value to the model-specific register msr.
func Wrmsr(msr uint32, value uint64)

// ReadTSC returns the current value of the timestamp counter.
func ReadTSC() uint64

// Wbinvd writes back and invalidates the CPU's internal caches.
func Wbinvd()

// Pause executes a spin-loop hint instruction. It should be used inside
// busy-wait loops to reduce power consumption and memory-order violation
// penalties on hyper-threaded cores.
func Pause()

// Invlpg invalidates the TLB entry for virtAddr. It is an alias of
// FlushTLBEntry kept for call-sites that mirror the instruction mnemonic.
func Invlpg(virtAddr uintptr) {
	FlushTLBEntry(virtAddr)
}
