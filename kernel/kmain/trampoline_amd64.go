package kmain

// trampolineBlob returns the real-mode AP trampoline image embedded by the
// linker. Its internal byte layout (16-bit entry, mode switch to long mode)
// is supplied by hand-written assembly and is out of scope here; kmain only
// needs the finished blob to hand to smp.TrampolineSetup.
func trampolineBlob() []byte

// apEntryAddr returns the physical address the trampoline jumps to once an
// AP reaches long mode, i.e. the AP-side counterpart of Kmain.
func apEntryAddr() uintptr
