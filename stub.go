package main

import "gopheros-smp/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away
// the real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the call and dropping Kmain from the generated object file.
// The rt0 assembly populates them before jumping into Go code; kernelStart
// and kernelEnd bound the identity-mapped kernel image so the PMM can mark
// those frames as reserved before handing any of them out.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
