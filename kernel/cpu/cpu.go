package cpu

// MaxCPUs bounds every statically sized per-CPU table in the kernel (the
// MADT Local APIC ID list, the online/ticks counters, the CPU table). It
// exists so none of those structures need to be heap-allocated.
const MaxCPUs = 32
