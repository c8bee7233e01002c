package acpi

import (
	"gopheros-smp/device"
	"gopheros-smp/device/acpi/table"
	"gopheros-smp/kernel"
	"gopheros-smp/kernel/cpu"
	"gopheros-smp/kernel/kfmt"
	"gopheros-smp/kernel/mem"
	"gopheros-smp/kernel/mem/pmm"
	"gopheros-smp/kernel/mem/vmm"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2

	madtSignature = "APIC"

	// madtLocalAPICFlagsOffset is the byte offset of the Flags field
	// within a packed MADT Local APIC entry, counted from the byte right
	// after the entry's Type/Length header (ProcessorID + APICID).
	madtLocalAPICFlagsOffset = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}
	errMissingMADT           = &kernel.Error{Module: "acpi", Message: "could not locate the MADT table"}
	errACPINotInitialized    = &kernel.Error{Module: "acpi", Message: "ACPI driver has not been initialized"}

	mapFn         = vmm.Map
	identityMapFn = vmm.IdentityMapRegion
	unmapFn       = vmm.Unmap

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"

	// activeDriver points at the acpiDriver instance that successfully
	// completed DriverInit. EnumerateCPUs and MADTLocalAPICBase use it to
	// serve lookups without requiring every caller to carry around a
	// *acpiDriver reference.
	activeDriver *acpiDriver
)

// CPUInfo describes a single processor entry found in the MADT.
type CPUInfo struct {
	// APICID is the Local APIC ID assigned to this processor.
	APICID uint8

	// Enabled is true if the processor can be started by the OS.
	Enabled bool
}

type acpiDriver struct {
	// rsdtAddr holds the address to the root system descriptor table.
	rsdtAddr uintptr

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	// The ACPI table map allows the driver to lookup an ACPI table header
	// by the table name. All tables included in this map are mapped into
	// memory.
	tableMap map[string]*table.SDTHeader
}

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit() *kernel.Error {
	if err := drv.enumerateTables(); err != nil {
		return err
	}

	drv.printTableInfo()
	activeDriver = drv
	return nil
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func (drv *acpiDriver) printTableInfo() {
	for name, header := range drv.tableMap {
		kfmt.Printf("%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateCPUs walks the MADT entries looking for type 0 (Local APIC)
// records and returns the Local APIC ID and enabled bit for each one found,
// up to cpu.MaxCPUs entries.
func (drv *acpiDriver) enumerateCPUs() ([]CPUInfo, *kernel.Error) {
	header, ok := drv.tableMap[madtSignature]
	if !ok {
		return nil, errMissingMADT
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	var (
		cpus           []CPUInfo
		entryHeaderLen = unsafe.Sizeof(table.MADTEntry{})
		curPtr         = uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
		endPtr         = uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)
	)

	for curPtr < endPtr && len(cpus) < cpu.MaxCPUs {
		entry := (*table.MADTEntry)(unsafe.Pointer(curPtr))
		if entry.Length == 0 {
			break
		}

		if entry.Type == table.MADTEntryTypeLocalAPIC {
			// The wire record is packed (ProcessorID, APICID, Flags with
			// no padding), but table.MADTEntryLocalAPIC is an ordinary Go
			// struct: the compiler aligns its uint32 Flags field to a
			// 4-byte boundary, inserting 2 bytes of padding after APICID
			// that the ACPI table itself does not have. Overlaying the Go
			// struct directly would read Flags two bytes downstream of
			// where it actually lives, so Flags is read at its true
			// packed offset instead.
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(curPtr + entryHeaderLen))
			flagsPtr := (*uint32)(unsafe.Pointer(curPtr + entryHeaderLen + madtLocalAPICFlagsOffset))
			cpus = append(cpus, CPUInfo{
				APICID:  lapic.APICID,
				Enabled: *flagsPtr&1 != 0,
			})
		}

		curPtr += uintptr(entry.Length)
	}

	return cpus, nil
}

// madtLocalAPICBase returns the physical address of the xAPIC MMIO register
// block reported by the MADT header.
func (drv *acpiDriver) madtLocalAPICBase() (uintptr, *kernel.Error) {
	header, ok := drv.tableMap[madtSignature]
	if !ok {
		return 0, errMissingMADT
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	return uintptr(madt.LocalControllerAddress), nil
}

// EnumerateCPUs returns the list of processors described by the MADT of the
// currently active ACPI driver.
func EnumerateCPUs() ([]CPUInfo, *kernel.Error) {
	if activeDriver == nil {
		return nil, errACPINotInitialized
	}

	return activeDriver.enumerateCPUs()
}

// MADTLocalAPICBase returns the physical address of the xAPIC MMIO register
// block reported by the MADT of the currently active ACPI driver.
func MADTLocalAPICBase() (uintptr, *kernel.Error) {
	if activeDriver == nil {
		return 0, errACPINotInitialized
	}

	return activeDriver.madtLocalAPICBase()
}

// enumerateTables detects and maps all ACPI tables that are present. Besides
// the table list defined by the RSDP, this method will also peek into the
// FADT (if found) looking for the address of DSDT.
func (drv *acpiDriver) enumerateTables() *kernel.Error {
	header, sizeofHeader, err := mapACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = mapACPITable(addr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Printf("%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		// The FADT allows us to lookup the DSDT table address
		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = mapACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Printf("%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}

	}

	return nil
}

// mapACPITable attempts to map and parse the header for the ACPI table starting
// at the given address. It then uses the length field for the header to expand
// the mapping to cover the table contents and verifies the checksum before
// returning a pointer to the table header.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	var headerPage vmm.Page

	// Identity-map the table header so we can access its length field
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	if headerPage, err = identityMapFn(pmm.FrameFromAddress(tableAddr), mem.Size(sizeofHeader), vmm.FlagPresent); err != nil {
		return nil, sizeofHeader, err
	}

	// Expand mapping to cover the table contents
	headerPageAddr := headerPage.Address() + vmm.PageOffset(tableAddr)
	header = (*table.SDTHeader)(unsafe.Pointer(headerPageAddr))
	if _, err = identityMapFn(pmm.FrameFromAddress(tableAddr), mem.Size(header.Length), vmm.FlagPresent); err != nil {
		return nil, sizeofHeader, err
	}

	if !validTable(headerPageAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT scans the memory region [rsdpLocationLow, rsdpLocationHi] looking
// for the signature of the root system descriptor pointer (RSDP). If the RSDP
// is found and is valid, locateRSDT returns the physical address of the root
// system descriptor table (RSDT) or the extended system descriptor table (XSDT)
// if the system supports ACPI 2.0+.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	var (
		rsdp  *table.RSDPDescriptor
		rsdp2 *table.ExtRSDPDescriptor
	)

	// Cleanup temporary identity mappings when the function returns
	defer func() {
		for curPage := vmm.PageFromAddress(rsdpLocationLow); curPage <= vmm.PageFromAddress(rsdpLocationHi); curPage++ {
			unmapFn(curPage)
		}
	}()

	// Setup temporary identity mapping so we can scan for the header
	for curPage := vmm.PageFromAddress(rsdpLocationLow); curPage <= vmm.PageFromAddress(rsdpLocationHi); curPage++ {
		if err := mapFn(curPage, pmm.Frame(curPage), vmm.FlagPresent); err != nil {
			return 0, false, err
		}
	}

	// The RSDP should be aligned on a 16-byte boundary
checkNextBlock:
	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		rsdp = (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return uintptr(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// which can be accessed at the same place.
		rsdp2 = (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
			continue
		}

		return uintptr(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForACPI,
	})
}
