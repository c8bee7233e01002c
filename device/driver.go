package device

import "gopheros-smp/kernel"

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}

// ProbeFn is a function that attempts to detect a particular piece of
// hardware. It returns a Driver instance if the probe was successful or nil
// otherwise.
type ProbeFn func() Driver

// Detection order constants control the order in which registered probe
// functions run. Drivers that other drivers depend on (e.g. ACPI, which
// exposes the APIC and MADT tables that the SMP bootstrap code needs) use a
// lower value so they run first.
const (
	// DetectOrderEarly is used by drivers that must be probed before
	// anything else, such as the ACPI RSDP scan.
	DetectOrderEarly = iota

	// DetectOrderBeforeACPI is used by drivers that must run before the
	// ACPI driver but after the early detection pass.
	DetectOrderBeforeACPI

	// DetectOrderACPI is used by the ACPI driver itself.
	DetectOrderACPI

	// DetectOrderLast is used by drivers that must be probed after
	// everything else.
	DetectOrderLast
)

// DriverInfo describes a registered driver probe and the order in which it
// should run relative to other registered probes.
type DriverInfo struct {
	// Order controls when this probe runs relative to other registered
	// probes. Lower values run first.
	Order int

	// Probe attempts to detect the hardware this driver supports.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// registeredDrivers holds the list of driver probes registered via
// RegisterDriver. Drivers register themselves from an init() function.
var registeredDrivers DriverInfoList

// RegisterDriver appends info to the list of registered driver probes.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered driver probes.
func DriverList() DriverInfoList {
	return registeredDrivers
}
