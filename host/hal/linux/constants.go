package linux

import "time"

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// =============================================================================
// Limits and Defaults
// =============================================================================

// DefaultMaxPorts is the number of virtual root ports. Each opened device
// occupies one port until it is removed.
const DefaultMaxPorts = 16

// DefaultSettleDelay is the wait between a device node appearing and the
// controller opening it, giving udev time to apply permissions.
const DefaultSettleDelay = 250 * time.Millisecond

// DefaultTransferTimeout bounds a usbfs transfer when the caller's context
// carries no deadline. usbfs treats zero as "wait forever".
const DefaultTransferTimeout = 5 * time.Second

// ClassMassStorage is the USB mass-storage interface class.
const ClassMassStorage = 0x08

// =============================================================================
// Kernel Speed Values
// =============================================================================

// USB device speeds as returned by USBDEVFS_GET_SPEED (enum usb_device_speed).
const (
	kernelSpeedUnknown = 0
	kernelSpeedLow     = 1
	kernelSpeedFull    = 2
	kernelSpeedHigh    = 3
)
