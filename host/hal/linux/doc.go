// Package linux provides a USB host HAL for Linux built on usbfs.
//
// The controller discovers devices through sysfs (/sys/bus/usb/devices),
// opens their nodes under /dev/bus/usb and performs synchronous control and
// bulk transfers with the USBDEVFS_CONTROL and USBDEVFS_BULK ioctls. There
// is no cgo.
//
// # Requirements
//
// The user must have read/write access to the device nodes in
// /dev/bus/usb, either by running as root or through a udev rule such as:
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="1209", MODE="0666"
//
// # Addressing
//
// The kernel enumerates devices before user space sees them, so usbfs
// never exposes address 0. The controller maps each opened device to a
// virtual root port. After ResetPort the device answers at address 0 until
// SetDeviceAddress binds it to the address chosen by the host stack; no
// SET_ADDRESS request reaches the bus. SET_CONFIGURATION and
// CLEAR_FEATURE(ENDPOINT_HALT) are mapped to their dedicated ioctls so the
// kernel's view of the device stays consistent.
//
// # Hotplug
//
// Device nodes appearing and disappearing under /dev/bus/usb are watched
// with fsnotify. Only devices accepted by [Options.Filter] (by default,
// devices with a mass-storage interface) occupy a port.
//
// A transfer in progress cannot be interrupted by its context: the ioctl
// runs until the usbfs timeout, which is derived from the context deadline.
package linux
