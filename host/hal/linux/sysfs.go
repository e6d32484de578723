//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/mschost/host/hal"
)

// =============================================================================
// USB Device Information
// =============================================================================

// Info describes a USB device discovered via sysfs.
type Info struct {
	Name          string    // sysfs name, e.g. "1-1.2"
	Bus           uint8     // Bus number
	Dev           uint8     // Device number on the bus
	VendorID      uint16    // idVendor
	ProductID     uint16    // idProduct
	DeviceClass   uint8     // bDeviceClass
	Configuration uint8     // Active bConfigurationValue, 0 if unconfigured
	Speed         hal.Speed // Bus speed
	Manufacturer  string
	Product       string
	Serial        string

	Interfaces []InterfaceInfo
}

// InterfaceInfo describes one interface of the active configuration.
type InterfaceInfo struct {
	Number   uint8  // bInterfaceNumber
	Class    uint8  // bInterfaceClass
	SubClass uint8  // bInterfaceSubClass
	Protocol uint8  // bInterfaceProtocol
	Driver   string // Bound kernel driver, empty if none
}

// DevfsPath returns the device node path below root.
func (i *Info) DevfsPath(root string) string {
	return formatDevfsPath(root, i.Bus, i.Dev)
}

// HasMassStorage reports whether the device has a mass-storage interface.
func (i *Info) HasMassStorage() bool {
	for _, iface := range i.Interfaces {
		if iface.Class == ClassMassStorage {
			return true
		}
	}
	return false
}

func (i *Info) String() string {
	return fmt.Sprintf("%03d/%03d %04x:%04x %s", i.Bus, i.Dev, i.VendorID, i.ProductID, i.Speed)
}

// MassStorageOnly is the default device filter.
func MassStorageOnly(i *Info) bool {
	return i.HasMassStorage()
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// Scan lists the USB devices below the sysfs root (normally [SysfsUSBPath]).
// Root hubs and interface entries are skipped, as are entries that cannot
// be parsed.
func Scan(root string) ([]Info, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []Info
	for _, entry := range entries {
		name := entry.Name()

		// Devices are named "1-1", "1-1.2"; "usb1" is a root hub and
		// "1-1:1.0" an interface.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseDevice(root, name)
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// lookup finds the device with the given bus and device numbers.
func lookup(root string, bus, dev uint8) (Info, bool) {
	devices, err := Scan(root)
	if err != nil {
		return Info{}, false
	}
	for _, d := range devices {
		if d.Bus == bus && d.Dev == dev {
			return d, true
		}
	}
	return Info{}, false
}

// parseDevice reads the attributes of one device directory.
func parseDevice(root, name string) (Info, error) {
	path := filepath.Join(root, name)
	info := Info{Name: name}

	var err error
	if info.Bus, err = readSysfsUint8(filepath.Join(path, "busnum")); err != nil {
		return info, err
	}
	if info.Dev, err = readSysfsUint8(filepath.Join(path, "devnum")); err != nil {
		return info, err
	}

	info.VendorID, _ = readSysfsHexUint16(filepath.Join(path, "idVendor"))
	info.ProductID, _ = readSysfsHexUint16(filepath.Join(path, "idProduct"))
	info.DeviceClass, _ = readSysfsHexUint8(filepath.Join(path, "bDeviceClass"))
	info.Configuration, _ = readSysfsUint8(filepath.Join(path, "bConfigurationValue"))
	if s, err := readSysfsString(filepath.Join(path, "speed")); err == nil {
		info.Speed = parseSpeed(s)
	}
	info.Manufacturer, _ = readSysfsString(filepath.Join(path, "manufacturer"))
	info.Product, _ = readSysfsString(filepath.Join(path, "product"))
	info.Serial, _ = readSysfsString(filepath.Join(path, "serial"))

	info.Interfaces = scanInterfaces(path, name)
	return info, nil
}

// scanInterfaces reads the interface directories ("1-1:1.0") of a device.
func scanInterfaces(path, name string) []InterfaceInfo {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}

	var interfaces []InterfaceInfo
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), name+":") {
			continue
		}
		ifacePath := filepath.Join(path, entry.Name())

		number, err := readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceNumber"))
		if err != nil {
			continue
		}
		iface := InterfaceInfo{Number: number}
		iface.Class, _ = readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceClass"))
		iface.SubClass, _ = readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceSubClass"))
		iface.Protocol, _ = readSysfsHexUint8(filepath.Join(ifacePath, "bInterfaceProtocol"))
		if target, err := os.Readlink(filepath.Join(ifacePath, "driver")); err == nil {
			iface.Driver = filepath.Base(target)
		}
		interfaces = append(interfaces, iface)
	}
	return interfaces
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func readSysfsHexUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	return uint8(v), err
}

func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	return uint16(v), err
}

// =============================================================================
// Path Helpers
// =============================================================================

// formatDevfsPath returns root/BBB/DDD with zero-padded numbers.
func formatDevfsPath(root string, bus, dev uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", root, bus, dev)
}

// devfsNode classifies a path below the devfs root.
type devfsNode uint8

const (
	nodeOther  devfsNode = iota // Not a USB path
	nodeBus                     // root/BBB
	nodeDevice                  // root/BBB/DDD
)

// parseDevfsPath extracts the bus and device numbers from a path below root.
func parseDevfsPath(root, path string) (bus, dev uint8, kind devfsNode) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, 0, nodeOther
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	b, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || b == 0 {
		return 0, 0, nodeOther
	}
	switch len(parts) {
	case 1:
		return uint8(b), 0, nodeBus
	case 2:
		d, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil || d == 0 {
			return 0, 0, nodeOther
		}
		return uint8(b), uint8(d), nodeDevice
	default:
		return 0, 0, nodeOther
	}
}

// =============================================================================
// Speed Parsing
// =============================================================================

// parseSpeed converts a sysfs speed string (Mbit/s) to a hal.Speed value.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}

// kernelSpeed converts a USBDEVFS_GET_SPEED result to a hal.Speed value.
func kernelSpeed(v int) hal.Speed {
	switch v {
	case kernelSpeedLow:
		return hal.SpeedLow
	case kernelSpeedFull:
		return hal.SpeedFull
	case kernelSpeedHigh:
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}
