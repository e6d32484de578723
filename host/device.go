package host

import (
	"sync"

	"github.com/ardnew/mschost/host/hal"
)

// Device represents an attached USB device from the host's perspective.
// A Device is owned by the [Session] that enumerates it; accessors are safe
// for concurrent use.
type Device struct {
	port    int
	address hal.DeviceAddress
	speed   hal.Speed

	// Device descriptor
	descriptor DeviceDescriptor

	// Configuration descriptor (current)
	config ConfigurationDescriptor

	// Interfaces of the current configuration
	interfaces []Interface

	// Index into interfaces of the mass-storage interface, -1 if none
	storage int

	// Highest LUN index reported by GET_MAX_LUN
	maxLUN uint8

	manufacturer string
	product      string
	serial       string

	status ConnectionStatus
	mutex  sync.RWMutex
}

// newDevice creates a new device instance answering at address 0.
func newDevice(port int) *Device {
	return &Device{
		port:    port,
		storage: -1,
		status:  StatusAttached,
	}
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// VendorID returns the vendor ID.
func (d *Device) VendorID() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.descriptor.VendorID
}

// ProductID returns the product ID.
func (d *Device) ProductID() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.descriptor
}

// Configuration returns the current configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.config
}

// Interfaces returns the interfaces of the current configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []Interface {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.interfaces
}

// StorageInterface returns the SCSI/BOT mass-storage interface, or nil if
// the device has none.
func (d *Device) StorageInterface() *Interface {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.storage < 0 {
		return nil
	}
	return &d.interfaces[d.storage]
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for i := range d.interfaces {
		for k := range d.interfaces[i].Endpoints {
			if d.interfaces[i].Endpoints[k].EndpointAddress == address {
				return &d.interfaces[i].Endpoints[k]
			}
		}
	}
	return nil
}

// MaxLUN returns the highest LUN index reported by the device.
func (d *Device) MaxLUN() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.maxLUN
}

// Manufacturer returns the manufacturer string, empty if unavailable.
func (d *Device) Manufacturer() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.manufacturer
}

// Product returns the product string, empty if unavailable.
func (d *Device) Product() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.product
}

// SerialNumber returns the serial number string, empty if unavailable.
func (d *Device) SerialNumber() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.serial
}

// Status returns the connection status.
func (d *Device) Status() ConnectionStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.status
}

func (d *Device) setStatus(s ConnectionStatus) {
	d.mutex.Lock()
	d.status = s
	d.mutex.Unlock()
}

func (d *Device) setSpeed(s hal.Speed) {
	d.mutex.Lock()
	d.speed = s
	d.mutex.Unlock()
}

func (d *Device) setAddress(addr hal.DeviceAddress) {
	d.mutex.Lock()
	d.address = addr
	d.status = StatusAddressed
	d.mutex.Unlock()
}

func (d *Device) setDescriptor(desc DeviceDescriptor) {
	d.mutex.Lock()
	d.descriptor = desc
	d.mutex.Unlock()
}

func (d *Device) setConfiguration(config ConfigurationDescriptor, ifaces []Interface, storage int) {
	d.mutex.Lock()
	d.config = config
	d.interfaces = ifaces
	d.storage = storage
	d.mutex.Unlock()
}

func (d *Device) setStrings(manufacturer, product, serial string) {
	d.mutex.Lock()
	d.manufacturer = manufacturer
	d.product = product
	d.serial = serial
	d.mutex.Unlock()
}

func (d *Device) setConfigured(maxLUN uint8) {
	d.mutex.Lock()
	d.maxLUN = maxLUN
	d.status = StatusConfigured
	d.mutex.Unlock()
}

// selectStorageInterface returns the index of the first SCSI/BOT interface, or -1.
func selectStorageInterface(ifaces []Interface) int {
	for i := range ifaces {
		if ifaces[i].Descriptor.IsMassStorageBOT() {
			return i
		}
	}
	return -1
}
