package host

import (
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/mschost/pkg"
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// DeviceDescriptorPrefixSize is the number of leading device descriptor bytes
// that every device must return regardless of its endpoint 0 packet size.
const DeviceDescriptorPrefixSize = 8

// ParseDeviceDescriptor parses device descriptor from data.
// Returns false if data is too short or is not a device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ValidMaxPacketSize0 reports whether size is a legal bMaxPacketSize0.
func ValidMaxPacketSize0(size uint8) bool {
	switch size {
	case 8, 16, 32, 64:
		return true
	default:
		return false
	}
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
// Returns false if data is too short or is not a configuration descriptor.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// IsMassStorageBOT reports whether the interface speaks SCSI transparent
// commands over Bulk-Only Transport.
func (i *InterfaceDescriptor) IsMassStorageBOT() bool {
	return i.InterfaceClass == ClassMassStorage &&
		i.InterfaceSubClass == SubclassSCSI &&
		i.InterfaceProtocol == ProtocolBulkOnly
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&0x80 == EndpointDirectionIn
}

// IsOut returns true if this is an OUT endpoint.
func (e *EndpointDescriptor) IsOut() bool {
	return e.EndpointAddress&0x80 == EndpointDirectionOut
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// Interface is one interface of the active configuration together with the
// endpoints and class-specific descriptors that follow it.
type Interface struct {
	Descriptor       InterfaceDescriptor
	Endpoints        []EndpointDescriptor
	ClassDescriptors [][]byte
}

// BulkIn returns the first bulk IN endpoint of the interface, or nil.
func (i *Interface) BulkIn() *EndpointDescriptor {
	for k := range i.Endpoints {
		if i.Endpoints[k].IsBulk() && i.Endpoints[k].IsIn() {
			return &i.Endpoints[k]
		}
	}
	return nil
}

// BulkOut returns the first bulk OUT endpoint of the interface, or nil.
func (i *Interface) BulkOut() *EndpointDescriptor {
	for k := range i.Endpoints {
		if i.Endpoints[k].IsBulk() && i.Endpoints[k].IsOut() {
			return &i.Endpoints[k]
		}
	}
	return nil
}

// ParseConfigurationTree parses a complete configuration descriptor set
// (configuration header followed by interface, endpoint and class-specific
// descriptors). Only alternate setting 0 of each interface is retained.
func ParseConfigurationTree(data []byte) (ConfigurationDescriptor, []Interface, error) {
	var config ConfigurationDescriptor
	if len(data) < ConfigurationDescriptorSize {
		return config, nil, pkg.ErrDescriptorTooShort
	}
	if !ParseConfigurationDescriptor(data, &config) {
		return config, nil, pkg.ErrDescriptorTypeMismatch
	}
	if int(config.TotalLength) < ConfigurationDescriptorSize {
		return config, nil, fmt.Errorf("%w: wTotalLength %d", pkg.ErrDescriptorTooShort, config.TotalLength)
	}

	end := min(len(data), int(config.TotalLength))
	ifaces := make([]Interface, 0, config.NumInterfaces)
	current := -1
	skipping := false

	offset := int(config.Length)
	if offset < ConfigurationDescriptorSize {
		offset = ConfigurationDescriptorSize
	}
	for offset < end {
		if offset+2 > end {
			return config, nil, fmt.Errorf("%w: truncated header at offset %d", pkg.ErrDescriptorTooShort, offset)
		}
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > end {
			return config, nil, fmt.Errorf("%w: bLength %d at offset %d", pkg.ErrDescriptorTooShort, length, offset)
		}
		desc := data[offset : offset+length]

		switch descType {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if !ParseInterfaceDescriptor(desc, &iface) {
				return config, nil, fmt.Errorf("%w: interface descriptor", pkg.ErrDescriptorTooShort)
			}
			skipping = iface.AlternateSetting != 0
			if skipping {
				break
			}
			if len(ifaces) >= MaxInterfacesPerConfiguration {
				return config, nil, fmt.Errorf("%w: more than %d interfaces", pkg.ErrNoResources, MaxInterfacesPerConfiguration)
			}
			ifaces = append(ifaces, Interface{Descriptor: iface})
			current = len(ifaces) - 1

		case DescriptorTypeEndpoint:
			if skipping {
				break
			}
			if current < 0 {
				return config, nil, fmt.Errorf("%w: endpoint before interface", pkg.ErrDescriptorTypeMismatch)
			}
			var ep EndpointDescriptor
			if !ParseEndpointDescriptor(desc, &ep) {
				return config, nil, fmt.Errorf("%w: endpoint descriptor", pkg.ErrDescriptorTooShort)
			}
			if len(ifaces[current].Endpoints) >= MaxEndpointsPerInterface {
				return config, nil, fmt.Errorf("%w: more than %d endpoints", pkg.ErrNoResources, MaxEndpointsPerInterface)
			}
			ifaces[current].Endpoints = append(ifaces[current].Endpoints, ep)

		default:
			// Class-specific or other descriptor
			if current >= 0 && !skipping {
				descData := make([]byte, length)
				copy(descData, desc)
				ifaces[current].ClassDescriptors = append(ifaces[current].ClassDescriptors, descData)
			}
		}

		offset += length
	}

	if len(ifaces) == 0 {
		return config, nil, fmt.Errorf("%w: no interfaces", pkg.ErrDescriptorTooShort)
	}
	return config, ifaces, nil
}

// ParseStringDescriptor decodes a UTF-16LE string descriptor.
// Returns false if data is not a string descriptor.
func ParseStringDescriptor(data []byte) (string, bool) {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return "", false
	}
	length := min(int(data[0]), len(data))
	if length < 2 {
		return "", false
	}
	units := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, uint16(data[i])|uint16(data[i+1])<<8)
	}
	return string(utf16.Decode(units)), true
}

// ParseLanguageIDs decodes string descriptor zero, the supported language table.
func ParseLanguageIDs(data []byte) []uint16 {
	if len(data) < 4 || data[1] != DescriptorTypeString {
		return nil
	}
	length := min(int(data[0]), len(data))
	ids := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		ids = append(ids, uint16(data[i])|uint16(data[i+1])<<8)
	}
	return ids
}
