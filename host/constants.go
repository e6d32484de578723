package host

import (
	"fmt"
	"time"
)

// Connection status of a device from the host's perspective.
const (
	StatusDisconnected ConnectionStatus = iota // Device is gone or never attached
	StatusAttached                             // Device is attached, answering at address 0
	StatusAddressed                            // Device has been assigned an address
	StatusConfigured                           // SET_CONFIGURATION succeeded
	StatusError                                // Enumeration or transport failed fatally
)

// ConnectionStatus represents the coarse lifecycle of a [Device].
type ConnectionStatus uint8

// String returns a human-readable status description.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusAttached:
		return "Attached"
	case StatusAddressed:
		return "Addressed"
	case StatusConfigured:
		return "Configured"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown Status (%d)", s)
	}
}

// Maximum limits for fixed-size buffers.
const (
	// MaxInterfacesPerConfiguration is the maximum interfaces per configuration.
	MaxInterfacesPerConfiguration = 8

	// MaxEndpointsPerInterface is the maximum endpoints per interface.
	MaxEndpointsPerInterface = 16

	// MaxDescriptorSize is the maximum size for descriptor buffers.
	MaxDescriptorSize = 512

	// MaxStringDescriptorSize is the largest string descriptor (bLength is one byte).
	MaxStringDescriptorSize = 255

	// MaxLUN is the highest logical unit number a BOT device may report.
	MaxLUN = 15
)

// Default timing parameters.
const (
	DefaultControlTimeout = 5 * time.Second
	DefaultBulkTimeout    = 10 * time.Second
	DefaultResetSettle    = 100 * time.Millisecond
	DefaultPollInterval   = 10 * time.Millisecond
)

// Endpoint transfer types.
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Standard feature selectors.
const (
	FeatureEndpointHalt = 0x00
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// Mass Storage Class codes accepted by enumeration.
const (
	ClassMassStorage = 0x08 // bInterfaceClass
	SubclassSCSI     = 0x06 // SCSI transparent command set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport
)

// Bulk-Only Transport class-specific requests.
const (
	RequestBulkOnlyReset = 0xFF // Bulk-Only Mass Storage Reset
	RequestGetMaxLUN     = 0xFE // Get Max LUN
)

// LangIDUSEnglish is the fallback language ID for string descriptors.
const LangIDUSEnglish = 0x0409
