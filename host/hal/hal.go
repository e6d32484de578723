package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unreadable
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the classified bus speeds.
func (s Speed) Valid() bool {
	return s >= SpeedLow && s <= SpeedHigh
}

// DefaultMaxPacketSize0 returns the endpoint 0 packet size to assume before
// the device descriptor has been read.
func (s Speed) DefaultMaxPacketSize0() uint8 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// IsIn reports whether the data stage flows device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// DeviceAddress represents a USB device address (0 before SET_ADDRESS, then 1-127).
type DeviceAddress uint8

// MaxDeviceAddress is the highest assignable USB device address.
const MaxDeviceAddress DeviceAddress = 127

// HostHAL defines the Hardware Abstraction Layer for a USB host controller.
//
// The HAL performs individual transactions only. Retry, stall recovery and
// protocol sequencing belong to the host stack. Implementations must report
// failures with the sentinel errors from package pkg:
//
//   - pkg.ErrStall when the device answered with STALL
//   - pkg.ErrNAK when the device NAKed until the transaction gave up
//   - pkg.ErrTimeout when no handshake arrived before the deadline
//   - pkg.ErrNoDevice when the device is gone (including mid-transfer)
type HostHAL interface {
	// Initialization and Lifecycle

	// Init initializes the USB host controller hardware.
	Init(ctx context.Context) error

	// Start enables the host controller and applies power to ports.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// Port Operations

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort resets the port (1-indexed). The device answers at address 0 afterwards.
	ResetPort(port int) error

	// Transfers

	// ControlTransfer performs one complete control transfer (setup, data, status).
	// Returns the number of bytes moved in the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer to/from an endpoint. IN transfers
	// may complete short.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// Device Management

	// SetDeviceAddress issues SET_ADDRESS to the device at address 0.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// Connection Events

	// WaitForConnection blocks until a device connects or ctx is cancelled.
	// Returns the port number (1-indexed).
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects or ctx is cancelled.
	WaitForDisconnection(ctx context.Context) (int, error)
}
