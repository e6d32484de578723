package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// State is a step of the enumeration state machine. Each state names the
// last step completed.
type State uint8

// Enumeration states.
const (
	StateIdle                 State = iota // Waiting for a device on the port
	StateAttached                          // Device detected
	StateResetting                         // Port reset issued
	StateSpeedDetected                     // Bus speed classified
	StateDeviceDescriptorRead              // Device descriptor read at address 0
	StateAddressAssigned                   // SET_ADDRESS done
	StateConfigDescriptorRead              // Configuration tree read and accepted
	StateStringsRead                       // String descriptors read (best effort)
	StateConfigured                        // SET_CONFIGURATION and GET_MAX_LUN done
	StateRunning                           // Application released the session
	StateFailed                            // Terminal error until reattach
	StateDisconnected                      // Device gone
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAttached:
		return "Attached"
	case StateResetting:
		return "Resetting"
	case StateSpeedDetected:
		return "SpeedDetected"
	case StateDeviceDescriptorRead:
		return "DeviceDescriptorRead"
	case StateAddressAssigned:
		return "AddressAssigned"
	case StateConfigDescriptorRead:
		return "ConfigDescriptorRead"
	case StateStringsRead:
		return "StringsRead"
	case StateConfigured:
		return "Configured"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Terminal reports whether no further progress is possible in this session.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// step advances the state machine by one transition from state.
func (s *Session) step(ctx context.Context, state State, status hal.PortStatus) {
	switch state {
	case StateIdle:
		if status.Connected {
			pkg.LogInfo(pkg.ComponentEnum, "device attached", "port", s.port)
			s.advance(StateAttached)
			s.cb.OnAttach()
		}

	case StateAttached:
		s.reset()

	case StateResetting:
		if time.Now().Before(s.settleUntil) {
			return
		}
		s.detectSpeed(status)

	case StateSpeedDetected:
		s.readDeviceDescriptor(ctx)

	case StateDeviceDescriptorRead:
		s.assignAddress(ctx)

	case StateAddressAssigned:
		s.readConfiguration(ctx)

	case StateConfigDescriptorRead:
		s.readStrings(ctx)

	case StateStringsRead:
		s.configure(ctx)

	case StateConfigured:
		if s.cb.PollUserContinue() {
			pkg.LogInfo(pkg.ComponentEnum, "session running",
				"port", s.port,
				"address", s.dev.Address())
			s.advance(StateRunning)
		}
	}
}

func (s *Session) reset() {
	if err := s.hal.ResetPort(s.port); err != nil {
		if errors.Is(err, pkg.ErrNoDevice) {
			s.engine.Abort()
			return
		}
		s.fail(fmt.Errorf("port reset: %w", err))
		return
	}
	s.settleUntil = time.Now().Add(s.timeouts.ResetSettle)
	s.advance(StateResetting)
	s.cb.OnReset()
}

func (s *Session) detectSpeed(status hal.PortStatus) {
	speed := status.Speed
	if !speed.Valid() {
		speed = s.hal.PortSpeed(s.port)
	}
	if !speed.Valid() {
		s.failEnum(EnumSpeedUnreadable, nil)
		return
	}

	pkg.LogDebug(pkg.ComponentEnum, "speed detected", "port", s.port, "speed", speed)
	s.dev.setSpeed(speed)
	s.advance(StateSpeedDetected)
	s.cb.OnSpeedDetected(speed)
}

func (s *Session) readDeviceDescriptor(ctx context.Context) {
	buf := s.buf[:]

	// The first 8 bytes carry bMaxPacketSize0 and fit any endpoint 0.
	n, err := s.getDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorPrefixSize])
	if err != nil {
		s.failTransfer("device descriptor prefix", err)
		return
	}
	if n < DeviceDescriptorPrefixSize || buf[1] != DescriptorTypeDevice {
		s.failEnum(EnumDescriptorMalformed, fmt.Errorf("device descriptor prefix: %d bytes", n))
		return
	}
	if !ValidMaxPacketSize0(buf[7]) {
		s.failEnum(EnumDescriptorMalformed, fmt.Errorf("bMaxPacketSize0 %d", buf[7]))
		return
	}
	pkg.LogDebug(pkg.ComponentEnum, "got max packet size", "size", buf[7])

	var desc DeviceDescriptor
	if !s.fetchDeviceDescriptor(ctx, &desc) {
		return
	}

	pkg.LogDebug(pkg.ComponentEnum, "device descriptor",
		"vendorID", desc.VendorID,
		"productID", desc.ProductID,
		"class", desc.DeviceClass)
	s.dev.setDescriptor(desc)
	s.advance(StateDeviceDescriptorRead)
	s.cb.OnDeviceDescriptor(desc.VendorID, desc.ProductID)
}

// fetchDeviceDescriptor reads and parses the full device descriptor, failing
// the session on error.
func (s *Session) fetchDeviceDescriptor(ctx context.Context, desc *DeviceDescriptor) bool {
	buf := s.buf[:DeviceDescriptorSize]
	n, err := s.getDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf)
	if err != nil {
		s.failTransfer("device descriptor", err)
		return false
	}
	if n < DeviceDescriptorSize || !ParseDeviceDescriptor(buf[:n], desc) {
		s.failEnum(EnumDescriptorMalformed, fmt.Errorf("device descriptor: %d bytes", n))
		return false
	}
	return true
}

func (s *Session) assignAddress(ctx context.Context) {
	addr, ok := s.host.allocateAddress()
	if !ok {
		s.failEnum(EnumAddressAssignFailed, pkg.ErrNoResources)
		return
	}

	if err := s.engine.assignAddress(ctx, addr); err != nil {
		s.host.releaseAddress(addr)
		if IsDeviceGone(err) {
			return
		}
		s.failEnum(EnumAddressAssignFailed, err)
		return
	}
	s.dev.setAddress(addr)
	pkg.LogDebug(pkg.ComponentEnum, "assigned address", "port", s.port, "address", addr)

	// Confirm the device answers at its new address.
	var desc DeviceDescriptor
	if !s.fetchDeviceDescriptor(ctx, &desc) {
		return
	}
	s.dev.setDescriptor(desc)

	s.advance(StateAddressAssigned)
	s.cb.OnAddressAssigned(addr)
}

func (s *Session) readConfiguration(ctx context.Context) {
	buf := s.buf[:]

	// Header first to learn wTotalLength.
	n, err := s.getDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		s.failTransfer("configuration descriptor header", err)
		return
	}
	var header ConfigurationDescriptor
	if n < ConfigurationDescriptorSize || !ParseConfigurationDescriptor(buf[:n], &header) {
		s.failEnum(EnumDescriptorMalformed, fmt.Errorf("configuration header: %d bytes", n))
		return
	}

	total := int(header.TotalLength)
	if total > len(buf) {
		pkg.LogWarn(pkg.ComponentEnum, "configuration truncated",
			"totalLength", total,
			"max", len(buf))
		total = len(buf)
	}
	n, err = s.getDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		s.failTransfer("configuration descriptor", err)
		return
	}

	config, ifaces, err := ParseConfigurationTree(buf[:n])
	if err != nil {
		s.failEnum(EnumDescriptorMalformed, err)
		return
	}

	storage := selectStorageInterface(ifaces)
	report := &ifaces[0]
	if storage >= 0 {
		report = &ifaces[storage]
	}
	pkg.LogDebug(pkg.ComponentEnum, "configuration descriptor",
		"numInterfaces", len(ifaces),
		"configValue", config.ConfigurationValue,
		"class", report.Descriptor.InterfaceClass)
	s.cb.OnConfigurationDescriptor(report.Descriptor.InterfaceClass, uint8(len(report.Endpoints)))

	if storage < 0 {
		s.failEnum(EnumUnsupportedDevice, fmt.Errorf("interface class 0x%02X subclass 0x%02X protocol 0x%02X",
			report.Descriptor.InterfaceClass,
			report.Descriptor.InterfaceSubClass,
			report.Descriptor.InterfaceProtocol))
		return
	}
	if ifaces[storage].BulkIn() == nil || ifaces[storage].BulkOut() == nil {
		s.failEnum(EnumDescriptorMalformed, errors.New("mass-storage interface lacks bulk endpoint pair"))
		return
	}

	s.dev.setConfiguration(config, ifaces, storage)
	s.advance(StateConfigDescriptorRead)
}

func (s *Session) readStrings(ctx context.Context) {
	desc := s.dev.Descriptor()
	langID := uint16(LangIDUSEnglish)

	if desc.ManufacturerIndex != 0 || desc.ProductIndex != 0 || desc.SerialNumberIndex != 0 {
		n, err := s.getDescriptor(ctx, DescriptorTypeString, 0, 0, s.buf[:MaxStringDescriptorSize])
		if IsDeviceGone(err) {
			return
		}
		if err == nil {
			if ids := ParseLanguageIDs(s.buf[:n]); len(ids) > 0 {
				langID = ids[0]
			}
		}
	}

	manufacturer, ok := s.readString(ctx, desc.ManufacturerIndex, langID)
	if !ok {
		return
	}
	product, ok := s.readString(ctx, desc.ProductIndex, langID)
	if !ok {
		return
	}
	serial, ok := s.readString(ctx, desc.SerialNumberIndex, langID)
	if !ok {
		return
	}

	pkg.LogDebug(pkg.ComponentEnum, "strings",
		"manufacturer", manufacturer,
		"product", product,
		"serial", serial)
	s.dev.setStrings(manufacturer, product, serial)
	s.advance(StateStringsRead)
	s.cb.OnStrings(manufacturer, product, serial)
}

// readString fetches one string descriptor. A missing or unreadable string
// yields "". Returns false only if the device went away.
func (s *Session) readString(ctx context.Context, index uint8, langID uint16) (string, bool) {
	if index == 0 {
		return "", true
	}
	n, err := s.getDescriptor(ctx, DescriptorTypeString, index, langID, s.buf[:MaxStringDescriptorSize])
	if err != nil {
		if IsDeviceGone(err) {
			return "", false
		}
		pkg.LogDebug(pkg.ComponentEnum, "string descriptor unavailable", "index", index, "error", err)
		return "", true
	}
	str, _ := ParseStringDescriptor(s.buf[:n])
	return str, true
}

func (s *Session) configure(ctx context.Context) {
	config := s.dev.Configuration()
	iface := s.dev.StorageInterface()

	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(config.ConfigurationValue),
	}
	if _, err := s.engine.SubmitControl(ctx, &setup, nil, 0); err != nil {
		s.failTransfer("set configuration", err)
		return
	}

	maxLUN, err := s.getMaxLUN(ctx, iface.Descriptor.InterfaceNumber)
	if err != nil {
		s.failTransfer("get max lun", err)
		return
	}
	if maxLUN > MaxLUN {
		s.failEnum(EnumDescriptorMalformed, fmt.Errorf("max LUN %d", maxLUN))
		return
	}

	pkg.LogInfo(pkg.ComponentEnum, "enumeration done",
		"port", s.port,
		"address", s.dev.Address(),
		"maxLUN", maxLUN)
	s.dev.setConfigured(maxLUN)
	s.advance(StateConfigured)
	s.cb.OnEnumerationDone()
}

// getMaxLUN issues the BOT Get Max LUN request. Devices without multiple
// LUNs may STALL it, which means a single LUN.
func (s *Session) getMaxLUN(ctx context.Context, iface uint8) (uint8, error) {
	var buf [1]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeInterface,
		Request:     RequestGetMaxLUN,
		Index:       uint16(iface),
		Length:      1,
	}
	n, err := s.engine.SubmitControl(ctx, &setup, buf[:], 0)
	if err != nil {
		if kind, ok := TransferErrorKindOf(err); ok && kind == TransferStalled {
			pkg.LogDebug(pkg.ComponentEnum, "GET_MAX_LUN stalled, assuming single LUN")
			return 0, nil
		}
		return 0, err
	}
	if n < 1 {
		return 0, nil
	}
	return buf[0], nil
}

// getDescriptor performs a GET_DESCRIPTOR request.
func (s *Session) getDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return s.engine.SubmitControl(ctx, &setup, data, 0)
}
