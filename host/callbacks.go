package host

import "github.com/ardnew/mschost/host/hal"

// Callbacks receives lifecycle events from a [Session].
//
// Methods are invoked synchronously from [Session.Poll] on the goroutine
// driving the session, so implementations must not call back into Poll.
// Embed [NopCallbacks] to implement only the events of interest.
type Callbacks interface {
	// OnAttach is called when a device is detected on the port.
	OnAttach()

	// OnReset is called after the port reset completes.
	OnReset()

	// OnDisconnect is called once when the device goes away.
	OnDisconnect()

	// OnOverCurrent is called when the port reports an over-current condition.
	OnOverCurrent()

	// OnSpeedDetected is called with the classified bus speed.
	OnSpeedDetected(speed hal.Speed)

	// OnDeviceDescriptor is called once the full device descriptor is known.
	OnDeviceDescriptor(vendorID, productID uint16)

	// OnAddressAssigned is called after SET_ADDRESS succeeds.
	OnAddressAssigned(addr hal.DeviceAddress)

	// OnConfigurationDescriptor is called with the class and endpoint count of
	// the selected interface (or the first interface if none is supported).
	OnConfigurationDescriptor(interfaceClass, endpointCount uint8)

	// OnStrings is called with the string descriptors. Unavailable strings
	// are empty.
	OnStrings(manufacturer, product, serial string)

	// OnEnumerationDone is called when the device is configured.
	OnEnumerationDone()

	// OnDeviceNotSupported is called when the device has no SCSI/BOT
	// mass-storage interface.
	OnDeviceNotSupported()

	// OnUnrecoverableError is called when the session enters StateFailed for
	// any reason other than an unsupported device.
	OnUnrecoverableError(err error)

	// PollUserContinue gates the transition from StateConfigured to
	// StateRunning. It is polled without blocking until it returns true.
	PollUserContinue() bool
}

// NopCallbacks implements [Callbacks] with no-op methods.
// PollUserContinue always returns true.
type NopCallbacks struct{}

func (NopCallbacks) OnAttach()                              {}
func (NopCallbacks) OnReset()                               {}
func (NopCallbacks) OnDisconnect()                          {}
func (NopCallbacks) OnOverCurrent()                         {}
func (NopCallbacks) OnSpeedDetected(hal.Speed)              {}
func (NopCallbacks) OnDeviceDescriptor(uint16, uint16)      {}
func (NopCallbacks) OnAddressAssigned(hal.DeviceAddress)    {}
func (NopCallbacks) OnConfigurationDescriptor(uint8, uint8) {}
func (NopCallbacks) OnStrings(string, string, string)       {}
func (NopCallbacks) OnEnumerationDone()                     {}
func (NopCallbacks) OnDeviceNotSupported()                  {}
func (NopCallbacks) OnUnrecoverableError(error)             {}
func (NopCallbacks) PollUserContinue() bool                 { return true }
