package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Faults holds pending fault injections. Counters are consumed as the
// faults fire.
type Faults struct {
	// Stalls maps an endpoint address to the number of upcoming transfers
	// on it answered with STALL (halting the endpoint).
	Stalls map[uint8]int

	// NAKs maps an endpoint address (0 for control) to the number of
	// upcoming transfers answered with NAK.
	NAKs map[uint8]int

	// CSW corruption, applied to the next N status wrappers.
	CorruptTags       int
	CorruptResidues   int
	CorruptSignatures int
	PhaseErrors       int

	// HoldDataIn blocks data-IN stages until the device is detached or the
	// transfer's context ends.
	HoldDataIn bool

	// SetAddressErr is returned by the next SET_ADDRESS.
	SetAddressErr error
}

// Stats records what crossed the simulated wire.
type Stats struct {
	ControlTransfers int
	BulkTransfers    int
	BulkBytes        int // Bytes moved on bulk endpoints, including wrappers
	CBWs             int // Valid CBWs received
	ClearHalts       int
	MassStorageReset int
	PortResets       int
	Tags             []uint32 // CBW tags in arrival order
	Opcodes          []uint8  // SCSI opcodes in arrival order
}

// Controller is an in-process host controller with one root port.
// It implements [hal.HostHAL].
type Controller struct {
	fn          *Function
	speed       hal.Speed
	overCurrent bool
	running     bool

	faults Faults
	stats  Stats

	detached     chan struct{}
	connectCh    chan int
	disconnectCh chan int

	mutex sync.Mutex
}

var _ hal.HostHAL = (*Controller)(nil)

// New creates a controller with an empty port.
func New() *Controller {
	return &Controller{
		faults: Faults{
			Stalls: make(map[uint8]int),
			NAKs:   make(map[uint8]int),
		},
		detached:     make(chan struct{}),
		connectCh:    make(chan int, 1),
		disconnectCh: make(chan int, 1),
	}
}

// Attach plugs fn into the port at the given speed.
func (c *Controller) Attach(fn *Function, speed hal.Speed) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.fn = fn
	c.speed = speed
	fn.speed = speed
	fn.busReset()
	c.detached = make(chan struct{})

	pkg.LogDebug(pkg.ComponentHAL, "sim attach", "speed", speed)
	select {
	case c.connectCh <- 1:
	default:
	}
}

// Detach unplugs the attached function. Transfers in flight complete with
// pkg.ErrNoDevice.
func (c *Controller) Detach() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.fn == nil {
		return
	}
	c.fn = nil
	close(c.detached)

	pkg.LogDebug(pkg.ComponentHAL, "sim detach")
	select {
	case c.disconnectCh <- 1:
	default:
	}
}

// Function returns the attached function, or nil.
func (c *Controller) Function() *Function {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.fn
}

// SetOverCurrent sets the port over-current indicator.
func (c *Controller) SetOverCurrent(v bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.overCurrent = v
}

// Inject applies fn to the pending faults under the controller lock.
func (c *Controller) Inject(fn func(*Faults)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fn(&c.faults)
}

// InjectStall answers the next n transfers on endpoint with STALL.
func (c *Controller) InjectStall(endpoint uint8, n int) {
	c.Inject(func(f *Faults) { f.Stalls[endpoint] += n })
}

// InjectNAK answers the next n transfers on endpoint with NAK.
func (c *Controller) InjectNAK(endpoint uint8, n int) {
	c.Inject(func(f *Faults) { f.NAKs[endpoint] += n })
}

// Stats returns a snapshot of the wire statistics.
func (c *Controller) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	s := c.stats
	s.Tags = append([]uint32(nil), c.stats.Tags...)
	s.Opcodes = append([]uint8(nil), c.stats.Opcodes...)
	return s
}

// ResetStats clears the wire statistics.
func (c *Controller) ResetStats() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stats = Stats{}
}

// Init initializes the controller.
func (c *Controller) Init(ctx context.Context) error {
	return ctx.Err()
}

// Start enables the controller.
func (c *Controller) Start() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.running = true
	return nil
}

// Stop disables the controller.
func (c *Controller) Stop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.running = false
	return nil
}

// Close releases the controller.
func (c *Controller) Close() error {
	return c.Stop()
}

// NumPorts returns 1.
func (c *Controller) NumPorts() int {
	return 1
}

// GetPortStatus returns the status of the port.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	st := hal.PortStatus{
		PowerOn:     c.running,
		OverCurrent: c.overCurrent,
	}
	if c.fn != nil {
		st.Connected = true
		st.Enabled = true
		st.Speed = c.speed
	}
	return st, nil
}

// PortSpeed returns the speed of the attached function.
func (c *Controller) PortSpeed(port int) hal.Speed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if port != 1 || c.fn == nil {
		return hal.SpeedUnknown
	}
	return c.speed
}

// ResetPort resets the attached function to address 0.
func (c *Controller) ResetPort(port int) error {
	if port != 1 {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.fn == nil {
		return pkg.ErrNoDevice
	}
	c.stats.PortResets++
	c.fn.busReset()
	return nil
}

// target returns the function if it answers at addr. Caller holds the lock.
func (c *Controller) target(addr hal.DeviceAddress) (*Function, error) {
	if !c.running {
		return nil, pkg.ErrNotRunning
	}
	if c.fn == nil {
		return nil, pkg.ErrNoDevice
	}
	if c.fn.address != addr {
		// Nobody answers at that address.
		return nil, pkg.ErrTimeout
	}
	return c.fn, nil
}

// consume fires a pending STALL or NAK for ep. Caller holds the lock.
func (c *Controller) consume(fn *Function, ep uint8) error {
	if n := c.faults.NAKs[ep]; n > 0 {
		c.faults.NAKs[ep] = n - 1
		return pkg.ErrNAK
	}
	if n := c.faults.Stalls[ep]; n > 0 {
		c.faults.Stalls[ep] = n - 1
		if ep != 0 {
			fn.halted[ep] = true
		}
		return pkg.ErrStall
	}
	return nil
}

// ControlTransfer performs a control transfer with the attached function.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	fn, err := c.target(addr)
	if err != nil {
		return 0, err
	}
	c.stats.ControlTransfers++
	if err := c.consume(fn, 0); err != nil {
		return 0, err
	}

	if setup.RequestType == 0x02 && setup.Request == 0x01 && setup.Value == 0 {
		c.stats.ClearHalts++
	}
	if setup.RequestType == 0x21 && setup.Request == 0xFF {
		c.stats.MassStorageReset++
	}
	if setup.RequestType == 0x00 && setup.Request == 0x05 {
		return 0, c.setAddressLocked(hal.DeviceAddress(setup.Value))
	}
	return fn.control(setup, data)
}

// BulkTransfer moves one bulk transaction to or from the attached function.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mutex.Lock()

	fn, err := c.target(addr)
	if err != nil {
		c.mutex.Unlock()
		return 0, err
	}
	if !fn.configured || (endpoint != EndpointBulkIn && endpoint != EndpointBulkOut) {
		c.mutex.Unlock()
		return 0, pkg.ErrStall
	}
	c.stats.BulkTransfers++
	if fn.halted[endpoint] {
		c.mutex.Unlock()
		return 0, pkg.ErrStall
	}
	if err := c.consume(fn, endpoint); err != nil {
		c.mutex.Unlock()
		return 0, err
	}

	if endpoint == EndpointBulkIn && fn.phase == phaseDataIn && c.faults.HoldDataIn {
		detached := c.detached
		c.mutex.Unlock()
		select {
		case <-detached:
			return 0, pkg.ErrNoDevice
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	defer c.mutex.Unlock()

	var n int
	if endpoint == EndpointBulkIn {
		n, err = fn.bulkIn(data, &c.faults)
	} else {
		n, err = fn.bulkOut(data, &c.stats)
	}
	c.stats.BulkBytes += n
	return n, err
}

// SetDeviceAddress assigns an address to the function answering at address 0.
func (c *Controller) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, err := c.target(0); err != nil {
		return err
	}
	c.stats.ControlTransfers++
	return c.setAddressLocked(newAddr)
}

func (c *Controller) setAddressLocked(addr hal.DeviceAddress) error {
	if err := c.faults.SetAddressErr; err != nil {
		c.faults.SetAddressErr = nil
		return err
	}
	if addr == 0 || addr > hal.MaxDeviceAddress {
		return pkg.ErrStall
	}
	c.fn.address = addr
	return nil
}

// ClaimInterface accepts a claim on interface 0 of the configured function.
func (c *Controller) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fn, err := c.target(addr)
	if err != nil {
		return err
	}
	if !fn.configured {
		return pkg.ErrNotConfigured
	}
	if iface != 0 {
		return fmt.Errorf("%w: interface %d", pkg.ErrInvalidParameter, iface)
	}
	return nil
}

// ReleaseInterface releases a claimed interface.
func (c *Controller) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// WaitForConnection blocks until a function is attached.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-c.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until the function is detached.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-c.disconnectCh:
		return port, nil
	}
}
