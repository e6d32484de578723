//go:build linux && (amd64 || arm64)

package linux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Standard requests the controller maps to ioctls.
const (
	requestClearFeature     = 0x01
	requestSetAddress       = 0x05
	requestSetConfiguration = 0x09
	requestTypeEndpoint     = 0x02
	featureEndpointHalt     = 0x00
)

// Options configures a [Controller]. Zero fields select defaults.
type Options struct {
	SysfsRoot   string        // Default SysfsUSBPath
	DevfsRoot   string        // Default DevfsUSBPath
	MaxPorts    int           // Default DefaultMaxPorts
	SettleDelay time.Duration // Default DefaultSettleDelay

	// Filter selects the devices that occupy a port. Default MassStorageOnly.
	Filter func(*Info) bool

	// ResetOnEnumerate issues USBDEVFS_RESET on ResetPort. Without it the
	// device keeps the state the kernel left it in.
	ResetOnEnumerate bool

	// ReattachDriver hands released interfaces back to the kernel driver.
	ReattachDriver bool
}

func (o Options) withDefaults() Options {
	if o.SysfsRoot == "" {
		o.SysfsRoot = SysfsUSBPath
	}
	if o.DevfsRoot == "" {
		o.DevfsRoot = DevfsUSBPath
	}
	if o.MaxPorts <= 0 {
		o.MaxPorts = DefaultMaxPorts
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	} else if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.Filter == nil {
		o.Filter = MassStorageOnly
	}
	return o
}

// =============================================================================
// Device Connection
// =============================================================================

// device is an opened usbfs node bound to a virtual port.
type device struct {
	info    Info
	port    int
	fd      int
	address hal.DeviceAddress // Guarded by the controller mutex
	config  atomic.Uint32
	claimed mapset.Set[uint8]
	gone    atomic.Bool

	// Held shared by transfers and exclusively by close.
	mutex sync.RWMutex
}

// do runs fn on the device descriptor and maps its errno.
func (d *device) do(fn func(fd int) (int, error)) (int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.gone.Load() || d.fd < 0 {
		return 0, pkg.ErrNoDevice
	}
	n, err := fn(d.fd)
	if err != nil {
		err = mapErrno(err)
		if errors.Is(err, pkg.ErrNoDevice) {
			d.gone.Store(true)
		}
		return 0, err
	}
	return n, nil
}

// close releases claimed interfaces unless the device was removed, then
// closes the descriptor.
func (d *device) close(removed, reattach bool) error {
	d.gone.Store(true)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.fd < 0 {
		return nil
	}

	var err error
	if !removed {
		for _, iface := range d.claimed.ToSlice() {
			err = multierr.Append(err, releaseInterface(d.fd, iface))
			if reattach {
				err = multierr.Append(err, attachDriver(d.fd, iface))
			}
		}
	}
	d.claimed.Clear()
	err = multierr.Append(err, unix.Close(d.fd))
	d.fd = -1
	return err
}

// =============================================================================
// HostHAL Implementation
// =============================================================================

// Controller implements hal.HostHAL on Linux usbfs.
type Controller struct {
	opts Options

	ports    []*device // Index port-1
	pending  int       // Port reset and awaiting SetDeviceAddress
	settling map[nodeKey]*time.Timer

	connectCh    chan int
	disconnectCh chan int

	watcher *fsnotify.Watcher
	base    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mutex   sync.Mutex
}

// New creates a Linux usbfs controller.
func New(opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		opts:         opts,
		ports:        make([]*device, opts.MaxPorts),
		settling:     make(map[nodeKey]*time.Timer),
		connectCh:    make(chan int, opts.MaxPorts),
		disconnectCh: make(chan int, opts.MaxPorts),
	}
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init creates the hotplug watcher on the devfs tree.
func (c *Controller) Init(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.running {
		return pkg.ErrAlreadyRunning
	}
	c.base = ctx
	if c.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hotplug watcher: %w", err)
	}
	if err := watchTree(w, c.opts.DevfsRoot); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", c.opts.DevfsRoot, err)
	}
	c.watcher = w

	pkg.LogDebug(pkg.ComponentHAL, "linux host HAL initialized",
		"sysfs", c.opts.SysfsRoot,
		"devfs", c.opts.DevfsRoot)
	return nil
}

// Start opens the devices already present and begins watching for hotplug
// events.
func (c *Controller) Start() error {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	if c.watcher == nil {
		c.mutex.Unlock()
		return fmt.Errorf("%w: Init not called", pkg.ErrInvalidState)
	}
	c.ctx, c.cancel = context.WithCancel(c.base)
	c.running = true
	ctx, w := c.ctx, c.watcher
	c.mutex.Unlock()

	c.scan()

	c.wg.Add(1)
	go c.watch(ctx, w)

	pkg.LogDebug(pkg.ComponentHAL, "linux host HAL started")
	return nil
}

// Stop ends hotplug processing. Open devices stay open.
func (c *Controller) Stop() error {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.stopSettlingLocked()
	c.mutex.Unlock()

	c.wg.Wait()
	pkg.LogDebug(pkg.ComponentHAL, "linux host HAL stopped")
	return nil
}

// Close stops the controller and closes every device and the watcher.
func (c *Controller) Close() error {
	err := c.Stop()

	c.mutex.Lock()
	devices := c.ports
	c.ports = make([]*device, c.opts.MaxPorts)
	c.pending = 0
	w := c.watcher
	c.watcher = nil
	c.mutex.Unlock()

	for _, d := range devices {
		if d != nil {
			err = multierr.Append(err, d.close(false, c.opts.ReattachDriver))
		}
	}
	if w != nil {
		err = multierr.Append(err, w.Close())
	}

	pkg.LogDebug(pkg.ComponentHAL, "linux host HAL closed")
	return err
}

// =============================================================================
// Device Tracking
// =============================================================================

// Devices returns the devices currently bound to ports.
func (c *Controller) Devices() map[int]Info {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make(map[int]Info)
	for _, d := range c.ports {
		if d != nil && !d.gone.Load() {
			out[d.port] = d.info
		}
	}
	return out
}

func (c *Controller) scan() {
	devices, err := Scan(c.opts.SysfsRoot)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "device scan failed", "error", err)
		return
	}
	for i := range devices {
		c.open(devices[i])
	}
}

func (c *Controller) attach(bus, dev uint8) {
	info, ok := lookup(c.opts.SysfsRoot, bus, dev)
	if !ok {
		pkg.LogDebug(pkg.ComponentHAL, "no sysfs entry for device node", "bus", bus, "dev", dev)
		return
	}
	c.open(info)
}

// open binds a matching device to a free port and signals the connection.
func (c *Controller) open(info Info) {
	if !c.opts.Filter(&info) {
		pkg.LogDebug(pkg.ComponentHAL, "device filtered", "device", info.String())
		return
	}

	c.mutex.Lock()
	port := 0
	for i, d := range c.ports {
		if d != nil && d.info.Bus == info.Bus && d.info.Dev == info.Dev {
			c.mutex.Unlock()
			return
		}
		if d == nil && port == 0 {
			port = i + 1
		}
	}
	if port == 0 {
		c.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentHAL, "no free port", "device", info.String())
		return
	}

	path := info.DevfsPath(c.opts.DevfsRoot)
	fd, err := openDevice(path)
	if err != nil {
		c.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentHAL, "cannot open device", "path", path, "error", err)
		return
	}

	d := &device{
		info:    info,
		port:    port,
		fd:      fd,
		claimed: mapset.NewSet[uint8](),
	}
	d.config.Store(uint32(info.Configuration))
	c.ports[port-1] = d
	c.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device attached",
		"port", port,
		"bus", info.Bus,
		"dev", info.Dev,
		"vid", fmt.Sprintf("0x%04x", info.VendorID),
		"pid", fmt.Sprintf("0x%04x", info.ProductID))

	select {
	case c.connectCh <- port:
	default:
	}
}

// detach unbinds a removed device from its port.
func (c *Controller) detach(bus, dev uint8) {
	c.mutex.Lock()
	var d *device
	for i, p := range c.ports {
		if p != nil && p.info.Bus == bus && p.info.Dev == dev {
			d = p
			c.ports[i] = nil
			break
		}
	}
	if d == nil {
		c.mutex.Unlock()
		return
	}
	if c.pending == d.port {
		c.pending = 0
	}
	c.mutex.Unlock()

	if err := d.close(true, false); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "closing removed device", "port", d.port, "error", err)
	}
	pkg.LogInfo(pkg.ComponentHAL, "device detached", "port", d.port)

	select {
	case c.disconnectCh <- d.port:
	default:
	}
}

func (c *Controller) portDevice(port int) (*device, error) {
	if port < 1 || port > c.opts.MaxPorts {
		return nil, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ports[port-1], nil
}

// target resolves a bus address. Address 0 is the port last reset.
func (c *Controller) target(addr hal.DeviceAddress) (*device, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if addr == 0 {
		if c.pending == 0 || c.ports[c.pending-1] == nil {
			return nil, pkg.ErrNoDevice
		}
		return c.ports[c.pending-1], nil
	}
	for _, d := range c.ports {
		if d != nil && d.address == addr {
			return d, nil
		}
	}
	return nil, pkg.ErrNoDevice
}

// =============================================================================
// Port Operations
// =============================================================================

// NumPorts returns the number of virtual root ports.
func (c *Controller) NumPorts() int {
	return c.opts.MaxPorts
}

// GetPortStatus returns the status of a port.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	d, err := c.portDevice(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	if d == nil || d.gone.Load() {
		return hal.PortStatus{PowerOn: true}, nil
	}
	return hal.PortStatus{
		Connected: true,
		Enabled:   true,
		PowerOn:   true,
		Speed:     d.info.Speed,
	}, nil
}

// PortSpeed asks the kernel for the device speed, falling back to sysfs.
func (c *Controller) PortSpeed(port int) hal.Speed {
	d, err := c.portDevice(port)
	if err != nil || d == nil {
		return hal.SpeedUnknown
	}
	v, err := d.do(deviceSpeed)
	if speed := kernelSpeed(v); err == nil && speed.Valid() {
		return speed
	}
	return d.info.Speed
}

// ResetPort makes the device on port answer at address 0 again.
func (c *Controller) ResetPort(port int) error {
	d, err := c.portDevice(port)
	if err != nil {
		return err
	}
	if d == nil {
		return pkg.ErrNoDevice
	}

	if c.opts.ResetOnEnumerate {
		if _, err := d.do(func(fd int) (int, error) { return 0, resetDevice(fd) }); err != nil {
			return fmt.Errorf("reset port %d: %w", port, err)
		}
	}

	c.mutex.Lock()
	d.address = 0
	c.pending = port
	c.mutex.Unlock()
	return nil
}

// =============================================================================
// Transfers
// =============================================================================

// ControlTransfer performs a control transfer. SET_CONFIGURATION and
// CLEAR_FEATURE(ENDPOINT_HALT) go through their usbfs ioctls; SET_ADDRESS
// is refused, use SetDeviceAddress.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d, err := c.target(addr)
	if err != nil {
		return 0, err
	}

	switch {
	case setup.RequestType == 0 && setup.Request == requestSetAddress:
		return 0, fmt.Errorf("%w: SET_ADDRESS is owned by the kernel", pkg.ErrNotSupported)

	case setup.RequestType == 0 && setup.Request == requestSetConfiguration:
		value := uint8(setup.Value)
		return d.do(func(fd int) (int, error) {
			if d.config.Load() == uint32(value) {
				return 0, nil
			}
			if err := setConfiguration(fd, value); err != nil {
				return 0, err
			}
			d.config.Store(uint32(value))
			return 0, nil
		})

	case setup.RequestType == requestTypeEndpoint && setup.Request == requestClearFeature &&
		setup.Value == featureEndpointHalt:
		ep := uint8(setup.Index)
		return d.do(func(fd int) (int, error) { return 0, clearHalt(fd, ep) })
	}

	length := int(setup.Length)
	if length > len(data) {
		return 0, fmt.Errorf("%w: wLength %d, buffer %d", pkg.ErrBufferTooSmall, length, len(data))
	}
	timeout := timeoutMillis(ctx)
	return d.do(func(fd int) (int, error) {
		return doControl(fd, setup.RequestType, setup.Request, setup.Value, setup.Index, data[:length], timeout)
	})
}

// BulkTransfer performs a synchronous bulk transfer.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d, err := c.target(addr)
	if err != nil {
		return 0, err
	}
	timeout := timeoutMillis(ctx)
	return d.do(func(fd int) (int, error) {
		return doBulk(fd, endpoint, data, timeout)
	})
}

// =============================================================================
// Device Management
// =============================================================================

// SetDeviceAddress binds the device at address 0 to newAddr. The kernel
// already addressed the device; nothing is sent.
func (c *Controller) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > hal.MaxDeviceAddress {
		return fmt.Errorf("%w: address %d", pkg.ErrInvalidParameter, newAddr)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.pending == 0 || c.ports[c.pending-1] == nil {
		return pkg.ErrNoDevice
	}
	d := c.ports[c.pending-1]
	d.address = newAddr
	c.pending = 0

	pkg.LogDebug(pkg.ComponentHAL, "device address bound", "port", d.port, "address", newAddr)
	return nil
}

// ClaimInterface detaches any kernel driver from iface and claims it.
func (c *Controller) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := c.target(addr)
	if err != nil {
		return err
	}
	_, err = d.do(func(fd int) (int, error) {
		if d.claimed.Contains(iface) {
			return 0, nil
		}
		if err := detachDriver(fd, iface); err != nil {
			return 0, err
		}
		if err := claimInterface(fd, iface); err != nil {
			return 0, err
		}
		d.claimed.Add(iface)
		return 0, nil
	})
	return err
}

// ReleaseInterface releases a claimed interface.
func (c *Controller) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := c.target(addr)
	if err != nil {
		return err
	}
	_, err = d.do(func(fd int) (int, error) {
		if !d.claimed.Contains(iface) {
			return 0, nil
		}
		d.claimed.Remove(iface)
		err := releaseInterface(fd, iface)
		if c.opts.ReattachDriver {
			err = multierr.Append(err, attachDriver(fd, iface))
		}
		return 0, err
	})
	return err
}

// =============================================================================
// Connection Events
// =============================================================================

// WaitForConnection blocks until a device is bound to a port.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	return c.wait(ctx, c.connectCh)
}

// WaitForDisconnection blocks until a bound device is removed.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	return c.wait(ctx, c.disconnectCh)
}

func (c *Controller) wait(ctx context.Context, ch <-chan int) (int, error) {
	c.mutex.Lock()
	running, run := c.running, c.ctx
	c.mutex.Unlock()
	if !running {
		return 0, pkg.ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
	case <-run.Done():
		return 0, pkg.ErrNotRunning
	case port := <-ch:
		return port, nil
	}
}

// Ensure Controller implements hal.HostHAL.
var _ hal.HostHAL = (*Controller)(nil)
