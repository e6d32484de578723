package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Host manages the USB host controller, bus addresses and the device
// session on each root port.
type Host struct {
	hal hal.HostHAL

	policy       RetryPolicy
	timeouts     Timeouts
	pollInterval time.Duration

	// Bus addresses currently held by sessions
	addresses   mapset.Set[hal.DeviceAddress]
	nextAddress hal.DeviceAddress

	// Latest session per port
	sessions map[int]*Session

	// State
	running  bool
	starting bool
	mutex    sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a [Host].
type Option func(*Host)

// WithRetryPolicy sets the engine retry policy for new sessions.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Host) {
		h.policy = p
	}
}

// WithTimeouts sets the transfer and reset timing for new sessions.
// Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(h *Host) {
		if t.Control > 0 {
			h.timeouts.Control = t.Control
		}
		if t.Bulk > 0 {
			h.timeouts.Bulk = t.Bulk
		}
		if t.ResetSettle > 0 {
			h.timeouts.ResetSettle = t.ResetSettle
		}
	}
}

// WithPollInterval sets how often WaitForCompletion polls an idle session.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// New creates a new USB host.
func New(h hal.HostHAL, opts ...Option) *Host {
	host := &Host{
		hal:          h,
		policy:       DefaultRetryPolicy,
		timeouts:     DefaultTimeouts(),
		pollInterval: DefaultPollInterval,
		addresses:    mapset.NewSet[hal.DeviceAddress](),
		nextAddress:  1,
		sessions:     make(map[int]*Session),
	}
	for _, opt := range opts {
		opt(host)
	}
	return host
}

// Start initializes and starts the host controller. A Start that fails
// leaves the host stopped and may be retried.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running || h.starting {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.starting = true
	runCtx, cancel := context.WithCancel(ctx)
	h.ctx, h.cancel = runCtx, cancel
	h.mutex.Unlock()

	err := h.hal.Init(runCtx)
	if err == nil {
		err = h.hal.Start()
	}

	h.mutex.Lock()
	h.starting = false
	h.running = err == nil
	h.mutex.Unlock()
	if err != nil {
		cancel()
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop closes all sessions and stops the host controller.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}

	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	sessions := h.sessions
	h.sessions = make(map[int]*Session)
	h.mutex.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.close())
	}
	err = multierr.Append(err, h.hal.Stop())

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return err
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

// NewSession starts a device session on port in StateIdle. The first Poll
// moves it to StateAttached once the port reports a connection.
//
// A port holds one live session; NewSession fails with ErrBusy while the
// previous session on the port has not ended.
func (h *Host) NewSession(port int, cb Callbacks) (*Session, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.running {
		return nil, pkg.ErrNotRunning
	}
	if port < 1 || port > h.hal.NumPorts() {
		return nil, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	if prev, ok := h.sessions[port]; ok {
		if !prev.State().Terminal() {
			return nil, fmt.Errorf("%w: port %d has a live session", pkg.ErrBusy, port)
		}
		if err := prev.close(); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "closing previous session", "port", port, "error", err)
		}
	}

	s := newSession(h, port, cb)
	h.sessions[port] = s
	pkg.LogDebug(pkg.ComponentHost, "session created", "port", port)
	return s, nil
}

// WaitSession blocks until a device connects and returns a new session for
// its port.
func (h *Host) WaitSession(ctx context.Context, cb Callbacks) (*Session, error) {
	if !h.IsRunning() {
		return nil, pkg.ErrNotRunning
	}
	port, err := h.hal.WaitForConnection(ctx)
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)
	return h.NewSession(port, cb)
}

// Session returns the latest session on port, or nil.
func (h *Host) Session(port int) *Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.sessions[port]
}

// Addresses returns the bus addresses currently assigned.
func (h *Host) Addresses() []hal.DeviceAddress {
	return h.addresses.ToSlice()
}

// allocateAddress reserves a free bus address in 1..127.
func (h *Host) allocateAddress() (hal.DeviceAddress, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := 0; i < int(hal.MaxDeviceAddress); i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > hal.MaxDeviceAddress {
			h.nextAddress = 1
		}

		if h.addresses.Add(addr) {
			return addr, true
		}
	}
	return 0, false
}

// releaseAddress returns addr to the pool.
func (h *Host) releaseAddress(addr hal.DeviceAddress) {
	if addr == 0 {
		return
	}
	h.addresses.Remove(addr)
}
