package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

// =============================================================================
// Recording Callbacks
// =============================================================================

type recorder struct {
	NopCallbacks

	mu     sync.Mutex
	events []string
	err    error
	hold   atomic.Bool
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) OnAttach()                      { r.add("attach") }
func (r *recorder) OnReset()                       { r.add("reset") }
func (r *recorder) OnDisconnect()                  { r.add("disconnect") }
func (r *recorder) OnOverCurrent()                 { r.add("overcurrent") }
func (r *recorder) OnSpeedDetected(s hal.Speed)    { r.add("speed %s", s) }
func (r *recorder) OnDeviceDescriptor(v, p uint16) { r.add("device %04x:%04x", v, p) }
func (r *recorder) OnAddressAssigned(a hal.DeviceAddress) {
	r.add("address %d", a)
}
func (r *recorder) OnConfigurationDescriptor(class, eps uint8) {
	r.add("config class=%02x eps=%d", class, eps)
}
func (r *recorder) OnStrings(m, p, s string) { r.add("strings %q %q %q", m, p, s) }
func (r *recorder) OnEnumerationDone()       { r.add("done") }
func (r *recorder) OnDeviceNotSupported()    { r.add("unsupported") }
func (r *recorder) OnUnrecoverableError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.add("error")
}
func (r *recorder) PollUserContinue() bool { return !r.hold.Load() }

// =============================================================================
// Helpers
// =============================================================================

func startHost(t *testing.T, cfg sim.Config, luns ...sim.Storage) (*Host, *sim.Controller, *sim.Function) {
	t.Helper()

	ctrl := sim.New()
	fn := sim.NewFunction(cfg, luns...)
	ctrl.Attach(fn, hal.SpeedHigh)

	h := New(ctrl,
		WithTimeouts(Timeouts{Control: time.Second, Bulk: time.Second, ResetSettle: time.Millisecond}),
		WithPollInterval(time.Millisecond))
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h, ctrl, fn
}

func enumerate(t *testing.T, h *Host, cb Callbacks) *Session {
	t.Helper()
	s, err := h.NewSession(1, cb)
	require.NoError(t, err)
	state, err := s.WaitForCompletion(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateRunning, state)
	return s
}

// =============================================================================
// Host Tests
// =============================================================================

func TestHost_StartStop(t *testing.T) {
	ctrl := sim.New()
	h := New(ctrl)

	assert.False(t, h.IsRunning())
	_, err := h.NewSession(1, nil)
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.Equal(t, 1, h.NumPorts())
	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	assert.NoError(t, h.Stop(), "second stop is a no-op")
}

// gatedHAL holds Init until release is closed and fails it with initErr.
type gatedHAL struct {
	hal.HostHAL

	entered chan struct{}
	release chan struct{}
	initErr error
	initCtx context.Context
}

func (g *gatedHAL) Init(ctx context.Context) error {
	g.initCtx = ctx
	close(g.entered)
	<-g.release
	if g.initErr != nil {
		return g.initErr
	}
	return g.HostHAL.Init(ctx)
}

func TestHost_StartConcurrent(t *testing.T) {
	g := &gatedHAL{HostHAL: sim.New(), entered: make(chan struct{}), release: make(chan struct{})}
	h := New(g)

	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()
	<-g.entered

	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrAlreadyRunning)
	assert.False(t, h.IsRunning())

	close(g.release)
	require.NoError(t, <-done)
	assert.True(t, h.IsRunning())
	require.NoError(t, h.Stop())
}

func TestHost_StartFailure(t *testing.T) {
	g := &gatedHAL{
		HostHAL: sim.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
		initErr: pkg.ErrBusy,
	}
	close(g.release)
	h := New(g)

	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrBusy)
	assert.False(t, h.IsRunning())
	assert.ErrorIs(t, g.initCtx.Err(), context.Canceled, "failed start releases its context")

	g.entered = make(chan struct{})
	g.initErr = nil
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	require.NoError(t, h.Stop())
}

func TestHost_Options(t *testing.T) {
	h := New(sim.New(),
		WithRetryPolicy(RetryPolicy{MaxRetries: 7}),
		WithTimeouts(Timeouts{Bulk: 3 * time.Second}),
		WithPollInterval(0))

	assert.Equal(t, 7, h.policy.MaxRetries)
	assert.Equal(t, DefaultControlTimeout, h.timeouts.Control)
	assert.Equal(t, 3*time.Second, h.timeouts.Bulk)
	assert.Equal(t, DefaultResetSettle, h.timeouts.ResetSettle)
	assert.Equal(t, DefaultPollInterval, h.pollInterval)
}

func TestHost_NewSession(t *testing.T) {
	h, ctrl, _ := startHost(t, sim.DefaultConfig())

	_, err := h.NewSession(2, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	s, err := h.NewSession(1, nil)
	require.NoError(t, err)
	assert.Same(t, s, h.Session(1))

	_, err = h.NewSession(1, nil)
	assert.ErrorIs(t, err, pkg.ErrBusy)

	state, err := s.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateAttached, state)

	ctrl.Detach()
	state, _ = s.Poll(context.Background())
	assert.Equal(t, StateDisconnected, state)

	s2, err := h.NewSession(1, nil)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestHost_WaitSession(t *testing.T) {
	h, _, _ := startHost(t, sim.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, err := h.WaitSession(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Port())
}

func TestHost_AddressAllocation(t *testing.T) {
	h := New(sim.New())

	seen := make(map[hal.DeviceAddress]bool)
	for rangeIdx := 0; rangeIdx < int(hal.MaxDeviceAddress); rangeIdx++ {
		addr, ok := h.allocateAddress()
		require.True(t, ok)
		assert.NotZero(t, addr)
		assert.LessOrEqual(t, addr, hal.MaxDeviceAddress)
		assert.False(t, seen[addr], "address %d allocated twice", addr)
		seen[addr] = true
	}

	_, ok := h.allocateAddress()
	assert.False(t, ok, "pool exhausted")

	h.releaseAddress(42)
	addr, ok := h.allocateAddress()
	require.True(t, ok)
	assert.Equal(t, hal.DeviceAddress(42), addr)
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestSession_EnumeratesToRunning(t *testing.T) {
	h, _, _ := startHost(t, sim.DefaultConfig())
	rec := &recorder{}
	s := enumerate(t, h, rec)

	dev := s.Device()
	addr := dev.Address()
	assert.NotZero(t, addr)
	assert.Equal(t, addr, s.Engine().Address())
	assert.Equal(t, []hal.DeviceAddress{addr}, h.Addresses())

	assert.Equal(t, []string{
		"attach",
		"reset",
		"speed High Speed",
		"device 1209:4d53",
		fmt.Sprintf("address %d", addr),
		"config class=08 eps=2",
		`strings "mschost" "Simulated Disk" "SIM0001"`,
		"done",
	}, rec.Events())

	assert.Equal(t, StatusConfigured, dev.Status())
	assert.Equal(t, hal.SpeedHigh, dev.Speed())
	assert.Equal(t, uint16(0x1209), dev.VendorID())
	assert.Equal(t, uint16(0x4D53), dev.ProductID())
	assert.Equal(t, "Simulated Disk", dev.Product())
	assert.Equal(t, uint8(0), dev.MaxLUN())

	iface := dev.StorageInterface()
	require.NotNil(t, iface)
	assert.Equal(t, uint8(sim.EndpointBulkIn), iface.BulkIn().EndpointAddress)
	assert.Equal(t, uint8(sim.EndpointBulkOut), iface.BulkOut().EndpointAddress)
	assert.NotNil(t, dev.GetEndpoint(sim.EndpointBulkIn))
	assert.Nil(t, dev.GetEndpoint(0x83))
}

func TestSession_PollAdvancesOneStateAtATime(t *testing.T) {
	h, _, _ := startHost(t, sim.DefaultConfig())
	s, err := h.NewSession(1, nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())

	var states []State
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateRunning && time.Now().Before(deadline) {
		state, err := s.Poll(context.Background())
		require.NoError(t, err)
		if len(states) == 0 || states[len(states)-1] != state {
			states = append(states, state)
		}
	}

	assert.Equal(t, []State{
		StateAttached,
		StateResetting,
		StateSpeedDetected,
		StateDeviceDescriptorRead,
		StateAddressAssigned,
		StateConfigDescriptorRead,
		StateStringsRead,
		StateConfigured,
		StateRunning,
	}, states)
}

func TestSession_MaxLUN(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*sim.Config)
		luns   int
		want   uint8
	}{
		{name: "single unit", luns: 1, want: 0},
		{name: "two units", luns: 2, want: 1},
		{name: "GET_MAX_LUN stalls", cfg: func(c *sim.Config) { c.StallGetMaxLUN = true }, luns: 2, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			var luns []sim.Storage
			for rangeIdx := 0; rangeIdx < tt.luns; rangeIdx++ {
				luns = append(luns, sim.NewMemoryStorage(16, 512))
			}
			h, _, _ := startHost(t, cfg, luns...)
			s := enumerate(t, h, nil)
			assert.Equal(t, tt.want, s.Device().MaxLUN())
		})
	}
}

func TestSession_Failures(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(*sim.Config)
		setup     func(*sim.Controller, *sim.Function)
		want      error
		wantEvent string
		wantState State
	}{
		{
			name:      "unsupported class",
			cfg:       func(c *sim.Config) { c.InterfaceClass = 0x03; c.InterfaceSubClass = 0; c.InterfaceProtocol = 0 },
			want:      ErrUnsupportedDevice,
			wantEvent: "unsupported",
			wantState: StateAddressAssigned,
		},
		{
			name:      "SCSI over CBI",
			cfg:       func(c *sim.Config) { c.InterfaceProtocol = 0x00 },
			want:      ErrUnsupportedDevice,
			wantEvent: "unsupported",
			wantState: StateAddressAssigned,
		},
		{
			name:      "bad max packet size",
			cfg:       func(c *sim.Config) { c.MaxPacketSize0 = 12 },
			want:      ErrDescriptorMalformed,
			wantEvent: "error",
			wantState: StateSpeedDetected,
		},
		{
			name:      "max LUN out of range",
			setup:     func(_ *sim.Controller, fn *sim.Function) { fn.SetReportedMaxLUN(20) },
			want:      ErrDescriptorMalformed,
			wantEvent: "error",
			wantState: StateStringsRead,
		},
		{
			name: "SET_ADDRESS fails",
			setup: func(c *sim.Controller, _ *sim.Function) {
				c.Inject(func(f *sim.Faults) { f.SetAddressErr = pkg.ErrStall })
			},
			want:      ErrAddressAssignFailed,
			wantEvent: "error",
			wantState: StateDeviceDescriptorRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			h, ctrl, fn := startHost(t, cfg)
			if tt.setup != nil {
				tt.setup(ctrl, fn)
			}

			rec := &recorder{}
			s, err := h.NewSession(1, rec)
			require.NoError(t, err)

			state, err := s.WaitForCompletion(context.Background(), 2*time.Second)
			assert.Equal(t, StateFailed, state)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, s.Err(), tt.want)
			assert.Equal(t, 1, rec.count(tt.wantEvent))
			assert.Zero(t, rec.count("done"))
			assert.Equal(t, StatusError, s.Device().Status())

			var ee *EnumerationError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.wantState, ee.State)

			// Further polls change nothing while the device stays.
			state, _ = s.Poll(context.Background())
			assert.Equal(t, StateFailed, state)
			assert.Equal(t, 1, rec.count(tt.wantEvent))

			// An unplug still ends the failed session.
			ctrl.Detach()
			state, err = s.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateDisconnected, state)
			assert.Equal(t, 1, rec.count("disconnect"))
			assert.Equal(t, StatusDisconnected, s.Device().Status())
			assert.Empty(t, h.Addresses())

			state, _ = s.Poll(context.Background())
			assert.Equal(t, StateDisconnected, state)
			assert.Equal(t, 1, rec.count("disconnect"))
		})
	}
}

func TestSession_UnsupportedReportsInterface(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.InterfaceClass = 0x03
	h, _, _ := startHost(t, cfg)

	rec := &recorder{}
	s, err := h.NewSession(1, rec)
	require.NoError(t, err)
	_, _ = s.WaitForCompletion(context.Background(), 2*time.Second)

	assert.Contains(t, rec.Events(), "config class=03 eps=2")
	assert.Nil(t, rec.err, "unsupported device is not an unrecoverable error")
}

func TestSession_MissingStrings(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Manufacturer = ""
	cfg.SerialNumber = ""
	h, _, _ := startHost(t, cfg)

	rec := &recorder{}
	s := enumerate(t, h, rec)
	assert.Contains(t, rec.Events(), `strings "" "Simulated Disk" ""`)
	assert.Empty(t, s.Device().SerialNumber())
}

func TestSession_PollUserContinueGatesRunning(t *testing.T) {
	h, _, _ := startHost(t, sim.DefaultConfig())

	rec := &recorder{}
	rec.hold.Store(true)
	s, err := h.NewSession(1, rec)
	require.NoError(t, err)

	state, err := s.WaitForCompletion(context.Background(), 200*time.Millisecond)
	assert.Equal(t, StateConfigured, state)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Equal(t, 1, rec.count("done"))

	// Polling while held never blocks and never advances.
	for rangeIdx := 0; rangeIdx < 5; rangeIdx++ {
		state, err = s.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateConfigured, state)
	}

	rec.hold.Store(false)
	state, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestSession_OverCurrent(t *testing.T) {
	h, ctrl, _ := startHost(t, sim.DefaultConfig())
	rec := &recorder{}
	s := enumerate(t, h, rec)

	ctrl.SetOverCurrent(true)
	for rangeIdx := 0; rangeIdx < 3; rangeIdx++ {
		_, err := s.Poll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rec.count("overcurrent"))
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestSession_DisconnectDuringEnumeration(t *testing.T) {
	h, ctrl, _ := startHost(t, sim.DefaultConfig())
	rec := &recorder{}
	s, err := h.NewSession(1, rec)
	require.NoError(t, err)

	for s.State() < StateAddressAssigned {
		_, err := s.Poll(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, h.Addresses(), 1)

	ctrl.Detach()
	state, err := s.Poll(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
	assert.Equal(t, StatusDisconnected, s.Device().Status())
	assert.Empty(t, h.Addresses(), "address returned to the pool")

	state, _ = s.Poll(context.Background())
	assert.Equal(t, StateDisconnected, state)
	assert.Equal(t, 1, rec.count("disconnect"))
	assert.Zero(t, rec.count("error"))
}

func TestSession_DisconnectWhileIdle(t *testing.T) {
	h, ctrl, _ := startHost(t, sim.DefaultConfig())
	ctrl.Detach()

	rec := &recorder{}
	s, err := h.NewSession(1, rec)
	require.NoError(t, err)

	state, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state, "idle session waits for attach")

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, rec.count("disconnect"), "nothing was attached")
}

func TestSession_DisconnectDuringDataStage(t *testing.T) {
	h, ctrl, _ := startHost(t, sim.DefaultConfig())
	rec := &recorder{}
	s := enumerate(t, h, rec)
	e := s.Engine()
	ctx := context.Background()

	ctrl.Inject(func(f *sim.Faults) { f.HoldDataIn = true })

	// READ(10) of one block at LBA 0.
	cbw := make([]byte, 31)
	binary.LittleEndian.PutUint32(cbw[0:], 0x43425355)
	binary.LittleEndian.PutUint32(cbw[4:], 1)
	binary.LittleEndian.PutUint32(cbw[8:], 512)
	cbw[12] = 0x80
	cbw[14] = 10
	cbw[15] = 0x28
	cbw[23] = 1
	_, err := e.SubmitBulk(ctx, sim.EndpointBulkOut, cbw, 0, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, &Request{
			Endpoint:     sim.EndpointBulkIn,
			Buffer:       make([]byte, 512),
			NoStallRetry: true,
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ctrl.Detach()

	var xferErr error
	select {
	case xferErr = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("data stage was not aborted by disconnect")
	}

	kind, ok := TransferErrorKindOf(xferErr)
	require.True(t, ok)
	assert.Equal(t, TransferDeviceGone, kind)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, rec.count("disconnect"))

	_, err = e.SubmitBulk(ctx, sim.EndpointBulkIn, make([]byte, 13), 0, 0)
	assert.True(t, IsDeviceGone(err))

	state, err := s.Poll(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
	assert.Equal(t, 1, rec.count("disconnect"), "disconnect is reported once")
}

func TestSession_ClaimInterface(t *testing.T) {
	h, _, _ := startHost(t, sim.DefaultConfig())
	s := enumerate(t, h, nil)

	require.NoError(t, s.ClaimInterface(0))
	assert.Error(t, s.ClaimInterface(3))
	require.NoError(t, s.ReleaseInterface(0))
}
