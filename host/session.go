package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Session is one physical device session on a root port: it owns the
// [Device], drives enumeration through [Session.Poll] and holds the [Engine]
// used by class drivers once the session is running.
//
// A session ends in StateFailed or StateDisconnected. There is no automatic
// re-enumeration; a new session is needed after the device is replugged.
type Session struct {
	host     *Host
	hal      hal.HostHAL
	port     int
	cb       Callbacks
	engine   *Engine
	dev      *Device
	timeouts Timeouts

	// Scratch space for descriptor reads
	buf [MaxDescriptorSize]byte

	settleUntil time.Time
	overCurrent bool

	state   State
	err     error
	claimed []uint8
	mutex   sync.Mutex
}

func newSession(h *Host, port int, cb Callbacks) *Session {
	if cb == nil {
		cb = NopCallbacks{}
	}
	s := &Session{
		host:     h,
		hal:      h.hal,
		port:     port,
		cb:       cb,
		dev:      newDevice(port),
		timeouts: h.timeouts,
		state:    StateIdle,
	}
	s.engine = NewEngine(h.hal, h.policy, h.timeouts)
	s.engine.setOnGone(s.markDisconnected)
	return s
}

// Port returns the root port of the session.
func (s *Session) Port() int {
	return s.port
}

// Device returns the device being enumerated.
func (s *Session) Device() *Device {
	return s.dev
}

// Engine returns the transfer engine bound to the device.
func (s *Session) Engine() *Engine {
	return s.engine
}

// State returns the current state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Err returns the error that moved the session to StateFailed, if any.
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Poll advances the session by at most one state transition and returns the
// resulting state. Poll never waits for user input; it may wait for the
// bounded duration of one transfer.
//
// The returned error is non-nil while the session is failed, or when the
// port status cannot be read.
func (s *Session) Poll(ctx context.Context) (State, error) {
	state := s.State()
	switch state {
	case StateDisconnected:
		return state, s.Err()
	case StateFailed:
		return s.pollFailed()
	}
	if err := ctx.Err(); err != nil {
		return state, err
	}

	status, err := s.hal.GetPortStatus(s.port)
	if err != nil {
		if errors.Is(err, pkg.ErrNoDevice) {
			s.engine.Abort()
			return s.State(), nil
		}
		return state, fmt.Errorf("port %d status: %w", s.port, err)
	}
	if s.engine.Gone() || (!status.Connected && state != StateIdle) {
		s.engine.Abort()
		return s.State(), nil
	}

	if status.OverCurrent != s.overCurrent {
		s.overCurrent = status.OverCurrent
		if status.OverCurrent {
			pkg.LogWarn(pkg.ComponentEnum, "port over-current", "port", s.port)
			s.cb.OnOverCurrent()
		}
	}

	s.step(ctx, state, status)

	state = s.State()
	if state == StateFailed {
		return state, s.Err()
	}
	if err := ctx.Err(); err != nil {
		return state, err
	}
	return state, nil
}

// pollFailed watches the port of a failed session so that an unplug still
// moves it to StateDisconnected and releases its address.
func (s *Session) pollFailed() (State, error) {
	status, err := s.hal.GetPortStatus(s.port)
	if errors.Is(err, pkg.ErrNoDevice) || (err == nil && !status.Connected) || s.engine.Gone() {
		s.engine.Abort()
		return s.State(), nil
	}
	return StateFailed, s.Err()
}

// WaitForCompletion polls until the session is running or has ended, or
// until timeout elapses. A non-positive timeout waits on ctx alone.
func (s *Session) WaitForCompletion(ctx context.Context, timeout time.Duration) (State, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.host.pollInterval)
	defer ticker.Stop()

	for {
		before := s.State()
		state, err := s.Poll(ctx)
		if state == StateRunning || state.Terminal() {
			return state, err
		}
		if err != nil && ctx.Err() == nil {
			return state, err
		}
		if state != before {
			continue
		}

		select {
		case <-ctx.Done():
			return state, fmt.Errorf("%w: session in state %s: %w", pkg.ErrTimeout, state, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Disconnect reports that the device has been removed. Any in-flight
// transfer fails with TransferDeviceGone and the session moves to
// StateDisconnected.
func (s *Session) Disconnect() {
	s.engine.Abort()
}

// ClaimInterface claims an interface of the device for exclusive use.
func (s *Session) ClaimInterface(iface uint8) error {
	if err := s.hal.ClaimInterface(s.dev.Address(), iface); err != nil {
		return err
	}
	s.mutex.Lock()
	s.claimed = append(s.claimed, iface)
	s.mutex.Unlock()
	return nil
}

// ReleaseInterface releases a claimed interface.
func (s *Session) ReleaseInterface(iface uint8) error {
	s.mutex.Lock()
	for i, n := range s.claimed {
		if n == iface {
			s.claimed = append(s.claimed[:i], s.claimed[i+1:]...)
			break
		}
	}
	s.mutex.Unlock()
	return s.hal.ReleaseInterface(s.dev.Address(), iface)
}

// close releases host resources held by the session without reporting a
// disconnect.
func (s *Session) close() error {
	s.mutex.Lock()
	claimed := s.claimed
	s.claimed = nil
	s.mutex.Unlock()

	var errs []error
	if !s.engine.Gone() {
		for _, iface := range claimed {
			errs = append(errs, s.hal.ReleaseInterface(s.dev.Address(), iface))
		}
	}
	s.engine.gone.Store(true)
	s.host.releaseAddress(s.dev.Address())
	return multierr.Combine(errs...)
}

// advance moves to next unless the session already ended.
func (s *Session) advance(next State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = next
}

// markDisconnected moves the session to StateDisconnected and reports it
// exactly once.
func (s *Session) markDisconnected() {
	s.mutex.Lock()
	if s.state == StateDisconnected {
		s.mutex.Unlock()
		return
	}
	prev := s.state
	s.state = StateDisconnected
	s.mutex.Unlock()

	s.engine.gone.Store(true)
	s.dev.setStatus(StatusDisconnected)
	s.host.releaseAddress(s.dev.Address())

	pkg.LogInfo(pkg.ComponentEnum, "device disconnected",
		"port", s.port,
		"address", s.dev.Address(),
		"state", prev)
	if prev != StateIdle {
		s.cb.OnDisconnect()
	}
}

// fail moves the session to StateFailed and reports err once.
func (s *Session) fail(err error) {
	s.mutex.Lock()
	if s.state.Terminal() {
		s.mutex.Unlock()
		return
	}
	prev := s.state
	s.state = StateFailed
	s.err = err
	s.mutex.Unlock()

	s.dev.setStatus(StatusError)
	pkg.LogWarn(pkg.ComponentEnum, "enumeration failed",
		"port", s.port,
		"state", prev,
		"error", err)

	var ee *EnumerationError
	if errors.As(err, &ee) && ee.Kind == EnumUnsupportedDevice {
		s.cb.OnDeviceNotSupported()
		return
	}
	s.cb.OnUnrecoverableError(err)
}

func (s *Session) failEnum(kind EnumerationErrorKind, err error) {
	s.fail(&EnumerationError{Kind: kind, State: s.State(), Err: err})
}

// failTransfer fails the session for a transfer error. A vanished device has
// already been reported and a cancelled step is retried on the next Poll.
func (s *Session) failTransfer(what string, err error) {
	if IsDeviceGone(err) || errors.Is(err, pkg.ErrCancelled) {
		return
	}
	s.fail(fmt.Errorf("%s: %w", what, err))
}
