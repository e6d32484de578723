package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// RetryPolicy bounds the engine's local recovery from transient errors.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after a NAK or timeout.
	MaxRetries int

	// Backoff is the delay before each retry.
	Backoff time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Backoff:    time.Millisecond,
}

// Timeouts holds the default deadlines applied by the engine and session.
type Timeouts struct {
	Control     time.Duration // Per control transfer attempt
	Bulk        time.Duration // Per bulk transfer attempt
	ResetSettle time.Duration // Delay after port reset before the first request
}

// DefaultTimeouts returns the default deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Control:     DefaultControlTimeout,
		Bulk:        DefaultBulkTimeout,
		ResetSettle: DefaultResetSettle,
	}
}

// Request describes a single bulk transaction.
// A Request is transient; the engine never retains it after Submit returns.
type Request struct {
	// Endpoint is the endpoint address; bit 7 selects IN.
	Endpoint uint8

	// Buffer is the payload (source for OUT, destination for IN).
	Buffer []byte

	// Length is the number of bytes to move. Zero means len(Buffer).
	Length int

	// Timeout overrides the engine's bulk timeout when non-zero.
	Timeout time.Duration

	// NoStallRetry makes a STALL surface after the endpoint halt is cleared
	// instead of retrying the transaction. BOT data stages use this so the
	// status stage can report why the device stalled.
	NoStallRetry bool
}

// IsIn reports whether the request moves data device-to-host.
func (r *Request) IsIn() bool {
	return r.Endpoint&EndpointDirectionIn != 0
}

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (r *Request) Direction() uint8 {
	return r.Endpoint & EndpointDirectionIn
}

// EngineStats counts engine activity since creation.
type EngineStats struct {
	ControlTransfers uint64
	BulkTransfers    uint64
	Retries          uint64
	Stalls           uint64
	ClearHalts       uint64
}

// Engine issues control and bulk transactions for one device and applies the
// retry and stall recovery rules. At most one transaction is outstanding at a
// time; concurrent callers are serialised.
type Engine struct {
	hal      hal.HostHAL
	policy   RetryPolicy
	timeouts Timeouts

	addr atomic.Uint32
	gone atomic.Bool

	onGone   func()
	goneOnce sync.Once

	mutex sync.Mutex

	controlCount atomic.Uint64
	bulkCount    atomic.Uint64
	retryCount   atomic.Uint64
	stallCount   atomic.Uint64
	clearCount   atomic.Uint64
}

// NewEngine creates an engine addressing the device at address 0.
func NewEngine(h hal.HostHAL, policy RetryPolicy, timeouts Timeouts) *Engine {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if timeouts.Control <= 0 {
		timeouts.Control = DefaultControlTimeout
	}
	if timeouts.Bulk <= 0 {
		timeouts.Bulk = DefaultBulkTimeout
	}
	return &Engine{
		hal:      h,
		policy:   policy,
		timeouts: timeouts,
	}
}

// Address returns the device address transactions are sent to.
func (e *Engine) Address() hal.DeviceAddress {
	return hal.DeviceAddress(e.addr.Load())
}

// SetAddress retargets subsequent transactions.
func (e *Engine) SetAddress(addr hal.DeviceAddress) {
	e.addr.Store(uint32(addr))
}

// Gone reports whether the engine has observed the device disappear.
func (e *Engine) Gone() bool {
	return e.gone.Load()
}

// Abort marks the device gone. Outstanding and future transactions fail
// with TransferDeviceGone.
func (e *Engine) Abort() {
	e.markGone()
}

// setOnGone installs the hook invoked once when the device disappears.
func (e *Engine) setOnGone(fn func()) {
	e.onGone = fn
}

func (e *Engine) markGone() {
	e.gone.Store(true)
	e.goneOnce.Do(func() {
		pkg.LogDebug(pkg.ComponentTransfer, "device gone", "address", e.Address())
		if e.onGone != nil {
			e.onGone()
		}
	})
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		ControlTransfers: e.controlCount.Load(),
		BulkTransfers:    e.bulkCount.Load(),
		Retries:          e.retryCount.Load(),
		Stalls:           e.stallCount.Load(),
		ClearHalts:       e.clearCount.Load(),
	}
}

// SubmitControl performs a complete control transfer. The data stage uses
// buf[:setup.Length]. A STALL is surfaced immediately; NAKs and timeouts are
// retried up to the policy bound. A zero timeout selects the default.
func (e *Engine) SubmitControl(ctx context.Context, setup *hal.SetupPacket, buf []byte, timeout time.Duration) (int, error) {
	if e.gone.Load() {
		return 0, newTransferError(TransferDeviceGone, 0, nil)
	}
	if int(setup.Length) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", pkg.ErrBufferTooSmall, setup.Length, len(buf))
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.controlLocked(ctx, setup, buf[:setup.Length], timeout)
}

func (e *Engine) controlLocked(ctx context.Context, setup *hal.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = e.timeouts.Control
	}

	for attempt := 0; ; attempt++ {
		if e.gone.Load() {
			return 0, newTransferError(TransferDeviceGone, 0, nil)
		}
		e.controlCount.Add(1)

		tctx, cancel := context.WithTimeout(ctx, timeout)
		n, err := e.hal.ControlTransfer(tctx, e.Address(), setup, data)
		cancel()
		if err == nil {
			return n, nil
		}

		switch {
		case errors.Is(err, pkg.ErrNoDevice):
			e.markGone()
			return 0, newTransferError(TransferDeviceGone, 0, err)

		case ctx.Err() != nil:
			return 0, fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())

		case errors.Is(err, pkg.ErrStall):
			e.stallCount.Add(1)
			pkg.LogDebug(pkg.ComponentTransfer, "control stall",
				"request", setup.Request,
				"requestType", setup.RequestType)
			return 0, newTransferError(TransferStalled, 0, err)

		case isTransient(err):
			if attempt >= e.policy.MaxRetries {
				return 0, newTransferError(TransferTimeout, 0, err)
			}
			e.retryCount.Add(1)
			if werr := e.backoff(ctx); werr != nil {
				return 0, werr
			}

		default:
			return 0, fmt.Errorf("control transfer: %w", err)
		}
	}
}

// SubmitBulk performs a bulk transfer of length bytes on endpoint. A zero
// length moves len(buf) bytes; a zero timeout selects the default.
func (e *Engine) SubmitBulk(ctx context.Context, endpoint uint8, buf []byte, length int, timeout time.Duration) (int, error) {
	return e.Submit(ctx, &Request{
		Endpoint: endpoint,
		Buffer:   buf,
		Length:   length,
		Timeout:  timeout,
	})
}

// Submit performs the bulk transaction described by req.
//
// IN transfers may complete short without error. On STALL the endpoint halt
// is cleared and the transaction retried once, unless req.NoStallRetry is
// set; a second STALL is returned without clearing again.
func (e *Engine) Submit(ctx context.Context, req *Request) (int, error) {
	if e.gone.Load() {
		return 0, newTransferError(TransferDeviceGone, req.Endpoint, nil)
	}
	length := req.Length
	if length == 0 {
		length = len(req.Buffer)
	}
	if length > len(req.Buffer) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", pkg.ErrBufferTooSmall, length, len(req.Buffer))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeouts.Bulk
	}
	data := req.Buffer[:length]

	e.mutex.Lock()
	defer e.mutex.Unlock()

	stalls := 0
	retries := 0
	for {
		if e.gone.Load() {
			return 0, newTransferError(TransferDeviceGone, req.Endpoint, nil)
		}
		e.bulkCount.Add(1)

		tctx, cancel := context.WithTimeout(ctx, timeout)
		n, err := e.hal.BulkTransfer(tctx, e.Address(), req.Endpoint, data)
		cancel()
		if err == nil {
			return n, nil
		}

		switch {
		case errors.Is(err, pkg.ErrNoDevice):
			e.markGone()
			return 0, newTransferError(TransferDeviceGone, req.Endpoint, err)

		case ctx.Err() != nil:
			return 0, fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())

		case errors.Is(err, pkg.ErrStall):
			e.stallCount.Add(1)
			stalls++
			if stalls > 1 {
				pkg.LogWarn(pkg.ComponentTransfer, "repeated stall",
					"endpoint", req.Endpoint)
				return 0, newTransferError(TransferStalled, req.Endpoint, err)
			}
			pkg.LogDebug(pkg.ComponentTransfer, "bulk stall, clearing halt",
				"endpoint", req.Endpoint)
			if cerr := e.clearHaltLocked(ctx, req.Endpoint); cerr != nil {
				return 0, cerr
			}
			if req.NoStallRetry {
				return 0, newTransferError(TransferStalled, req.Endpoint, err)
			}

		case isTransient(err):
			if retries >= e.policy.MaxRetries {
				return 0, newTransferError(TransferTimeout, req.Endpoint, err)
			}
			retries++
			e.retryCount.Add(1)
			if werr := e.backoff(ctx); werr != nil {
				return 0, werr
			}

		default:
			return 0, fmt.Errorf("bulk transfer ep 0x%02X: %w", req.Endpoint, err)
		}
	}
}

// ClearHalt issues CLEAR_FEATURE(ENDPOINT_HALT) for endpoint.
func (e *Engine) ClearHalt(ctx context.Context, endpoint uint8) error {
	if e.gone.Load() {
		return newTransferError(TransferDeviceGone, endpoint, nil)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.clearHaltLocked(ctx, endpoint)
}

func (e *Engine) clearHaltLocked(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
		Length:      0,
	}
	e.clearCount.Add(1)
	if _, err := e.controlLocked(ctx, &setup, nil, 0); err != nil {
		return fmt.Errorf("clear halt ep 0x%02X: %w", endpoint, err)
	}
	return nil
}

// ExpectLength returns a TransferShortData error when n is below want.
func ExpectLength(endpoint uint8, n, want int) error {
	if n < want {
		return newTransferError(TransferShortData, endpoint,
			fmt.Errorf("got %d of %d bytes", n, want))
	}
	return nil
}

func (e *Engine) backoff(ctx context.Context) error {
	if e.policy.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(e.policy.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is a NAK or per-attempt timeout.
func isTransient(err error) bool {
	return errors.Is(err, pkg.ErrNAK) ||
		errors.Is(err, pkg.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// assignAddress issues SET_ADDRESS through the HAL and retargets the engine.
func (e *Engine) assignAddress(ctx context.Context, addr hal.DeviceAddress) error {
	if e.gone.Load() {
		return newTransferError(TransferDeviceGone, 0, nil)
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()

	tctx, cancel := context.WithTimeout(ctx, e.timeouts.Control)
	defer cancel()
	e.controlCount.Add(1)
	if err := e.hal.SetDeviceAddress(tctx, addr); err != nil {
		if errors.Is(err, pkg.ErrNoDevice) {
			e.markGone()
			return newTransferError(TransferDeviceGone, 0, err)
		}
		return err
	}
	e.SetAddress(addr)
	return nil
}
