package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Options tunes a [Transport]. Zero fields select defaults.
type Options struct {
	// MaxTransferBlocks bounds the blocks moved by one READ(10)/WRITE(10);
	// larger requests are split.
	MaxTransferBlocks uint16

	// ReadyRetries is the number of TEST UNIT READY attempts during LUN
	// discovery while the unit reports UNIT ATTENTION or NOT READY.
	ReadyRetries int

	// ReadyInterval is the delay between TEST UNIT READY attempts.
	ReadyInterval time.Duration

	// Timeout bounds each BOT stage. Zero uses the engine's bulk timeout.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxTransferBlocks == 0 {
		o.MaxTransferBlocks = DefaultMaxTransferBlocks
	}
	if o.ReadyRetries <= 0 {
		o.ReadyRetries = DefaultReadyRetries
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = DefaultReadyInterval
	}
	return o
}

// Transport runs SCSI commands over the Bulk-Only Transport of a running
// session. It owns the CBW tag counter and the logical unit table.
//
// Commands are serialised: one CBW/data/CSW exchange is outstanding at a
// time.
type Transport struct {
	session *host.Session
	engine  *host.Engine
	opts    Options

	iface   uint8
	bulkIn  uint8
	bulkOut uint8
	maxLUN  uint8

	tag    uint32
	luns   []*LUN
	closed bool
	mutex  sync.Mutex
}

// New binds a transport to the mass-storage interface of s and claims it.
// The session must be in [host.StateRunning].
func New(s *host.Session, opts Options) (*Transport, error) {
	if state := s.State(); state != host.StateRunning {
		return nil, fmt.Errorf("%w: session is %s", pkg.ErrInvalidState, state)
	}

	dev := s.Device()
	iface := dev.StorageInterface()
	if iface == nil {
		return nil, host.ErrUnsupportedDevice
	}
	in, out := iface.BulkIn(), iface.BulkOut()
	if in == nil || out == nil {
		return nil, fmt.Errorf("%w: no bulk endpoint pair", host.ErrDescriptorMalformed)
	}

	number := iface.Descriptor.InterfaceNumber
	if err := s.ClaimInterface(number); err != nil {
		return nil, fmt.Errorf("claim interface %d: %w", number, err)
	}

	t := &Transport{
		session: s,
		engine:  s.Engine(),
		opts:    opts.withDefaults(),
		iface:   number,
		bulkIn:  in.EndpointAddress,
		bulkOut: out.EndpointAddress,
		maxLUN:  dev.MaxLUN(),
	}
	pkg.LogDebug(pkg.ComponentMSC, "transport bound",
		"interface", number,
		"bulkIn", t.bulkIn,
		"bulkOut", t.bulkOut,
		"maxLUN", t.maxLUN)
	return t, nil
}

// MaxLUN returns the highest LUN index reported by the device.
func (t *Transport) MaxLUN() uint8 {
	return t.maxLUN
}

// Init discovers the logical units 0..MaxLUN. Units that fail discovery with
// a SCSI error (no medium, for instance) are skipped; Init fails only if no
// unit is usable or the device goes away.
func (t *Transport) Init(ctx context.Context) ([]*LUN, error) {
	var (
		luns []*LUN
		errs error
	)
	for i := 0; i <= int(t.maxLUN); i++ {
		lun := &LUN{t: t, index: uint8(i)}
		if err := lun.discover(ctx); err != nil {
			if host.IsDeviceGone(err) || ctx.Err() != nil {
				return nil, err
			}
			pkg.LogWarn(pkg.ComponentMSC, "logical unit unavailable", "lun", i, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("lun %d: %w", i, err))
			continue
		}
		luns = append(luns, lun)
	}
	if len(luns) == 0 {
		return nil, errs
	}

	t.mutex.Lock()
	t.luns = luns
	t.mutex.Unlock()
	return luns, nil
}

// LUNs returns the units found by Init.
func (t *Transport) LUNs() []*LUN {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]*LUN(nil), t.luns...)
}

// LUN returns the unit with the given index, or nil.
func (t *Transport) LUN(index uint8) *LUN {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lunLocked(index)
}

func (t *Transport) lunLocked(index uint8) *LUN {
	for _, l := range t.luns {
		if l.index == index {
			return l
		}
	}
	return nil
}

// Close invalidates all units and releases the interface.
func (t *Transport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	luns := t.luns
	t.mutex.Unlock()

	var err error
	for _, l := range luns {
		l.invalidate()
	}
	if !t.engine.Gone() {
		err = multierr.Append(err, t.session.ReleaseInterface(t.iface))
	}
	return err
}

// Do runs one SCSI command on lun. data is the data stage buffer: its
// length is the CBW transfer length, and dataIn selects the direction.
// Do returns the number of bytes moved in the data stage.
//
// A CSW phase error triggers reset recovery and one retry with a fresh tag;
// a second phase error fails the unit.
func (t *Transport) Do(ctx context.Context, lun uint8, cdb []byte, data []byte, dataIn bool) (int, error) {
	if len(cdb) == 0 || len(cdb) > CBWMaxCDB {
		return 0, fmt.Errorf("%w: CDB length %d", pkg.ErrInvalidParameter, len(cdb))
	}
	if lun > t.maxLUN {
		return 0, fmt.Errorf("%w: lun %d", pkg.ErrInvalidParameter, lun)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return 0, fmt.Errorf("%w: transport closed", pkg.ErrInvalidState)
	}

	n, err := t.execute(ctx, lun, cdb, data, dataIn)
	if kind, ok := SCSIErrorKindOf(err); ok && kind == PhaseError {
		pkg.LogDebug(pkg.ComponentMSC, "phase error, retrying", "lun", lun, "opcode", cdb[0])
		n, err = t.execute(ctx, lun, cdb, data, dataIn)
		if kind, ok := SCSIErrorKindOf(err); ok && kind == PhaseError {
			t.failUnit(lun, err)
		}
	}
	return n, err
}

// Reset performs BOT reset recovery: a Bulk-Only Mass Storage Reset followed
// by clearing the halt on both bulk endpoints.
func (t *Transport) Reset(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.resetRecovery(ctx)
}

// execute runs one command and classifies its CSW status.
func (t *Transport) execute(ctx context.Context, lun uint8, cdb, data []byte, dataIn bool) (int, error) {
	n, status, err := t.transact(ctx, lun, cdb, data, dataIn)
	if err != nil {
		return n, err
	}

	switch status {
	case CSWStatusGood:
		return n, nil

	case CSWStatusFailed:
		return n, t.senseError(ctx, lun, cdb[0])

	default:
		pe := &SCSIError{Kind: PhaseError, LUN: lun, Opcode: cdb[0]}
		return n, t.recover(ctx, pe)
	}
}

// transact performs the command, data and status stages of one CBW.
func (t *Transport) transact(ctx context.Context, lun uint8, cdb, data []byte, dataIn bool) (int, CSWStatus, error) {
	t.tag++
	tag := t.tag
	length := uint32(len(data))

	cbw := NewCBW(tag, length, dataIn, lun, cdb)
	var wire [CBWSize]byte
	cbw.MarshalTo(wire[:])

	pkg.LogDebug(pkg.ComponentMSC, "CBW",
		"tag", tag,
		"lun", lun,
		"opcode", cdb[0],
		"length", length,
		"in", dataIn)

	_, err := t.engine.Submit(ctx, &host.Request{
		Endpoint: t.bulkOut,
		Buffer:   wire[:],
		Timeout:  t.opts.Timeout,
	})
	if err != nil {
		return 0, 0, t.recover(ctx, fmt.Errorf("command stage: %w", err))
	}

	n := 0
	if length > 0 {
		ep := t.bulkOut
		if dataIn {
			ep = t.bulkIn
		}
		n, err = t.engine.Submit(ctx, &host.Request{
			Endpoint:     ep,
			Buffer:       data,
			Timeout:      t.opts.Timeout,
			NoStallRetry: true,
		})
		if err != nil {
			if kind, ok := host.TransferErrorKindOf(err); !ok || kind != host.TransferStalled {
				return n, 0, t.recover(ctx, fmt.Errorf("data stage: %w", err))
			}
			// Halt already cleared; the CSW says why the device stalled.
			pkg.LogDebug(pkg.ComponentMSC, "data stage stalled", "tag", tag, "endpoint", ep)
		}
	}

	var raw [CSWSize]byte
	got, err := t.engine.Submit(ctx, &host.Request{
		Endpoint: t.bulkIn,
		Buffer:   raw[:],
		Timeout:  t.opts.Timeout,
	})
	if err != nil {
		return n, 0, t.recover(ctx, fmt.Errorf("status stage: %w", err))
	}

	var csw CommandStatusWrapper
	switch {
	case !ParseCSW(raw[:got], &csw):
		return n, 0, t.recover(ctx, &SCSIError{
			Kind: InvalidStatus, LUN: lun, Opcode: cdb[0],
			Err: fmt.Errorf("%d byte CSW with signature 0x%08X", got, csw.Signature),
		})

	case csw.Tag != tag:
		err := &SCSIError{
			Kind: TagMismatch, LUN: lun, Opcode: cdb[0],
			Err: fmt.Errorf("got 0x%08X, want 0x%08X", csw.Tag, tag),
		}
		t.failUnit(lun, err)
		return n, 0, t.recover(ctx, err)

	case csw.DataResidue > length:
		return n, 0, t.recover(ctx, &SCSIError{
			Kind: InvalidStatus, LUN: lun, Opcode: cdb[0],
			Err: fmt.Errorf("residue %d exceeds transfer length %d", csw.DataResidue, length),
		})

	case csw.Status > CSWStatusPhaseError:
		return n, 0, t.recover(ctx, &SCSIError{
			Kind: InvalidStatus, LUN: lun, Opcode: cdb[0],
			Err: fmt.Errorf("status %s", csw.Status),
		})
	}

	pkg.LogDebug(pkg.ComponentMSC, "CSW",
		"tag", tag,
		"status", csw.Status,
		"residue", csw.DataResidue,
		"moved", n)
	return n, csw.Status, nil
}

// senseError issues REQUEST SENSE after a failed command and returns the
// classified error.
func (t *Transport) senseError(ctx context.Context, lun, opcode uint8) error {
	se := &SCSIError{Kind: CommandFailed, LUN: lun, Opcode: opcode}

	var buf [SenseFixedSize]byte
	n, status, err := t.transact(ctx, lun, requestSenseCDB(SenseFixedSize), buf[:], true)
	switch {
	case err != nil:
		if host.IsDeviceGone(err) {
			return err
		}
		se.Err = fmt.Errorf("request sense: %w", err)

	case status != CSWStatusGood:
		se.Err = fmt.Errorf("request sense: status %s", status)
		if status == CSWStatusPhaseError {
			se.Err = t.recover(ctx, se.Err)
		}

	default:
		var sense SenseData
		if ParseSense(buf[:n], &sense) {
			se.SenseKey = sense.Key
			se.ASC = sense.ASC
			se.ASCQ = sense.ASCQ
		}
	}

	pkg.LogDebug(pkg.ComponentMSC, "command failed",
		"lun", lun,
		"opcode", opcode,
		"sense", SenseKeyName(se.SenseKey),
		"asc", se.ASC,
		"ascq", se.ASCQ)
	return se
}

// recover runs reset recovery after a transport failure and returns err,
// joined with any recovery failure. A vanished device or a cancelled
// context skips recovery.
func (t *Transport) recover(ctx context.Context, err error) error {
	if host.IsDeviceGone(err) || errors.Is(err, pkg.ErrCancelled) || ctx.Err() != nil {
		return err
	}
	if rerr := t.resetRecovery(ctx); rerr != nil {
		return multierr.Append(err, fmt.Errorf("reset recovery: %w", rerr))
	}
	return err
}

func (t *Transport) resetRecovery(ctx context.Context) error {
	pkg.LogWarn(pkg.ComponentMSC, "reset recovery", "interface", t.iface)

	setup := hal.SetupPacket{
		RequestType: host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     host.RequestBulkOnlyReset,
		Index:       uint16(t.iface),
	}
	if _, err := t.engine.SubmitControl(ctx, &setup, nil, 0); err != nil {
		return fmt.Errorf("mass storage reset: %w", err)
	}
	return multierr.Combine(
		t.engine.ClearHalt(ctx, t.bulkIn),
		t.engine.ClearHalt(ctx, t.bulkOut),
	)
}

// failUnit marks lun failed. Caller holds the mutex.
func (t *Transport) failUnit(lun uint8, err error) {
	pkg.LogError(pkg.ComponentMSC, "logical unit failed", "lun", lun, "error", err)
	if l := t.lunLocked(lun); l != nil {
		l.fail(err)
	}
}
