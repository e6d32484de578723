package msc

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	ctrl    *sim.Controller
	session *host.Session
	tr      *Transport
}

func runningSession(t *testing.T, cfg sim.Config, luns ...sim.Storage) (*sim.Controller, *host.Session) {
	t.Helper()

	ctrl := sim.New()
	ctrl.Attach(sim.NewFunction(cfg, luns...), hal.SpeedHigh)

	h := host.New(ctrl,
		host.WithTimeouts(host.Timeouts{Control: time.Second, Bulk: time.Second, ResetSettle: time.Millisecond}),
		host.WithPollInterval(time.Millisecond))
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	s, err := h.NewSession(1, nil)
	require.NoError(t, err)
	state, err := s.WaitForCompletion(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, host.StateRunning, state)
	return ctrl, s
}

func newFixture(t *testing.T, cfg sim.Config, opts Options, luns ...sim.Storage) *fixture {
	t.Helper()

	ctrl, s := runningSession(t, cfg, luns...)
	if opts.ReadyInterval == 0 {
		opts.ReadyInterval = time.Millisecond
	}
	tr, err := New(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return &fixture{ctrl: ctrl, session: s, tr: tr}
}

// initLUN discovers the units and returns LUN 0 with the wire stats cleared.
func (f *fixture) initLUN(t *testing.T) *LUN {
	t.Helper()
	luns, err := f.tr.Init(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, luns)
	f.ctrl.ResetStats()
	return luns[0]
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func countOpcode(ops []uint8, op uint8) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

// =============================================================================
// Transport Tests
// =============================================================================

func TestNew_RequiresRunningSession(t *testing.T) {
	ctrl := sim.New()
	ctrl.Attach(sim.NewFunction(sim.DefaultConfig()), hal.SpeedFull)
	h := host.New(ctrl)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	s, err := h.NewSession(1, nil)
	require.NoError(t, err)

	_, err = New(s, Options{})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, uint16(DefaultMaxTransferBlocks), o.MaxTransferBlocks)
	assert.Equal(t, DefaultReadyRetries, o.ReadyRetries)
	assert.Equal(t, DefaultReadyInterval, o.ReadyInterval)
	assert.Zero(t, o.Timeout)

	o = Options{MaxTransferBlocks: 8, ReadyRetries: 2}.withDefaults()
	assert.Equal(t, uint16(8), o.MaxTransferBlocks)
	assert.Equal(t, 2, o.ReadyRetries)
}

func TestTransport_Init(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	assert.Equal(t, uint8(0), f.tr.MaxLUN())

	luns, err := f.tr.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, luns, 1)

	lun := luns[0]
	assert.Equal(t, uint8(0), lun.Index())
	assert.Same(t, lun, f.tr.LUN(0))
	assert.Nil(t, f.tr.LUN(1))
	assert.Equal(t, luns, f.tr.LUNs())

	inq := lun.Inquiry()
	assert.Equal(t, "MSCHOST", inq.Vendor)
	assert.Equal(t, "SIM DISK", inq.Product)
	assert.Equal(t, "1.0", inq.Revision)
	assert.True(t, inq.Removable)
	assert.Equal(t, uint8(DeviceTypeDisk), inq.DeviceType)

	blocks, size := lun.Capacity()
	assert.Equal(t, uint64(1000), blocks)
	assert.Equal(t, uint32(512), size)
	assert.Equal(t, uint64(512000), lun.SizeBytes())
	assert.False(t, lun.IsWriteProtected())
	assert.True(t, lun.IsReady())
	assert.NoError(t, lun.Err())
	assert.Equal(t, "lun 0: MSCHOST SIM DISK 1.0, 1000 x 512", lun.String())

	ops := f.ctrl.Stats().Opcodes
	assert.Equal(t, []uint8{SCSIInquiry, SCSITestUnitReady, SCSIReadCapacity10, SCSIModeSense6}, ops)
}

func TestTransport_InitMultipleLUNs(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{},
		sim.NewMemoryStorage(100, 512),
		sim.NewMemoryStorage(64, 4096))
	assert.Equal(t, uint8(1), f.tr.MaxLUN())

	luns, err := f.tr.Init(context.Background())
	require.NoError(t, err)
	require.Len(t, luns, 2)

	blocks, size := luns[1].Capacity()
	assert.Equal(t, uint64(64), blocks)
	assert.Equal(t, uint32(4096), size)
	assert.Equal(t, uint8(1), luns[1].Index())
}

// largeStorage reports more blocks than READ CAPACITY(10) can describe and
// keeps only the first blocks of the medium in memory.
type largeStorage struct {
	*sim.MemoryStorage
	blocks uint64
}

func (s *largeStorage) BlockCount() uint64 { return s.blocks }

func TestTransport_InitLargeUnit(t *testing.T) {
	st := &largeStorage{MemoryStorage: sim.NewMemoryStorage(16, 512), blocks: 1 << 33}
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)
	lun := f.initLUN(t)
	ctx := context.Background()

	blocks, size := lun.Capacity()
	assert.Equal(t, uint64(1)<<33, blocks)
	assert.Equal(t, uint32(512), size)
	assert.Equal(t, uint64(1)<<42, lun.SizeBytes())

	data := pattern(512, 9)
	require.NoError(t, lun.WriteBlocks(ctx, 3, 1, data))
	buf := make([]byte, 512)
	require.NoError(t, lun.ReadBlocks(ctx, 3, 1, buf))
	assert.Equal(t, data, buf)
	f.ctrl.ResetStats()

	for _, lba := range []uint64{MaxLBA10 + 1, 1 << 32, blocks - 1} {
		err := lun.ReadBlocks(ctx, lba, 1, buf)
		assert.ErrorIs(t, err, ErrOutOfRange, "lba %d", lba)
	}
	assert.ErrorIs(t, lun.ReadBlocks(ctx, MaxLBA10, 2, make([]byte, 1024)), ErrOutOfRange)
	assert.Zero(t, f.ctrl.Stats().CBWs, "nothing sent")
}

func TestTransport_InitCapacityOpcodes(t *testing.T) {
	st := &largeStorage{MemoryStorage: sim.NewMemoryStorage(16, 512), blocks: 1 << 33}
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)

	_, err := f.tr.Init(context.Background())
	require.NoError(t, err)
	ops := f.ctrl.Stats().Opcodes
	assert.Equal(t, 1, countOpcode(ops, SCSIReadCapacity10))
	assert.Equal(t, 1, countOpcode(ops, SCSIServiceActionIn16))
}

func TestTransport_InitWriteProtected(t *testing.T) {
	st := sim.NewMemoryStorage(100, 512)
	st.SetReadOnly(true)
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)

	lun := f.initLUN(t)
	assert.True(t, lun.IsWriteProtected())
}

func TestTransport_InitWaitsForReady(t *testing.T) {
	tests := []struct {
		name     string
		notReady int
		retries  int
		wantErr  bool
		wantTUR  int
	}{
		{name: "ready at once", notReady: 0, retries: 3, wantTUR: 1},
		{name: "unit attention twice", notReady: 2, retries: 3, wantTUR: 3},
		{name: "never ready", notReady: 5, retries: 3, wantErr: true, wantTUR: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			cfg.NotReadyCount = tt.notReady
			f := newFixture(t, cfg, Options{ReadyRetries: tt.retries})

			luns, err := f.tr.Init(context.Background())
			ops := f.ctrl.Stats().Opcodes
			assert.Equal(t, tt.wantTUR, countOpcode(ops, SCSITestUnitReady))
			assert.Equal(t, min(tt.notReady, tt.retries), countOpcode(ops, SCSIRequestSense),
				"each failed TUR fetches sense")

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsNotReady(err))
				assert.Empty(t, luns)
				return
			}
			require.NoError(t, err)
			assert.True(t, luns[0].IsReady())
		})
	}
}

func TestTransport_Do(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	ctx := context.Background()

	buf := make([]byte, ReadCapacity10Size)
	n, err := f.tr.Do(ctx, 0, readCapacity10CDB(), buf, true)
	require.NoError(t, err)
	assert.Equal(t, ReadCapacity10Size, n)

	_, err = f.tr.Do(ctx, 0, nil, nil, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = f.tr.Do(ctx, 0, make([]byte, 17), nil, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = f.tr.Do(ctx, 1, testUnitReadyCDB(), nil, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	// Unsupported opcode: failed status with ILLEGAL REQUEST sense.
	_, err = f.tr.Do(ctx, 0, []byte{0xC0, 0, 0, 0, 0, 0}, nil, false)
	var se *SCSIError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CommandFailed, se.Kind)
	assert.Equal(t, uint8(SenseIllegalRequest), se.SenseKey)
	assert.Equal(t, uint8(ASCInvalidCommand), se.ASC)
}

func TestTransport_TagsIncrease(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	lun := f.initLUN(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, lun.TestUnitReady(context.Background()))
	}
	tags := f.ctrl.Stats().Tags
	require.Len(t, tags, 4)
	for i := 1; i < len(tags); i++ {
		assert.Greater(t, tags[i], tags[i-1])
	}
}

// =============================================================================
// Block I/O Tests
// =============================================================================

func TestLUN_ReadWriteRoundTrip(t *testing.T) {
	st := sim.NewMemoryStorage(1000, 512)
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)
	lun := f.initLUN(t)
	ctx := context.Background()

	data := pattern(3*512, 0x11)
	require.NoError(t, lun.WriteBlocks(ctx, 10, 3, data))
	assert.Equal(t, data, st.Bytes()[10*512:13*512])

	got := make([]byte, len(data))
	require.NoError(t, lun.ReadBlocks(ctx, 10, 3, got))
	assert.Equal(t, data, got)

	assert.Equal(t, []uint8{SCSIWrite10, SCSIRead10}, f.ctrl.Stats().Opcodes)
	require.NoError(t, lun.Sync(ctx))
}

func TestLUN_Chunking(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{MaxTransferBlocks: 4})
	lun := f.initLUN(t)
	ctx := context.Background()

	data := pattern(10*512, 0x42)
	require.NoError(t, lun.WriteBlocks(ctx, 0, 10, data))
	assert.Equal(t, []uint8{SCSIWrite10, SCSIWrite10, SCSIWrite10}, f.ctrl.Stats().Opcodes)

	got := make([]byte, len(data))
	require.NoError(t, lun.ReadBlocks(ctx, 0, 10, got))
	assert.Equal(t, data, got)
	assert.Equal(t, 6, f.ctrl.Stats().CBWs)
}

func TestLUN_Bounds(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	lun := f.initLUN(t)
	ctx := context.Background()
	buf := make([]byte, 2*512)

	require.NoError(t, lun.ReadBlocks(ctx, 999, 1, buf))
	f.ctrl.ResetStats()

	tests := []struct {
		name  string
		lba   uint64
		count uint32
	}{
		{"one past the end", 999, 2},
		{"start past the end", 1000, 1},
		{"lba overflow", ^uint64(0), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lun.ReadBlocks(ctx, tt.lba, tt.count, buf)
			assert.ErrorIs(t, err, ErrOutOfRange)
			kind, ok := SCSIErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, OutOfRange, kind)
		})
	}

	stats := f.ctrl.Stats()
	assert.Zero(t, stats.BulkTransfers, "nothing sent")
	assert.Zero(t, stats.CBWs)

	require.NoError(t, lun.ReadBlocks(ctx, 1000, 0, nil), "empty request at the end")
	assert.ErrorIs(t, lun.ReadBlocks(ctx, 0, 2, buf[:1000]), pkg.ErrBufferTooSmall)
}

func TestLUN_WriteProtected(t *testing.T) {
	st := sim.NewMemoryStorage(100, 512)
	st.SetReadOnly(true)
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)
	lun := f.initLUN(t)

	err := lun.WriteBlocks(context.Background(), 0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, ErrWriteProtected)
	assert.Zero(t, f.ctrl.Stats().CBWs, "no CBW for a protected write")

	_, err = lun.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrWriteProtected)
	require.NoError(t, lun.ReadBlocks(context.Background(), 0, 1, make([]byte, 512)))
}

func TestLUN_CommandFailedSense(t *testing.T) {
	st := sim.NewMemoryStorage(100, 512)
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)
	lun := f.initLUN(t)
	ctx := context.Background()

	// Medium becomes read-only after discovery: the device rejects the write.
	st.SetReadOnly(true)
	err := lun.WriteBlocks(ctx, 0, 1, make([]byte, 512))

	var se *SCSIError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CommandFailed, se.Kind)
	assert.Equal(t, uint8(SCSIWrite10), se.Opcode)
	assert.Equal(t, uint8(SenseDataProtect), se.SenseKey)
	assert.Equal(t, uint8(ASCWriteProtected), se.ASC)
	assert.ErrorIs(t, err, ErrCommandFailed)

	stats := f.ctrl.Stats()
	assert.Equal(t, []uint8{SCSIWrite10, SCSIRequestSense}, stats.Opcodes)
	assert.Equal(t, 1, stats.ClearHalts, "stalled data stage cleared once")
	assert.Zero(t, stats.MassStorageReset)

	// The unit stays usable.
	assert.True(t, lun.IsReady())
	require.NoError(t, lun.ReadBlocks(ctx, 0, 1, make([]byte, 512)))

	// Refresh picks up the new protection state.
	require.NoError(t, lun.Refresh(ctx))
	assert.True(t, lun.IsWriteProtected())
}

func TestLUN_ReadAtWriteAt(t *testing.T) {
	st := sim.NewMemoryStorage(16, 512)
	f := newFixture(t, sim.DefaultConfig(), Options{}, st)
	lun := f.initLUN(t)

	data := pattern(700, 0x05)
	n, err := lun.WriteAt(data, 100)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, data, st.Bytes()[100:800])
	assert.Equal(t, make([]byte, 100), st.Bytes()[:100], "head of first block preserved")

	got := make([]byte, 700)
	n, err = lun.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, data, got)

	// Aligned access goes straight through.
	f.ctrl.ResetStats()
	n, err = lun.ReadAt(make([]byte, 1024), 512)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, 1, f.ctrl.Stats().CBWs)

	size := int64(lun.SizeBytes())
	n, err = lun.ReadAt(make([]byte, 20), size-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = lun.ReadAt(make([]byte, 1), size)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = lun.WriteAt(make([]byte, 20), size-10)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = lun.ReadAt(got, -1)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	// The section reader from the standard library works on top of ReadAt.
	sr := io.NewSectionReader(lun, 100, 700)
	all, err := io.ReadAll(sr)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, all))
}

// =============================================================================
// Fault Tests
// =============================================================================

func TestTransport_CSWFaults(t *testing.T) {
	tests := []struct {
		name     string
		inject   func(*sim.Faults)
		kind     SCSIErrorKind
		sentinel error
		failed   bool
	}{
		{
			name:     "tag mismatch",
			inject:   func(f *sim.Faults) { f.CorruptTags = 1 },
			kind:     TagMismatch,
			sentinel: ErrTagMismatch,
			failed:   true,
		},
		{
			name:     "residue above request",
			inject:   func(f *sim.Faults) { f.CorruptResidues = 1 },
			kind:     InvalidStatus,
			sentinel: ErrInvalidStatus,
		},
		{
			name:     "bad signature",
			inject:   func(f *sim.Faults) { f.CorruptSignatures = 1 },
			kind:     InvalidStatus,
			sentinel: ErrInvalidStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sim.DefaultConfig(), Options{})
			lun := f.initLUN(t)
			ctx := context.Background()
			buf := make([]byte, 512)

			f.ctrl.Inject(tt.inject)
			err := lun.ReadBlocks(ctx, 0, 1, buf)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			kind, ok := SCSIErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			stats := f.ctrl.Stats()
			assert.Equal(t, 1, stats.MassStorageReset, "reset recovery performed")
			assert.Equal(t, 2, stats.ClearHalts, "both bulk halts cleared")

			err = lun.ReadBlocks(ctx, 0, 1, buf)
			if tt.failed {
				assert.ErrorIs(t, err, ErrUnitFailed)
				assert.ErrorIs(t, err, tt.sentinel)
				assert.False(t, lun.IsReady())
				assert.Error(t, lun.Err())
				return
			}
			assert.NoError(t, err, "transport usable after recovery")
			assert.True(t, lun.IsReady())
		})
	}
}

func TestTransport_PhaseError(t *testing.T) {
	t.Run("retried once", func(t *testing.T) {
		f := newFixture(t, sim.DefaultConfig(), Options{})
		lun := f.initLUN(t)

		f.ctrl.Inject(func(fl *sim.Faults) { fl.PhaseErrors = 1 })
		require.NoError(t, lun.ReadBlocks(context.Background(), 0, 1, make([]byte, 512)))

		stats := f.ctrl.Stats()
		assert.Equal(t, 2, stats.CBWs)
		require.Len(t, stats.Tags, 2)
		assert.NotEqual(t, stats.Tags[0], stats.Tags[1], "retry uses a fresh tag")
		assert.Equal(t, 1, stats.MassStorageReset)
		assert.True(t, lun.IsReady())
	})

	t.Run("second phase error fails the unit", func(t *testing.T) {
		f := newFixture(t, sim.DefaultConfig(), Options{})
		lun := f.initLUN(t)

		f.ctrl.Inject(func(fl *sim.Faults) { fl.PhaseErrors = 2 })
		err := lun.ReadBlocks(context.Background(), 0, 1, make([]byte, 512))
		assert.ErrorIs(t, err, ErrPhaseError)

		stats := f.ctrl.Stats()
		assert.Equal(t, 2, stats.CBWs)
		assert.Equal(t, 2, stats.MassStorageReset)
		assert.False(t, lun.IsReady())
		assert.ErrorIs(t, lun.Err(), ErrPhaseError)
		assert.ErrorIs(t, lun.TestUnitReady(context.Background()), ErrUnitFailed)
	})
}

func TestTransport_Reset(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	lun := f.initLUN(t)

	require.NoError(t, f.tr.Reset(context.Background()))
	stats := f.ctrl.Stats()
	assert.Equal(t, 1, stats.MassStorageReset)
	assert.Equal(t, 2, stats.ClearHalts)
	require.NoError(t, lun.TestUnitReady(context.Background()))
}

func TestTransport_DisconnectDuringDataStage(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	lun := f.initLUN(t)

	f.ctrl.Inject(func(fl *sim.Faults) { fl.HoldDataIn = true })

	done := make(chan error, 1)
	go func() {
		done <- lun.ReadBlocks(context.Background(), 0, 8, make([]byte, 8*512))
	}()

	require.Eventually(t, func() bool { return f.ctrl.Stats().CBWs == 1 },
		time.Second, time.Millisecond)
	f.ctrl.Detach()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after detach")
	}

	assert.True(t, host.IsDeviceGone(err))
	kind, ok := host.TransferErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, host.TransferDeviceGone, kind)
	assert.Equal(t, host.StateDisconnected, f.session.State())
	assert.False(t, lun.IsReady())
	assert.Zero(t, f.ctrl.Stats().MassStorageReset, "no recovery on a vanished device")

	// Later commands fail fast.
	assert.True(t, host.IsDeviceGone(lun.TestUnitReady(context.Background())))
	assert.NoError(t, f.tr.Close())
}

func TestTransport_Close(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig(), Options{})
	lun := f.initLUN(t)

	require.NoError(t, f.tr.Close())
	assert.NoError(t, f.tr.Close(), "second close is a no-op")

	assert.False(t, lun.IsReady())
	assert.ErrorIs(t, lun.ReadBlocks(context.Background(), 0, 1, make([]byte, 512)), pkg.ErrInvalidState)
	_, err := f.tr.Do(context.Background(), 0, testUnitReadyCDB(), nil, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}
