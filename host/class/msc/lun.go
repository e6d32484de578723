package msc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/pkg"
)

// BlockDevice is a block-addressed storage unit.
type BlockDevice interface {
	// Capacity returns the number of blocks and the block size in bytes.
	Capacity() (blocks uint64, blockSize uint32)

	// IsWriteProtected reports whether writes are refused.
	IsWriteProtected() bool

	// ReadBlocks reads count blocks starting at lba into buf.
	ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error

	// WriteBlocks writes count blocks starting at lba from buf.
	WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error
}

var (
	_ BlockDevice = (*LUN)(nil)
	_ io.ReaderAt = (*LUN)(nil)
	_ io.WriterAt = (*LUN)(nil)
)

// LUN is one logical unit of a mass-storage device.
type LUN struct {
	t     *Transport
	index uint8

	inquiry    InquiryData
	blockCount uint64
	blockSize  uint32
	protected  bool
	ready      bool
	closed     bool
	failed     error
	mutex      sync.RWMutex
}

// Index returns the LUN number.
func (l *LUN) Index() uint8 {
	return l.index
}

// Inquiry returns the INQUIRY data read during discovery.
func (l *LUN) Inquiry() InquiryData {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.inquiry
}

// Capacity returns the number of blocks and the block size in bytes.
func (l *LUN) Capacity() (uint64, uint32) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.blockCount, l.blockSize
}

// SizeBytes returns the capacity in bytes.
func (l *LUN) SizeBytes() uint64 {
	blocks, size := l.Capacity()
	return blocks * uint64(size)
}

// IsWriteProtected reports the WP bit from MODE SENSE.
func (l *LUN) IsWriteProtected() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.protected
}

// IsReady reports whether the unit can accept commands.
func (l *LUN) IsReady() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.ready && !l.closed && l.failed == nil && !l.t.engine.Gone()
}

// Err returns the failure that took the unit out of service, if any.
func (l *LUN) Err() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.failed
}

func (l *LUN) String() string {
	inq := l.Inquiry()
	blocks, size := l.Capacity()
	return fmt.Sprintf("lun %d: %s %s %s, %d x %d",
		l.index, inq.Vendor, inq.Product, inq.Revision, blocks, size)
}

// TestUnitReady issues one TEST UNIT READY.
func (l *LUN) TestUnitReady(ctx context.Context) error {
	if err := l.usable(); err != nil {
		return err
	}
	_, err := l.t.Do(ctx, l.index, testUnitReadyCDB(), nil, false)
	return err
}

// Refresh re-reads readiness, capacity and write protection, for example
// after a medium change.
func (l *LUN) Refresh(ctx context.Context) error {
	if err := l.usable(); err != nil {
		return err
	}
	return l.probe(ctx)
}

// Sync flushes the device write cache. Units that do not implement
// SYNCHRONIZE CACHE are treated as write-through.
func (l *LUN) Sync(ctx context.Context) error {
	if err := l.usable(); err != nil {
		return err
	}
	_, err := l.t.Do(ctx, l.index, synchronizeCache10CDB(), nil, false)
	var se *SCSIError
	if errors.As(err, &se) && se.Kind == CommandFailed && se.SenseKey == SenseIllegalRequest {
		return nil
	}
	return err
}

// ReadBlocks reads count blocks starting at lba into buf.
// Requests beyond the capacity fail with OutOfRange before anything is sent.
func (l *LUN) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := l.check(SCSIRead10, lba, count, len(buf), false); err != nil {
		return err
	}
	return l.transfer(ctx, SCSIRead10, lba, count, buf)
}

// WriteBlocks writes count blocks starting at lba from buf.
// Writes to a protected unit fail with WriteProtected before anything is
// sent.
func (l *LUN) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := l.check(SCSIWrite10, lba, count, len(buf), true); err != nil {
		return err
	}
	return l.transfer(ctx, SCSIWrite10, lba, count, buf)
}

// ReadAt implements [io.ReaderAt] on the byte image of the unit.
func (l *LUN) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", pkg.ErrInvalidParameter, off)
	}
	total := int64(l.SizeBytes())
	if off >= total {
		return 0, io.EOF
	}

	want := p
	if off+int64(len(want)) > total {
		want = want[:total-off]
	}
	if err := l.span(context.Background(), off, want, false); err != nil {
		return 0, err
	}
	if len(want) < len(p) {
		return len(want), io.EOF
	}
	return len(p), nil
}

// WriteAt implements [io.WriterAt] on the byte image of the unit. Partial
// blocks are read, merged and written back. Writes past the end fail with
// OutOfRange and nothing is written.
func (l *LUN) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", pkg.ErrInvalidParameter, off)
	}
	if off+int64(len(p)) > int64(l.SizeBytes()) {
		return 0, &SCSIError{Kind: OutOfRange, LUN: l.index, Opcode: SCSIWrite10}
	}
	if err := l.span(context.Background(), off, p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

// span moves p to or from the byte range at off, going through a bounce
// buffer when the range is not block aligned.
func (l *LUN) span(ctx context.Context, off int64, p []byte, write bool) error {
	if len(p) == 0 {
		return nil
	}
	_, size := l.Capacity()
	bs := int64(size)
	first := off / bs
	last := (off + int64(len(p)) + bs - 1) / bs
	count := uint32(last - first)

	if off%bs == 0 && int64(len(p))%bs == 0 {
		if write {
			return l.WriteBlocks(ctx, uint64(first), count, p)
		}
		return l.ReadBlocks(ctx, uint64(first), count, p)
	}

	bounce := make([]byte, int64(count)*bs)
	if err := l.ReadBlocks(ctx, uint64(first), count, bounce); err != nil {
		return err
	}
	head := off - first*bs
	if !write {
		copy(p, bounce[head:])
		return nil
	}
	copy(bounce[head:], p)
	return l.WriteBlocks(ctx, uint64(first), count, bounce)
}

// check validates a block request without touching the bus.
func (l *LUN) check(opcode uint8, lba uint64, count uint32, n int, write bool) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.closed {
		return fmt.Errorf("%w: lun %d closed", pkg.ErrInvalidState, l.index)
	}
	if l.failed != nil {
		return fmt.Errorf("%w: %w", ErrUnitFailed, l.failed)
	}
	if uint64(n) < uint64(count)*uint64(l.blockSize) {
		return fmt.Errorf("%w: %d bytes for %d blocks of %d",
			pkg.ErrBufferTooSmall, n, count, l.blockSize)
	}
	if lba > l.blockCount || uint64(count) > l.blockCount-lba {
		return &SCSIError{
			Kind: OutOfRange, LUN: l.index, Opcode: opcode,
			Err: fmt.Errorf("lba %d count %d, capacity %d", lba, count, l.blockCount),
		}
	}
	if count > 0 && lba+uint64(count)-1 > MaxLBA10 {
		return &SCSIError{
			Kind: OutOfRange, LUN: l.index, Opcode: opcode,
			Err: fmt.Errorf("lba %d count %d beyond 10-byte addressing", lba, count),
		}
	}
	if write && l.protected {
		return &SCSIError{Kind: WriteProtected, LUN: l.index, Opcode: opcode}
	}
	return nil
}

// transfer splits a block request into READ(10)/WRITE(10) commands of at
// most MaxTransferBlocks each.
func (l *LUN) transfer(ctx context.Context, opcode uint8, lba uint64, count uint32, buf []byte) error {
	_, size := l.Capacity()
	dataIn := opcode == SCSIRead10
	ep := l.t.bulkOut
	if dataIn {
		ep = l.t.bulkIn
	}
	chunk := uint32(l.t.opts.MaxTransferBlocks)

	for count > 0 {
		blocks := min(count, chunk)
		length := int(blocks) * int(size)

		n, err := l.t.Do(ctx, l.index, rw10CDB(opcode, uint32(lba), uint16(blocks)), buf[:length], dataIn)
		if err != nil {
			return err
		}
		if err := host.ExpectLength(ep, n, length); err != nil {
			return err
		}

		lba += uint64(blocks)
		count -= blocks
		buf = buf[length:]
	}
	return nil
}

// discover reads the identity and geometry of the unit.
func (l *LUN) discover(ctx context.Context) error {
	buf := make([]byte, InquiryStandardSize)
	n, err := l.t.Do(ctx, l.index, inquiryCDB(InquiryStandardSize), buf, true)
	if err != nil {
		return fmt.Errorf("inquiry: %w", err)
	}
	if err := host.ExpectLength(l.t.bulkIn, n, InquiryStandardSize); err != nil {
		return fmt.Errorf("inquiry: %w", err)
	}
	var inq InquiryData
	ParseInquiry(buf, &inq)

	l.mutex.Lock()
	l.inquiry = inq
	l.mutex.Unlock()

	if err := l.probe(ctx); err != nil {
		return err
	}

	blocks, size := l.Capacity()
	pkg.LogInfo(pkg.ComponentMSC, "logical unit ready",
		"lun", l.index,
		"vendor", inq.Vendor,
		"product", inq.Product,
		"revision", inq.Revision,
		"blocks", blocks,
		"blockSize", size,
		"writeProtected", l.IsWriteProtected())
	return nil
}

// probe waits for the unit to become ready and reads capacity and write
// protection.
func (l *LUN) probe(ctx context.Context) error {
	if err := l.waitReady(ctx); err != nil {
		return err
	}

	blocks, size, err := l.readCapacity(ctx)
	if err != nil {
		return err
	}

	buf := make([]byte, ModeSense6AllocSize)
	protected := false
	n, err := l.t.Do(ctx, l.index, modeSense6CDB(ModePageAllPages, ModeSense6AllocSize), buf, true)
	switch kind, _ := SCSIErrorKindOf(err); {
	case err == nil:
		protected, _ = ParseModeSense6WriteProtect(buf[:n])
	case kind == CommandFailed:
		pkg.LogDebug(pkg.ComponentMSC, "mode sense unsupported, assuming writable", "lun", l.index)
	default:
		return fmt.Errorf("mode sense: %w", err)
	}

	l.mutex.Lock()
	l.blockCount = blocks
	l.blockSize = size
	l.protected = protected
	l.ready = true
	l.mutex.Unlock()
	return nil
}

// readCapacity issues READ CAPACITY(10), and READ CAPACITY(16) when the
// unit is too large for the 10-byte form.
func (l *LUN) readCapacity(ctx context.Context) (uint64, uint32, error) {
	buf := make([]byte, ReadCapacity16Size)
	n, err := l.t.Do(ctx, l.index, readCapacity10CDB(), buf[:ReadCapacity10Size], true)
	if err != nil {
		return 0, 0, fmt.Errorf("read capacity: %w", err)
	}
	blocks, size, ok := ParseReadCapacity10(buf[:n])
	if !ok || size == 0 {
		return 0, 0, fmt.Errorf("read capacity: %w: %d bytes, block size %d", pkg.ErrProtocol, n, size)
	}
	if blocks <= MaxLBA10 {
		return blocks, size, nil
	}

	n, err = l.t.Do(ctx, l.index, readCapacity16CDB(ReadCapacity16Size), buf, true)
	if err != nil {
		return 0, 0, fmt.Errorf("read capacity(16): %w", err)
	}
	blocks, size, ok = ParseReadCapacity16(buf[:n])
	if !ok || size == 0 {
		return 0, 0, fmt.Errorf("read capacity(16): %w: %d bytes, block size %d", pkg.ErrProtocol, n, size)
	}
	pkg.LogInfo(pkg.ComponentMSC, "unit exceeds READ(10) addressing",
		"lun", l.index,
		"blocks", blocks,
		"addressable", uint64(MaxLBA10)+1)
	return blocks, size, nil
}

func (l *LUN) waitReady(ctx context.Context) error {
	retries := l.t.opts.ReadyRetries
	for attempt := 1; ; attempt++ {
		_, err := l.t.Do(ctx, l.index, testUnitReadyCDB(), nil, false)
		if err == nil {
			return nil
		}
		if !IsNotReady(err) || attempt >= retries {
			l.mutex.Lock()
			l.ready = false
			l.mutex.Unlock()
			return fmt.Errorf("test unit ready: %w", err)
		}
		pkg.LogDebug(pkg.ComponentMSC, "unit not ready", "lun", l.index, "attempt", attempt, "error", err)

		timer := time.NewTimer(l.t.opts.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *LUN) usable() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.closed {
		return fmt.Errorf("%w: lun %d closed", pkg.ErrInvalidState, l.index)
	}
	if l.failed != nil {
		return fmt.Errorf("%w: %w", ErrUnitFailed, l.failed)
	}
	return nil
}

func (l *LUN) fail(err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.failed == nil {
		l.failed = err
	}
	l.ready = false
}

func (l *LUN) invalidate() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed = true
	l.ready = false
}
