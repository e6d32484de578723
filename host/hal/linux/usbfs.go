//go:build linux && (amd64 || arm64)

package linux

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/mschost/pkg"
)

// =============================================================================
// ioctl Encoding
// =============================================================================

// Generic _IOC layout used by amd64 and arm64:
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type
//	bits 16-29: argument size
//	bits 30-31: direction
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

func sizeOf[T any]() uintptr {
	var v T
	return unsafe.Sizeof(v)
}

// usbdevfs encodes a request without an argument.
func usbdevfs(nr uintptr) uintptr {
	return ioc(iocNone, usbdevfsType, nr, 0)
}

// usbdevfsR encodes a request whose argument the kernel reads.
func usbdevfsR[T any](nr uintptr) uintptr {
	return ior(usbdevfsType, nr, sizeOf[T]())
}

// usbdevfsWR encodes a request whose argument the kernel reads and writes.
func usbdevfsWR[T any](nr uintptr) uintptr {
	return iowr(usbdevfsType, nr, sizeOf[T]())
}

const usbdevfsType = 'U'

// usbfs ioctl requests.
var (
	ioctlControl          = usbdevfsWR[ctrlTransfer](0)
	ioctlBulk             = usbdevfsWR[bulkTransfer](2)
	ioctlSetConfiguration = usbdevfsR[uint32](5)
	ioctlClaimInterface   = usbdevfsR[uint32](15)
	ioctlReleaseInterface = usbdevfsR[uint32](16)
	ioctlIoctl            = usbdevfsWR[ifaceIoctl](18)
	ioctlReset            = usbdevfs(20)
	ioctlClearHalt        = usbdevfsR[uint32](21)
	ioctlDisconnect       = usbdevfs(22)
	ioctlConnect          = usbdevfs(23)
	ioctlGetSpeed         = usbdevfs(31)
)

// =============================================================================
// usbfs Structures
// =============================================================================

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        unsafe.Pointer
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     unsafe.Pointer
}

// ifaceIoctl matches struct usbdevfs_ioctl, used to reach the driver bound
// to one interface.
type ifaceIoctl struct {
	ifno int32
	code int32
	data unsafe.Pointer
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

func ioctlUint(fd int, req uintptr, v uint32) error {
	_, err := ioctlPtr(fd, req, unsafe.Pointer(&v))
	return err
}

func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func doControl(fd int, requestType, request uint8, value, index uint16, data []byte, timeout uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: requestType,
		request:     request,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeout,
	}
	if len(data) > 0 {
		ctrl.data = unsafe.Pointer(&data[0])
	}
	n, err := ioctlPtr(fd, ioctlControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	return n, err
}

func doBulk(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		bulk.data = unsafe.Pointer(&data[0])
	}
	n, err := ioctlPtr(fd, ioctlBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	return n, err
}

func setConfiguration(fd int, value uint8) error {
	return ioctlUint(fd, ioctlSetConfiguration, uint32(value))
}

func clearHalt(fd int, endpoint uint8) error {
	return ioctlUint(fd, ioctlClearHalt, uint32(endpoint))
}

func claimInterface(fd int, iface uint8) error {
	return ioctlUint(fd, ioctlClaimInterface, uint32(iface))
}

func releaseInterface(fd int, iface uint8) error {
	return ioctlUint(fd, ioctlReleaseInterface, uint32(iface))
}

// detachDriver unbinds the kernel driver from iface. ENODATA means no
// driver was bound.
func detachDriver(fd int, iface uint8) error {
	cmd := ifaceIoctl{ifno: int32(iface), code: int32(ioctlDisconnect)}
	_, err := ioctlPtr(fd, ioctlIoctl, unsafe.Pointer(&cmd))
	if errors.Is(err, unix.ENODATA) {
		return nil
	}
	return err
}

// attachDriver lets the kernel rebind a driver to iface.
func attachDriver(fd int, iface uint8) error {
	cmd := ifaceIoctl{ifno: int32(iface), code: int32(ioctlConnect)}
	_, err := ioctlPtr(fd, ioctlIoctl, unsafe.Pointer(&cmd))
	return err
}

func resetDevice(fd int) error {
	_, err := ioctlPtr(fd, ioctlReset, nil)
	return err
}

func deviceSpeed(fd int) (int, error) {
	return ioctlPtr(fd, ioctlGetSpeed, nil)
}

// =============================================================================
// Error and Timeout Helpers
// =============================================================================

// mapErrno translates a usbfs errno to the HAL error contract.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EPIPE:
		return pkg.ErrStall
	case unix.ETIMEDOUT:
		return pkg.ErrTimeout
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.ErrNoDevice
	case unix.EPROTO, unix.EILSEQ, unix.EOVERFLOW:
		return fmt.Errorf("%w: %w", pkg.ErrProtocol, errno)
	case unix.EBUSY:
		return fmt.Errorf("%w: %w", pkg.ErrBusy, errno)
	default:
		return errno
	}
}

// timeoutMillis derives the usbfs timeout from the context deadline.
func timeoutMillis(ctx context.Context) uint32 {
	d := DefaultTransferTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		return 1
	}
	return uint32(ms)
}
