package host

import (
	"errors"
	"fmt"

	"github.com/ardnew/mschost/pkg"
)

// Enumeration errors.
var (
	ErrUnsupportedDevice   = errors.New("unsupported device")
	ErrDescriptorMalformed = errors.New("malformed descriptor")
	ErrAddressAssignFailed = errors.New("address assignment failed")
	ErrSpeedUnreadable     = errors.New("port speed unreadable")
)

// TransferErrorKind classifies a failed transaction.
type TransferErrorKind uint8

// Transfer error kinds.
const (
	TransferStalled    TransferErrorKind = iota + 1 // Endpoint stalled (after recovery, if any)
	TransferTimeout                                 // NAK/timeout retries exhausted
	TransferDeviceGone                              // Device disconnected
	TransferShortData                               // Fewer bytes than the caller required
)

// String returns the kind name.
func (k TransferErrorKind) String() string {
	switch k {
	case TransferStalled:
		return "Stalled"
	case TransferTimeout:
		return "Timeout"
	case TransferDeviceGone:
		return "DeviceGone"
	case TransferShortData:
		return "ShortData"
	default:
		return fmt.Sprintf("TransferErrorKind(%d)", k)
	}
}

func (k TransferErrorKind) sentinel() error {
	switch k {
	case TransferStalled:
		return pkg.ErrStall
	case TransferTimeout:
		return pkg.ErrTimeout
	case TransferDeviceGone:
		return pkg.ErrNoDevice
	case TransferShortData:
		return pkg.ErrShortData
	default:
		return pkg.ErrProtocol
	}
}

// TransferError is returned by the [Engine] when a transaction fails.
// It matches the pkg sentinel for its kind with [errors.Is].
type TransferError struct {
	Kind     TransferErrorKind
	Endpoint uint8 // Endpoint address; 0 for control transfers
	Err      error // Underlying cause, may be nil
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer ep 0x%02X: %v", e.Endpoint, e.Kind.sentinel())
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newTransferError(kind TransferErrorKind, ep uint8, err error) *TransferError {
	return &TransferError{Kind: kind, Endpoint: ep, Err: err}
}

// TransferErrorKindOf returns the kind of the first TransferError in err's tree.
func TransferErrorKindOf(err error) (TransferErrorKind, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsDeviceGone reports whether err was caused by the device disappearing.
func IsDeviceGone(err error) bool {
	return errors.Is(err, pkg.ErrNoDevice)
}

// EnumerationErrorKind classifies an enumeration failure.
type EnumerationErrorKind uint8

// Enumeration error kinds.
const (
	EnumUnsupportedDevice   EnumerationErrorKind = iota + 1 // Not a SCSI/BOT mass-storage function
	EnumDescriptorMalformed                                 // Descriptor short, mistyped or inconsistent
	EnumAddressAssignFailed                                 // SET_ADDRESS failed or no address free
	EnumSpeedUnreadable                                     // Port speed could not be classified
)

// String returns the kind name.
func (k EnumerationErrorKind) String() string {
	switch k {
	case EnumUnsupportedDevice:
		return "UnsupportedDevice"
	case EnumDescriptorMalformed:
		return "DescriptorMalformed"
	case EnumAddressAssignFailed:
		return "AddressAssignFailed"
	case EnumSpeedUnreadable:
		return "SpeedUnreadable"
	default:
		return fmt.Sprintf("EnumerationErrorKind(%d)", k)
	}
}

func (k EnumerationErrorKind) sentinel() error {
	switch k {
	case EnumUnsupportedDevice:
		return ErrUnsupportedDevice
	case EnumDescriptorMalformed:
		return ErrDescriptorMalformed
	case EnumAddressAssignFailed:
		return ErrAddressAssignFailed
	case EnumSpeedUnreadable:
		return ErrSpeedUnreadable
	default:
		return pkg.ErrProtocol
	}
}

// EnumerationError reports why a [Session] reached [StateFailed].
type EnumerationError struct {
	Kind  EnumerationErrorKind
	State State // Last state completed before the failure
	Err   error // Underlying cause, may be nil
}

func (e *EnumerationError) Error() string {
	msg := fmt.Sprintf("enumeration failed after %s: %v", e.State, e.Kind.sentinel())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *EnumerationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}
