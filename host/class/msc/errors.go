package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/mschost/pkg"
)

// SCSI command errors.
var (
	ErrCommandFailed  = errors.New("command failed")
	ErrPhaseError     = errors.New("phase error")
	ErrOutOfRange     = errors.New("block range exceeds capacity")
	ErrWriteProtected = errors.New("write protected")
	ErrTagMismatch    = errors.New("CSW tag mismatch")
	ErrInvalidStatus  = errors.New("invalid command status")

	// ErrUnitFailed is returned for a logical unit that saw a tag mismatch
	// or a repeated phase error. It wraps the original failure.
	ErrUnitFailed = errors.New("logical unit failed")
)

// SCSIErrorKind classifies a failed command.
type SCSIErrorKind uint8

// SCSI error kinds.
const (
	CommandFailed  SCSIErrorKind = iota + 1 // CSW reported failure; sense attached
	PhaseError                              // Phase error persisted after reset recovery
	OutOfRange                              // Request beyond capacity; nothing sent
	WriteProtected                          // Write to a protected unit; nothing sent
	TagMismatch                             // CSW tag differs from the CBW tag
	InvalidStatus                           // Malformed CSW or residue above the request
)

// String returns the kind name.
func (k SCSIErrorKind) String() string {
	switch k {
	case CommandFailed:
		return "CommandFailed"
	case PhaseError:
		return "PhaseError"
	case OutOfRange:
		return "OutOfRange"
	case WriteProtected:
		return "WriteProtected"
	case TagMismatch:
		return "TagMismatch"
	case InvalidStatus:
		return "InvalidStatus"
	default:
		return fmt.Sprintf("SCSIErrorKind(%d)", k)
	}
}

func (k SCSIErrorKind) sentinel() error {
	switch k {
	case CommandFailed:
		return ErrCommandFailed
	case PhaseError:
		return ErrPhaseError
	case OutOfRange:
		return ErrOutOfRange
	case WriteProtected:
		return ErrWriteProtected
	case TagMismatch:
		return ErrTagMismatch
	case InvalidStatus:
		return ErrInvalidStatus
	default:
		return pkg.ErrProtocol
	}
}

// SCSIError reports a failed command on a logical unit.
// It matches the sentinel of its kind with [errors.Is].
type SCSIError struct {
	Kind   SCSIErrorKind
	LUN    uint8
	Opcode uint8

	// Sense data, set for CommandFailed.
	SenseKey uint8
	ASC      uint8
	ASCQ     uint8

	Err error // Underlying cause, may be nil
}

func (e *SCSIError) Error() string {
	msg := fmt.Sprintf("lun %d op 0x%02X: %v", e.LUN, e.Opcode, e.Kind.sentinel())
	if e.Kind == CommandFailed {
		msg += fmt.Sprintf(" (%s, asc 0x%02X ascq 0x%02X)", SenseKeyName(e.SenseKey), e.ASC, e.ASCQ)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *SCSIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// SCSIErrorKindOf returns the kind of the first SCSIError in err's tree.
func SCSIErrorKindOf(err error) (SCSIErrorKind, bool) {
	var se *SCSIError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsNotReady reports whether err is a failed command whose sense says the
// unit is still coming up.
func IsNotReady(err error) bool {
	var se *SCSIError
	if !errors.As(err, &se) || se.Kind != CommandFailed {
		return false
	}
	return se.SenseKey == SenseNotReady || se.SenseKey == SenseUnitAttention
}
