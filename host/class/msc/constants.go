package msc

import (
	"fmt"
	"time"
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
	CBWMaxCDB      = 16         // Largest command block
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes issued by the transport.
const (
	SCSITestUnitReady      = 0x00 // Test if unit is ready
	SCSIRequestSense       = 0x03 // Request sense data
	SCSIInquiry            = 0x12 // Get device information
	SCSIModeSense6         = 0x1A // Get mode parameters (6-byte)
	SCSIReadCapacity10     = 0x25 // Read capacity (10-byte)
	SCSIRead10             = 0x28 // Read blocks (10-byte)
	SCSIWrite10            = 0x2A // Write blocks (10-byte)
	SCSISynchronizeCache10 = 0x35 // Synchronize cache (10-byte)
	SCSIServiceActionIn16  = 0x9E // Service action in (16-byte)
)

// Service actions of SERVICE ACTION IN(16).
const (
	ServiceActionReadCapacity16 = 0x10 // READ CAPACITY(16)
)

// MaxLBA10 is the highest block address READ(10) and WRITE(10) can reach.
// READ CAPACITY(10) reports it as the last LBA when the unit is larger.
const MaxLBA10 = 0xFFFFFFFF

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseRecoveredError = 0x01 // Recovered error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
	SenseBlankCheck     = 0x08 // Blank check
	SenseAbortedCommand = 0x0B // Aborted command
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00 // No additional sense information
	ASCInvalidCommand        = 0x20 // Invalid command operation code
	ASCLBAOutOfRange         = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB     = 0x24 // Invalid field in CDB
	ASCWriteProtected        = 0x27 // Write protected
	ASCNotReadyToReadyChange = 0x28 // Not ready to ready change
	ASCMediumNotPresent      = 0x3A // Medium not present
)

// SenseKeyName returns the standard name of a sense key.
func SenseKeyName(key uint8) string {
	switch key & 0x0F {
	case SenseNoSense:
		return "NO SENSE"
	case SenseRecoveredError:
		return "RECOVERED ERROR"
	case SenseNotReady:
		return "NOT READY"
	case SenseMediumError:
		return "MEDIUM ERROR"
	case SenseHardwareError:
		return "HARDWARE ERROR"
	case SenseIllegalRequest:
		return "ILLEGAL REQUEST"
	case SenseUnitAttention:
		return "UNIT ATTENTION"
	case SenseDataProtect:
		return "DATA PROTECT"
	case SenseBlankCheck:
		return "BLANK CHECK"
	case SenseAbortedCommand:
		return "ABORTED COMMAND"
	default:
		return fmt.Sprintf("SENSE KEY 0x%X", key&0x0F)
	}
}

// SCSI peripheral device types of interest.
const (
	DeviceTypeDisk  = 0x00 // Direct access block device
	DeviceTypeCDROM = 0x05 // CD/DVD device
	DeviceTypeRBC   = 0x0E // Simplified direct-access device
)

// Response sizes.
const (
	InquiryStandardSize  = 36  // Standard INQUIRY data length
	SenseFixedSize       = 18  // Fixed-format sense data length
	ReadCapacity10Size   = 8   // READ CAPACITY(10) data length
	ReadCapacity16Size   = 32  // READ CAPACITY(16) data length
	ModeSense6HeaderSize = 4   // MODE SENSE(6) parameter header length
	ModeSense6AllocSize  = 192 // Allocation length used for MODE SENSE(6)
)

// Mode page codes.
const (
	ModePageAllPages = 0x3F // All mode pages
)

// ModeWriteProtect is the WP bit of the MODE SENSE device-specific parameter.
const ModeWriteProtect = 0x80

// Transport defaults.
const (
	// DefaultMaxTransferBlocks bounds a single READ(10)/WRITE(10) command.
	DefaultMaxTransferBlocks = 128

	// DefaultReadyRetries is the number of TEST UNIT READY attempts made
	// while the unit reports UNIT ATTENTION or NOT READY.
	DefaultReadyRetries = 10

	// DefaultReadyInterval is the delay between TEST UNIT READY attempts.
	DefaultReadyInterval = 100 * time.Millisecond
)
