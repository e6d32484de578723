package msc

import (
	"encoding/binary"
	"fmt"
)

// CommandBlockWrapper represents a Command Block Wrapper in Bulk-Only Transport.
type CommandBlockWrapper struct {
	Tag                uint32   // Echoed by the device in the CSW
	DataTransferLength uint32   // Number of bytes to transfer in data phase
	Flags              uint8    // Direction flag (bit 7: 0=Out, 1=In)
	LUN                uint8    // Logical Unit Number (bits 0-3)
	CBLength           uint8    // Command block length (1-16)
	CB                 [16]byte // Command block (SCSI CDB)
}

// NewCBW builds a CBW for cdb. The command block is truncated to 16 bytes.
func NewCBW(tag, length uint32, dataIn bool, lun uint8, cdb []byte) CommandBlockWrapper {
	cbw := CommandBlockWrapper{
		Tag:                tag,
		DataTransferLength: length,
		LUN:                lun & 0x0F,
	}
	if dataIn {
		cbw.Flags = CBWFlagDataIn
	}
	cbw.CBLength = uint8(copy(cbw.CB[:], cdb))
	return cbw
}

// IsDataIn returns true if the data phase is device-to-host (IN).
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// MarshalTo writes the Command Block Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// CSWStatus is the bCSWStatus field of a CSW.
type CSWStatus uint8

// String returns the status name.
func (s CSWStatus) String() string {
	switch s {
	case CSWStatusGood:
		return "Passed"
	case CSWStatusFailed:
		return "Failed"
	case CSWStatusPhaseError:
		return "PhaseError"
	default:
		return fmt.Sprintf("CSWStatus(0x%02X)", uint8(s))
	}
}

// CommandStatusWrapper represents a Command Status Wrapper in Bulk-Only Transport.
type CommandStatusWrapper struct {
	Signature   uint32    // Must be CSWSignature (0x53425355)
	Tag         uint32    // Must match the CBW tag
	DataResidue uint32    // Difference between expected and actual data transfer
	Status      CSWStatus // Command status
}

// ParseCSW parses a Command Status Wrapper from raw bytes.
// Returns false if data is not exactly one CSW or the signature is invalid.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) != CSWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CSWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = CSWStatus(data[12])

	return true
}
