package msc

import (
	"encoding/binary"
	"strings"
)

// CDB builders. Multi-byte CDB fields are big-endian.

func testUnitReadyCDB() []byte {
	return make([]byte, 6)
}

func requestSenseCDB(alloc uint8) []byte {
	return []byte{SCSIRequestSense, 0, 0, 0, alloc, 0}
}

func inquiryCDB(alloc uint16) []byte {
	cdb := []byte{SCSIInquiry, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(cdb[3:5], alloc)
	return cdb
}

func modeSense6CDB(page, alloc uint8) []byte {
	return []byte{SCSIModeSense6, 0, page & 0x3F, 0, alloc, 0}
}

func readCapacity10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = SCSIReadCapacity10
	return cdb
}

func readCapacity16CDB(alloc uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = SCSIServiceActionIn16
	cdb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], alloc)
	return cdb
}

func rw10CDB(opcode uint8, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = opcode
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func synchronizeCache10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = SCSISynchronizeCache10
	return cdb
}

// InquiryData is the decoded standard INQUIRY response.
type InquiryData struct {
	DeviceType uint8  // Peripheral device type
	Removable  bool   // RMB bit
	Version    uint8  // SCSI version
	Vendor     string // T10 vendor identification, trimmed
	Product    string // Product identification, trimmed
	Revision   string // Product revision level, trimmed
}

// ParseInquiry decodes standard INQUIRY data.
// Returns false if data is shorter than the 36 byte standard response.
func ParseInquiry(data []byte, out *InquiryData) bool {
	if len(data) < InquiryStandardSize {
		return false
	}
	out.DeviceType = data[0] & 0x1F
	out.Removable = data[1]&0x80 != 0
	out.Version = data[2]
	out.Vendor = trimASCII(data[8:16])
	out.Product = trimASCII(data[16:32])
	out.Revision = trimASCII(data[32:36])
	return true
}

// SenseData is the decoded fixed-format sense response.
type SenseData struct {
	ResponseCode uint8
	Key          uint8
	ASC          uint8
	ASCQ         uint8
}

// ParseSense decodes fixed-format sense data. Descriptor-format sense
// (response codes 0x72/0x73) is decoded as well.
// Returns false if data is too short for the format.
func ParseSense(data []byte, out *SenseData) bool {
	if len(data) < 1 {
		return false
	}
	out.ResponseCode = data[0] & 0x7F
	switch out.ResponseCode {
	case 0x72, 0x73:
		if len(data) < 4 {
			return false
		}
		out.Key = data[1] & 0x0F
		out.ASC = data[2]
		out.ASCQ = data[3]
	default:
		if len(data) < 14 {
			return false
		}
		out.Key = data[2] & 0x0F
		out.ASC = data[12]
		out.ASCQ = data[13]
	}
	return true
}

// ParseReadCapacity10 decodes READ CAPACITY(10) data into the number of
// blocks and the block size. A unit too large for the 32-bit field reports
// MaxLBA10 as its last block; the count is then only a lower bound and
// READ CAPACITY(16) gives the real one.
func ParseReadCapacity10(data []byte) (blocks uint64, blockSize uint32, ok bool) {
	if len(data) < ReadCapacity10Size {
		return 0, 0, false
	}
	last := binary.BigEndian.Uint32(data[0:4])
	blockSize = binary.BigEndian.Uint32(data[4:8])
	return uint64(last) + 1, blockSize, true
}

// ParseReadCapacity16 decodes the first 12 bytes of READ CAPACITY(16) data
// into the number of blocks and the block size.
func ParseReadCapacity16(data []byte) (blocks uint64, blockSize uint32, ok bool) {
	if len(data) < 12 {
		return 0, 0, false
	}
	last := binary.BigEndian.Uint64(data[0:8])
	if last == ^uint64(0) {
		return 0, 0, false
	}
	blockSize = binary.BigEndian.Uint32(data[8:12])
	return last + 1, blockSize, true
}

// ParseModeSense6WriteProtect reports the WP bit of a MODE SENSE(6)
// parameter header.
func ParseModeSense6WriteProtect(data []byte) (bool, bool) {
	if len(data) < ModeSense6HeaderSize {
		return false, false
	}
	return data[2]&ModeWriteProtect != 0, true
}

func trimASCII(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
