package sim

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Endpoint addresses of the emulated function.
const (
	EndpointBulkIn  = 0x81
	EndpointBulkOut = 0x02
)

// Wire constants of the emulated device side.
const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355
	cbwSize      = 31
	cswSize      = 13

	cswStatusGood       = 0x00
	cswStatusFailed     = 0x01
	cswStatusPhaseError = 0x02

	stringManufacturer = 1
	stringProduct      = 2
	stringSerial       = 3
)

// SCSI operation codes understood by the emulated unit.
const (
	opTestUnitReady       = 0x00
	opRequestSense        = 0x03
	opInquiry             = 0x12
	opModeSense6          = 0x1A
	opStartStopUnit       = 0x1B
	opPreventAllowRemoval = 0x1E
	opReadCapacity10      = 0x25
	opRead10              = 0x28
	opWrite10             = 0x2A
	opVerify10            = 0x2F
	opSynchronizeCache10  = 0x35
	opServiceActionIn16   = 0x9E

	saReadCapacity16 = 0x10
)

// Sense keys and additional sense codes reported by the emulated unit.
const (
	senseNoSense        = 0x00
	senseNotReady       = 0x02
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05
	senseUnitAttention  = 0x06
	senseDataProtect    = 0x07

	ascNone                  = 0x00
	ascInvalidCommand        = 0x20
	ascLBAOutOfRange         = 0x21
	ascInvalidFieldInCDB     = 0x24
	ascWriteProtected        = 0x27
	ascNotReadyToReadyChange = 0x28
)

// Config describes the emulated mass-storage function.
type Config struct {
	VendorID  uint16
	ProductID uint16

	// String descriptors; an empty string omits the descriptor.
	Manufacturer string
	Product      string
	SerialNumber string

	// Interface triple; change it to emulate an unsupported device.
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8

	MaxPacketSize0 uint8

	// StallGetMaxLUN makes GET_MAX_LUN answer with STALL.
	StallGetMaxLUN bool

	// INQUIRY identification
	InquiryVendor   string
	InquiryProduct  string
	InquiryRevision string
	Removable       bool

	// NotReadyCount is the number of TEST UNIT READY commands answered with
	// UNIT ATTENTION before the unit reports ready.
	NotReadyCount int
}

// DefaultConfig returns a SCSI/BOT flash drive.
func DefaultConfig() Config {
	return Config{
		VendorID:          0x1209,
		ProductID:         0x4D53,
		Manufacturer:      "mschost",
		Product:           "Simulated Disk",
		SerialNumber:      "SIM0001",
		InterfaceClass:    0x08,
		InterfaceSubClass: 0x06,
		InterfaceProtocol: 0x50,
		MaxPacketSize0:    64,
		InquiryVendor:     "MSCHOST",
		InquiryProduct:    "SIM DISK",
		InquiryRevision:   "1.0",
		Removable:         true,
	}
}

type botPhase uint8

const (
	phaseCommand botPhase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

type sense struct {
	key, asc, ascq uint8
}

// Function is an emulated USB mass-storage device: standard requests, the
// Bulk-Only Transport and a SCSI block command set over one or more units.
type Function struct {
	cfg  Config
	luns []Storage

	// Bus state
	address    hal.DeviceAddress
	configured bool
	speed      hal.Speed
	halted     map[uint8]bool
	maxLUN     int

	// BOT state
	phase     botPhase
	tag       uint32
	expected  uint32
	residue   uint32
	status    uint8
	dataIn    []byte
	stallData bool
	writeLUN  uint8
	writeLBA  uint64
	writeLen  uint32
	outData   []byte

	notReady int
	sense    [16]sense
}

// NewFunction creates an emulated device with one logical unit per storage.
// With no storage a single 1000 block memory unit is used.
func NewFunction(cfg Config, luns ...Storage) *Function {
	if len(luns) == 0 {
		luns = []Storage{NewMemoryStorage(1000, 512)}
	}
	if len(luns) > 16 {
		luns = luns[:16]
	}
	if cfg.MaxPacketSize0 == 0 {
		cfg.MaxPacketSize0 = 64
	}
	return &Function{
		cfg:      cfg,
		luns:     luns,
		halted:   make(map[uint8]bool),
		maxLUN:   len(luns) - 1,
		notReady: cfg.NotReadyCount,
	}
}

// SetReportedMaxLUN overrides the value returned by GET_MAX_LUN.
func (f *Function) SetReportedMaxLUN(v int) {
	f.maxLUN = v
}

// Storage returns the medium of unit lun, or nil.
func (f *Function) Storage(lun int) Storage {
	if lun < 0 || lun >= len(f.luns) {
		return nil
	}
	return f.luns[lun]
}

func (f *Function) bulkMaxPacket() uint16 {
	if f.speed == hal.SpeedHigh {
		return 512
	}
	return 64
}

// busReset returns the function to the default state at address 0.
func (f *Function) busReset() {
	f.address = 0
	f.configured = false
	f.halted = make(map[uint8]bool)
	f.botReset()
}

func (f *Function) botReset() {
	f.phase = phaseCommand
	f.dataIn = nil
	f.outData = nil
	f.stallData = false
}

func (f *Function) deviceDescriptor() []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = 0x01
	binary.LittleEndian.PutUint16(d[2:], 0x0200)
	d[7] = f.cfg.MaxPacketSize0
	binary.LittleEndian.PutUint16(d[8:], f.cfg.VendorID)
	binary.LittleEndian.PutUint16(d[10:], f.cfg.ProductID)
	binary.LittleEndian.PutUint16(d[12:], 0x0100)
	if f.cfg.Manufacturer != "" {
		d[14] = stringManufacturer
	}
	if f.cfg.Product != "" {
		d[15] = stringProduct
	}
	if f.cfg.SerialNumber != "" {
		d[16] = stringSerial
	}
	d[17] = 1
	return d
}

func (f *Function) configDescriptor() []byte {
	const total = 9 + 9 + 7 + 7
	d := make([]byte, 0, total)
	d = append(d, 9, 0x02, byte(total), byte(total>>8), 1, 1, 0, 0x80, 50)
	d = append(d, 9, 0x04, 0, 0, 2,
		f.cfg.InterfaceClass, f.cfg.InterfaceSubClass, f.cfg.InterfaceProtocol, 0)
	mps := f.bulkMaxPacket()
	d = append(d, 7, 0x05, EndpointBulkIn, 0x02, byte(mps), byte(mps>>8), 0)
	d = append(d, 7, 0x05, EndpointBulkOut, 0x02, byte(mps), byte(mps>>8), 0)
	return d
}

func stringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	d := make([]byte, 2+2*len(units))
	d[0] = byte(len(d))
	d[1] = 0x03
	for i, u := range units {
		binary.LittleEndian.PutUint16(d[2+2*i:], u)
	}
	return d
}

// control handles one control transfer addressed to the function.
func (f *Function) control(setup *hal.SetupPacket, data []byte) (int, error) {
	reqType := setup.RequestType & 0x60
	switch {
	case reqType == 0x00:
		return f.standardRequest(setup, data)
	case reqType == 0x20 && setup.RequestType&0x1F == 0x01:
		return f.classRequest(setup, data)
	default:
		return 0, pkg.ErrStall
	}
}

func (f *Function) standardRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case 0x06: // GET_DESCRIPTOR
		var desc []byte
		index := uint8(setup.Value)
		switch uint8(setup.Value >> 8) {
		case 0x01:
			desc = f.deviceDescriptor()
		case 0x02:
			if index != 0 {
				return 0, pkg.ErrStall
			}
			desc = f.configDescriptor()
		case 0x03:
			switch {
			case index == 0:
				desc = []byte{4, 0x03, 0x09, 0x04}
			case index == stringManufacturer && f.cfg.Manufacturer != "":
				desc = stringDescriptor(f.cfg.Manufacturer)
			case index == stringProduct && f.cfg.Product != "":
				desc = stringDescriptor(f.cfg.Product)
			case index == stringSerial && f.cfg.SerialNumber != "":
				desc = stringDescriptor(f.cfg.SerialNumber)
			default:
				return 0, pkg.ErrStall
			}
		default:
			return 0, pkg.ErrStall
		}
		return copy(data[:min(len(data), int(setup.Length))], desc), nil

	case 0x05: // SET_ADDRESS
		f.address = hal.DeviceAddress(setup.Value & 0x7F)
		return 0, nil

	case 0x09: // SET_CONFIGURATION
		switch setup.Value {
		case 0:
			f.configured = false
		case 1:
			f.configured = true
			f.halted = make(map[uint8]bool)
			f.botReset()
		default:
			return 0, pkg.ErrStall
		}
		return 0, nil

	case 0x08: // GET_CONFIGURATION
		if len(data) < 1 {
			return 0, nil
		}
		data[0] = 0
		if f.configured {
			data[0] = 1
		}
		return 1, nil

	case 0x00: // GET_STATUS
		if len(data) < 2 {
			return 0, nil
		}
		data[0], data[1] = 0, 0
		if setup.RequestType&0x1F == 0x02 && f.halted[uint8(setup.Index)] {
			data[0] = 1
		}
		return 2, nil

	case 0x01: // CLEAR_FEATURE
		if setup.RequestType&0x1F == 0x02 && setup.Value == 0 {
			delete(f.halted, uint8(setup.Index))
			return 0, nil
		}
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

func (f *Function) classRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	if !f.configured || setup.Index != 0 {
		return 0, pkg.ErrStall
	}
	switch setup.Request {
	case 0xFE: // GET_MAX_LUN
		if f.cfg.StallGetMaxLUN || len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = byte(f.maxLUN)
		return 1, nil

	case 0xFF: // Bulk-Only Mass Storage Reset
		f.botReset()
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

// bulkOut consumes one OUT transaction on the bulk OUT endpoint.
func (f *Function) bulkOut(data []byte, stats *Stats) (int, error) {
	switch f.phase {
	case phaseCommand:
		if len(data) != cbwSize || binary.LittleEndian.Uint32(data[0:4]) != cbwSignature {
			// Invalid CBW: halt both pipes until reset recovery.
			f.halted[EndpointBulkIn] = true
			f.halted[EndpointBulkOut] = true
			return 0, pkg.ErrStall
		}
		stats.CBWs++
		f.tag = binary.LittleEndian.Uint32(data[4:8])
		stats.Tags = append(stats.Tags, f.tag)
		f.expected = binary.LittleEndian.Uint32(data[8:12])
		dirIn := data[12]&0x80 != 0
		lun := data[13] & 0x0F
		var cdb [16]byte
		copy(cdb[:], data[15:31])
		stats.Opcodes = append(stats.Opcodes, cdb[0])
		f.execute(lun, cdb[:], dirIn)
		return len(data), nil

	case phaseDataOut:
		if f.stallData {
			f.halted[EndpointBulkOut] = true
			f.stallData = false
			f.phase = phaseStatus
			return 0, pkg.ErrStall
		}
		n := min(len(data), int(f.expected)-len(f.outData))
		f.outData = append(f.outData, data[:n]...)
		if uint32(len(f.outData)) >= f.expected {
			f.finishWrite()
		}
		return n, nil

	default:
		// Host sent data when the device expected to send.
		f.halted[EndpointBulkOut] = true
		f.status = cswStatusPhaseError
		f.phase = phaseStatus
		return 0, pkg.ErrStall
	}
}

// bulkIn produces one IN transaction on the bulk IN endpoint.
func (f *Function) bulkIn(buf []byte, faults *Faults) (int, error) {
	switch f.phase {
	case phaseDataIn:
		if f.stallData {
			f.halted[EndpointBulkIn] = true
			f.stallData = false
			f.phase = phaseStatus
			return 0, pkg.ErrStall
		}
		n := copy(buf, f.dataIn)
		f.residue = f.expected - uint32(n)
		f.dataIn = nil
		f.phase = phaseStatus
		return n, nil

	case phaseStatus:
		if len(buf) < cswSize {
			return 0, pkg.ErrProtocol
		}
		sig, tag, residue, status := uint32(cswSignature), f.tag, f.residue, f.status
		if faults.CorruptSignatures > 0 {
			faults.CorruptSignatures--
			sig = 0xDEADBEEF
		}
		if faults.CorruptTags > 0 {
			faults.CorruptTags--
			tag++
		}
		if faults.CorruptResidues > 0 {
			faults.CorruptResidues--
			residue = f.expected + 1
		}
		if faults.PhaseErrors > 0 {
			faults.PhaseErrors--
			status = cswStatusPhaseError
		}
		binary.LittleEndian.PutUint32(buf[0:4], sig)
		binary.LittleEndian.PutUint32(buf[4:8], tag)
		binary.LittleEndian.PutUint32(buf[8:12], residue)
		buf[12] = status
		f.phase = phaseCommand
		return cswSize, nil

	default:
		return 0, pkg.ErrNAK
	}
}

// execute runs the SCSI command of a freshly received CBW and selects the
// next BOT phase.
func (f *Function) execute(lun uint8, cdb []byte, dirIn bool) {
	f.status = cswStatusGood
	f.residue = f.expected
	f.dataIn = nil
	f.outData = nil
	f.stallData = false

	if int(lun) >= len(f.luns) {
		f.fail(lun, senseIllegalRequest, ascInvalidFieldInCDB, dirIn)
		return
	}
	st := f.luns[lun]

	switch cdb[0] {
	case opTestUnitReady:
		if f.notReady > 0 {
			f.notReady--
			f.fail(lun, senseUnitAttention, ascNotReadyToReadyChange, dirIn)
			return
		}
		f.sense[lun] = sense{}
		f.respond(nil, dirIn)

	case opRequestSense:
		resp := make([]byte, 18)
		resp[0] = 0x70
		resp[2] = f.sense[lun].key & 0x0F
		resp[7] = 10
		resp[12] = f.sense[lun].asc
		resp[13] = f.sense[lun].ascq
		f.sense[lun] = sense{}
		f.respond(resp[:min(len(resp), int(cdb[4]))], dirIn)

	case opInquiry:
		resp := make([]byte, 36)
		if f.cfg.Removable {
			resp[1] = 0x80
		}
		resp[2] = 0x06
		resp[3] = 0x02
		resp[4] = 36 - 5
		copy(resp[8:16], padString(f.cfg.InquiryVendor, 8))
		copy(resp[16:32], padString(f.cfg.InquiryProduct, 16))
		copy(resp[32:36], padString(f.cfg.InquiryRevision, 4))
		alloc := int(binary.BigEndian.Uint16(cdb[3:5]))
		f.respond(resp[:min(len(resp), alloc)], dirIn)

	case opReadCapacity10:
		resp := make([]byte, 8)
		last := st.BlockCount() - 1
		if last > 0xFFFFFFFF {
			last = 0xFFFFFFFF
		}
		binary.BigEndian.PutUint32(resp[0:4], uint32(last))
		binary.BigEndian.PutUint32(resp[4:8], st.BlockSize())
		f.respond(resp, dirIn)

	case opServiceActionIn16:
		if cdb[1]&0x1F != saReadCapacity16 {
			f.fail(lun, senseIllegalRequest, ascInvalidFieldInCDB, dirIn)
			return
		}
		resp := make([]byte, 32)
		binary.BigEndian.PutUint64(resp[0:8], st.BlockCount()-1)
		binary.BigEndian.PutUint32(resp[8:12], st.BlockSize())
		alloc := int(binary.BigEndian.Uint32(cdb[10:14]))
		f.respond(resp[:min(len(resp), alloc)], dirIn)

	case opModeSense6:
		resp := []byte{3, 0, 0, 0}
		if st.IsReadOnly() {
			resp[2] = 0x80
		}
		f.respond(resp[:min(len(resp), int(cdb[4]))], dirIn)

	case opRead10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks := uint32(binary.BigEndian.Uint16(cdb[7:9]))
		if !dirIn && f.expected > 0 {
			f.phaseError(dirIn)
			return
		}
		if lba+uint64(blocks) > st.BlockCount() {
			f.fail(lun, senseIllegalRequest, ascLBAOutOfRange, dirIn)
			return
		}
		resp := make([]byte, blocks*st.BlockSize())
		if uint32(len(resp)) > f.expected {
			f.phaseError(dirIn)
			return
		}
		if _, err := st.Read(lba, blocks, resp); err != nil {
			f.fail(lun, senseMediumError, ascNone, dirIn)
			return
		}
		f.respond(resp, dirIn)

	case opWrite10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks := uint32(binary.BigEndian.Uint16(cdb[7:9]))
		if dirIn && f.expected > 0 {
			f.phaseError(dirIn)
			return
		}
		if st.IsReadOnly() {
			f.fail(lun, senseDataProtect, ascWriteProtected, dirIn)
			return
		}
		if lba+uint64(blocks) > st.BlockCount() {
			f.fail(lun, senseIllegalRequest, ascLBAOutOfRange, dirIn)
			return
		}
		if f.expected == 0 {
			if blocks > 0 {
				f.phaseError(dirIn)
				return
			}
			f.residue = 0
			f.phase = phaseStatus
			return
		}
		f.writeLUN = lun
		f.writeLBA = lba
		f.writeLen = blocks
		f.phase = phaseDataOut

	case opStartStopUnit, opPreventAllowRemoval, opVerify10:
		f.respond(nil, dirIn)

	case opSynchronizeCache10:
		if err := st.Sync(); err != nil {
			f.fail(lun, senseMediumError, ascNone, dirIn)
			return
		}
		f.respond(nil, dirIn)

	default:
		f.fail(lun, senseIllegalRequest, ascInvalidCommand, dirIn)
	}
}

// respond queues resp for the data-in stage (clipped to the host's length).
func (f *Function) respond(resp []byte, dirIn bool) {
	if f.expected == 0 {
		f.residue = 0
		f.phase = phaseStatus
		return
	}
	if !dirIn {
		// Data-out expected for a command with nothing to receive.
		f.phaseError(dirIn)
		return
	}
	if uint32(len(resp)) > f.expected {
		resp = resp[:f.expected]
	}
	f.dataIn = resp
	f.phase = phaseDataIn
}

// fail records sense data and reports a failed command, stalling any data
// stage the host expects.
func (f *Function) fail(lun uint8, key, asc uint8, dirIn bool) {
	if int(lun) < len(f.sense) {
		f.sense[lun] = sense{key: key, asc: asc}
	}
	f.status = cswStatusFailed
	f.residue = f.expected
	f.stallData = f.expected > 0
	switch {
	case f.expected == 0:
		f.phase = phaseStatus
	case dirIn:
		f.phase = phaseDataIn
	default:
		f.phase = phaseDataOut
	}
}

func (f *Function) phaseError(dirIn bool) {
	f.status = cswStatusPhaseError
	f.residue = f.expected
	f.stallData = f.expected > 0
	switch {
	case f.expected == 0:
		f.phase = phaseStatus
	case dirIn:
		f.phase = phaseDataIn
	default:
		f.phase = phaseDataOut
	}
}

func (f *Function) finishWrite() {
	st := f.luns[f.writeLUN]
	need := f.writeLen * st.BlockSize()
	f.residue = f.expected - uint32(len(f.outData))
	if uint32(len(f.outData)) < need {
		f.status = cswStatusPhaseError
	} else if _, err := st.Write(f.writeLBA, f.writeLen, f.outData[:need]); err != nil {
		f.sense[f.writeLUN] = sense{key: senseMediumError}
		f.status = cswStatusFailed
	}
	f.outData = nil
	f.phase = phaseStatus
}

// padString pads or truncates a string to the specified length.
func padString(s string, length int) []byte {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		if i < len(s) {
			result[i] = s[i]
		} else {
			result[i] = ' '
		}
	}
	return result
}
