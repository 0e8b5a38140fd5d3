// Package nvmewire defines the bit-exact host-facing wire shapes this
// simulator speaks: the NVMe submission/completion queue entries, the PRP
// and SGL descriptor formats the DMA engine walks, and the controller
// register block. Every type here is a plain, non-owning struct; parsing
// and validation live in the packages that consume them.
package nvmewire

import "encoding/binary"

// SQESize and CQESize are the fixed NVMe 1.4 entry sizes.
const (
	SQESize = 64
	CQESize = 16
)

// SQE is a 64-byte NVMe Submission Queue Entry. Only the handful of
// fields the command handlers need are pulled out; the rest travel
// opaquely in RawCDW.
type SQE struct {
	OpCode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	RawCDW [16]uint32 // CDW0..CDW15, byte-identical to the wire layout
}

// DecodeSQE parses a 64-byte raw entry per the NVMe 1.4 common command
// format. raw must be at least SQESize bytes; the arbiter always reads
// exactly that much off the ring.
func DecodeSQE(raw []byte) SQE {
	var sqe SQE
	sqe.OpCode = raw[0]
	sqe.Flags = raw[1]
	sqe.CID = binary.LittleEndian.Uint16(raw[2:4])
	sqe.NSID = binary.LittleEndian.Uint32(raw[4:8])
	sqe.PRP1 = binary.LittleEndian.Uint64(raw[24:32])
	sqe.PRP2 = binary.LittleEndian.Uint64(raw[32:40])
	sqe.CDW10 = binary.LittleEndian.Uint32(raw[40:44])
	sqe.CDW11 = binary.LittleEndian.Uint32(raw[44:48])
	sqe.CDW12 = binary.LittleEndian.Uint32(raw[48:52])
	for i := 0; i < 16; i++ {
		sqe.RawCDW[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	return sqe
}

// Status is the NVMe completion status: status-code-type in bits 10:8,
// status code in bits 7:0.
type Status uint16

const (
	StatusSuccess                            Status = 0x000
	StatusInvalidOpcode                      Status = 0x001
	StatusInvalidField                       Status = 0x002
	StatusAbortRequested                     Status = 0x007
	StatusInvalidQueueIdentifier             Status = 0x101 // SCT 1 (command specific)
	StatusDeallocatedOrUnwrittenLogicalBlock Status = 0x287 // SCT 2 (media errors)
)

// CQE is a 16-byte NVMe Completion Queue Entry.
type CQE struct {
	Result uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status Status
}

// Encode writes cqe to its 16-byte wire form, including the phase bit as
// the low bit of the status word (NVMe 1.4 §4.6).
func (c CQE) Encode() [CQESize]byte {
	var raw [CQESize]byte
	binary.LittleEndian.PutUint32(raw[0:4], c.Result)
	binary.LittleEndian.PutUint16(raw[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(raw[10:12], c.SQID)
	binary.LittleEndian.PutUint16(raw[12:14], c.CID)
	sf := uint16(c.Status) << 1
	if c.Phase {
		sf |= 1
	}
	binary.LittleEndian.PutUint16(raw[14:16], sf)
	return raw
}

// PRPEntrySize is the size of one PRP list slot: an 8-byte quadword.
const PRPEntrySize = 8

// SGLDescriptor is a 16-byte NVMe SGL descriptor,
// `id = (type<<4)|subtype`.
type SGLDescriptor struct {
	Address uint64
	Length  uint32
	ID      uint8
}

// SGLType is the high nibble of an SGLDescriptor's ID byte.
type SGLType uint8

const (
	SGLTypeDataBlock      SGLType = 0x0
	SGLTypeBitBucket      SGLType = 0x1
	SGLTypeSegment        SGLType = 0x2
	SGLTypeLastSegment    SGLType = 0x3
	SGLTypeKeyedDataBlock SGLType = 0x4
)

func (d SGLDescriptor) Type() SGLType  { return SGLType(d.ID >> 4) }
func (d SGLDescriptor) Subtype() uint8 { return d.ID & 0x0f }

// DecodeSGLDescriptor parses one 16-byte SGL descriptor.
func DecodeSGLDescriptor(raw []byte) SGLDescriptor {
	return SGLDescriptor{
		Address: binary.LittleEndian.Uint64(raw[0:8]),
		Length:  binary.LittleEndian.Uint32(raw[8:12]),
		ID:      raw[15],
	}
}

// ControllerConfig is the 4-byte Controller Configuration register:
// en:1, css:3, mps:4, ams:3, shn:2, iosqes:4, iocqes:4.
type ControllerConfig struct {
	Enable bool
	CSS    uint8
	MPS    uint8 // memory page size = 2^(12+mps)
	AMS    uint8
	SHN    uint8
	IOSQES uint8
	IOCQES uint8
}

// DecodeControllerConfig unpacks the CC register bitfields.
func DecodeControllerConfig(v uint32) ControllerConfig {
	return ControllerConfig{
		Enable: v&0x1 != 0,
		CSS:    uint8((v >> 1) & 0x7),
		MPS:    uint8((v >> 4) & 0xf),
		AMS:    uint8((v >> 8) & 0x7),
		SHN:    uint8((v >> 11) & 0x3),
		IOSQES: uint8((v >> 16) & 0xf),
		IOCQES: uint8((v >> 20) & 0xf),
	}
}

// MemPageSize returns 2^(12+mps) bytes, the PRP mode decision's mem_page.
func (c ControllerConfig) MemPageSize() uint64 { return 1 << (12 + c.MPS) }

// ControllerStatus is the 4-byte Controller Status register: rdy:1,
// cfs:1, shst:2, nssro:1, pp:1.
type ControllerStatus struct {
	Ready          bool
	Fatal          bool
	ShutdownStatus uint8
	NSSRO          bool
	Processing     bool
}

func (s ControllerStatus) Encode() uint32 {
	var v uint32
	if s.Ready {
		v |= 0x1
	}
	if s.Fatal {
		v |= 0x2
	}
	v |= uint32(s.ShutdownStatus&0x3) << 2
	if s.NSSRO {
		v |= 0x10
	}
	if s.Processing {
		v |= 0x20
	}
	return v
}

// DoorbellOffset returns the register offset for queue index i's SQ
// (tail) or CQ (head) doorbell: 0x1000 + (2i + {0,1}) * dstrd.
func DoorbellOffset(i uint32, isCQ bool, dstrd uint32) uint32 {
	slot := 2 * i
	if isCQ {
		slot++
	}
	return 0x1000 + slot*dstrd
}
