package e1000

import (
	"encoding/binary"
	"fmt"
)

// Descriptors are 16 bytes: 8 for the buffer address, the rest for
// length, command and status fields. Layouts follow the 8254x manual.
const descriptorSize = 16

// Receive descriptor status bits.
const (
	rxStatusDD    = 0x01 // descriptor done
	rxStatusEOP   = 0x02 // end of packet
	rxStatusIXSM  = 0x04 // ignore checksum indication
	rxStatusUDPCS = 0x10 // UDP checksum calculated
	rxStatusTCPCS = 0x20 // TCP checksum calculated
	rxStatusIPCS  = 0x40 // IP checksum calculated
)

// Receive descriptor error bits.
const (
	rxErrorTCPE = 0x20 // TCP/UDP checksum error
	rxErrorIPE  = 0x40 // IP checksum error
	rxErrorRXE  = 0x80 // RX data error; used to flag truncation/overrun
)

// Transmit command bits (legacy CMD and extended DCMD share these positions).
const (
	txCmdEOP  = 0x01 // end of packet
	txCmdIFCS = 0x02 // insert FCS (accepted, no-op: frames carry no CRC here)
	txCmdIC   = 0x04 // insert checksum (legacy)
	txCmdTSE  = 0x04 // TCP segmentation enable (extended data/context)
	txCmdRS   = 0x08 // report status
	txCmdRPS  = 0x10 // report packet sent; treated like RS
	txCmdDEXT = 0x20 // descriptor extension
	txCmdIDE  = 0x80 // interrupt delay enable
)

// TUCMD bits of the TCP/IP context descriptor.
const (
	txTucmdTCP = 0x01 // packet type: 1 TCP, 0 UDP
	txTucmdIP  = 0x02 // packet type: 1 IPv4, 0 IPv6
	txTucmdTSE = 0x04
)

// POPTS bits of the TCP/IP data descriptor.
const (
	txPoptsIXSM = 0x01 // insert IP checksum
	txPoptsTXSM = 0x02 // insert TCP/UDP checksum
)

// Transmit status bits.
const (
	txStatusDD  = 0x01 // descriptor done
	txStatusErr = 0x02 // excess-collisions position, repurposed as the per-descriptor error flag
)

// Extended transmit descriptor types (DTYP field).
const (
	txDtypContext = 0
	txDtypData    = 1
)

type rxDescriptor struct {
	Buffer   uint64
	Length   uint16
	Checksum uint16
	Status   uint8
	Errors   uint8
	Special  uint16
}

func decodeRxDescriptor(b []byte) rxDescriptor {
	return rxDescriptor{
		Buffer:   binary.LittleEndian.Uint64(b[0:8]),
		Length:   binary.LittleEndian.Uint16(b[8:10]),
		Checksum: binary.LittleEndian.Uint16(b[10:12]),
		Status:   b[12],
		Errors:   b[13],
		Special:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

func (d rxDescriptor) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Buffer)
	binary.LittleEndian.PutUint16(b[8:10], d.Length)
	binary.LittleEndian.PutUint16(b[10:12], d.Checksum)
	b[12] = d.Status
	b[13] = d.Errors
	binary.LittleEndian.PutUint16(b[14:16], d.Special)
}

// txDescriptor is the decoded form of any of the three transmit
// descriptor variants. Kind selects which of the variant fields are
// meaningful; Cmd and Status share one position across all variants.
type txDescriptor struct {
	Kind txDescriptorKind

	Cmd    uint8
	Status uint8

	// Legacy and data descriptors.
	Buffer uint64
	Length uint32

	// Legacy checksum fields.
	CSO uint8
	CSS uint8

	// Data descriptor packet options.
	Popts uint8

	// Context descriptor fields.
	IPCSS  uint8
	IPCSO  uint8
	IPCSE  uint16
	TUCSS  uint8
	TUCSO  uint8
	TUCSE  uint16
	Paylen uint32
	Tucmd  uint8
	Hdrlen uint8
	MSS    uint16

	Special uint16

	raw [descriptorSize]byte
}

type txDescriptorKind uint8

const (
	txKindLegacy txDescriptorKind = iota
	txKindContext
	txKindData
)

func (k txDescriptorKind) String() string {
	switch k {
	case txKindLegacy:
		return "legacy"
	case txKindContext:
		return "context"
	case txKindData:
		return "data"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

func decodeTxDescriptor(b []byte) (txDescriptor, error) {
	var d txDescriptor
	copy(d.raw[:], b[:descriptorSize])

	d.Cmd = b[11]
	d.Status = b[12]

	if d.Cmd&txCmdDEXT == 0 {
		d.Kind = txKindLegacy
		d.Buffer = binary.LittleEndian.Uint64(b[0:8])
		d.Length = uint32(binary.LittleEndian.Uint16(b[8:10]))
		d.CSO = b[10]
		d.CSS = b[13]
		d.Special = binary.LittleEndian.Uint16(b[14:16])
		return d, nil
	}

	// DTYP lives in bits 20:23 of the second dword for both extended
	// variants.
	dword2 := binary.LittleEndian.Uint32(b[8:12])
	dtyp := (dword2 >> 20) & 0xf

	switch dtyp {
	case txDtypContext:
		d.Kind = txKindContext
		d.IPCSS = b[0]
		d.IPCSO = b[1]
		d.IPCSE = binary.LittleEndian.Uint16(b[2:4])
		d.TUCSS = b[4]
		d.TUCSO = b[5]
		d.TUCSE = binary.LittleEndian.Uint16(b[6:8])
		d.Paylen = dword2 & 0xfffff
		d.Tucmd = b[11]
		d.Hdrlen = b[13]
		d.MSS = binary.LittleEndian.Uint16(b[14:16])
	case txDtypData:
		d.Kind = txKindData
		d.Buffer = binary.LittleEndian.Uint64(b[0:8])
		d.Length = dword2 & 0xfffff
		d.Popts = b[13]
		d.Special = binary.LittleEndian.Uint16(b[14:16])
	default:
		return d, fmt.Errorf("unknown transmit descriptor type %d", dtyp)
	}
	return d, nil
}

// encodeStatus writes the updated status byte back into the raw
// descriptor image, leaving every other field as the driver wrote it.
func (d *txDescriptor) encodeStatus(b []byte) {
	copy(b[:descriptorSize], d.raw[:])
	b[12] = d.Status
}

// reportStatus reports whether the driver asked for a done write-back.
func (d *txDescriptor) reportStatus() bool {
	return d.Cmd&(txCmdRS|txCmdRPS) != 0
}

// descriptorRing tracks the device-owned view of a guest descriptor
// ring: base address, descriptor count, and the head/tail indices.
// Head is advanced by the device, tail by the driver. Indices wrap
// modulo the ring length with an explicit modulus, never relying on
// integer wraparound.
type descriptorRing struct {
	base  uint64
	count uint32
	head  uint32
	tail  uint32
}

func newDescriptorRing(base uint64, lengthBytes uint32, head, tail uint32) (*descriptorRing, error) {
	count := lengthBytes / descriptorSize
	if count == 0 {
		return nil, fmt.Errorf("descriptor ring has zero length")
	}
	return &descriptorRing{
		base:  base,
		count: count,
		head:  head % count,
		tail:  tail % count,
	}, nil
}

// descAddr returns the guest address of the descriptor at index.
func (r *descriptorRing) descAddr(index uint32) uint64 {
	return r.base + uint64(index%r.count)*descriptorSize
}

// isEmpty reports whether the hardware-owned section is empty.
func (r *descriptorRing) isEmpty() bool {
	return r.head == r.tail
}

// hardwareOwned returns how many descriptors the device currently owns.
func (r *descriptorRing) hardwareOwned() uint32 {
	tail := r.tail
	if tail < r.head {
		tail += r.count
	}
	return tail - r.head
}

func (r *descriptorRing) advanceHead() {
	r.head = (r.head + 1) % r.count
}

func (r *descriptorRing) setTail(tail uint32) {
	r.tail = tail % r.count
}
