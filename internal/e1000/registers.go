package e1000

import (
	"encoding/binary"

	"github.com/vmuxIO/e1000-emu/internal/emu"
)

// RegionSize is the size of the device's memory-mapped register region
// (BAR0 of the real chip).
const RegionSize = 0x20000

// Register offsets within BAR0. Must match the real chip for driver
// compatibility.
const (
	regCTRL   = 0x0000 // device control
	regSTATUS = 0x0008 // device status
	regEECD   = 0x0010 // EEPROM control & data (Microwire bit-bang)
	regEERD   = 0x0014 // EEPROM read (address/data window)
	regMDIC   = 0x0020 // PHY management data interface control

	regICR = 0x00C0 // interrupt cause read (clear on read)
	regITR = 0x00C4 // interrupt throttling
	regICS = 0x00C8 // interrupt cause set
	regIMS = 0x00D0 // interrupt mask set/read
	regIMC = 0x00D8 // interrupt mask clear

	regRCTL = 0x0100 // receive control
	regTCTL = 0x0400 // transmit control

	regRDBAL = 0x2800 // receive descriptor base low
	regRDBAH = 0x2804 // receive descriptor base high
	regRDLEN = 0x2808 // receive descriptor length
	regRDH   = 0x2810 // receive descriptor head
	regRDT   = 0x2818 // receive descriptor tail

	regTDBAL = 0x3800 // transmit descriptor base low
	regTDBAH = 0x3804 // transmit descriptor base high
	regTDLEN = 0x3808 // transmit descriptor length
	regTDH   = 0x3810 // transmit descriptor head
	regTDT   = 0x3818 // transmit descriptor tail

	regRXCSUM = 0x5000 // receive checksum control
	regRAL0   = 0x5400 // receive address 0 low (MAC bytes 0-3)
	regRAH0   = 0x5404 // receive address 0 high (MAC bytes 4-5, AV)
)

// CTRL bits.
const (
	ctrlSLU = 1 << 6  // set link up
	ctrlRST = 1 << 26 // device reset, self-clearing
)

// STATUS bits.
const (
	statusFD        = 1 << 0 // full duplex
	statusLU        = 1 << 1 // link up
	statusSpeed1000 = 3 << 6 // speed field, 1000 Mb/s
)

// EECD bits.
const (
	eecdSK   = 1 << 0 // clock input
	eecdCS   = 1 << 1 // chip select
	eecdDI   = 1 << 2 // data input
	eecdDO   = 1 << 3 // data output
	eecdREQ  = 1 << 6 // request EEPROM access
	eecdGNT  = 1 << 7 // grant EEPROM access, always set
	eecdPRES = 1 << 8 // EEPROM present, always set
)

// EERD bits and fields.
const (
	eerdStart     = 1 << 0
	eerdDone      = 1 << 4
	eerdAddrShift = 8
	eerdAddrMask  = 0xff
	eerdDataShift = 16
)

// MDIC bits and fields.
const (
	mdicDataMask     = 0xffff
	mdicRegAddrShift = 16
	mdicRegAddrMask  = 0x1f
	mdicOpShift      = 26
	mdicOpMask       = 0x3
	mdicOpWrite      = 0x1
	mdicOpRead       = 0x2
	mdicReady        = 1 << 28
	mdicIntrEnable   = 1 << 29
	mdicError        = 1 << 30
)

// RCTL bits and fields.
const (
	rctlEN         = 1 << 1
	rctlBSIZEShift = 16
	rctlBSIZEMask  = 0x3
	rctlBSEX       = 1 << 25
	rctlSECRC      = 1 << 26
)

// TCTL bits.
const (
	tctlEN = 1 << 1
)

// RXCSUM bits.
const (
	rxcsumIPOFLD = 1 << 8 // IP checksum offload enable
	rxcsumTUOFLD = 1 << 9 // TCP/UDP checksum offload enable
)

// RAH0 bits.
const (
	rahAV = 1 << 31 // address valid
)

const statusDefault = statusFD | statusSpeed1000

// register is one entry of the register file: a value, the bits the
// driver may change, and optional access overrides and a post-write
// hook. Registers without overrides behave as plain masked storage.
type register struct {
	name      string
	value     uint32
	writeMask uint32

	read    func(d *Device) uint32
	write   func(d *Device, v uint32)
	onWrite func(d *Device)
}

func (r *register) readValue(d *Device) uint32 {
	if r.read != nil {
		return r.read(d)
	}
	return r.value
}

func (r *register) writeValue(d *Device, v uint32) {
	if r.write != nil {
		r.write(d, v)
		return
	}
	r.value = (r.value &^ r.writeMask) | (v & r.writeMask)
	if r.onWrite != nil {
		r.onWrite(d)
	}
}

// newRegisterFile builds the offset-to-register table with power-on
// defaults. One table per device; the side-effect hooks close over the
// owning Device via their parameter instead of capturing it, so the
// table can be rebuilt on reset without re-wiring.
func newRegisterFile() map[uint32]*register {
	regs := map[uint32]*register{
		regCTRL: {
			name:      "CTRL",
			writeMask: 0xffffffff,
			onWrite:   (*Device).ctrlWrite,
		},
		regSTATUS: {
			name:  "STATUS",
			value: statusDefault,
			// Read-only from the driver's perspective.
			writeMask: 0,
		},
		regEECD: {
			name:      "EECD",
			value:     eecdGNT | eecdPRES,
			writeMask: eecdSK | eecdCS | eecdDI | eecdREQ,
			onWrite:   (*Device).eecdWrite,
		},
		regEERD: {
			name:      "EERD",
			writeMask: eerdStart | eerdAddrMask<<eerdAddrShift,
			onWrite:   (*Device).eerdWrite,
		},
		regMDIC: {
			name:      "MDIC",
			writeMask: ^uint32(mdicReady | mdicError),
			onWrite:   (*Device).mdicWrite,
		},
		regICR: {
			name:  "ICR",
			read:  (*Device).icrRead,
			write: (*Device).icrWrite,
		},
		regITR: {
			name:      "ITR",
			writeMask: 0xffff,
			onWrite:   (*Device).itrWrite,
		},
		regICS: {
			name:  "ICS",
			read:  func(d *Device) uint32 { return d.intr.cause },
			write: (*Device).icsWrite,
		},
		regIMS: {
			name:  "IMS",
			read:  func(d *Device) uint32 { return d.intr.mask },
			write: (*Device).imsWrite,
		},
		regIMC: {
			name:  "IMC",
			read:  func(d *Device) uint32 { return d.intr.mask },
			write: (*Device).imcWrite,
		},
		regRCTL: {
			name:      "RCTL",
			writeMask: 0xffffffff,
			onWrite:   (*Device).rctlWrite,
		},
		regTCTL: {
			name:      "TCTL",
			writeMask: 0xffffffff,
			onWrite:   (*Device).tctlWrite,
		},
		regRDBAL:  {name: "RDBAL", writeMask: 0xfffffff0},
		regRDBAH:  {name: "RDBAH", writeMask: 0xffffffff},
		regRDLEN:  {name: "RDLEN", writeMask: 0x000fff80},
		regRDH:    {name: "RDH", writeMask: 0xffff},
		regRDT:    {name: "RDT", writeMask: 0xffff, onWrite: (*Device).rdtWrite},
		regTDBAL:  {name: "TDBAL", writeMask: 0xfffffff0},
		regTDBAH:  {name: "TDBAH", writeMask: 0xffffffff},
		regTDLEN:  {name: "TDLEN", writeMask: 0x000fff80},
		regTDH:    {name: "TDH", writeMask: 0xffff},
		regTDT:    {name: "TDT", writeMask: 0xffff, onWrite: (*Device).tdtWrite},
		regRXCSUM: {name: "RXCSUM", writeMask: 0x000003ff},
		regRAL0:   {name: "RAL0", writeMask: 0xffffffff},
		regRAH0:   {name: "RAH0", writeMask: 0xffffffff},
	}
	return regs
}

// MMIORead handles a read from the device's register region. Width is
// len(p) and must be 1, 2, 4 or 8 bytes. Unmapped offsets inside the
// region read as zero; accesses outside the region fail with an
// AccessFault.
func (d *Device) MMIORead(offset uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.access(offset, p, false)
}

// MMIOWrite handles a write to the device's register region, applying
// the target register's write mask and side-effect hook.
func (d *Device) MMIOWrite(offset uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.access(offset, p, true)
}

func (d *Device) access(offset uint64, p []byte, write bool) error {
	switch len(p) {
	case 1, 2, 4:
	case 8:
		// Split into the two 32-bit registers the access covers.
		if err := d.access(offset, p[:4], write); err != nil {
			return err
		}
		return d.access(offset+4, p[4:], write)
	default:
		return d.accessFault(offset, len(p), write)
	}

	if offset+uint64(len(p)) > RegionSize {
		return d.accessFault(offset, len(p), write)
	}

	base := offset &^ 3
	if offset+uint64(len(p)) > base+4 {
		// Straddles a register boundary.
		return d.accessFault(offset, len(p), write)
	}
	byteOff := int(offset - base)

	reg, ok := d.regs[uint32(base)]
	if !ok {
		if write {
			d.log.Debug("unmatched register write", "offset", offset, "width", len(p))
		} else {
			// Unmapped registers read as zero.
			clear(p)
		}
		return nil
	}

	if !write {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], reg.readValue(d))
		copy(p, buf[byteOff:byteOff+len(p)])
		return nil
	}

	// Sub-word writes merge into the current value before the masked
	// store so neighboring bytes are preserved.
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], reg.value)
	copy(buf[byteOff:], p)
	reg.writeValue(d, binary.LittleEndian.Uint32(buf[:]))
	return nil
}

func (d *Device) accessFault(offset uint64, width int, write bool) error {
	fault := &emu.AccessFault{Offset: offset, Width: width, Write: write}
	d.log.Warn("register access fault", "offset", offset, "width", width, "write", write)
	d.metrics.accessFaults.Inc(1)
	return fault
}

// IORead implements the BAR1 I/O window: offset 0 is IOADDR, offset 4
// is IODATA, which proxies a 4-byte access to the BAR0 register that
// IOADDR names.
func (d *Device) IORead(offset uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(p) != 4 {
		return d.accessFault(offset, len(p), false)
	}
	switch offset {
	case 0:
		binary.LittleEndian.PutUint32(p, d.ioAddr)
		return nil
	case 4:
		return d.access(uint64(d.ioAddr), p, false)
	default:
		return d.accessFault(offset, len(p), false)
	}
}

// IOWrite is the write half of the BAR1 I/O window.
func (d *Device) IOWrite(offset uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(p) != 4 {
		return d.accessFault(offset, len(p), true)
	}
	switch offset {
	case 0:
		d.ioAddr = binary.LittleEndian.Uint32(p)
		return nil
	case 4:
		return d.access(uint64(d.ioAddr), p, true)
	default:
		return d.accessFault(offset, len(p), true)
	}
}

// regValue returns the stored value of a plain register. Only valid
// for registers without a read override.
func (d *Device) regValue(offset uint32) uint32 {
	return d.regs[offset].value
}

func (d *Device) setRegValue(offset uint32, v uint32) {
	d.regs[offset].value = v
}
