package e1000

import "net"

// The emulated EEPROM holds 64 16-bit words: the MAC address in words
// 0-2 and a checksum word chosen so the words sum to the signature the
// driver verifies at probe time.
const (
	eepromWordCount   = 64
	eepromChecksumReg = eepromWordCount - 1
	eepromSignature   = 0xBABA
)

// Microwire read opcode, 3 bits.
const eepromOpRead = 0b110

// eeprom models the serial EEPROM behind both the EERD register window
// and the EECD bit-bang interface. Writes from the driver are not
// supported; the device ignores them.
type eeprom struct {
	words [eepromWordCount]uint16

	// Bit-bang interface state.
	lastSK   bool
	inBits   uint32
	inCount  int
	outBits  uint16
	outCount int
}

func (e *eeprom) setMAC(mac net.HardwareAddr) {
	e.words[0] = uint16(mac[0]) | uint16(mac[1])<<8
	e.words[1] = uint16(mac[2]) | uint16(mac[3])<<8
	e.words[2] = uint16(mac[4]) | uint16(mac[5])<<8
	e.updateChecksum()
}

func (e *eeprom) mac() net.HardwareAddr {
	return net.HardwareAddr{
		byte(e.words[0]), byte(e.words[0] >> 8),
		byte(e.words[1]), byte(e.words[1] >> 8),
		byte(e.words[2]), byte(e.words[2] >> 8),
	}
}

// updateChecksum picks the last word so that all words sum to the
// probe signature, modulo 2^16.
func (e *eeprom) updateChecksum() {
	var sum uint16
	for _, w := range e.words[:eepromChecksumReg] {
		sum += w
	}
	e.words[eepromChecksumReg] = eepromSignature - sum
}

func (e *eeprom) readWord(addr uint32) uint16 {
	if addr >= eepromWordCount {
		return 0
	}
	return e.words[addr]
}

// resetInterface clears the bit-bang shift state without touching the
// stored words.
func (e *eeprom) resetInterface() {
	e.lastSK = false
	e.inBits = 0
	e.inCount = 0
	e.outBits = 0
	e.outCount = 0
}

// clock advances the Microwire interface with the freshly written EECD
// value and returns the value with the data-output bit updated. The
// shift register samples DI and drives DO on the rising edge of SK
// while CS is held; read data comes out MSB first over the following
// 16 clocks. Write and erase opcodes are silently ignored.
func (e *eeprom) clock(v uint32) uint32 {
	if v&eecdCS == 0 {
		e.resetInterface()
		return v | eecdDO
	}

	sk := v&eecdSK != 0
	rising := sk && !e.lastSK
	e.lastSK = sk
	if !rising {
		return v
	}

	if e.outCount > 0 {
		e.outCount--
		if e.outBits&(1<<e.outCount) != 0 {
			v |= eecdDO
		} else {
			v &^= eecdDO
		}
		return v
	}

	var bit uint32
	if v&eecdDI != 0 {
		bit = 1
	}
	e.inBits = e.inBits<<1 | bit
	e.inCount++
	// 3 opcode bits plus 6 address bits complete a command.
	if e.inCount == 9 {
		op := (e.inBits >> 6) & 0x7
		addr := e.inBits & 0x3f
		if op == eepromOpRead {
			e.outBits = e.readWord(addr)
			e.outCount = 16
		}
		e.inBits = 0
		e.inCount = 0
	}
	return v
}

// eecdWrite feeds EECD writes into the bit-bang interface.
func (d *Device) eecdWrite() {
	d.setRegValue(regEECD, d.eeprom.clock(d.regValue(regEECD)))
}

// eerdWrite implements the register read window: a write with START
// set completes immediately with DONE and the addressed word in the
// data field.
func (d *Device) eerdWrite() {
	v := d.regValue(regEERD)
	if v&eerdStart == 0 {
		return
	}
	addr := (v >> eerdAddrShift) & eerdAddrMask
	data := uint32(d.eeprom.readWord(addr))
	d.setRegValue(regEERD, (v&^eerdStart)|eerdDone|data<<eerdDataShift)
}
