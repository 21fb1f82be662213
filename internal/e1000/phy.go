package e1000

// PHY register numbers and the bits the driver cares about.
const (
	phyControl = 0x00
	phyStatus  = 0x01
	phyID1     = 0x02
	phyID2     = 0x03

	phyControlReset = 1 << 15

	phyStatusLink        = 1 << 2
	phyStatusAutonegDone = 1 << 5
)

// Static PHY identity and capability values, matching a Marvell PHY of
// the kind the 8254x family ships with.
const (
	phyID1Value = 0x0141
	phyID2Value = 0x0C20

	// Extended status present, autoneg capable, 10/100 abilities.
	phyStatusBase = 0x7949
)

// phy models the management-interface view of the external PHY. It has
// no behavior of its own beyond tracking link state; autonegotiation
// always appears complete while the link is up.
type phy struct {
	regs [32]uint16
	link bool
}

func (p *phy) reset() {
	p.regs = [32]uint16{}
	p.regs[phyControl] = 0x1140 // autoneg enabled, full duplex
	p.regs[phyID1] = phyID1Value
	p.regs[phyID2] = phyID2Value
	p.link = false
	p.updateStatus()
}

func (p *phy) setLink(up bool) {
	p.link = up
	p.updateStatus()
}

func (p *phy) updateStatus() {
	s := uint16(phyStatusBase)
	if p.link {
		s |= phyStatusLink | phyStatusAutonegDone
	}
	p.regs[phyStatus] = s
}

func (p *phy) read(reg uint32) uint16 {
	return p.regs[reg&0x1f]
}

func (p *phy) write(reg uint32, v uint16) {
	switch reg & 0x1f {
	case phyStatus, phyID1, phyID2:
		// Read-only.
	case phyControl:
		// The reset bit self-clears; everything else sticks.
		p.regs[phyControl] = v &^ phyControlReset
	default:
		p.regs[reg&0x1f] = v
	}
}

// mdicWrite performs the MDIO transaction the driver queued in MDIC.
// Transactions complete immediately; READY is set on the way out and
// an interrupt is raised when the driver asked for one.
func (d *Device) mdicWrite() {
	v := d.regValue(regMDIC)
	reg := (v >> mdicRegAddrShift) & mdicRegAddrMask

	switch (v >> mdicOpShift) & mdicOpMask {
	case mdicOpRead:
		v = (v &^ mdicDataMask) | uint32(d.phy.read(reg))
	case mdicOpWrite:
		d.phy.write(reg, uint16(v&mdicDataMask))
	default:
		v |= mdicError
	}
	v |= mdicReady
	d.setRegValue(regMDIC, v)

	if v&mdicIntrEnable != 0 {
		d.reportMdac()
	}
}
