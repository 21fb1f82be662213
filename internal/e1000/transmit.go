package e1000

import (
	"errors"

	"github.com/vmuxIO/e1000-emu/internal/emu"
)

// txSequence accumulates one frame out of consecutive transmit
// descriptors until an end-of-packet descriptor completes it.
type txSequence struct {
	data []byte
	done bool

	// Legacy insert-checksum directive, taken from the descriptor that
	// carries the IC bit.
	insertLegacy bool
	legacyCSS    uint8
	legacyCSO    uint8

	// Extended packet options, taken from the first data descriptor of
	// the sequence.
	insertTU bool
	insertIP bool
	tse      bool
}

func (s *txSequence) reset() {
	*s = txSequence{}
}

// addLegacy folds a legacy descriptor's buffer into the sequence.
func (s *txSequence) addLegacy(d *Device, desc *txDescriptor) error {
	if desc.Cmd&txCmdIC != 0 {
		s.insertLegacy = true
		s.legacyCSS = desc.CSS
		s.legacyCSO = desc.CSO
	}
	if err := s.readBuffer(d, desc); err != nil {
		return err
	}
	s.done = desc.Cmd&txCmdEOP != 0
	return nil
}

// addData folds an extended data descriptor's buffer into the sequence.
func (s *txSequence) addData(d *Device, desc *txDescriptor) error {
	// Packet options are only valid on the first data descriptor, even
	// though drivers tend to repeat them.
	if len(s.data) == 0 {
		s.insertTU = desc.Popts&txPoptsTXSM != 0
		s.insertIP = desc.Popts&txPoptsIXSM != 0
		s.tse = desc.Cmd&txCmdTSE != 0
	}
	if err := s.readBuffer(d, desc); err != nil {
		return err
	}
	s.done = desc.Cmd&txCmdEOP != 0
	return nil
}

func (s *txSequence) readBuffer(d *Device, desc *txDescriptor) error {
	if desc.Length == 0 {
		return nil
	}
	// Null buffer addresses only occur as receive descriptor padding.
	if desc.Buffer == 0 {
		return errors.New("transmit descriptor buffer address is null")
	}
	old := len(s.data)
	s.data = append(s.data, make([]byte, desc.Length)...)
	return d.dmaRead(desc.Buffer, s.data[old:])
}

// processTxRing drains the transmit ring up to the driver-owned tail.
// Triggered synchronously by a TDT write; caller holds the device lock.
//
// A descriptor the device cannot use (bad buffer address, undecodable
// type) is marked failed and skipped; it never stalls the rest of the
// ring.
func (d *Device) processTxRing() {
	if d.txRing == nil {
		return
	}
	ring := d.txRing
	ring.setTail(d.regValue(regTDT))

	var seq txSequence
	reportStatus := false

	for !ring.isEmpty() {
		var raw [descriptorSize]byte
		if err := d.dmaRead(ring.descAddr(ring.head), raw[:]); err != nil {
			// The ring itself is unreadable; nothing sensible left to
			// do for this drain.
			d.log.Warn("transmit ring unreadable", "head", ring.head, "err", err)
			break
		}

		desc, err := decodeTxDescriptor(raw[:])
		if err == nil {
			switch desc.Kind {
			case txKindLegacy:
				err = seq.addLegacy(d, &desc)
			case txKindContext:
				// Context descriptors carry no data; they set up the
				// offload parameters for the data descriptors after
				// them.
				ctx := desc
				d.txCtx = &ctx
			case txKindData:
				if d.txCtx == nil {
					err = errors.New("data descriptor without preceding context descriptor")
				} else {
					err = seq.addData(d, &desc)
				}
			}
		}

		if err != nil {
			d.log.Warn("skipping bad transmit descriptor", "head", ring.head, "kind", desc.Kind.String(), "err", err)
			d.metrics.txErrors.Inc(1)
			desc.Status |= txStatusErr
			if emu.IsDmaFault(err) {
				// The sequence lost a buffer; drop the frame under
				// assembly rather than transmitting a gap.
				seq.reset()
			}
		}

		if desc.reportStatus() {
			reportStatus = true
			desc.Status |= txStatusDD
		}
		if desc.Status != raw[12] {
			desc.encodeStatus(raw[:])
			if werr := d.dmaWrite(ring.descAddr(ring.head), raw[:]); werr != nil {
				d.log.Warn("transmit status write-back failed", "head", ring.head, "err", werr)
			}
		}
		ring.advanceHead()
		d.setRegValue(regTDH, ring.head)

		if seq.done {
			d.transmitFrame(&seq)
			seq.reset()
		}
	}

	if reportStatus {
		d.reportTxdwAndTxqe()
	} else {
		d.reportTxqe()
	}
}

// transmitFrame applies the sequence's offload directives and hands the
// resulting frame(s) to the host conduit.
func (d *Device) transmitFrame(seq *txSequence) {
	if len(seq.data) == 0 {
		return
	}
	frames, err := d.applyTxOffload(seq)
	if err != nil {
		// Malformed offload directive: send the frame untouched.
		d.log.Warn("transmit offload failed, sending frame as-is", "err", err)
		d.metrics.offloadErrors.Inc(1)
		frames = [][]byte{seq.data}
	}
	for _, frame := range frames {
		if err := d.conduit.Send(frame); err != nil {
			d.log.Warn("host conduit send failed", "len", len(frame), "err", err)
			continue
		}
		d.metrics.txPackets.Inc(1)
		d.metrics.txBytes.Inc(int64(len(frame)))
	}
}
