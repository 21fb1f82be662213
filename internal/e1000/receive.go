package e1000

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/vmuxIO/e1000-emu/internal/emu"
)

const (
	etherHeaderLen = 14
	etherTypeIPv4  = 0x0800
	ipProtocolTCP  = 6
	ipProtocolUDP  = 17
)

// Receive delivers one inbound frame to the guest through the receive
// ring. Frames arriving while the receiver is disabled are silently
// dropped; a full ring drops the frame and reports ErrRingOverrun so
// the conduit can account for it. Neither case raises an interrupt.
func (d *Device) Receive(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.regValue(regRCTL)&rctlEN == 0 || d.rxRing == nil {
		d.metrics.rxDropped.Inc(1)
		return nil
	}
	ring := d.rxRing
	if ring.isEmpty() {
		d.metrics.rxDropped.Inc(1)
		return emu.ErrRingOverrun
	}

	status, errs := d.rxChecksumStatus(frame)
	bufSize := d.rctlBufferSize()

	// Spread the frame across as many descriptors as it needs. If the
	// ring runs dry mid-frame the final descriptor is marked truncated.
	written := false
	for remaining := frame; len(remaining) > 0; {
		var raw [descriptorSize]byte
		if err := d.dmaRead(ring.descAddr(ring.head), raw[:]); err != nil {
			d.log.Warn("receive ring unreadable", "head", ring.head, "err", err)
			d.metrics.rxDropped.Inc(1)
			return err
		}
		desc := decodeRxDescriptor(raw[:])

		chunk := remaining
		if len(chunk) > bufSize {
			chunk = chunk[:bufSize]
		}
		remaining = remaining[len(chunk):]

		if err := d.dmaWrite(desc.Buffer, chunk); err != nil {
			d.log.Warn("receive buffer unwritable", "head", ring.head, "addr", desc.Buffer, "err", err)
			d.metrics.rxDropped.Inc(1)
			return err
		}

		desc.Length = uint16(len(chunk))
		desc.Status = status | rxStatusDD
		desc.Errors = errs
		last := len(remaining) == 0
		if !last && ring.hardwareOwned() == 1 {
			// Out of descriptors; cut the frame here.
			desc.Errors |= rxErrorRXE
			last = true
			remaining = nil
		}
		if last {
			desc.Status |= rxStatusEOP
		}

		desc.encode(raw[:])
		if err := d.dmaWrite(ring.descAddr(ring.head), raw[:]); err != nil {
			d.log.Warn("receive descriptor write-back failed", "head", ring.head, "err", err)
			d.metrics.rxDropped.Inc(1)
			return err
		}
		ring.advanceHead()
		d.setRegValue(regRDH, ring.head)
		written = true
	}

	if !written {
		return nil
	}
	d.metrics.rxPackets.Inc(1)
	d.metrics.rxBytes.Inc(int64(len(frame)))
	d.reportRxt0()
	return nil
}

// rxChecksumStatus validates the inbound frame's checksums when the
// driver enabled receive checksum offload, producing the status and
// error bits to report in the descriptors. Frames the offload engine
// cannot parse are reported with the ignore-checksum bit so the driver
// verifies them in software.
func (d *Device) rxChecksumStatus(frame []byte) (status, errs uint8) {
	rxcsum := d.regValue(regRXCSUM)
	if rxcsum&(rxcsumIPOFLD|rxcsumTUOFLD) == 0 {
		return rxStatusIXSM, 0
	}

	ip, ok := ipv4Header(frame)
	if !ok {
		return rxStatusIXSM, 0
	}
	ihl := int(ip[0]&0x0f) * 4

	if rxcsum&rxcsumIPOFLD != 0 {
		status |= rxStatusIPCS
		if checksum.Checksum(ip[:ihl], 0) != 0xffff {
			errs |= rxErrorIPE
		}
	}

	if rxcsum&rxcsumTUOFLD != 0 {
		proto := ip[9]
		l4 := ip[ihl:]
		switch proto {
		case ipProtocolTCP:
			status |= rxStatusTCPCS
		case ipProtocolUDP:
			status |= rxStatusUDPCS
			if len(l4) >= 8 && binary.BigEndian.Uint16(l4[6:8]) == 0 {
				// Checksum not used by the sender.
				return status, errs
			}
		default:
			return status | rxStatusIXSM, errs
		}
		if !l4ChecksumValid(ip, ihl, l4) {
			errs |= rxErrorTCPE
		}
	}
	return status, errs
}

// ipv4Header returns the IPv4 header-and-payload view of an ethernet
// frame, or ok=false for anything that is not plain IPv4.
func ipv4Header(frame []byte) (ip []byte, ok bool) {
	if len(frame) < etherHeaderLen+20 {
		return nil, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return nil, false
	}
	ip = frame[etherHeaderLen:]
	ihl := int(ip[0]&0x0f) * 4
	if ip[0]>>4 != 4 || ihl < 20 || len(ip) < ihl {
		return nil, false
	}
	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if total < ihl || total > len(ip) {
		return nil, false
	}
	return ip[:total], true
}

func l4ChecksumValid(ip []byte, ihl int, l4 []byte) bool {
	var pseudo [12]byte
	copy(pseudo[0:8], ip[12:20])
	pseudo[9] = ip[9]
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(l4)))
	sum := checksum.Checksum(pseudo[:], 0)
	sum = checksum.Checksum(l4, sum)
	return sum == 0xffff
}
