package e1000

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/vmuxIO/e1000-emu/internal/emu"
)

// applyTxOffload turns one assembled frame into the frame(s) that go
// out on the wire, applying the checksum-insert and segmentation
// directives collected from the descriptors. An OffloadError means the
// directives were malformed; the caller falls back to sending the
// frame untouched.
func (d *Device) applyTxOffload(seq *txSequence) ([][]byte, error) {
	frame := seq.data

	if seq.tse {
		return d.segmentFrame(seq)
	}

	if seq.insertLegacy {
		if err := insertChecksum(frame, int(seq.legacyCSS), int(seq.legacyCSO), 0); err != nil {
			return nil, err
		}
	}
	if ctx := d.txCtx; ctx != nil {
		if seq.insertIP {
			if err := insertChecksum(frame, int(ctx.IPCSS), int(ctx.IPCSO), int(ctx.IPCSE)); err != nil {
				return nil, err
			}
		}
		if seq.insertTU {
			if err := insertChecksum(frame, int(ctx.TUCSS), int(ctx.TUCSO), int(ctx.TUCSE)); err != nil {
				return nil, err
			}
		}
	} else if seq.insertIP || seq.insertTU {
		return nil, &emu.OffloadError{Reason: "checksum insertion requested without context descriptor"}
	}

	return [][]byte{frame}, nil
}

// insertChecksum computes the internet checksum over frame[start:end)
// and stores it at offset. end==0 means end of frame, matching the
// CSE register semantics. The bytes already present in the checksum
// field take part in the sum, which is how drivers seed the
// pseudo-header checksum.
func insertChecksum(frame []byte, start, offset, end int) error {
	if end == 0 {
		end = len(frame)
	}
	if start >= end || end > len(frame) {
		return &emu.OffloadError{Reason: fmt.Sprintf("checksum range [%d,%d) outside frame of %d bytes", start, end, len(frame))}
	}
	if offset+2 > len(frame) {
		return &emu.OffloadError{Reason: fmt.Sprintf("checksum offset %d beyond frame of %d bytes", offset, len(frame))}
	}
	sum := checksum.Checksum(frame[start:end], 0)
	binary.BigEndian.PutUint16(frame[offset:], ^sum)
	return nil
}

// TCP flag bits cleared on all but the final segment of a TSO burst.
const tcpFlagFINPSH = 0x09

// segmentFrame splits a frame assembled under a TSE context descriptor
// into MSS-sized segments, replicating and fixing up the protocol
// headers and recomputing both checksums per segment.
//
// Only IPv4 TCP/UDP segmentation is supported; anything else is an
// OffloadError and the frame goes out unsegmented.
func (d *Device) segmentFrame(seq *txSequence) ([][]byte, error) {
	ctx := d.txCtx
	if ctx == nil {
		return nil, &emu.OffloadError{Reason: "segmentation requested without context descriptor"}
	}
	if ctx.Tucmd&txTucmdIP == 0 {
		return nil, &emu.OffloadError{Reason: "IPv6 segmentation not supported"}
	}

	frame := seq.data
	hdrlen := int(ctx.Hdrlen)
	mss := int(ctx.MSS)
	ipcss := int(ctx.IPCSS)
	tucss := int(ctx.TUCSS)

	switch {
	case mss == 0:
		return nil, &emu.OffloadError{Reason: "segmentation with zero MSS"}
	case hdrlen <= 0 || hdrlen >= len(frame):
		return nil, &emu.OffloadError{Reason: fmt.Sprintf("header length %d outside frame of %d bytes", hdrlen, len(frame))}
	case ipcss >= hdrlen || tucss >= hdrlen || tucss < ipcss:
		return nil, &emu.OffloadError{Reason: "checksum start fields outside the protocol header"}
	case hdrlen-ipcss < 20 || hdrlen-tucss < 8:
		return nil, &emu.OffloadError{Reason: "protocol header too short"}
	}

	header := frame[:hdrlen]
	payload := frame[hdrlen:]
	isTCP := ctx.Tucmd&txTucmdTCP != 0

	ihl := int(header[ipcss]&0x0f) * 4
	if ihl < 20 || ipcss+ihl > hdrlen {
		return nil, &emu.OffloadError{Reason: "bad IPv4 header length"}
	}

	var segments [][]byte
	for off, index := 0, 0; off < len(payload); index++ {
		end := off + mss
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		last := end == len(payload)

		seg := make([]byte, hdrlen+len(chunk))
		copy(seg, header)
		copy(seg[hdrlen:], chunk)

		ip := seg[ipcss:]
		totalLen := hdrlen - ipcss + len(chunk)
		binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
		binary.BigEndian.PutUint16(ip[4:6], binary.BigEndian.Uint16(ip[4:6])+uint16(index))

		l4 := seg[tucss:]
		l4len := len(seg) - tucss
		if isTCP {
			binary.BigEndian.PutUint32(l4[4:8], binary.BigEndian.Uint32(l4[4:8])+uint32(off))
			if !last {
				l4[13] &^= tcpFlagFINPSH
			}
		} else {
			binary.BigEndian.PutUint16(l4[4:6], uint16(l4len))
		}

		// IPv4 header checksum.
		ip[10], ip[11] = 0, 0
		binary.BigEndian.PutUint16(ip[10:12], ^checksum.Checksum(ip[:ihl], 0))

		// L4 checksum over pseudo-header and segment payload.
		csumOff := 16 // TCP checksum field
		if !isTCP {
			csumOff = 6 // UDP checksum field
		}
		l4[csumOff], l4[csumOff+1] = 0, 0
		var pseudo [12]byte
		copy(pseudo[0:8], ip[12:20]) // source and destination address
		pseudo[9] = ip[9]            // protocol
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(l4len))
		sum := checksum.Checksum(pseudo[:], 0)
		sum = checksum.Checksum(l4, sum)
		binary.BigEndian.PutUint16(l4[csumOff:], ^sum)

		segments = append(segments, seg)
		off = end
	}

	return segments, nil
}
