package e1000

import (
	"bytes"
	"encoding/binary"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestTransmitSingleDescriptor(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)
	writeReg(t, d, regIMS, intTXDW|intTXQE)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeTxDescriptor(mem, 0, payload, txCmdEOP|txCmdRS)
	writeReg(t, d, regTDT, 1)

	if len(conduit.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(conduit.frames))
	}
	if !bytes.Equal(conduit.frames[0], payload) {
		t.Fatalf("frame payload mismatch")
	}
	if got := txDescStatus(mem, 0); got&txStatusDD == 0 {
		t.Fatalf("descriptor done bit not written back: 0x%x", got)
	}
	if got := readReg(t, d, regTDH); got != 1 {
		t.Fatalf("TDH: got %d, want 1", got)
	}
	if got := readReg(t, d, regICR); got != intTXDW|intTXQE {
		t.Fatalf("ICR after transmit: got 0x%x, want 0x%x", got, intTXDW|intTXQE)
	}
}

func TestTransmitMultiDescriptorFrame(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)

	writeTxDescriptor(mem, 0, []byte("hello "), 0)
	writeTxDescriptor(mem, 1, []byte("split "), 0)
	writeTxDescriptor(mem, 2, []byte("frame"), txCmdEOP|txCmdRS)
	writeReg(t, d, regTDT, 3)

	if len(conduit.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(conduit.frames))
	}
	if got := string(conduit.frames[0]); got != "hello split frame" {
		t.Fatalf("concatenated frame: got %q", got)
	}
	if got := txDescStatus(mem, 1); got != 0 {
		t.Fatalf("mid-frame descriptor without RS written back: 0x%x", got)
	}
	if got := txDescStatus(mem, 2); got&txStatusDD == 0 {
		t.Fatalf("final descriptor missing done bit: 0x%x", got)
	}
}

func TestTransmitRingWraps(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 4)

	for round := 0; round < 3; round++ {
		for i := uint32(0); i < 4; i++ {
			writeTxDescriptor(mem, i, []byte{byte(round), byte(i)}, txCmdEOP|txCmdRS)
			next := (readReg(t, d, regTDT) + 1) % 4
			writeReg(t, d, regTDT, next)
		}
	}

	if len(conduit.frames) != 12 {
		t.Fatalf("got %d frames, want 12", len(conduit.frames))
	}
	if got := readReg(t, d, regTDH); got != readReg(t, d, regTDT) {
		t.Fatalf("TDH %d did not catch up with TDT %d", readReg(t, d, regTDH), readReg(t, d, regTDT))
	}
}

func TestTransmitBadDescriptorSkipped(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)

	// Descriptor 0 has a null buffer address; the frame it starts is
	// dropped but the ring keeps moving.
	descAddr := uint64(testTxRingBase)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+8:], 32)
	mem.buf[descAddr+11] = txCmdEOP | txCmdRS

	writeTxDescriptor(mem, 1, []byte("good frame"), txCmdEOP|txCmdRS)
	writeReg(t, d, regTDT, 2)

	if got := txDescStatus(mem, 0); got != txStatusDD|txStatusErr {
		t.Fatalf("bad descriptor status: got 0x%x, want 0x%x", got, txStatusDD|txStatusErr)
	}
	if len(conduit.frames) != 1 || string(conduit.frames[0]) != "good frame" {
		t.Fatalf("good frame not transmitted after bad descriptor")
	}
	if got := readReg(t, d, regTDH); got != 2 {
		t.Fatalf("TDH: got %d, want 2", got)
	}
	if got := d.metrics.txErrors.Count(); got != 1 {
		t.Fatalf("txErrors: got %d, want 1", got)
	}
}

func TestTransmitLegacyChecksumInsert(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)

	// 14 header bytes are excluded from the sum; the checksum goes at
	// offset 16.
	frame := make([]byte, 48)
	for i := range frame {
		frame[i] = byte(0x11 * i)
	}
	const css, cso = 14, 16
	frame[cso], frame[cso+1] = 0, 0

	buf := uint64(testBufferBase)
	copy(mem.buf[buf:], frame)
	descAddr := uint64(testTxRingBase)
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], buf)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+8:], uint16(len(frame)))
	mem.buf[descAddr+10] = cso
	mem.buf[descAddr+11] = txCmdEOP | txCmdRS | txCmdIC
	mem.buf[descAddr+13] = css
	writeReg(t, d, regTDT, 1)

	if len(conduit.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(conduit.frames))
	}
	out := conduit.frames[0]
	want := ^checksum.Checksum(frame[css:], 0)
	if got := binary.BigEndian.Uint16(out[cso:]); got != want {
		t.Fatalf("inserted checksum: got 0x%04x, want 0x%04x", got, want)
	}
	// Everything outside the checksum field is untouched.
	if !bytes.Equal(out[:cso], frame[:cso]) || !bytes.Equal(out[cso+2:], frame[cso+2:]) {
		t.Fatalf("frame bytes modified outside the checksum field")
	}
}

// putTxContextDesc writes a TCP/IP context descriptor at index.
func putTxContextDesc(mem *testMemory, index uint32, ipcss, ipcso uint8, ipcse uint16, tucss, tucso uint8, tucse uint16, tucmd, hdrlen uint8, mss uint16) {
	addr := uint64(testTxRingBase) + uint64(index)*descriptorSize
	b := mem.buf[addr : addr+descriptorSize]
	clear(b)
	b[0] = ipcss
	b[1] = ipcso
	binary.LittleEndian.PutUint16(b[2:4], ipcse)
	b[4] = tucss
	b[5] = tucso
	binary.LittleEndian.PutUint16(b[6:8], tucse)
	dword2 := uint32(txDtypContext)<<20 | uint32(txCmdDEXT|tucmd)<<24
	binary.LittleEndian.PutUint32(b[8:12], dword2)
	b[13] = hdrlen
	binary.LittleEndian.PutUint16(b[14:16], mss)
}

// putTxDataDesc writes a TCP/IP data descriptor at index and copies the
// payload into its buffer.
func putTxDataDesc(mem *testMemory, index uint32, payload []byte, dcmd, popts uint8) {
	buf := uint64(testBufferBase) + uint64(index)*0x1000
	copy(mem.buf[buf:], payload)

	addr := uint64(testTxRingBase) + uint64(index)*descriptorSize
	b := mem.buf[addr : addr+descriptorSize]
	clear(b)
	binary.LittleEndian.PutUint64(b[0:8], buf)
	dword2 := uint32(len(payload)) | uint32(txDtypData)<<20 | uint32(txCmdDEXT|dcmd)<<24
	binary.LittleEndian.PutUint32(b[8:12], dword2)
	b[13] = popts
}

// buildTCPFrame returns an ethernet/IPv4/TCP frame with zeroed
// checksums and the given TCP payload length.
func buildTCPFrame(payloadLen int, flags byte) []byte {
	frame := make([]byte, 54+payloadLen)
	// Ethernet.
	copy(frame[0:6], []byte{0x02, 0, 0, 0, 0, 2})
	copy(frame[6:12], []byte{0x02, 0, 0, 0, 0, 1})
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	// IPv4.
	ip := frame[14:34]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(40+payloadLen))
	binary.BigEndian.PutUint16(ip[4:6], 7) // identification
	ip[8] = 64
	ip[9] = ipProtocolTCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	// TCP.
	tcp := frame[34:54]
	binary.BigEndian.PutUint16(tcp[0:2], 49152)
	binary.BigEndian.PutUint16(tcp[2:4], 80)
	binary.BigEndian.PutUint32(tcp[4:8], 1000)
	tcp[12] = 5 << 4
	tcp[13] = flags
	// Payload.
	for i := 0; i < payloadLen; i++ {
		frame[54+i] = byte(i)
	}
	return frame
}

func TestTransmitContextChecksumInsert(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)

	frame := buildTCPFrame(32, 0x18) // PSH|ACK
	// The driver seeds the TCP checksum field with the pseudo-header
	// sum before handing the frame off.
	ip := frame[14:]
	var pseudo [12]byte
	copy(pseudo[0:8], ip[12:20])
	pseudo[9] = ip[9]
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(20+32))
	binary.BigEndian.PutUint16(frame[34+16:], checksum.Checksum(pseudo[:], 0))

	putTxContextDesc(mem, 0, 14, 24, 34, 34, 50, 0, txTucmdTCP|txTucmdIP, 0, 0)
	putTxDataDesc(mem, 1, frame, txCmdEOP|txCmdRS, txPoptsTXSM|txPoptsIXSM)
	writeReg(t, d, regTDT, 2)

	if len(conduit.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(conduit.frames))
	}
	out := conduit.frames[0]
	outIP, ok := ipv4Header(out)
	if !ok {
		t.Fatalf("transmitted frame is not parseable IPv4")
	}
	if checksum.Checksum(outIP[:20], 0) != 0xffff {
		t.Fatalf("IP header checksum invalid after insert")
	}
	if !l4ChecksumValid(outIP, 20, outIP[20:]) {
		t.Fatalf("TCP checksum invalid after insert")
	}
}

func TestTransmitSegmentation(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, conduit := newTestDevice(t, mem)
	setupTxRing(t, d, 8)

	const payloadLen, mss = 250, 100
	frame := buildTCPFrame(payloadLen, 0x19) // FIN|PSH|ACK

	putTxContextDesc(mem, 0, 14, 24, 34, 34, 50, 0, txTucmdTCP|txTucmdIP|txTucmdTSE, 54, mss)
	putTxDataDesc(mem, 1, frame, txCmdEOP|txCmdRS|txCmdTSE, txPoptsTXSM|txPoptsIXSM)
	writeReg(t, d, regTDT, 2)

	if len(conduit.frames) != 3 {
		t.Fatalf("got %d segments, want 3", len(conduit.frames))
	}

	var gotPayload []byte
	for i, seg := range conduit.frames {
		ip, ok := ipv4Header(seg)
		if !ok {
			t.Fatalf("segment %d is not parseable IPv4", i)
		}
		chunk := mss
		if i == 2 {
			chunk = payloadLen - 2*mss
		}
		if want := 54 + chunk; len(seg) != want {
			t.Fatalf("segment %d length: got %d, want %d", i, len(seg), want)
		}
		if got := binary.BigEndian.Uint16(ip[2:4]); got != uint16(40+chunk) {
			t.Fatalf("segment %d IP total length: got %d, want %d", i, got, 40+chunk)
		}
		if got := binary.BigEndian.Uint16(ip[4:6]); got != uint16(7+i) {
			t.Fatalf("segment %d IP id: got %d, want %d", i, got, 7+i)
		}
		tcp := ip[20:]
		if got := binary.BigEndian.Uint32(tcp[4:8]); got != uint32(1000+i*mss) {
			t.Fatalf("segment %d TCP seq: got %d, want %d", i, got, 1000+i*mss)
		}
		wantFlags := byte(0x10) // ACK only until the final segment
		if i == 2 {
			wantFlags = 0x19
		}
		if tcp[13] != wantFlags {
			t.Fatalf("segment %d TCP flags: got 0x%x, want 0x%x", i, tcp[13], wantFlags)
		}
		if checksum.Checksum(ip[:20], 0) != 0xffff {
			t.Fatalf("segment %d IP checksum invalid", i)
		}
		if !l4ChecksumValid(ip, 20, tcp) {
			t.Fatalf("segment %d TCP checksum invalid", i)
		}
		gotPayload = append(gotPayload, tcp[20:]...)
	}
	if !bytes.Equal(gotPayload, frame[54:]) {
		t.Fatalf("reassembled payload does not match the original")
	}
}

func TestTransmitQueueEmptyWithoutRS(t *testing.T) {
	mem := newTestMemory(testMemorySize)
	d, _, _ := newTestDevice(t, mem)
	setupTxRing(t, d, 8)
	writeReg(t, d, regIMS, intTXDW|intTXQE)

	writeTxDescriptor(mem, 0, []byte("quiet"), txCmdEOP)
	writeReg(t, d, regTDT, 1)

	// Without RS only queue-empty is reported.
	if got := readReg(t, d, regICR); got != intTXQE {
		t.Fatalf("ICR: got 0x%x, want 0x%x", got, intTXQE)
	}
	if got := txDescStatus(mem, 0); got != 0 {
		t.Fatalf("descriptor written back without RS: 0x%x", got)
	}
}
