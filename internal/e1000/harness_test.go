package e1000

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
)

// testMemory is a flat guest physical memory starting at address 0.
type testMemory struct {
	buf []byte
}

func newTestMemory(size int) *testMemory {
	return &testMemory{buf: make([]byte, size)}
}

func (m *testMemory) ReadGuest(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return fmt.Errorf("read of %d bytes at 0x%x outside guest memory", len(p), addr)
	}
	copy(p, m.buf[addr:])
	return nil
}

func (m *testMemory) WriteGuest(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return fmt.Errorf("write of %d bytes at 0x%x outside guest memory", len(p), addr)
	}
	copy(m.buf[addr:], p)
	return nil
}

// testIRQ records the interrupt line level and every 0->1 transition.
// The coalescing timer can drive the line from another goroutine, so
// the state is locked.
type testIRQ struct {
	mu         sync.Mutex
	level      bool
	assertions int
}

func (q *testIRQ) SetLevel(high bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if high && !q.level {
		q.assertions++
	}
	q.level = high
}

func (q *testIRQ) Level() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

func (q *testIRQ) Assertions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.assertions
}

// captureConduit keeps a copy of every transmitted frame.
type captureConduit struct {
	frames [][]byte
}

func (c *captureConduit) Send(frame []byte) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

var testMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0xAA, 0xBB, 0xCC}

func newTestDevice(t *testing.T, mem *testMemory) (*Device, *testIRQ, *captureConduit) {
	t.Helper()
	irq := &testIRQ{}
	conduit := &captureConduit{}
	d, err := New(mem, irq, conduit, Config{MAC: testMAC})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, irq, conduit
}

func writeReg(t *testing.T, d *Device, offset uint32, v uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := d.MMIOWrite(uint64(offset), b[:]); err != nil {
		t.Fatalf("MMIOWrite 0x%x: %v", offset, err)
	}
}

func readReg(t *testing.T, d *Device, offset uint32) uint32 {
	t.Helper()
	var b [4]byte
	if err := d.MMIORead(uint64(offset), b[:]); err != nil {
		t.Fatalf("MMIORead 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Guest memory layout shared by the ring tests.
const (
	testRxRingBase = 0x1000
	testTxRingBase = 0x2000
	testBufferBase = 0x10000
	testMemorySize = 0x40000
)

// setupTxRing programs and enables a transmit ring of count descriptors.
func setupTxRing(t *testing.T, d *Device, count uint32) {
	t.Helper()
	writeReg(t, d, regTDBAL, testTxRingBase)
	writeReg(t, d, regTDBAH, 0)
	writeReg(t, d, regTDLEN, count*descriptorSize)
	writeReg(t, d, regTDH, 0)
	writeReg(t, d, regTDT, 0)
	writeReg(t, d, regTCTL, tctlEN)
}

// setupRxRing programs and enables a receive ring of count descriptors,
// with every descriptor pointing at its own buffer and the tail left at
// avail so the device owns avail descriptors.
func setupRxRing(t *testing.T, d *Device, mem *testMemory, count, avail uint32, bufSpacing uint64) {
	t.Helper()
	for i := uint32(0); i < count; i++ {
		desc := rxDescriptor{Buffer: testBufferBase + uint64(i)*bufSpacing}
		var raw [descriptorSize]byte
		desc.encode(raw[:])
		copy(mem.buf[testRxRingBase+uint64(i)*descriptorSize:], raw[:])
	}
	writeReg(t, d, regRDBAL, testRxRingBase)
	writeReg(t, d, regRDBAH, 0)
	writeReg(t, d, regRDLEN, count*descriptorSize)
	writeReg(t, d, regRDH, 0)
	writeReg(t, d, regRDT, 0)
	writeReg(t, d, regRCTL, rctlEN)
	writeReg(t, d, regRDT, avail)
}

// writeTxDescriptor places a legacy transmit descriptor at index and
// copies its payload into the buffer it points at.
func writeTxDescriptor(mem *testMemory, index uint32, payload []byte, cmd uint8) {
	buf := uint64(testBufferBase) + uint64(index)*0x1000
	copy(mem.buf[buf:], payload)

	descAddr := uint64(testTxRingBase) + uint64(index)*descriptorSize
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], buf)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+8:], uint16(len(payload)))
	mem.buf[descAddr+10] = 0 // CSO
	mem.buf[descAddr+11] = cmd
	mem.buf[descAddr+12] = 0 // status
	mem.buf[descAddr+13] = 0 // CSS
}

func txDescStatus(mem *testMemory, index uint32) uint8 {
	return mem.buf[uint64(testTxRingBase)+uint64(index)*descriptorSize+12]
}

func rxDescAt(mem *testMemory, index uint32) rxDescriptor {
	addr := uint64(testRxRingBase) + uint64(index)*descriptorSize
	return decodeRxDescriptor(mem.buf[addr : addr+descriptorSize])
}
