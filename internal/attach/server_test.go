package attach

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmuxIO/e1000-emu/internal/e1000"
)

// flatMemory is the monitor-side guest memory for the tests.
type flatMemory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *flatMemory) ReadGuest(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return fmt.Errorf("read outside guest memory at 0x%x", addr)
	}
	copy(p, m.buf[addr:])
	return nil
}

func (m *flatMemory) WriteGuest(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return fmt.Errorf("write outside guest memory at 0x%x", addr)
	}
	copy(m.buf[addr:], p)
	return nil
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *frameSink) take() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

var testMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func startAttachedDevice(t *testing.T, mem *flatMemory, irq func(bool)) (*Client, *frameSink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socketPath := filepath.Join(t.TempDir(), "nic.sock")
	server, err := NewServer(logger, socketPath, e1000.RegionSize)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	sink := &frameSink{}
	dev, err := e1000.New(server, server, sink, e1000.Config{MAC: testMAC, Logger: logger})
	if err != nil {
		t.Fatalf("e1000.New: %v", err)
	}
	server.SetDevice(dev)
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	client, err := Dial(socketPath, mem, irq)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, sink
}

func TestAttachDeviceInfo(t *testing.T) {
	client, _ := startAttachedDevice(t, &flatMemory{buf: make([]byte, 0x1000)}, nil)

	mac, bar0, err := client.DeviceInfo()
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if !bytes.Equal(mac, testMAC) {
		t.Fatalf("MAC: got %s, want %s", mac, testMAC)
	}
	if bar0 != e1000.RegionSize {
		t.Fatalf("BAR0 size: got 0x%x, want 0x%x", bar0, e1000.RegionSize)
	}
}

func TestAttachRegisterAccess(t *testing.T) {
	client, _ := startAttachedDevice(t, &flatMemory{buf: make([]byte, 0x1000)}, nil)

	// STATUS reads with the power-on value and ignores writes.
	status, err := client.ReadReg32(0x0008)
	if err != nil {
		t.Fatalf("ReadReg32: %v", err)
	}
	if status&0x1 == 0 { // full duplex bit
		t.Fatalf("STATUS missing full-duplex bit: 0x%x", status)
	}

	// Register access outside the region surfaces as a protocol error.
	if _, err := client.MMIORead(RegionMMIO, e1000.RegionSize, 4); err == nil {
		t.Fatalf("out-of-region read succeeded")
	}
}

func TestAttachInterruptEvent(t *testing.T) {
	levels := make(chan bool, 16)
	client, _ := startAttachedDevice(t, &flatMemory{buf: make([]byte, 0x1000)}, func(high bool) {
		levels <- high
	})

	// Unmask LSC, then force link up: the server must push an IRQ
	// level event.
	if err := client.WriteReg32(0x00D0, 1<<2); err != nil { // IMS = LSC
		t.Fatalf("IMS write: %v", err)
	}
	if err := client.WriteReg32(0x0000, 1<<6); err != nil { // CTRL.SLU
		t.Fatalf("CTRL write: %v", err)
	}

	select {
	case high := <-levels:
		if !high {
			t.Fatalf("first IRQ event was a deassert")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no IRQ event received")
	}

	// Reading ICR clears the cause and drops the line.
	if _, err := client.ReadReg32(0x00C0); err != nil {
		t.Fatalf("ICR read: %v", err)
	}
	select {
	case high := <-levels:
		if high {
			t.Fatalf("expected deassert after ICR read")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no deassert event received")
	}
}

func TestAttachTransmitWithInlineDMA(t *testing.T) {
	mem := &flatMemory{buf: make([]byte, 0x40000)}
	client, sink := startAttachedDevice(t, mem, nil)

	// Build one legacy transmit descriptor at 0x2000 pointing at a
	// payload at 0x10000, in monitor memory.
	payload := []byte("over the socket")
	copy(mem.buf[0x10000:], payload)
	binary.LittleEndian.PutUint64(mem.buf[0x2000:], 0x10000)
	binary.LittleEndian.PutUint16(mem.buf[0x2008:], uint16(len(payload)))
	mem.buf[0x200b] = 0x01 | 0x08 // EOP|RS

	regs := []struct {
		offset uint64
		value  uint32
	}{
		{0x3800, 0x2000}, // TDBAL
		{0x3808, 8 * 16}, // TDLEN
		{0x3810, 0},      // TDH
		{0x3818, 0},      // TDT
		{0x0400, 1 << 1}, // TCTL.EN
		{0x3818, 1},      // TDT: kick
	}
	for _, r := range regs {
		if err := client.WriteReg32(r.offset, r.value); err != nil {
			t.Fatalf("write 0x%x: %v", r.offset, err)
		}
	}

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], payload) {
		t.Fatalf("frame: got %q, want %q", frames[0], payload)
	}

	// The device wrote the done bit back into monitor memory.
	mem.mu.Lock()
	status := mem.buf[0x200c]
	mem.mu.Unlock()
	if status&0x01 == 0 {
		t.Fatalf("descriptor done bit not written back: 0x%x", status)
	}
}
