// Package e1000 emulates an Intel 8254x (e1000) gigabit ethernet
// controller as a user-space device model. The register file, interrupt
// logic and descriptor ring handling aim for behavioral compatibility
// with the unmodified Linux e1000 driver, not for timing fidelity.
//
// All guest memory access goes through the emu.GuestMemory DMA boundary
// and all host packet I/O through a PacketConduit; the device never
// assumes a particular memory layout or lifetime on either side.
package e1000

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/vmuxIO/e1000-emu/internal/emu"
)

// PacketConduit is the host-side packet path. Send is best-effort and
// must not block for long; the device treats it as fire-and-forget.
type PacketConduit interface {
	Send(frame []byte) error
}

type discardConduit struct{}

func (discardConduit) Send([]byte) error { return nil }

// Config carries the construction-time parameters of a Device.
type Config struct {
	// MAC is the ethernet address stored in the emulated EEPROM.
	MAC net.HardwareAddr
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Registry receives the device counters; a private registry is
	// created when nil.
	Registry metrics.Registry
}

// Device is one emulated e1000 controller.
//
// Two activity sources touch it: the transport delivering register
// accesses, and the packet conduit delivering inbound frames. A single
// mutex serializes both so no partially-applied drain or fill is ever
// observable from the other path. DMA calls happen under the lock and
// must not re-enter the device.
type Device struct {
	mu sync.Mutex

	log     *slog.Logger
	mem     emu.GuestMemory
	irq     emu.IRQLine
	conduit PacketConduit
	metrics *deviceMetrics

	regs   map[uint32]*register
	ioAddr uint32

	eeprom eeprom
	phy    phy
	intr   interruptState

	rxRing *descriptorRing
	txRing *descriptorRing

	// Pending TCP/IP context from the most recent context descriptor.
	txCtx *txDescriptor
}

// New creates a device with power-on register defaults. mem and irq
// are the transport-provided DMA and interrupt-line callbacks; conduit
// is the host packet path (may be nil for a detached device).
func New(mem emu.GuestMemory, irq emu.IRQLine, conduit PacketConduit, cfg Config) (*Device, error) {
	if mem == nil {
		return nil, fmt.Errorf("e1000: guest memory accessor is required")
	}
	if irq == nil {
		irq = emu.IRQLineDetached()
	}
	if conduit == nil {
		conduit = discardConduit{}
	}
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("e1000: a 6-byte MAC address is required, got %d bytes", len(cfg.MAC))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{
		log:     logger.With("device", "e1000"),
		mem:     mem,
		irq:     irq,
		conduit: conduit,
		metrics: newDeviceMetrics(cfg.Registry),
	}
	d.eeprom.setMAC(cfg.MAC)
	d.reset()
	return d, nil
}

// MAC returns the ethernet address the device reports to the driver.
func (d *Device) MAC() net.HardwareAddr {
	return d.eeprom.mac()
}

// Reset returns every register, ring and interrupt state to power-on
// defaults, as if the driver had set CTRL.RST.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// reset reinitializes all device-owned state. Caller holds the lock
// (or is the constructor).
func (d *Device) reset() {
	d.regs = newRegisterFile()
	d.ioAddr = 0
	d.rxRing = nil
	d.txRing = nil
	d.txCtx = nil
	d.phy.reset()
	d.eeprom.resetInterface()
	d.intr.reset()
	d.irq.SetLevel(false)

	// Seed the receive-address registers from the EEPROM so the driver
	// can read the MAC before it programs RAL/RAH itself.
	mac := d.eeprom.mac()
	d.setRegValue(regRAL0, uint32(mac[0])|uint32(mac[1])<<8|uint32(mac[2])<<16|uint32(mac[3])<<24)
	d.setRegValue(regRAH0, uint32(mac[4])|uint32(mac[5])<<8|rahAV)
}

func (d *Device) ctrlWrite() {
	ctrl := d.regValue(regCTRL)
	if ctrl&ctrlRST != 0 {
		d.log.Info("reset by driver")
		d.reset()
		return
	}
	if ctrl&ctrlSLU != 0 {
		if d.regValue(regSTATUS)&statusLU == 0 {
			d.log.Info("link up")
			d.setRegValue(regSTATUS, d.regValue(regSTATUS)|statusLU)
			d.phy.setLink(true)
			d.reportLSC()
		}
	}
}

func (d *Device) rctlWrite() {
	if d.regValue(regRCTL)&rctlEN != 0 && d.rxRing == nil {
		d.setupRxRing()
	}
}

func (d *Device) tctlWrite() {
	if d.regValue(regTCTL)&tctlEN != 0 && d.txRing == nil {
		d.setupTxRing()
	}
}

func (d *Device) rdtWrite() {
	if d.rxRing == nil {
		// RDT was just initialized, the ring does not exist yet.
		return
	}
	// Driver is done with received packets up to here.
	d.rxRing.setTail(d.regValue(regRDT))
}

func (d *Device) tdtWrite() {
	d.processTxRing()
}

func (d *Device) setupRxRing() {
	base := uint64(d.regValue(regRDBAL)) | uint64(d.regValue(regRDBAH))<<32
	ring, err := newDescriptorRing(base, d.regValue(regRDLEN), d.regValue(regRDH), d.regValue(regRDT))
	if err != nil {
		d.log.Warn("receive ring not initialized", "err", err)
		return
	}
	d.log.Debug("initializing receive ring", "base", base, "count", ring.count)
	d.rxRing = ring
}

func (d *Device) setupTxRing() {
	base := uint64(d.regValue(regTDBAL)) | uint64(d.regValue(regTDBAH))<<32
	ring, err := newDescriptorRing(base, d.regValue(regTDLEN), d.regValue(regTDH), d.regValue(regTDT))
	if err != nil {
		d.log.Warn("transmit ring not initialized", "err", err)
		return
	}
	d.log.Debug("initializing transmit ring", "base", base, "count", ring.count)
	d.txRing = ring
}

// rctlBufferSize returns the receive buffer size the driver configured
// through RCTL.BSIZE/BSEX.
func (d *Device) rctlBufferSize() int {
	rctl := d.regValue(regRCTL)
	size := 2048
	switch (rctl >> rctlBSIZEShift) & rctlBSIZEMask {
	case 0b00:
		size = 2048
	case 0b01:
		size = 1024
	case 0b10:
		size = 512
	case 0b11:
		size = 256
	}
	if rctl&rctlBSEX != 0 {
		size *= 16
	}
	return size
}

// dmaRead wraps GuestMemory.ReadGuest with fault accounting.
func (d *Device) dmaRead(addr uint64, p []byte) error {
	if err := d.mem.ReadGuest(addr, p); err != nil {
		d.metrics.dmaFaults.Inc(1)
		return &emu.DmaFault{Addr: addr, Length: len(p), Err: err}
	}
	return nil
}

// dmaWrite wraps GuestMemory.WriteGuest with fault accounting.
func (d *Device) dmaWrite(addr uint64, p []byte) error {
	if err := d.mem.WriteGuest(addr, p); err != nil {
		d.metrics.dmaFaults.Inc(1)
		return &emu.DmaFault{Addr: addr, Length: len(p), Write: true, Err: err}
	}
	return nil
}
