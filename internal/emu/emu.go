// Package emu holds the boundary types shared between the device models
// and their external collaborators: guest memory access (DMA), interrupt
// lines, and the fault errors devices surface instead of crashing.
package emu

import (
	"errors"
	"fmt"
)

// GuestMemory provides DMA access to guest physical memory. Calls are
// synchronous and must not re-enter the device that issued them.
type GuestMemory interface {
	// ReadGuest fills p from guest memory starting at addr.
	ReadGuest(addr uint64, p []byte) error
	// WriteGuest copies p into guest memory starting at addr.
	WriteGuest(addr uint64, p []byte) error
}

// IRQLine models a level-triggered interrupt line.
type IRQLine interface {
	SetLevel(high bool)
}

type noopIRQLine struct{}

func (noopIRQLine) SetLevel(bool) {}

// IRQLineDetached returns an IRQLine that drops all signals.
func IRQLineDetached() IRQLine {
	return noopIRQLine{}
}

// IRQLineFromFunc adapts a level function to IRQLine.
func IRQLineFromFunc(fn func(bool)) IRQLine {
	return irqLineFunc(fn)
}

type irqLineFunc func(bool)

func (f irqLineFunc) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

// AccessFault reports a register access outside the device's declared
// MMIO region, or one the dispatcher cannot decode.
type AccessFault struct {
	Offset uint64
	Width  int
	Write  bool
}

func (e *AccessFault) Error() string {
	dir := "read"
	if e.Write {
		dir = "write"
	}
	return fmt.Sprintf("access fault: %d-byte %s at offset 0x%x", e.Width, dir, e.Offset)
}

// DmaFault reports a guest memory range that could not be mapped.
type DmaFault struct {
	Addr   uint64
	Length int
	Write  bool
	Err    error
}

func (e *DmaFault) Error() string {
	dir := "read"
	if e.Write {
		dir = "write"
	}
	return fmt.Sprintf("dma fault: %s of %d bytes at guest address 0x%x: %v", dir, e.Length, e.Addr, e.Err)
}

func (e *DmaFault) Unwrap() error { return e.Err }

// OffloadError reports a malformed offload directive. The frame it is
// attached to is still sent, without the requested offload.
type OffloadError struct {
	Reason string
}

func (e *OffloadError) Error() string {
	return "offload error: " + e.Reason
}

// ErrRingOverrun is returned when an inbound frame finds no free receive
// buffers. The frame is dropped; the conduit must not be blocked.
var ErrRingOverrun = errors.New("receive ring overrun")

// IsAccessFault reports whether err is (or wraps) an AccessFault.
func IsAccessFault(err error) bool {
	var af *AccessFault
	return errors.As(err, &af)
}

// IsDmaFault reports whether err is (or wraps) a DmaFault.
func IsDmaFault(err error) bool {
	var df *DmaFault
	return errors.As(err, &df)
}
