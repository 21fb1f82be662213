package e1000

import (
	"time"
)

// Interrupt cause bits, shared by ICR, ICS, IMS and IMC.
const (
	intTXDW   = 1 << 0 // transmit descriptor written back
	intTXQE   = 1 << 1 // transmit queue empty
	intLSC    = 1 << 2 // link status change
	intRXSEQ  = 1 << 3 // receive sequence error
	intRXDMT0 = 1 << 4 // receive descriptor minimum threshold
	intRXO    = 1 << 6 // receiver overrun
	intRXT0   = 1 << 7 // receive timer
	intMDAC   = 1 << 9 // MDI/O access complete
)

// itrUnit is the granularity of the interrupt throttling register.
const itrUnit = 256 * time.Nanosecond

// interruptState tracks the pending causes, the driver-enabled mask and
// the coalescing timer. The line level is a pure function of
// (cause & mask) != 0, with assertions optionally held off until the
// throttling interval from the previous assertion has elapsed.
type interruptState struct {
	cause uint32
	mask  uint32

	asserted   bool
	itr        time.Duration
	holdOff    time.Time
	timerArmed bool
	generation uint64 // invalidates in-flight timers across resets
}

func (s *interruptState) reset() {
	s.cause = 0
	s.mask = 0
	s.asserted = false
	s.itr = 0
	s.holdOff = time.Time{}
	s.timerArmed = false
	s.generation++
}

func (d *Device) icrRead() uint32 {
	v := d.intr.cause
	// Clear on read.
	d.intr.cause = 0
	d.evalInterrupts()
	return v
}

// Drivers also write ICR directly to clear individual causes.
func (d *Device) icrWrite(v uint32) {
	d.intr.cause &^= v
	d.evalInterrupts()
}

func (d *Device) icsWrite(v uint32) {
	d.intr.cause |= v
	d.evalInterrupts()
}

func (d *Device) imsWrite(v uint32) {
	d.intr.mask |= v
	d.evalInterrupts()
}

func (d *Device) imcWrite(v uint32) {
	d.intr.mask &^= v
	d.evalInterrupts()
}

func (d *Device) itrWrite() {
	d.intr.itr = time.Duration(d.regValue(regITR)&0xffff) * itrUnit
}

// raiseCause marks causes pending and re-evaluates the line.
func (d *Device) raiseCause(bits uint32) {
	d.intr.cause |= bits
	d.evalInterrupts()
}

// evalInterrupts reconciles the interrupt line with the current cause
// and mask state. Caller holds the device lock.
//
// The line is asserted iff (cause & mask) != 0. A new assertion inside
// the throttling interval is deferred with a one-shot timer, so bursts
// of completions coalesce into fewer interrupts while every
// pending-and-enabled cause is still eventually delivered.
func (d *Device) evalInterrupts() {
	active := d.intr.cause&d.intr.mask != 0

	if !active {
		if d.intr.asserted {
			d.intr.asserted = false
			d.irq.SetLevel(false)
		}
		return
	}

	if d.intr.asserted {
		return
	}

	now := time.Now()
	if now.Before(d.intr.holdOff) {
		if !d.intr.timerArmed {
			d.intr.timerArmed = true
			gen := d.intr.generation
			time.AfterFunc(d.intr.holdOff.Sub(now), func() {
				d.coalesceTimerFired(gen)
			})
		}
		return
	}

	d.intr.asserted = true
	d.metrics.interrupts.Inc(1)
	if d.intr.itr > 0 {
		d.intr.holdOff = now.Add(d.intr.itr)
	}
	d.irq.SetLevel(true)
}

func (d *Device) coalesceTimerFired(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.intr.generation {
		// Device was reset while the timer was in flight.
		return
	}
	d.intr.timerArmed = false
	d.evalInterrupts()
}

// reportTxdwAndTxqe raises transmit-done and queue-empty together; with
// this behavioral model the queue is always empty once the drain wrote
// back its descriptors.
func (d *Device) reportTxdwAndTxqe() {
	d.raiseCause(intTXDW | intTXQE)
}

func (d *Device) reportTxqe() {
	d.raiseCause(intTXQE)
}

func (d *Device) reportLSC() {
	d.raiseCause(intLSC)
}

func (d *Device) reportRxt0() {
	d.raiseCause(intRXT0)
}

func (d *Device) reportMdac() {
	d.raiseCause(intMDAC)
}
