package e1000

import "github.com/rcrowley/go-metrics"

// deviceMetrics are the per-device counters. They live in the registry
// the caller supplies so several devices can share one metrics
// namespace; a device constructed without a registry gets a private
// one.
type deviceMetrics struct {
	rxPackets metrics.Counter
	rxBytes   metrics.Counter
	rxDropped metrics.Counter

	txPackets metrics.Counter
	txBytes   metrics.Counter
	txErrors  metrics.Counter

	interrupts    metrics.Counter
	dmaFaults     metrics.Counter
	accessFaults  metrics.Counter
	offloadErrors metrics.Counter
}

func newDeviceMetrics(r metrics.Registry) *deviceMetrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &deviceMetrics{
		rxPackets:     metrics.GetOrRegisterCounter("e1000.rx.packets", r),
		rxBytes:       metrics.GetOrRegisterCounter("e1000.rx.bytes", r),
		rxDropped:     metrics.GetOrRegisterCounter("e1000.rx.dropped", r),
		txPackets:     metrics.GetOrRegisterCounter("e1000.tx.packets", r),
		txBytes:       metrics.GetOrRegisterCounter("e1000.tx.bytes", r),
		txErrors:      metrics.GetOrRegisterCounter("e1000.tx.errors", r),
		interrupts:    metrics.GetOrRegisterCounter("e1000.interrupts", r),
		dmaFaults:     metrics.GetOrRegisterCounter("e1000.faults.dma", r),
		accessFaults:  metrics.GetOrRegisterCounter("e1000.faults.access", r),
		offloadErrors: metrics.GetOrRegisterCounter("e1000.offload.errors", r),
	}
}
