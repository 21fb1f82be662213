package hostnet

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureConduit wraps another conduit and records every frame moving
// in either direction to a pcap file, for inspection with the usual
// tooling.
type CaptureConduit struct {
	inner Conduit

	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
}

const captureSnapLen = 65536

// NewCapture starts capturing the conduit's traffic into path.
func NewCapture(inner Conduit, path string) (*CaptureConduit, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &CaptureConduit{inner: inner, file: f, writer: w}, nil
}

func (c *CaptureConduit) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	_ = c.writer.WritePacket(ci, frame)
}

func (c *CaptureConduit) Send(frame []byte) error {
	c.record(frame)
	return c.inner.Send(frame)
}

func (c *CaptureConduit) SetHandler(handler func(frame []byte)) {
	if handler == nil {
		c.inner.SetHandler(nil)
		return
	}
	c.inner.SetHandler(func(frame []byte) {
		c.record(frame)
		handler(frame)
	})
}

func (c *CaptureConduit) Close() error {
	err := c.inner.Close()
	c.mu.Lock()
	c.writer = nil
	file := c.file
	c.file = nil
	c.mu.Unlock()
	if file != nil {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ Conduit = (*CaptureConduit)(nil)
