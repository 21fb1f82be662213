package attach

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// GuestMemoryHandler serves the device's DMA requests on the monitor
// side. Both calls run on the client's read loop and must not block on
// further protocol traffic.
type GuestMemoryHandler interface {
	ReadGuest(addr uint64, p []byte) error
	WriteGuest(addr uint64, p []byte) error
}

// Client is the monitor side of the attach protocol: it drives the
// device's registers and serves the DMA requests and interrupt events
// coming back.
type Client struct {
	conn   net.Conn
	mem    GuestMemoryHandler
	irq    func(high bool)
	closed atomic.Bool

	callMu sync.Mutex // one request/response exchange at a time
	respCh chan response

	writeMu sync.Mutex
}

// Dial connects to a device server socket. mem serves DMA; irq receives
// interrupt line levels (may be nil).
func Dial(socketPath string, mem GuestMemoryHandler, irq func(high bool)) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:   conn,
		mem:    mem,
		irq:    irq,
		respCh: make(chan response, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		hdr, payload, err := ReadMessage(c.conn)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection lost: %w", err)
			}
			c.respCh <- response{err: err}
			return
		}
		switch hdr.Type {
		case MsgResponse:
			c.respCh <- response{payload: payload}
		case MsgError:
			c.respCh <- response{err: fmt.Errorf("device: %s", payload)}
		case MsgDMARead:
			c.serveDMARead(payload)
		case MsgDMAWrite:
			c.serveDMAWrite(payload)
		case MsgIRQLevel:
			if c.irq != nil && len(payload) == 1 {
				c.irq(payload[0] != 0)
			}
		}
	}
}

func (c *Client) serveDMARead(payload []byte) {
	if c.mem == nil || len(payload) != 12 {
		c.write(MsgError, []byte("no guest memory"))
		return
	}
	addr := binary.BigEndian.Uint64(payload[0:8])
	length := binary.BigEndian.Uint32(payload[8:12])
	if length > MaxPayload {
		c.write(MsgError, []byte("dma read too large"))
		return
	}
	buf := make([]byte, length)
	if err := c.mem.ReadGuest(addr, buf); err != nil {
		c.write(MsgError, []byte(err.Error()))
		return
	}
	c.write(MsgResponse, buf)
}

func (c *Client) serveDMAWrite(payload []byte) {
	if c.mem == nil || len(payload) < 8 {
		c.write(MsgError, []byte("no guest memory"))
		return
	}
	addr := binary.BigEndian.Uint64(payload[0:8])
	if err := c.mem.WriteGuest(addr, payload[8:]); err != nil {
		c.write(MsgError, []byte(err.Error()))
		return
	}
	c.write(MsgResponse, nil)
}

func (c *Client) write(msgType uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, msgType, payload)
}

func (c *Client) call(msgType uint16, payload []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if err := c.write(msgType, payload); err != nil {
		return nil, err
	}
	resp := <-c.respCh
	return resp.payload, resp.err
}

// MMIORead reads width bytes from a device register region.
func (c *Client) MMIORead(region uint8, offset uint64, width uint32) ([]byte, error) {
	return c.call(MsgMMIORead, encodeMMIORead(region, offset, width))
}

// MMIOWrite writes data to a device register region.
func (c *Client) MMIOWrite(region uint8, offset uint64, data []byte) error {
	_, err := c.call(MsgMMIOWrite, encodeMMIOAccess(region, offset, data))
	return err
}

// ReadReg32 is a convenience wrapper for 4-byte little-endian register
// reads, the access width drivers use.
func (c *Client) ReadReg32(offset uint64) (uint32, error) {
	b, err := c.MMIORead(RegionMMIO, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteReg32 writes one 32-bit register.
func (c *Client) WriteReg32(offset uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.MMIOWrite(RegionMMIO, offset, b[:])
}

// DeviceInfo reports the device MAC and register region size.
func (c *Client) DeviceInfo() (mac net.HardwareAddr, bar0Size uint32, err error) {
	resp, err := c.call(MsgDeviceInfo, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) != 10 {
		return nil, 0, fmt.Errorf("device info payload of %d bytes, want 10", len(resp))
	}
	return net.HardwareAddr(resp[0:6]), binary.BigEndian.Uint32(resp[6:10]), nil
}

// Reset puts the device back into its power-on state.
func (c *Client) Reset() error {
	_, err := c.call(MsgReset, nil)
	return err
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
