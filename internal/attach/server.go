package attach

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Device is the register-level surface the server exposes to the
// monitor. Implemented by the e1000 device model.
type Device interface {
	MMIORead(offset uint64, p []byte) error
	MMIOWrite(offset uint64, p []byte) error
	IORead(offset uint64, p []byte) error
	IOWrite(offset uint64, p []byte) error
	Reset()
	MAC() net.HardwareAddr
}

// ErrNotAttached is returned for guest memory access while no monitor
// connection is established.
var ErrNotAttached = errors.New("no monitor attached")

// Server owns the unix socket a monitor attaches the device through.
// One monitor connection is served at a time. The server doubles as the
// device's guest memory accessor and interrupt line: DMA requests are
// relayed inline over the same connection while a register access is
// being handled, and IRQ level changes go out as events.
type Server struct {
	log        *slog.Logger
	listener   net.Listener
	socketPath string
	bar0Size   uint32

	dev    Device
	closed atomic.Bool

	mu      sync.Mutex // guards conn swap and all writes
	conn    net.Conn
	respCh  chan response
	irqHigh bool
}

type response struct {
	payload []byte
	err     error
}

// NewServer creates the listening socket. The device is attached
// afterwards with SetDevice, so the device can be constructed with the
// server as its memory and interrupt backend.
func NewServer(logger *slog.Logger, socketPath string, bar0Size uint32) (*Server, error) {
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	return &Server{
		log:        logger.With("socket", socketPath),
		listener:   listener,
		socketPath: socketPath,
		bar0Size:   bar0Size,
	}, nil
}

func (s *Server) SocketPath() string { return s.socketPath }

// SetDevice attaches the device the server fronts. Must be called
// before Serve.
func (s *Server) SetDevice(dev Device) {
	s.dev = dev
}

// Serve accepts monitor connections one at a time and serves each until
// it disconnects. Blocks until Close.
func (s *Server) Serve() error {
	if s.dev == nil {
		return errors.New("attach: no device set")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.log.Info("monitor attached", "remote", conn.RemoteAddr())
		s.serveConn(conn)
		s.log.Info("monitor detached")
	}
}

func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.respCh = make(chan response, 1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		close(s.respCh)
		s.respCh = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Requests are handled off the read loop so the loop stays free to
	// route DMA responses while a register access is in progress.
	reqCh := make(chan request, 1)
	done := make(chan struct{})
	go s.handleRequests(reqCh, done)
	defer func() { close(reqCh); <-done }()

	for {
		hdr, payload, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Warn("monitor connection failed", "err", err)
			}
			// Unblock a DMA caller waiting on a response.
			s.mu.Lock()
			if s.respCh != nil {
				select {
				case s.respCh <- response{err: err}:
				default:
				}
			}
			s.mu.Unlock()
			return
		}
		switch hdr.Type {
		case MsgResponse:
			s.respCh <- response{payload: payload}
		case MsgError:
			s.respCh <- response{err: fmt.Errorf("monitor: %s", payload)}
		default:
			reqCh <- request{hdr.Type, payload}
		}
	}
}

type request struct {
	msgType uint16
	payload []byte
}

func (s *Server) handleRequests(reqCh <-chan request, done chan<- struct{}) {
	defer close(done)
	for req := range reqCh {
		result, err := s.dispatch(req.msgType, req.payload)
		if err != nil {
			s.writeMessage(MsgError, []byte(err.Error()))
			continue
		}
		s.writeMessage(MsgResponse, result)
	}
}

func (s *Server) dispatch(msgType uint16, payload []byte) ([]byte, error) {
	switch msgType {
	case MsgMMIORead:
		region, offset, width, err := decodeMMIORead(payload)
		if err != nil {
			return nil, err
		}
		if width == 0 || width > 8 {
			return nil, fmt.Errorf("mmio read width %d out of range", width)
		}
		buf := make([]byte, width)
		switch region {
		case RegionMMIO:
			err = s.dev.MMIORead(offset, buf)
		case RegionIO:
			err = s.dev.IORead(offset, buf)
		default:
			err = fmt.Errorf("unknown register region %d", region)
		}
		if err != nil {
			return nil, err
		}
		return buf, nil

	case MsgMMIOWrite:
		region, offset, data, err := decodeMMIOWrite(payload)
		if err != nil {
			return nil, err
		}
		switch region {
		case RegionMMIO:
			err = s.dev.MMIOWrite(offset, data)
		case RegionIO:
			err = s.dev.IOWrite(offset, data)
		default:
			err = fmt.Errorf("unknown register region %d", region)
		}
		if err != nil {
			return nil, err
		}
		return nil, nil

	case MsgDeviceInfo:
		mac := s.dev.MAC()
		info := make([]byte, 10)
		copy(info[0:6], mac)
		binary.BigEndian.PutUint32(info[6:10], s.bar0Size)
		return info, nil

	case MsgReset:
		s.dev.Reset()
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message type 0x%04x", msgType)
	}
}

func (s *Server) writeMessage(msgType uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotAttached
	}
	return WriteMessage(s.conn, msgType, payload)
}

// roundTrip sends a device-originated request and waits for the
// monitor's response. At most one DMA request is ever outstanding: the
// device serializes all guest memory access internally.
func (s *Server) roundTrip(msgType uint16, payload []byte) ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	respCh := s.respCh
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotAttached
	}
	err := WriteMessage(conn, msgType, payload)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	resp, ok := <-respCh
	if !ok {
		return nil, ErrNotAttached
	}
	return resp.payload, resp.err
}

// ReadGuest implements emu.GuestMemory over the monitor connection.
func (s *Server) ReadGuest(addr uint64, p []byte) error {
	resp, err := s.roundTrip(MsgDMARead, encodeDMARead(addr, uint32(len(p))))
	if err != nil {
		return err
	}
	if len(resp) != len(p) {
		return fmt.Errorf("dma read returned %d bytes, want %d", len(resp), len(p))
	}
	copy(p, resp)
	return nil
}

// WriteGuest implements emu.GuestMemory over the monitor connection.
func (s *Server) WriteGuest(addr uint64, p []byte) error {
	_, err := s.roundTrip(MsgDMAWrite, encodeDMAWrite(addr, p))
	return err
}

// SetLevel implements emu.IRQLine; level changes are sent as events
// with no response. Repeated levels are suppressed.
func (s *Server) SetLevel(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.irqHigh == high {
		return
	}
	s.irqHigh = high
	if s.conn == nil {
		return
	}
	level := []byte{0}
	if high {
		level[0] = 1
	}
	if err := WriteMessage(s.conn, MsgIRQLevel, level); err != nil {
		s.log.Warn("irq event write failed", "err", err)
	}
}

func (s *Server) Close() error {
	s.closed.Store(true)
	err := s.listener.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
	return err
}
