//go:build linux

package hostnet

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifReq mirrors struct ifreq for the TUNSETIFF ioctl.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	pad   [22]byte
}

func ioctl(fd, request, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// TAP is a Conduit backed by a kernel TAP interface. Frames the guest
// transmits go straight onto the interface; frames the kernel delivers
// are read by a background loop and handed to the handler.
type TAP struct {
	log  *slog.Logger
	file *os.File
	name string

	mu      sync.Mutex
	handler func(frame []byte)
	closed  bool
}

// OpenTAP opens (or creates) the named TAP interface. Requires
// CAP_NET_ADMIN or a persistent interface owned by the current user.
func OpenTAP(logger *slog.Logger, name string) (*TAP, error) {
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req ifReq
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	copy(req.Name[:unix.IFNAMSIZ-1], name)
	if err := ioctl(uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}
	// Non-blocking so the runtime poller manages the fd and Close
	// interrupts the read loop.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	ifName := string(req.Name[:cstrlen(req.Name[:])])
	t := &TAP{
		log:  logger.With("tap", ifName),
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifName,
	}
	go t.readLoop()
	return t, nil
}

func cstrlen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// Name returns the kernel interface name, useful when the caller asked
// for an unnamed interface.
func (t *TAP) Name() string { return t.name }

func (t *TAP) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Error("tap read failed", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (t *TAP) Send(frame []byte) error {
	if _, err := t.file.Write(frame); err != nil {
		return fmt.Errorf("tap write: %w", err)
	}
	return nil
}

func (t *TAP) SetHandler(handler func(frame []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TAP) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.file.Close()
}

var _ Conduit = (*TAP)(nil)

// HardwareAddr returns the MAC assigned to the TAP interface, so the
// emulated device can present a distinct address on the same segment.
func (t *TAP) HardwareAddr() (net.HardwareAddr, error) {
	ifc, err := net.InterfaceByName(t.name)
	if err != nil {
		return nil, err
	}
	return ifc.HardwareAddr, nil
}
