package hostnet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const usernetNICID tcpip.NICID = 1

const (
	usernetChannelSize = 512
	usernetDialTimeout = 10 * time.Second
	usernetUDPIdle     = 90 * time.Second

	maxInFlightTCP = 1024
)

// UsernetConfig configures the user-mode network. The zero value gives
// a slirp-style 10.0.2.0/24 network with the gateway at 10.0.2.2.
type UsernetConfig struct {
	GatewayIP  netip.Addr
	PrefixLen  int
	GatewayMAC net.HardwareAddr
	MTU        int
	// DisableDNS skips the built-in resolver on gateway port 53.
	DisableDNS bool
	Logger     *slog.Logger
}

func (c *UsernetConfig) applyDefaults() {
	if !c.GatewayIP.IsValid() {
		c.GatewayIP = netip.AddrFrom4([4]byte{10, 0, 2, 2})
	}
	if c.PrefixLen == 0 {
		c.PrefixLen = 24
	}
	if c.GatewayMAC == nil {
		c.GatewayMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Usernet is a Conduit that terminates guest traffic in an in-process
// TCP/IP stack instead of a kernel interface, so the emulator can run
// without privileges. Outbound TCP and UDP flows are proxied onto the
// host's sockets; ARP and ICMP for the gateway are answered locally,
// and a small DNS forwarder lives on the gateway address.
type Usernet struct {
	log    *slog.Logger
	stack  *stack.Stack
	linkEP *channel.Endpoint
	dns    *dnsForwarder

	gatewayIP  tcpip.Address
	gatewayMAC net.HardwareAddr

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler func(frame []byte)
}

// NewUsernet brings up the user-mode network.
func NewUsernet(cfg UsernetConfig) (*Usernet, error) {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	u := &Usernet{
		log:        cfg.Logger.With("conduit", "usernet"),
		gatewayIP:  tcpip.AddrFrom4(cfg.GatewayIP.As4()),
		gatewayMAC: cfg.GatewayMAC,
		ctx:        ctx,
		cancel:     cancel,
	}

	u.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})

	// The channel endpoint's MTU is the L2 MTU; the ethernet wrapper
	// subtracts the header to get the L3 MTU.
	u.linkEP = channel.New(usernetChannelSize, uint32(cfg.MTU)+header.EthernetMinimumSize, tcpip.LinkAddress(cfg.GatewayMAC))
	if err := u.stack.CreateNIC(usernetNICID, ethernet.New(u.linkEP)); err != nil {
		cancel()
		return nil, fmt.Errorf("usernet: create NIC: %s", err)
	}
	if err := u.stack.AddProtocolAddress(usernetNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   u.gatewayIP,
			PrefixLen: cfg.PrefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		cancel()
		return nil, fmt.Errorf("usernet: add gateway address: %s", err)
	}
	// Accept packets for any destination so guest flows to the outside
	// world reach the forwarders.
	if err := u.stack.SetPromiscuousMode(usernetNICID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("usernet: set promiscuous: %s", err)
	}
	if err := u.stack.SetSpoofing(usernetNICID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("usernet: set spoofing: %s", err)
	}
	u.stack.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         usernetNICID,
	}})

	tcpFwd := tcp.NewForwarder(u.stack, 0, maxInFlightTCP, u.forwardTCP)
	u.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)
	udpFwd := udp.NewForwarder(u.stack, u.forwardUDP)
	u.stack.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	if !cfg.DisableDNS {
		dns, err := newDNSForwarder(u.log, u.stack, u.gatewayIP)
		if err != nil {
			cancel()
			u.stack.Destroy()
			return nil, fmt.Errorf("usernet: start dns: %w", err)
		}
		u.dns = dns
	}

	go u.egressLoop()
	return u, nil
}

// Send injects one guest frame into the stack.
func (u *Usernet) Send(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("usernet: short frame of %d bytes", len(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header itself; the
	// protocol argument is unused.
	u.linkEP.InjectInbound(0, pkt)
	return nil
}

func (u *Usernet) SetHandler(handler func(frame []byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = handler
}

// egressLoop moves frames from the stack to the device.
func (u *Usernet) egressLoop() {
	for {
		pkt := u.linkEP.ReadContext(u.ctx)
		if pkt == nil {
			return
		}
		frame := pkt.ToView().AsSlice()
		pkt.DecRef()

		u.mu.Lock()
		handler := u.handler
		u.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// forwardTCP proxies one guest TCP connection onto a host socket
// aimed at the destination the guest dialed.
func (u *Usernet) forwardTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	dialCtx, cancel := context.WithTimeout(u.ctx, usernetDialTimeout)
	defer cancel()
	outbound, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", dst)
	if err != nil {
		u.log.Debug("outbound dial failed", "dst", dst, "err", err)
		r.Complete(true) // RST
		return
	}

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		u.log.Debug("create endpoint failed", "dst", dst, "err", tcpipErr.String())
		outbound.Close()
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	inbound := gonet.NewTCPConn(&wq, ep)
	go proxyConn(inbound, outbound)
}

// proxyConn splices two connections and tears both down when either
// side finishes.
func proxyConn(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if half, ok := dst.(interface{ CloseWrite() error }); ok {
			half.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
	a.Close()
	b.Close()
}

// forwardUDP relays one guest UDP flow through a host socket. The flow
// is torn down after an idle period.
func (u *Usernet) forwardUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		u.log.Debug("udp endpoint failed", "dst", dst, "err", tcpipErr.String())
		return true
	}
	inbound := gonet.NewUDPConn(&wq, ep)

	outbound, err := net.Dial("udp", dst)
	if err != nil {
		u.log.Debug("outbound udp dial failed", "dst", dst, "err", err)
		inbound.Close()
		return true
	}

	relay := func(dst net.Conn, src net.Conn) {
		buf := make([]byte, 65536)
		for {
			src.SetReadDeadline(time.Now().Add(usernetUDPIdle))
			n, err := src.Read(buf)
			if err != nil {
				dst.Close()
				src.Close()
				return
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				src.Close()
				return
			}
		}
	}
	go relay(outbound, inbound)
	go relay(inbound, outbound)
	return true
}

func (u *Usernet) Close() error {
	u.cancel()
	if u.dns != nil {
		u.dns.stop()
	}
	u.stack.Destroy()
	return nil
}

var _ Conduit = (*Usernet)(nil)
