package hostnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// dnsForwarder answers guest DNS queries on the gateway address by
// resolving through the host's resolver. Only A queries are answered;
// anything else gets an empty reply so the guest falls back cleanly.
type dnsForwarder struct {
	log    *slog.Logger
	server *dns.Server
}

func newDNSForwarder(logger *slog.Logger, s *stack.Stack, gateway tcpip.Address) (*dnsForwarder, error) {
	conn, err := gonet.DialUDP(s, &tcpip.FullAddress{
		NIC:  usernetNICID,
		Addr: gateway,
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("bind gateway port 53: %w", err)
	}

	fwd := &dnsForwarder{log: logger}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", fwd.handleQuery)

	fwd.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	go func() {
		if err := fwd.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("dns server exited", "err", err)
		}
	}()
	return fwd, nil
}

func (f *dnsForwarder) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = f.server.ShutdownContext(ctx)
	if f.server.PacketConn != nil {
		_ = f.server.PacketConn.Close()
	}
}

func (f *dnsForwarder) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", q.Name)
		cancel()
		if err != nil || len(addrs) == 0 {
			f.log.Debug("dns lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		for _, addr := range addrs {
			rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, addr))
			if err != nil {
				f.log.Debug("dns rr build failed", "name", q.Name, "err", err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
	}

	_ = w.WriteMsg(m)
}
