// Command nicemu runs an emulated e1000 network card behind a unix
// socket, for a virtual machine monitor to attach as a passthrough
// device.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/vmuxIO/e1000-emu/internal/attach"
	"github.com/vmuxIO/e1000-emu/internal/config"
	"github.com/vmuxIO/e1000-emu/internal/e1000"
	"github.com/vmuxIO/e1000-emu/internal/hostnet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nicemu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	socket := flag.String("socket", "", "Unix socket path (overrides the config file)")
	backend := flag.String("backend", "", "Host backend: tap, usernet or none (overrides the config file)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serve an emulated e1000 NIC on a unix socket.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if *backend != "" {
		cfg.Backend.Type = *backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mac, err := cfg.HardwareAddr()
	if err != nil {
		return fmt.Errorf("pick MAC: %w", err)
	}

	conduit, err := openConduit(logger, cfg)
	if err != nil {
		return err
	}
	if cfg.Pcap != "" {
		if conduit, err = hostnet.NewCapture(conduit, cfg.Pcap); err != nil {
			return err
		}
		logger.Info("capturing frames", "path", cfg.Pcap)
	}
	defer conduit.Close()

	server, err := attach.NewServer(logger, cfg.Socket, e1000.RegionSize)
	if err != nil {
		return err
	}
	defer server.Close()

	registry := metrics.NewRegistry()
	dev, err := e1000.New(server, server, conduit, e1000.Config{
		MAC:      mac,
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	server.SetDevice(dev)

	conduit.SetHandler(func(frame []byte) {
		if err := dev.Receive(frame); err != nil {
			logger.Debug("inbound frame dropped", "len", len(frame), "err", err)
		}
	})

	if cfg.ITR != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(cfg.ITR))
		if err := dev.MMIOWrite(0x00C4, b[:]); err != nil {
			return fmt.Errorf("preload ITR: %w", err)
		}
	}

	logger.Info("device ready", "socket", cfg.Socket, "mac", mac, "backend", cfg.Backend.Type)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		server.Close()
		return nil
	})
	err = g.Wait()

	logCounters(logger, registry)
	return err
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openConduit(logger *slog.Logger, cfg config.Config) (hostnet.Conduit, error) {
	switch cfg.Backend.Type {
	case config.BackendTAP:
		tap, err := hostnet.OpenTAP(logger, cfg.Backend.Tap)
		if err != nil {
			return nil, fmt.Errorf("open tap: %w", err)
		}
		return tap, nil
	case config.BackendUsernet:
		ucfg := hostnet.UsernetConfig{
			Logger:     logger,
			DisableDNS: cfg.Backend.DisableDNS,
		}
		if cfg.Backend.Gateway != "" {
			addr, err := netip.ParseAddr(cfg.Backend.Gateway)
			if err != nil {
				return nil, fmt.Errorf("parse gateway: %w", err)
			}
			ucfg.GatewayIP = addr
		}
		return hostnet.NewUsernet(ucfg)
	case config.BackendNone:
		return nullConduit{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Type)
	}
}

// nullConduit drops outbound frames and never delivers inbound ones.
type nullConduit struct{}

func (nullConduit) Send([]byte) error { return nil }

func (nullConduit) SetHandler(func(frame []byte)) {}

func (nullConduit) Close() error { return nil }

// logCounters dumps the device counters at shutdown.
func logCounters(logger *slog.Logger, registry metrics.Registry) {
	registry.Each(func(name string, metric any) {
		if counter, ok := metric.(metrics.Counter); ok {
			logger.Info("counter", "name", name, "value", counter.Count())
		}
	})
}
