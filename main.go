package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dfp/config"
	"dfp/forwarder"
	"dfp/internal/lifeline"
	"dfp/internal/logging"
	"dfp/internal/management"
	"dfp/internal/netmon"
	"dfp/proxy"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.json", "Path to configuration file (or '-' for stdin)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	out, err := logOutput(cfg.Logging.Output)
	if err != nil {
		log.Fatalf("failed to open log output: %v", err)
	}
	baseLogger := logging.New(logging.ParseLevel(cfg.NormalisedLevel()), out)
	logger := baseLogger.With("component", "dfp")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, baseLogger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, baseLogger *logging.Logger) error {
	logger := baseLogger.With("component", "dfp")

	factory := func(proto forwarder.Protocol, phys, guest string, onLost func(string, error)) (proxy.Runner, error) {
		return forwarder.New(proto, phys, guest, forwarder.Options{
			BroadcastPort:     cfg.EffectiveBroadcastPort(),
			SuppressionWindow: cfg.EffectiveSuppressionWindow(),
			Logger:            baseLogger,
			OnPermanentError:  onLost,
		})
	}

	p, err := proxy.New(proxy.Options{
		Guest:     cfg.GuestInterface,
		Protocols: enabledProtocols(cfg),
		Factory:   factory,
		Logger:    baseLogger.With("component", "proxy"),
	})
	if err != nil {
		return err
	}
	defer p.Reset()

	events := make(chan proxy.Event, len(cfg.PhysicalInterfaces)+16)
	for _, name := range cfg.PhysicalInterfaces {
		events <- proxy.Event{Kind: proxy.InterfaceAdded, Name: name, Role: proxy.RolePhysical}
	}

	if !cfg.Monitor.Disable {
		mon, err := netmon.New(cfg.GuestInterface, baseLogger.With("component", "netmon"))
		if err != nil {
			return fmt.Errorf("interface monitor: %w", err)
		}
		go func() {
			for ev := range mon.Events() {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("interface monitor failed", "err", err)
			}
		}()
	}

	watcher := lifeline.New(cfg.LifelineFD, baseLogger.With("component", "lifeline"))

	mgmt, err := management.New(
		cfg.Management.Bind,
		func() any { return p.Snapshot() },
		baseLogger.With("component", "management"),
		management.WithMetrics(p.Metrics),
		management.WithACL(cfg.ManagementPrefixes()),
	)
	if err != nil {
		return err
	}
	mgmt.Start()
	defer mgmt.Close(context.Background())

	logger.Info("forwarding proxy started",
		"guest", cfg.GuestInterface,
		"static", len(cfg.PhysicalInterfaces),
		"monitor", !cfg.Monitor.Disable)

	return p.Run(ctx, events, watcher.ParentExit())
}

func enabledProtocols(cfg *config.Config) []forwarder.Protocol {
	var protocols []forwarder.Protocol
	if !cfg.Protocols.DisableMDNS {
		protocols = append(protocols, forwarder.MDNS)
	}
	if !cfg.Protocols.DisableSSDP {
		protocols = append(protocols, forwarder.SSDP)
	}
	if !cfg.Protocols.DisableBroadcast {
		protocols = append(protocols, forwarder.Broadcast)
	}
	return protocols
}

func logOutput(target string) (*os.File, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}
