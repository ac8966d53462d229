// Endoor daemon -- a transparent layer-2 endpoint door.
//
// Endoor sits between a client machine and its upstream router on two
// promiscuous Ethernet interfaces, learns who the client and the router
// are by watching their traffic, and steals replies to host-originated
// flows into a TUN device so the host's own IP stack can use the
// client's address without the network noticing a third party.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/endoor-net/endoor/internal/api"
	"github.com/endoor-net/endoor/internal/bridge"
	"github.com/endoor-net/endoor/internal/config"
	endoormetrics "github.com/endoor-net/endoor/internal/metrics"
	"github.com/endoor-net/endoor/internal/netio"
	"github.com/endoor-net/endoor/internal/pcapw"
	appversion "github.com/endoor-net/endoor/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// nullInterface is the inside interface name that disables capture on
// the inside port (bench/testing aid).
const nullInterface = "null"

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("endoor"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("endoor starting",
		slog.String("version", appversion.Version),
		slog.String("inside", cfg.Inside),
		slog.String("outside", cfg.Outside),
		slog.String("api_addr", cfg.API.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := endoormetrics.NewCollector(reg)

	// 5. Run everything.
	if err := runBridge(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("endoor exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("endoor stopped")
	return 0
}

// runBridge opens the descriptors, wires the switch, and runs the port
// loops, maintainer, and HTTP servers under an errgroup with a
// signal-aware context for graceful shutdown.
func runBridge(
	cfg *config.Config,
	collector *endoormetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	// Optional shared packet capture.
	var pcap *pcapw.Writer
	if cfg.PcapFile != "" {
		var err error
		if pcap, err = pcapw.Create(cfg.PcapFile); err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer closeQuietly(pcap.Close, "capture file", logger)
		logger.Info("writing packets", slog.String("pcap_file", cfg.PcapFile))
	}

	sw, tun, err := buildSwitch(cfg, pcap, collector, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(sw.Close, "switch descriptors", logger)

	maint := bridge.NewMaintainer(sw, cfg.AddrMaxAge, netio.TunSetIPv4)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Startup rendezvous: the receive loops and the maintainer signal
	// readiness before the daemon announces itself.
	readyCh := make(chan struct{}, 2)
	signalReady := func() { readyCh <- struct{}{} }

	g.Go(func() error {
		return sw.Run(gCtx, signalReady)
	})
	g.Go(func() error {
		return maint.Run(gCtx, signalReady)
	})

	startHTTPServers(gCtx, g, cfg, sw, reg, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, maint, logger)

	g.Go(func() error {
		for i := 0; i < 2; i++ {
			select {
			case <-readyCh:
			case <-gCtx.Done():
				return nil
			}
		}
		logger.Info("bridge running",
			slog.String("tunnel", tun),
		)
		notifyReady(logger)
		return nil
	})

	// Shutdown goroutine: waits for context cancellation, then closes
	// the port descriptors so blocked reads return.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		return sw.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run bridge: %w", err)
	}
	return nil
}

// buildSwitch opens the raw sockets and the TUN device and wires the
// three-port switch. Returns the switch and the effective tunnel name.
func buildSwitch(
	cfg *config.Config,
	pcap *pcapw.Writer,
	collector *endoormetrics.Collector,
	logger *slog.Logger,
) (*bridge.Switch, string, error) {
	logger.Info("setting up interface", slog.String("ifname", cfg.Outside))
	outSock, err := netio.OpenPacketSocket(cfg.Outside)
	if err != nil {
		return nil, "", fmt.Errorf("outside interface: %w", err)
	}

	var inIO bridge.FrameIO
	var inHW net.HardwareAddr
	if cfg.Inside != nullInterface {
		logger.Info("setting up interface", slog.String("ifname", cfg.Inside))
		inSock, err := netio.OpenPacketSocket(cfg.Inside)
		if err != nil {
			closeQuietly(outSock.Close, "outside socket", logger)
			return nil, "", fmt.Errorf("inside interface: %w", err)
		}
		inIO = inSock
		inHW = inSock.HWAddr()
	}

	tun, err := netio.OpenTun(cfg.Tunnel)
	if err != nil {
		closeQuietly(outSock.Close, "outside socket", logger)
		if inIO != nil {
			closeQuietly(inIO.Close, "inside socket", logger)
		}
		return nil, "", fmt.Errorf("tunnel device: %w", err)
	}
	logger.Info("tunnel device ready", slog.String("ifname", tun.Name()))

	sw := bridge.New(bridge.Config{
		Outside: bridge.PortConfig{
			Name:    cfg.Outside,
			IO:      outSock,
			HW:      outSock.HWAddr(),
			Capture: true,
		},
		Inside: bridge.PortConfig{
			Name:    cfg.Inside,
			IO:      inIO,
			HW:      inHW,
			Capture: true,
		},
		Tunnel: bridge.PortConfig{
			Name: tun.Name(),
			IO:   tun,
			Off:  netio.TunReadOffset,
		},
		MACTableSize:   cfg.Tables.MACSize,
		StateTableSize: cfg.Tables.StateSize,
		Pcap:           pcap,
		Metrics:        collector,
		Logger:         logger,
	})

	if hw, err := cfg.RouterHWAddr(); err != nil {
		return nil, "", err
	} else if hw != nil {
		sw.Outside().PinRouter(hw)
		logger.Info("router address pinned", slog.String("hwrouter", hw.String()))
	}

	return sw, tun.Name(), nil
}

// startHTTPServers registers the status API and metrics server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	sw *bridge.Switch,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	statusSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.New(sw, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("status API listening", slog.String("addr", cfg.API.Addr))
		return listenAndServe(ctx, &lc, statusSrv, cfg.API.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	// Server drain on shutdown.
	g.Go(func() error {
		<-ctx.Done()
		return shutdownServers(ctx, logger, statusSrv, metricsSrv)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	maint *bridge.Maintainer,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, maint, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and all loops are in steady state.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + address aging
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level and the address max-age are updated; the
// interface wiring is fixed at startup and never reloaded.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	maint *bridge.Maintainer,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, maint, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and
// applies the runtime-adjustable settings. Errors during reload are
// logged but do not stop the daemon -- the previous configuration
// remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	maint *bridge.Maintainer,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	maint.SetMaxAge(newCfg.AddrMaxAge)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Duration("addr_max_age", newCfg.AddrMaxAge),
	)
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for
// noctx compliance) and serves HTTP requests until the server is shut
// down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// shutdownServers drains the HTTP servers with a fresh timeout context
// detached from the already-cancelled parent.
func shutdownServers(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("shutting down HTTP servers")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// closeQuietly invokes closeFn and logs any error.
func closeQuietly(closeFn func() error, what string, logger *slog.Logger) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed",
			slog.String("what", what),
			slog.String("error", err.Error()),
		)
	}
}
