package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpcore/pkg/config"
	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/engine"
	"github.com/irctrakz/tcpcore/pkg/link"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/wireguard"
)

// linkTransport is the lower transport as seen by main.
type linkTransport interface {
	core.SegmentTransport
	Metrics() core.TransportMetrics
}

func main() {
	var err error
	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	// DEBUG overrides the configured level and turns on packet copy mode.
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	debugOn := dval == "1" || dval == "true" || dval == "yes" || dval == "on"
	if debugOn {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}
	core.SetDebugMode(debugOn)

	var capture *link.PcapWriter
	if cfg.Link.Capture != "" {
		if capture, err = link.CreatePcap(cfg.Link.Capture); err != nil {
			logging.Fatalf("capture: %v", err)
		}
		defer capture.Close()
	}

	var (
		stack *engine.Stack
		lower linkTransport
		dev   *wireguard.Device
	)
	switch cfg.Link.Mode {
	case config.LinkModeWireGuard:
		wg := cfg.Link.WireGuard
		tun := wireguard.NewTun("tcpcore0", wg.MTU, wg.QueueCap, nil)
		tun.SetTTL(cfg.Link.TTL)
		tun.SetCapture(capture)
		stack = engine.New(cfg.Engine.Stack(), tun, nil)
		tun.SetHandler(stack)
		if dev, err = wireguard.StartDevice(wg.Device(), tun, wg.Verbose); err != nil {
			logging.Fatalf("wireguard start: %v", err)
		}
		defer dev.Close()
		pub, _ := wireguard.PublicKey(wg.PrivateKey)
		logging.InfoWithFields(logrus.Fields{"mode": cfg.Link.Mode, "local": cfg.Link.LocalIP}, "tcpcore: wireguard public key %s", pub)
		lower = tun
	default:
		udp, err := link.ListenUDP(cfg.Link.UDP(), nil)
		if err != nil {
			logging.Fatalf("link: %v", err)
		}
		udp.SetCapture(capture)
		stack = engine.New(cfg.Engine.Stack(), udp, nil)
		udp.SetHandler(stack)
		if err := udp.Start(); err != nil {
			logging.Fatalf("link start: %v", err)
		}
		defer udp.Stop()
		logging.InfoWithFields(logrus.Fields{"mode": config.LinkModeUDP, "local": cfg.Link.LocalIP}, "tcpcore: link on %s", udp.LocalAddr())
		lower = udp
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	localIP := netip.MustParseAddr(cfg.Link.LocalIP)

	// Echo service, disabled with ECHO_PORT=0.
	echoPort := 7
	if v := strings.TrimSpace(os.Getenv("ECHO_PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 65535 {
			logging.Fatalf("ECHO_PORT: invalid value %q", v)
		}
		echoPort = p
	}
	if echoPort > 0 {
		l, err := stack.OpenPassive(netip.AddrPortFrom(localIP, uint16(echoPort)))
		if err != nil {
			logging.Fatalf("echo listener: %v", err)
		}
		go serveEcho(ctx, l)
	}

	if target := strings.TrimSpace(os.Getenv("PROBE_TARGET")); target != "" {
		go runEchoProbe(ctx, stack, localIP, target)
	}

	if strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != "" {
		go runMetricsReporter(ctx, stack, lower, dev)
	}

	// Health and metrics endpoints
	healthAddr := strings.TrimSpace(os.Getenv("HEALTH_ADDR"))
	if healthAddr == "" {
		healthAddr = ":8080"
	}
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(buildSnapshot(stack, lower, dev))
		})
		if err := http.ListenAndServe(healthAddr, mux); err != nil {
			logging.Warnf("health endpoint: %v", err)
		}
	}()

	if err := stack.Run(ctx); err != nil && err != context.Canceled {
		logging.Errorf("engine: %v", err)
	}
	stack.Shutdown()
	logging.Infof("tcpcore: stopped")
}
