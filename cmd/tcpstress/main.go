package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/engine"
	"github.com/irctrakz/tcpcore/pkg/link"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/wireguard"
)

var (
	ipClient = netip.MustParseAddr("10.77.0.1")
	ipServer = netip.MustParseAddr("10.77.0.2")
)

func main() {
	var (
		conns   = flag.Int("conns", 8, "number of parallel connections")
		size    = flag.Int("bytes", 1<<20, "bytes sent on each connection")
		mss     = flag.Int("mss", 1200, "maximum segment size")
		mode    = flag.String("link", "pipe", "link between the stacks: pipe or tun")
		loss    = flag.Float64("loss", 0.01, "pipe: probability of dropping a frame")
		reorder = flag.Bool("reorder", true, "pipe: shuffle each delivery batch")
		tunCap  = flag.Int("tuncap", 64, "tun: queue capacity")
		holdMs  = flag.Int("hold", 500, "tun: milliseconds before the bridge starts draining")
		timeout = flag.Duration("timeout", 2*time.Minute, "overall deadline")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)
	if *debug {
		logging.SetLevel(logging.DebugLevel)
	}

	cfg := engine.DefaultConfig()
	cfg.TCP.MSS = *mss
	cfg.TCP.RTO.MinRTO = 200 * time.Millisecond
	cfg.TCP.RTO.InitialRTO = 200 * time.Millisecond
	cfg.TickInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var client, server *engine.Stack
	var lm func() string
	switch *mode {
	case "pipe":
		p := link.NewPipe()
		p.SetDropFunc(func(link.Frame) bool { return rand.Float64() < *loss })
		if *reorder {
			p.SetReorderFunc(func(b []link.Frame) {
				rand.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
			})
		}
		client, server = engine.New(cfg, p, nil), engine.New(cfg, p, nil)
		p.Attach(ipClient, client)
		p.Attach(ipServer, server)
		if err := p.Start(); err != nil {
			fatalf("pipe: %v", err)
		}
		defer p.Stop()
		lm = func() string { return formatTransport("pipe", p.Metrics()) }
	case "tun":
		ta := wireguard.NewTun("stress-a", *mss+40, *tunCap, nil)
		tb := wireguard.NewTun("stress-b", *mss+40, *tunCap, nil)
		client, server = engine.New(cfg, ta, nil), engine.New(cfg, tb, nil)
		ta.SetHandler(client)
		tb.SetHandler(server)
		defer ta.Close()
		defer tb.Close()
		hold := time.Duration(*holdMs) * time.Millisecond
		go bridge(ta, tb, hold)
		go bridge(tb, ta, hold)
		lm = func() string {
			return formatTransport("tun-a", ta.Metrics()) + " " + formatTransport("tun-b", tb.Metrics())
		}
	default:
		fatalf("unknown link %q", *mode)
	}
	go client.Run(ctx)
	go server.Run(ctx)

	l, err := server.OpenPassive(netip.AddrPortFrom(ipServer, 9000))
	if err != nil {
		fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := l.AcceptContext(ctx)
			if err != nil {
				return
			}
			go sink(ctx, c)
		}
	}()

	payload := make([]byte, *size)
	rand.Read(payload)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, *conns)
	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(ctx, client, payload); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	elapsed := time.Since(start)

	failed := 0
	for err := range errs {
		failed++
		fmt.Printf("ERROR: %v\n", err)
	}
	total := float64(*conns-failed) * float64(*size)
	fmt.Printf("Transferred %d x %d bytes in %v (%.2f MiB/s), %d failed\n",
		*conns-failed, *size, elapsed.Round(time.Millisecond), total/elapsed.Seconds()/(1<<20), failed)
	fmt.Printf("Client: %s\n", formatEngine(client.Metrics()))
	fmt.Printf("Server: %s\n", formatEngine(server.Metrics()))
	fmt.Printf("Link: %s\n", lm())

	m := client.Metrics()
	if *mode == "pipe" && *loss > 0 && m.Retransmits+m.FastRetransmits == 0 {
		fmt.Println("WARN: no retransmissions observed; raise -loss or -bytes")
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// send writes payload on a new connection, closes it and waits for the
// server's checksum echo.
func send(ctx context.Context, s *engine.Stack, payload []byte) error {
	c, err := s.OpenActive(netip.AddrPortFrom(ipClient, 0), netip.AddrPortFrom(ipServer, 9000))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	sent := 0
	closed := false
	var reply []byte
	for {
		if sent < len(payload) {
			n, _ := c.Write(payload[sent:])
			sent += n
		} else if !closed {
			if err := c.Close(); err != nil {
				return err
			}
			closed = true
		}
		reply = append(reply, c.ReadAll()...)
		if c.EOF() {
			break
		}
		if err := c.Err(); err != nil {
			return fmt.Errorf("%s: %w", c.LocalAddr(), err)
		}
		select {
		case <-ctx.Done():
			c.Abort()
			return fmt.Errorf("%s: %w after %d of %d bytes", c.LocalAddr(), ctx.Err(), sent, len(payload))
		case <-ticker.C:
		}
	}
	if want := digest(payload); !bytes.Equal(reply, want) {
		return fmt.Errorf("%s: server digest %x, want %x", c.LocalAddr(), reply, want)
	}
	return nil
}

// sink reads until EOF, replies with a digest of what arrived and closes.
func sink(ctx context.Context, c *engine.Conn) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	var got []byte
	for !c.EOF() {
		got = append(got, c.ReadAll()...)
		if c.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			c.Abort()
			return
		case <-ticker.C:
		}
	}
	_, _ = c.Write(digest(got))
	_ = c.Close()
}

// digest is a cheap position-sensitive fingerprint of b.
func digest(b []byte) []byte {
	var h1, h2 uint32 = 1, 0
	for _, x := range b {
		h1 = (h1 + uint32(x)) % 65521
		h2 = (h2 + h1) % 65521
	}
	n := uint32(len(b))
	return []byte{byte(h2 >> 8), byte(h2), byte(h1 >> 8), byte(h1), byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// bridge plays the role of a WireGuard device pair: packets read from one
// tun are written into the other after an initial hold.
func bridge(from, to *wireguard.Tun, hold time.Duration) {
	time.Sleep(hold)
	bufs := [][]byte{make([]byte, 65536)}
	sizes := make([]int, 1)
	for {
		n, err := from.Read(bufs, sizes, 0)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if _, err := to.Write([][]byte{bufs[0][:sizes[0]]}, 0); err != nil {
			return
		}
	}
}

func formatEngine(m core.EngineMetrics) string {
	return fmt.Sprintf("opened=%d closed=%d segs=%d/%d rto=%d frtx=%d timeouts=%d rst=%d/%d drops=%d errors=%d",
		m.ConnectionsOpened, m.ConnectionsClosed, m.SegmentsSent, m.SegmentsReceived,
		m.Retransmits, m.FastRetransmits, m.Timeouts, m.ResetsSent, m.ResetsReceived, m.Dropped, m.Errors)
}

func formatTransport(name string, m core.TransportMetrics) string {
	return fmt.Sprintf("%s[sent=%d recv=%d drops=%d errors=%d]", name, m.PacketsSent, m.PacketsReceived, m.PacketsDropped, m.Errors)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
