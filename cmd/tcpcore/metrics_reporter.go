package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpcore/pkg/engine"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/wireguard"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Conns     uint64            `json:"conns"`
	TCP       map[string]uint64 `json:"tcp"`
	Link      map[string]uint64 `json:"link"`
	RT        map[string]uint64 `json:"rt"`
	WG        map[string]uint64 `json:"wg,omitempty"`
}

func runMetricsReporter(ctx context.Context, stack *engine.Stack, lower linkTransport, dev *wireguard.Device) {
	// interval
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if iv == "" {
		iv = "30s"
	}
	d, err := time.ParseDuration(iv)
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}

	// format
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format == "" {
		format = "text"
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		dumpMetrics(stack, lower, dev, format)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lastRetransmits keeps the previous cumulative retransmit count to compute
// the per-interval delta.
var lastRetransmits uint64

func buildSnapshot(stack *engine.Stack, lower linkTransport, dev *wireguard.Device) metricsSnapshot {
	em := stack.Metrics()
	lm := lower.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Conns:     uint64(stack.Connections()),
		TCP: map[string]uint64{
			"opened":      em.ConnectionsOpened,
			"closed":      em.ConnectionsClosed,
			"segs_sent":   em.SegmentsSent,
			"segs_recv":   em.SegmentsReceived,
			"bytes_sent":  em.BytesSent,
			"bytes_recv":  em.BytesReceived,
			"rto":         em.Retransmits,
			"fast_rtx":    em.FastRetransmits,
			"timeouts":    em.Timeouts,
			"rst_sent":    em.ResetsSent,
			"rst_recv":    em.ResetsReceived,
			"challenge":   em.ChallengeACKs,
			"win_probes":  em.WindowProbes,
			"dropped":     em.Dropped,
			"send_errors": em.Errors,
		},
		Link: map[string]uint64{
			"pkts_sent":  lm.PacketsSent,
			"pkts_recv":  lm.PacketsReceived,
			"pkts_drop":  lm.PacketsDropped,
			"bytes_sent": lm.BytesSent,
			"bytes_recv": lm.BytesReceived,
			"errors":     lm.Errors,
		},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	if dev != nil {
		snap.WG = summarizeHandshakes(dev, time.Now())
	}
	return snap
}

// summarizeHandshakes counts peers and how many completed a handshake within
// the last three minutes.
func summarizeHandshakes(dev *wireguard.Device, now time.Time) map[string]uint64 {
	res := map[string]uint64{"peers": 0, "fresh": 0, "oldest_sec": 0}
	peers, err := dev.Peers()
	if err != nil {
		logging.Warnf("metrics: wireguard state: %v", err)
		return res
	}
	for _, p := range peers {
		res["peers"]++
		if p.Fresh(now, 3*time.Minute) {
			res["fresh"]++
		}
		if !p.LastHandshake.IsZero() {
			if age := uint64(now.Sub(p.LastHandshake) / time.Second); age > res["oldest_sec"] {
				res["oldest_sec"] = age
			}
		}
	}
	return res
}

func dumpMetrics(stack *engine.Stack, lower linkTransport, dev *wireguard.Device, format string) {
	snap := buildSnapshot(stack, lower, dev)
	prev := atomic.SwapUint64(&lastRetransmits, snap.TCP["rto"])
	snap.TCP["rto_delta"] = snap.TCP["rto"] - prev
	switch format {
	case "json":
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
	default:
		logging.Infof("metrics: ts=%s conns=%d | tcp: open=%d/%d segs=%d/%d bytes=%d/%d rto=%d dR=%d frtx=%d to=%d rst=%d/%d chal=%d probe=%d drop=%d err=%d | link: pkts=%d/%d drop=%d bytes=%d/%d err=%d | wg: peers=%d fresh=%d oldest=%ds | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
			snap.Timestamp, snap.Conns,
			snap.TCP["opened"], snap.TCP["closed"],
			snap.TCP["segs_sent"], snap.TCP["segs_recv"],
			snap.TCP["bytes_sent"], snap.TCP["bytes_recv"],
			snap.TCP["rto"], snap.TCP["rto_delta"], snap.TCP["fast_rtx"], snap.TCP["timeouts"],
			snap.TCP["rst_sent"], snap.TCP["rst_recv"], snap.TCP["challenge"], snap.TCP["win_probes"],
			snap.TCP["dropped"], snap.TCP["send_errors"],
			snap.Link["pkts_sent"], snap.Link["pkts_recv"], snap.Link["pkts_drop"],
			snap.Link["bytes_sent"], snap.Link["bytes_recv"], snap.Link["errors"],
			snap.WG["peers"], snap.WG["fresh"], snap.WG["oldest_sec"],
			snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
		)
	}
}
