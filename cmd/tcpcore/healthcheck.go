package main

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/irctrakz/tcpcore/pkg/engine"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/tcp"
)

// pollInterval paces the non-blocking Conn calls below.
const pollInterval = 5 * time.Millisecond

// serveEcho accepts connections on l and writes back whatever they send.
func serveEcho(ctx context.Context, l *engine.Listener) {
	defer l.Close()
	logging.Infof("echo: listening on %s", l.Addr())
	for {
		c, err := l.AcceptContext(ctx)
		if err != nil {
			return
		}
		go echoConn(ctx, c)
	}
}

func echoConn(ctx context.Context, c *engine.Conn) {
	log := logging.ForConnection(c.LocalAddr().String(), c.RemoteAddr().String())
	log.Debugf("echo: accepted")
	buf := make([]byte, 16*1024)
	var pending []byte
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if len(pending) == 0 {
			n, err := c.Read(buf)
			pending = append(pending, buf[:n]...)
			if err == io.EOF && len(pending) == 0 {
				_ = c.Close()
				log.Debugf("echo: peer closed")
				return
			}
			if err != nil && err != io.EOF {
				log.Debugf("echo: %v", err)
				return
			}
		}
		if len(pending) > 0 {
			n, err := c.Write(pending)
			pending = pending[n:]
			if err != nil && !errors.Is(err, tcp.ErrBufferFull) {
				log.Debugf("echo: %v", err)
				return
			}
		}
		select {
		case <-ctx.Done():
			c.Abort()
			return
		case <-ticker.C:
		}
	}
}

// runEchoProbe connects to an echo service at target once and logs whether
// the payload came back intact.
func runEchoProbe(ctx context.Context, stack *engine.Stack, local netip.Addr, target string) {
	remote, err := netip.ParseAddrPort(target)
	if err != nil {
		logging.Warnf("probe: invalid target %q: %v", target, err)
		return
	}
	timeout := 10 * time.Second
	if v := os.Getenv("PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := stack.OpenActive(netip.AddrPortFrom(local, 0), remote)
	if err != nil {
		logging.Warnf("probe: open %s: %v", remote, err)
		return
	}
	payload := []byte("tcpcore-probe " + time.Now().UTC().Format(time.RFC3339Nano))
	start := time.Now()
	sent := 0
	var got []byte
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if sent < len(payload) {
			n, _ := c.Write(payload[sent:])
			sent += n
		}
		got = append(got, c.ReadAll()...)
		if len(got) >= len(payload) {
			break
		}
		if err := c.Err(); err != nil {
			logging.Warnf("probe: %s: %v", remote, err)
			return
		}
		select {
		case <-ctx.Done():
			c.Abort()
			logging.Warnf("probe: %s: no echo after %s", remote, timeout)
			return
		case <-ticker.C:
		}
	}
	_ = c.Close()
	if !bytes.Equal(got[:len(payload)], payload) {
		logging.Warnf("probe: %s: echo mismatch", remote)
		return
	}
	st := c.Stats()
	logging.Infof("probe: %s ok in %s (srtt=%s rto=%s retransmits=%d)",
		remote, time.Since(start).Round(time.Millisecond), st.SRTT, st.RTO, st.Retransmits)
}
