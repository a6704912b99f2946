package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PeerStatus summarizes one peer from the device state.
type PeerStatus struct {
	PublicKey     string // base64
	Endpoint      string
	LastHandshake time.Time // zero if none yet
	RxBytes       uint64
	TxBytes       uint64
}

// Fresh reports whether the last handshake happened within maxAge of now.
func (p PeerStatus) Fresh(now time.Time, maxAge time.Duration) bool {
	return !p.LastHandshake.IsZero() && now.Sub(p.LastHandshake) < maxAge
}

// ParsePeerStatus parses the peer sections of a UAPI get response.
func ParsePeerStatus(state string) []PeerStatus {
	var peers []PeerStatus
	var cur *PeerStatus
	var hsSec, hsNsec int64
	flush := func() {
		if cur == nil {
			return
		}
		if hsSec > 0 || hsNsec > 0 {
			cur.LastHandshake = time.Unix(hsSec, hsNsec)
		}
		peers = append(peers, *cur)
	}
	for _, line := range strings.Split(state, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if k == "public_key" {
			flush()
			cur = &PeerStatus{PublicKey: v}
			if raw, err := hex.DecodeString(v); err == nil && len(raw) == keyLen {
				cur.PublicKey = base64.StdEncoding.EncodeToString(raw)
			}
			hsSec, hsNsec = 0, 0
			continue
		}
		if cur == nil {
			continue
		}
		switch k {
		case "endpoint":
			cur.Endpoint = v
		case "last_handshake_time_sec":
			hsSec, _ = strconv.ParseInt(v, 10, 64)
		case "last_handshake_time_nsec":
			hsNsec, _ = strconv.ParseInt(v, 10, 64)
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(v, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	flush()
	return peers
}

func parseListenPort(state string) (int, error) {
	for _, line := range strings.Split(state, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "listen_port="); ok {
			return strconv.Atoi(v)
		}
	}
	return 0, errors.New("wireguard: listen_port missing from device state")
}
