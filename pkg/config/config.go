// Package config provides configuration handling for the TCP engine and the
// link it runs on.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/tcpcore/pkg/engine"
	"github.com/irctrakz/tcpcore/pkg/link"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/rtt"
	"github.com/irctrakz/tcpcore/pkg/tcp"
	"github.com/irctrakz/tcpcore/pkg/wireguard"
)

// Config represents the complete configuration.
type Config struct {
	// Engine contains the TCP engine configuration.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Link contains the lower transport configuration.
	Link LinkConfig `json:"link" yaml:"link"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig contains the TCP tunables. Durations are in milliseconds
// unless the name says otherwise.
type EngineConfig struct {
	// MSS is the largest segment payload accepted and announced.
	MSS int `json:"mss" yaml:"mss"`

	// SendBuffer and RecvBuffer are per-connection buffer sizes in bytes.
	SendBuffer int `json:"sendBuffer" yaml:"sendBuffer"`
	RecvBuffer int `json:"recvBuffer" yaml:"recvBuffer"`

	InitialRTOMs int `json:"initialRtoMs" yaml:"initialRtoMs"`
	MinRTOMs     int `json:"minRtoMs" yaml:"minRtoMs"`
	MaxRTOMs     int `json:"maxRtoMs" yaml:"maxRtoMs"`

	// MaxRetries aborts a connection after this many retransmissions of
	// one segment.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// R1 is the retransmission count that triggers a warning.
	R1 int `json:"r1" yaml:"r1"`

	// R2Seconds and SynR2Seconds bound retransmission time. Zero disables.
	R2Seconds    int `json:"r2Seconds" yaml:"r2Seconds"`
	SynR2Seconds int `json:"synR2Seconds" yaml:"synR2Seconds"`

	MSLMs      int `json:"mslMs" yaml:"mslMs"`
	AckDelayMs int `json:"ackDelayMs" yaml:"ackDelayMs"`

	// InitCwndMSS sets the initial congestion window in segments. Zero
	// uses the RFC 5681 formula.
	InitCwndMSS int `json:"initCwndMss" yaml:"initCwndMss"`

	// CongestionControl names the congestion algorithm.
	CongestionControl string `json:"congestionControl" yaml:"congestionControl"`

	// AcceptBacklog bounds each listener's queue of unaccepted connections.
	AcceptBacklog int `json:"acceptBacklog" yaml:"acceptBacklog"`

	// TickIntervalMs is the timer resolution.
	TickIntervalMs int `json:"tickIntervalMs" yaml:"tickIntervalMs"`
}

// Link modes.
const (
	LinkModeUDP       = "udp"
	LinkModeWireGuard = "wireguard"
)

// LinkConfig contains configuration for the lower transport.
type LinkConfig struct {
	// Mode selects the transport: "udp" or "wireguard".
	Mode string `json:"mode" yaml:"mode"`

	// Listen is the local UDP address of the udp mode.
	Listen string `json:"listen" yaml:"listen"`

	// LocalIP is the tunnel IPv4 address of this host.
	LocalIP string `json:"localIp" yaml:"localIp"`

	// TTL is written into outgoing IPv4 headers.
	TTL int `json:"ttl" yaml:"ttl"`

	// Peers lists the statically known remote hosts of the udp mode.
	Peers []PeerConfig `json:"peers" yaml:"peers"`

	// Capture is an optional pcap file recording every IPv4 packet.
	Capture string `json:"capture" yaml:"capture"`

	// WireGuard configures the wireguard mode.
	WireGuard WireGuardConfig `json:"wireguard" yaml:"wireguard"`
}

// WireGuardConfig contains the WireGuard device configuration.
type WireGuardConfig struct {
	ListenPort int    `json:"listenPort" yaml:"listenPort"`
	PrivateKey string `json:"privateKey" yaml:"privateKey"`

	// MTU is the plaintext MTU. Segments must fit with their IPv4 header.
	MTU int `json:"mtu" yaml:"mtu"`

	// QueueCap bounds packets waiting for encryption.
	QueueCap int `json:"queueCap" yaml:"queueCap"`

	// Verbose enables wireguard-go's verbose log at debug level.
	Verbose bool `json:"verbose" yaml:"verbose"`

	Peers []WireGuardPeerConfig `json:"peers" yaml:"peers"`
}

// WireGuardPeerConfig holds a single WireGuard peer.
type WireGuardPeerConfig struct {
	PublicKey           string   `json:"publicKey" yaml:"publicKey"`
	AllowedIPs          []string `json:"allowedIps" yaml:"allowedIps"`
	Endpoint            string   `json:"endpoint" yaml:"endpoint"`
	PersistentKeepalive int      `json:"persistentKeepalive" yaml:"persistentKeepalive"`
}

// PeerConfig maps a remote tunnel address to the UDP endpoint serving it.
type PeerConfig struct {
	IP       string `json:"ip" yaml:"ip"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MSS:               1460,
			SendBuffer:        64 * 1024,
			RecvBuffer:        65535,
			InitialRTOMs:      1000,
			MinRTOMs:          1000,
			MaxRTOMs:          60000,
			MaxRetries:        12,
			R1:                3,
			R2Seconds:         100,
			SynR2Seconds:      180,
			MSLMs:             30000,
			AckDelayMs:        0,
			CongestionControl: "reno",
			AcceptBacklog:     128,
			TickIntervalMs:    10,
		},
		Link: LinkConfig{
			Mode:    LinkModeUDP,
			Listen:  "0.0.0.0:7000",
			LocalIP: "10.0.0.1",
			TTL:     64,
			Peers:   []PeerConfig{},
			WireGuard: WireGuardConfig{
				ListenPort: 51820,
				MTU:        1420,
				QueueCap:   1024,
				Peers:      []WireGuardPeerConfig{},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			logging.Warnf("ignoring %s=%q: %v", name, val, err)
		}
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Engine config
	envInt("TCP_MSS", &config.Engine.MSS)
	envInt("TCP_SEND_BUFFER", &config.Engine.SendBuffer)
	envInt("TCP_RECV_BUFFER", &config.Engine.RecvBuffer)
	envInt("TCP_INITIAL_RTO_MS", &config.Engine.InitialRTOMs)
	envInt("TCP_MIN_RTO_MS", &config.Engine.MinRTOMs)
	envInt("TCP_MAX_RTO_MS", &config.Engine.MaxRTOMs)
	envInt("TCP_MAX_RETRIES", &config.Engine.MaxRetries)
	envInt("TCP_R1", &config.Engine.R1)
	envInt("TCP_R2_SECONDS", &config.Engine.R2Seconds)
	envInt("TCP_SYN_R2_SECONDS", &config.Engine.SynR2Seconds)
	envInt("TCP_MSL_MS", &config.Engine.MSLMs)
	envInt("TCP_ACK_DELAY_MS", &config.Engine.AckDelayMs)
	envInt("TCP_INIT_CWND_MSS", &config.Engine.InitCwndMSS)
	envInt("TCP_ACCEPT_BACKLOG", &config.Engine.AcceptBacklog)
	envInt("TCP_TICK_MS", &config.Engine.TickIntervalMs)
	if val := os.Getenv("TCP_CONGESTION_CONTROL"); val != "" {
		config.Engine.CongestionControl = val
	}

	// Link config
	if val := os.Getenv("LINK_MODE"); val != "" {
		config.Link.Mode = val
	}
	if val := os.Getenv("LINK_CAPTURE"); val != "" {
		config.Link.Capture = val
	}
	if val := os.Getenv("LINK_LISTEN"); val != "" {
		config.Link.Listen = val
	}
	if val := os.Getenv("LINK_LOCAL_IP"); val != "" {
		config.Link.LocalIP = val
	}
	envInt("LINK_TTL", &config.Link.TTL)
	// LINK_PEERS is a comma separated list of ip=host:port pairs.
	if val := os.Getenv("LINK_PEERS"); val != "" {
		config.Link.Peers = config.Link.Peers[:0]
		for _, item := range strings.Split(val, ",") {
			ip, ep, ok := strings.Cut(strings.TrimSpace(item), "=")
			if !ok {
				logging.Warnf("ignoring malformed LINK_PEERS entry %q", item)
				continue
			}
			config.Link.Peers = append(config.Link.Peers, PeerConfig{IP: ip, Endpoint: ep})
		}
	}

	loadWireGuardFromEnv(&config.Link.WireGuard)

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// loadWireGuardFromEnv reads WG_PRIVATE_KEY, WG_LISTEN_PORT, WG_MTU,
// WG_QUEUE_CAP and WG_DEBUG, plus WG_PEERS, a comma separated list of peer
// indices. For each index i it reads:
//
//	WG_PEER_i_PUBLIC_KEY
//	WG_PEER_i_ALLOWED_IPS (comma separated CIDRs)
//	WG_PEER_i_ENDPOINT (host:port)
//	WG_PEER_i_KEEPALIVE (seconds)
func loadWireGuardFromEnv(wg *WireGuardConfig) {
	if val := strings.TrimSpace(os.Getenv("WG_PRIVATE_KEY")); val != "" {
		wg.PrivateKey = val
	}
	envInt("WG_LISTEN_PORT", &wg.ListenPort)
	envInt("WG_MTU", &wg.MTU)
	envInt("WG_QUEUE_CAP", &wg.QueueCap)
	switch strings.ToLower(strings.TrimSpace(os.Getenv("WG_DEBUG"))) {
	case "1", "true", "yes", "on":
		wg.Verbose = true
	}

	idxs := strings.TrimSpace(os.Getenv("WG_PEERS"))
	if idxs == "" {
		return
	}
	wg.Peers = wg.Peers[:0]
	for _, i := range splitCSV(idxs) {
		p := WireGuardPeerConfig{
			PublicKey:  strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_PUBLIC_KEY")),
			AllowedIPs: splitCSV(os.Getenv("WG_PEER_" + i + "_ALLOWED_IPS")),
			Endpoint:   strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ENDPOINT")),
		}
		envInt("WG_PEER_"+i+"_KEEPALIVE", &p.PersistentKeepalive)
		if p.PublicKey == "" {
			logging.Warnf("ignoring WireGuard peer %s without a public key", i)
			continue
		}
		wg.Peers = append(wg.Peers, p)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MSS < 64 || e.MSS > 65495 {
		return fmt.Errorf("invalid MSS: %d", e.MSS)
	}
	if e.SendBuffer <= 0 {
		return fmt.Errorf("invalid send buffer size: %d", e.SendBuffer)
	}
	if e.RecvBuffer <= 0 || e.RecvBuffer > 65535 {
		return fmt.Errorf("invalid receive buffer size (1-65535 without window scaling): %d", e.RecvBuffer)
	}
	if e.MinRTOMs <= 0 || e.MaxRTOMs < e.MinRTOMs {
		return fmt.Errorf("invalid RTO bounds: min %dms max %dms", e.MinRTOMs, e.MaxRTOMs)
	}
	if e.InitialRTOMs < 0 {
		return fmt.Errorf("invalid initial RTO: %dms", e.InitialRTOMs)
	}
	if e.MaxRetries <= 0 {
		return fmt.Errorf("invalid max retries: %d", e.MaxRetries)
	}
	if e.R2Seconds < 0 || e.SynR2Seconds < 0 {
		return fmt.Errorf("invalid R2 bound: %ds/%ds", e.R2Seconds, e.SynR2Seconds)
	}
	if e.MSLMs <= 0 {
		return fmt.Errorf("invalid MSL: %dms", e.MSLMs)
	}
	if e.AckDelayMs < 0 || e.AckDelayMs >= 500 {
		return fmt.Errorf("invalid ACK delay (0-499ms): %d", e.AckDelayMs)
	}
	if e.InitCwndMSS < 0 {
		return fmt.Errorf("invalid initial cwnd: %d", e.InitCwndMSS)
	}
	switch strings.ToLower(e.CongestionControl) {
	case "", "reno":
	default:
		return fmt.Errorf("unsupported congestion control: %s", e.CongestionControl)
	}

	// Validate Link config
	switch c.Link.Mode {
	case LinkModeUDP:
		if _, err := netip.ParseAddrPort(c.Link.Listen); err != nil {
			return fmt.Errorf("invalid link listen address: %w", err)
		}
	case LinkModeWireGuard:
		if err := c.Link.WireGuard.validate(e.MSS); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported link mode: %s", c.Link.Mode)
	}
	if ip, err := netip.ParseAddr(c.Link.LocalIP); err != nil || !ip.Is4() {
		return fmt.Errorf("invalid link local IPv4 address: %s", c.Link.LocalIP)
	}
	if c.Link.TTL < 0 || c.Link.TTL > 255 {
		return fmt.Errorf("invalid TTL: %d", c.Link.TTL)
	}
	for _, p := range c.Link.Peers {
		if ip, err := netip.ParseAddr(p.IP); err != nil || !ip.Is4() {
			return fmt.Errorf("invalid peer IPv4 address: %s", p.IP)
		}
		if _, err := netip.ParseAddrPort(p.Endpoint); err != nil {
			return fmt.Errorf("invalid peer endpoint for %s: %w", p.IP, err)
		}
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}

	return nil
}

func (w WireGuardConfig) validate(mss int) error {
	if w.PrivateKey == "" {
		return fmt.Errorf("wireguard private key is required")
	}
	if _, err := wireguard.PublicKey(w.PrivateKey); err != nil {
		return fmt.Errorf("invalid wireguard private key: %w", err)
	}
	if w.ListenPort < 0 || w.ListenPort > 65535 {
		return fmt.Errorf("invalid wireguard listen port: %d", w.ListenPort)
	}
	// IPv4 and TCP headers without options take 40 bytes.
	if w.MTU < mss+40 {
		return fmt.Errorf("wireguard MTU %d cannot carry MSS %d", w.MTU, mss)
	}
	for _, p := range w.Peers {
		if _, err := wireguard.PublicKey(p.PublicKey); err != nil {
			return fmt.Errorf("invalid wireguard peer key %q: %w", p.PublicKey, err)
		}
		for _, cidr := range p.AllowedIPs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("invalid wireguard allowed IP: %w", err)
			}
		}
		if p.Endpoint != "" {
			if _, err := netip.ParseAddrPort(p.Endpoint); err != nil {
				return fmt.Errorf("invalid wireguard peer endpoint: %w", err)
			}
		}
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// TCP converts the engine section to a control block configuration.
func (e EngineConfig) TCP() tcp.Config {
	cfg := tcp.Config{
		MSS:            e.MSS,
		SendBufferSize: e.SendBuffer,
		RecvBufferSize: e.RecvBuffer,
		RTO: rtt.Config{
			InitialRTO: ms(e.InitialRTOMs),
			MinRTO:     ms(e.MinRTOMs),
			MaxRTO:     ms(e.MaxRTOMs),
		},
		MaxRetries:        e.MaxRetries,
		R1:                e.R1,
		R2:                time.Duration(e.R2Seconds) * time.Second,
		SynR2:             time.Duration(e.SynR2Seconds) * time.Second,
		MSL:               ms(e.MSLMs),
		AckDelay:          ms(e.AckDelayMs),
		CongestionControl: strings.ToLower(e.CongestionControl),
		InitialSsthresh:   tcp.DefaultConfig().InitialSsthresh,
	}
	if e.InitCwndMSS > 0 {
		cfg.InitialWindow = e.InitCwndMSS * e.MSS
	}
	return cfg
}

// Stack converts the engine section to a Stack configuration.
func (e EngineConfig) Stack() engine.Config {
	return engine.Config{
		TCP:           e.TCP(),
		AcceptBacklog: e.AcceptBacklog,
		TickInterval:  ms(e.TickIntervalMs),
	}
}

// UDP converts the link section to a UDP link configuration. The
// configuration must have been validated.
func (l LinkConfig) UDP() link.UDPConfig {
	cfg := link.UDPConfig{
		ListenAddr: l.Listen,
		TTL:        l.TTL,
		Peers:      make(map[netip.Addr]netip.AddrPort, len(l.Peers)),
	}
	for _, p := range l.Peers {
		ip, err := netip.ParseAddr(p.IP)
		if err != nil {
			continue
		}
		ep, err := netip.ParseAddrPort(p.Endpoint)
		if err != nil {
			continue
		}
		cfg.Peers[ip] = ep
	}
	return cfg
}

// Device converts the wireguard section to a device configuration.
func (w WireGuardConfig) Device() wireguard.DeviceConfig {
	cfg := wireguard.DeviceConfig{
		ListenPort: w.ListenPort,
		PrivateKey: w.PrivateKey,
		MTU:        w.MTU,
	}
	for _, p := range w.Peers {
		cfg.Peers = append(cfg.Peers, wireguard.PeerConfig{
			PublicKey:              p.PublicKey,
			AllowedIPs:             p.AllowedIPs,
			Endpoint:               p.Endpoint,
			PersistentKeepaliveSec: p.PersistentKeepalive,
		})
	}
	return cfg
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir, filename := filepath.Split(c.Logging.File)
		if dir == "" {
			dir = "."
		}
		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
