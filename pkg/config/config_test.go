package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/wireguard"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tc := cfg.Engine.TCP()
	assert.Equal(t, 1460, tc.MSS)
	assert.Equal(t, time.Second, tc.RTO.MinRTO)
	assert.Equal(t, 60*time.Second, tc.RTO.MaxRTO)
	assert.Equal(t, 100*time.Second, tc.R2)
	assert.Equal(t, 180*time.Second, tc.SynR2)
	assert.Equal(t, 30*time.Second, tc.MSL)
	assert.Zero(t, tc.AckDelay)
	assert.Zero(t, tc.InitialWindow)

	sc := cfg.Engine.Stack()
	assert.Equal(t, 128, sc.AcceptBacklog)
	assert.Equal(t, 10*time.Millisecond, sc.TickInterval)
}

func TestInitialWindowInSegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MSS = 1000
	cfg.Engine.InitCwndMSS = 10
	assert.Equal(t, 10000, cfg.Engine.TCP().InitialWindow)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpcore.yaml")
	yamlData := `
engine:
  mss: 1200
  minRtoMs: 200
  maxRtoMs: 30000
  ackDelayMs: 40
link:
  listen: 127.0.0.1:9000
  localIp: 10.1.0.1
  peers:
    - ip: 10.1.0.2
      endpoint: 127.0.0.1:9001
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1200, cfg.Engine.MSS)
	assert.Equal(t, 65535, cfg.Engine.RecvBuffer, "unset fields keep defaults")
	assert.Equal(t, 40*time.Millisecond, cfg.Engine.TCP().AckDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)

	udp := cfg.Link.UDP()
	assert.Equal(t, "127.0.0.1:9000", udp.ListenAddr)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9001"), udp.Peers[netip.MustParseAddr("10.1.0.2")])
}

func TestSaveAndLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tcpcore.json")
	cfg := DefaultConfig()
	cfg.Engine.MaxRetries = 5
	cfg.Link.Peers = []PeerConfig{{IP: "10.0.0.9", Endpoint: "192.0.2.1:7000"}}
	require.NoError(t, cfg.SaveToFile(path))

	loaded := DefaultConfig()
	require.NoError(t, LoadFromFile(path, loaded))
	assert.Equal(t, cfg, loaded)

	yamlPath := filepath.Join(t.TempDir(), "tcpcore.yml")
	require.NoError(t, cfg.SaveToFile(yamlPath))
	loaded = DefaultConfig()
	require.NoError(t, LoadFromFile(yamlPath, loaded))
	assert.Equal(t, cfg, loaded)
}

func TestUnsupportedFormat(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.SaveToFile(filepath.Join(t.TempDir(), "cfg.toml")))
	assert.Error(t, LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	path := filepath.Join(t.TempDir(), "cfg.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0644))
	assert.Error(t, LoadFromFile(path, cfg))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TCP_MSS", "900")
	t.Setenv("TCP_MIN_RTO_MS", "250")
	t.Setenv("TCP_MAX_RETRIES", "4")
	t.Setenv("TCP_ACK_DELAY_MS", "100")
	t.Setenv("TCP_INIT_CWND_MSS", "2")
	t.Setenv("TCP_RECV_BUFFER", "not-a-number")
	t.Setenv("LINK_LISTEN", "127.0.0.1:7777")
	t.Setenv("LINK_PEERS", "10.0.0.2=127.0.0.1:7778, bogus")
	t.Setenv("LOGGING_LEVEL", "warn")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 900, cfg.Engine.MSS)
	assert.Equal(t, 250, cfg.Engine.MinRTOMs)
	assert.Equal(t, 4, cfg.Engine.MaxRetries)
	assert.Equal(t, 100, cfg.Engine.AckDelayMs)
	assert.Equal(t, 1800, cfg.Engine.TCP().InitialWindow)
	assert.Equal(t, 65535, cfg.Engine.RecvBuffer)
	assert.Equal(t, "127.0.0.1:7777", cfg.Link.Listen)
	assert.Equal(t, []PeerConfig{{IP: "10.0.0.2", Endpoint: "127.0.0.1:7778"}}, cfg.Link.Peers)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny MSS", func(c *Config) { c.Engine.MSS = 10 }},
		{"zero send buffer", func(c *Config) { c.Engine.SendBuffer = 0 }},
		{"receive buffer beyond window field", func(c *Config) { c.Engine.RecvBuffer = 70000 }},
		{"RTO bounds inverted", func(c *Config) { c.Engine.MaxRTOMs = 500 }},
		{"no retries", func(c *Config) { c.Engine.MaxRetries = 0 }},
		{"negative R2", func(c *Config) { c.Engine.R2Seconds = -1 }},
		{"zero MSL", func(c *Config) { c.Engine.MSLMs = 0 }},
		{"ACK delay too long", func(c *Config) { c.Engine.AckDelayMs = 500 }},
		{"unknown congestion control", func(c *Config) { c.Engine.CongestionControl = "bbr" }},
		{"bad listen address", func(c *Config) { c.Link.Listen = "nowhere" }},
		{"IPv6 local address", func(c *Config) { c.Link.LocalIP = "fd00::1" }},
		{"bad TTL", func(c *Config) { c.Link.TTL = 300 }},
		{"bad peer endpoint", func(c *Config) { c.Link.Peers = []PeerConfig{{IP: "10.0.0.2", Endpoint: "x"}} }},
		{"bad logging level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown link mode", func(c *Config) { c.Link.Mode = "carrier-pigeon" }},
		{"wireguard without key", func(c *Config) { c.Link.Mode = LinkModeWireGuard }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyLogging(t *testing.T) {
	defer func() {
		logging.SetOutput(os.Stdout)
		logging.SetLevel(logging.InfoLevel)
	}()

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.ApplyLogging())
	assert.Equal(t, logging.ErrorLevel, logging.GetLevel())

	cfg.Logging.Level = "debug"
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "tcpcore.log")
	require.NoError(t, cfg.ApplyLogging())
	assert.True(t, logging.IsDebug())
	logging.Infof("written to file")
	_, err := os.Stat(cfg.Logging.File)
	assert.NoError(t, err)
}

func TestWireGuardFromEnv(t *testing.T) {
	priv, _, err := wireguard.GenerateKeyPair()
	require.NoError(t, err)
	_, peerPub, err := wireguard.GenerateKeyPair()
	require.NoError(t, err)

	t.Setenv("TCP_MSS", "1380")
	t.Setenv("LINK_MODE", "wireguard")
	t.Setenv("LINK_CAPTURE", "/tmp/tcpcore.pcap")
	t.Setenv("WG_PRIVATE_KEY", priv)
	t.Setenv("WG_LISTEN_PORT", "51999")
	t.Setenv("WG_DEBUG", "yes")
	t.Setenv("WG_PEERS", "0, 1")
	t.Setenv("WG_PEER_0_PUBLIC_KEY", peerPub)
	t.Setenv("WG_PEER_0_ALLOWED_IPS", "10.0.0.2/32, 10.0.1.0/24")
	t.Setenv("WG_PEER_0_ENDPOINT", "192.0.2.7:51820")
	t.Setenv("WG_PEER_0_KEEPALIVE", "25")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	require.NoError(t, cfg.Validate())

	wg := cfg.Link.WireGuard
	assert.Equal(t, LinkModeWireGuard, cfg.Link.Mode)
	assert.Equal(t, "/tmp/tcpcore.pcap", cfg.Link.Capture)
	assert.Equal(t, 51999, wg.ListenPort)
	assert.True(t, wg.Verbose)
	require.Len(t, wg.Peers, 1, "peer 1 has no public key")
	assert.Equal(t, []string{"10.0.0.2/32", "10.0.1.0/24"}, wg.Peers[0].AllowedIPs)

	dev := wg.Device()
	assert.Equal(t, priv, dev.PrivateKey)
	assert.Equal(t, 1420, dev.MTU)
	require.Len(t, dev.Peers, 1)
	assert.Equal(t, wireguard.PeerConfig{
		PublicKey:              peerPub,
		AllowedIPs:             []string{"10.0.0.2/32", "10.0.1.0/24"},
		Endpoint:               "192.0.2.7:51820",
		PersistentKeepaliveSec: 25,
	}, dev.Peers[0])
	_, err = dev.UAPI()
	assert.NoError(t, err)
}

func TestWireGuardValidation(t *testing.T) {
	priv, pub, err := wireguard.GenerateKeyPair()
	require.NoError(t, err)
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Link.Mode = LinkModeWireGuard
		cfg.Link.Listen = ""
		cfg.Engine.MSS = 1380
		cfg.Link.WireGuard.PrivateKey = priv
		cfg.Link.WireGuard.Peers = []WireGuardPeerConfig{{PublicKey: pub, AllowedIPs: []string{"10.0.0.2/32"}}}
		return cfg
	}
	require.NoError(t, valid().Validate(), "listen address is unused in wireguard mode")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad private key", func(c *Config) { c.Link.WireGuard.PrivateKey = "secret" }},
		{"MSS does not fit MTU", func(c *Config) { c.Engine.MSS = 1460 }},
		{"bad listen port", func(c *Config) { c.Link.WireGuard.ListenPort = 70000 }},
		{"bad peer key", func(c *Config) { c.Link.WireGuard.Peers[0].PublicKey = "x" }},
		{"bad allowed IP", func(c *Config) { c.Link.WireGuard.Peers[0].AllowedIPs = []string{"10.0.0.2"} }},
		{"bad endpoint", func(c *Config) { c.Link.WireGuard.Peers[0].Endpoint = "somewhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
