package wireguard

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/tcpcore/pkg/logging"
)

// PeerConfig holds a single WireGuard peer configuration.
type PeerConfig struct {
	PublicKey              string   // base64
	AllowedIPs             []string // CIDRs
	Endpoint               string   // host:port, optional
	PersistentKeepaliveSec int      // optional
}

// DeviceConfig holds the WireGuard device configuration.
type DeviceConfig struct {
	ListenPort int    // zero picks a random port
	PrivateKey string // base64
	MTU        int    // plaintext MTU of the tun
	Peers      []PeerConfig
}

// uapi renders the peer section of a UAPI set operation.
func (p PeerConfig) uapi(b *strings.Builder) error {
	pub, err := keyHex(p.PublicKey)
	if err != nil {
		return errors.Wrap(err, "peer public key")
	}
	fmt.Fprintf(b, "public_key=%s\n", pub)
	fmt.Fprintf(b, "replace_allowed_ips=true\n")
	for _, ip := range p.AllowedIPs {
		fmt.Fprintf(b, "allowed_ip=%s\n", strings.TrimSpace(ip))
	}
	if p.Endpoint != "" {
		fmt.Fprintf(b, "endpoint=%s\n", p.Endpoint)
	}
	if p.PersistentKeepaliveSec > 0 {
		fmt.Fprintf(b, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveSec)
	}
	return nil
}

// UAPI renders the configuration in the wireguard-go UAPI text form. Keys are
// converted from base64 to the hex encoding the protocol expects.
func (c DeviceConfig) UAPI() (string, error) {
	priv, err := keyHex(c.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, "private key")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", priv, c.ListenPort)
	for _, p := range c.Peers {
		if err := p.uapi(&b); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// Device is a running wireguard-go device bound to a Tun.
type Device struct {
	dev *wgdev.Device
	tun *Tun
}

// StartDevice starts a wireguard-go device on tun, applies cfg and brings it
// up. verbose routes wireguard-go's verbose log to debug level.
func StartDevice(cfg DeviceConfig, tun *Tun, verbose bool) (*Device, error) {
	if tun == nil {
		return nil, errors.New("wireguard: nil tun")
	}
	conf, err := cfg.UAPI()
	if err != nil {
		return nil, err
	}

	log := logging.ForComponent("wireguard")
	logger := &wgdev.Logger{Verbosef: wgdev.DiscardLogf, Errorf: log.Errorf}
	if verbose {
		logger.Verbosef = log.Debugf
	}
	dev := wgdev.NewDevice(tun, conn.NewDefaultBind(), logger)

	if logging.IsDebug() {
		log.Debugf("applying UAPI config:\n%s", maskPrivateKey(conf))
	}
	if err := dev.IpcSet(conf); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "IpcSet")
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "device up")
	}
	d := &Device{dev: dev, tun: tun}
	port, _ := d.ListenPort()
	log.Infof("wireguard device up on UDP :%d with %d peers", port, len(cfg.Peers))
	return d, nil
}

// SetPeer adds or updates one peer without touching the others.
func (d *Device) SetPeer(p PeerConfig) error {
	var b strings.Builder
	if err := p.uapi(&b); err != nil {
		return err
	}
	if err := d.dev.IpcSet(b.String()); err != nil {
		return errors.Wrap(err, "IpcSet peer")
	}
	return nil
}

// IpcGet returns the device state in UAPI text form.
func (d *Device) IpcGet() (string, error) {
	return d.dev.IpcGet()
}

// ListenPort returns the UDP port the device is bound to.
func (d *Device) ListenPort() (int, error) {
	state, err := d.dev.IpcGet()
	if err != nil {
		return 0, err
	}
	return parseListenPort(state)
}

// Peers returns the status of every configured peer.
func (d *Device) Peers() ([]PeerStatus, error) {
	state, err := d.dev.IpcGet()
	if err != nil {
		return nil, err
	}
	return ParsePeerStatus(state), nil
}

// Close shuts the device down and closes its tun.
func (d *Device) Close() {
	d.dev.Close()
}

func maskPrivateKey(conf string) string {
	lines := strings.Split(conf, "\n")
	for i, ln := range lines {
		if v, ok := strings.CutPrefix(ln, "private_key="); ok && len(v) > 6 {
			lines[i] = "private_key=" + strings.Repeat("*", len(v)-6) + v[len(v)-6:]
		}
	}
	return strings.Join(lines, "\n")
}
