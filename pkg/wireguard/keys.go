package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

const keyLen = 32

// ErrInvalidKey is returned for keys that are not 32 bytes of base64 or hex.
var ErrInvalidKey = errors.New("wireguard: invalid key")

// decodeKey accepts the base64 form used in configuration files and the hex
// form used on the UAPI socket.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == keyLen {
		return raw, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == keyLen {
		return raw, nil
	}
	return nil, ErrInvalidKey
}

func keyHex(s string) (string, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// GenerateKeyPair returns a new base64 private key and its public key.
func GenerateKeyPair() (priv, pub string, err error) {
	var k [keyLen]byte
	if _, err := rand.Read(k[:]); err != nil {
		return "", "", errors.Wrap(err, "read random key")
	}
	// clamp
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	priv = base64.StdEncoding.EncodeToString(k[:])
	pub, err = PublicKey(priv)
	return priv, pub, err
}

// PublicKey derives the base64 public key of a private key.
func PublicKey(priv string) (string, error) {
	raw, err := decodeKey(priv)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", errors.Wrap(err, "derive public key")
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
