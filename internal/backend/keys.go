package backend

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds the hex-encoded keys the device IPC expects, derived from
// the base64 keys stored in credentials.
type KeyPair struct {
	PrivateHex    string
	PublicHex     string // our public key, derived from the private key
	PeerPublicHex string
}

// ParseKeyPair decodes base64 Curve25519 keys and derives our public key.
func ParseKeyPair(privateB64, peerPublicB64 string) (KeyPair, error) {
	priv, err := decodeKey(privateB64)
	if err != nil {
		return KeyPair{}, fmt.Errorf("private key: %w", err)
	}
	peer, err := decodeKey(peerPublicB64)
	if err != nil {
		return KeyPair{}, fmt.Errorf("peer public key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{
		PrivateHex:    hex.EncodeToString(priv),
		PublicHex:     hex.EncodeToString(pub),
		PeerPublicHex: hex.EncodeToString(peer),
	}, nil
}

// GeneratePrivateKey returns a fresh base64 Curve25519 private key, clamped
// per the protocol.
func GeneratePrivateKey() (string, error) {
	key := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("missing key")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != curve25519.ScalarSize {
		return nil, fmt.Errorf("bad key length %d", len(raw))
	}
	return raw, nil
}
