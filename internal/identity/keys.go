// Package identity provides the Ed25519 primitives every signed AgentChat
// operation is built on: keypair generation, PEM encode/decode, agent-id
// derivation, and signing/verification over canonical content strings.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// AgentIDLength is the number of hex characters in a derived agent id.
const AgentIDLength = 8

// Keypair holds one agent identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// MarshalPublicPEM encodes a public key as a PKIX PEM block. The PEM text
// is the canonical form agent ids are derived from, so it must round-trip
// byte-for-byte through ParsePublicPEM + MarshalPublicPEM.
func MarshalPublicPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// MarshalPrivatePEM encodes a private key as a PKCS#8 PEM block.
func MarshalPrivatePEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicPEM decodes a PEM-encoded Ed25519 public key. Any other key
// algorithm is rejected.
func ParsePublicPEM(pemText string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want Ed25519", key)
	}
	return pub, nil
}

// ParsePrivatePEM decodes a PEM-encoded Ed25519 private key.
func ParsePrivatePEM(pemText string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want Ed25519", key)
	}
	return priv, nil
}

// AgentID derives the deterministic agent id for a public key: the first
// 8 hex characters of SHA-256 over the key's PEM text.
func AgentID(pubPEM string) string {
	sum := sha256.Sum256([]byte(pubPEM))
	return hex.EncodeToString(sum[:])[:AgentIDLength]
}

// Sign signs content and returns the signature base64-encoded for the wire.
func Sign(priv ed25519.PrivateKey, content string) string {
	sig := ed25519.Sign(priv, []byte(content))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 wire signature over content against pub.
func Verify(pub ed25519.PublicKey, content, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(content), sig)
}

// TimingSafeEqual compares two secrets in constant time. Used for admin-key
// checks where a byte-compare leak would matter.
func TimingSafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
