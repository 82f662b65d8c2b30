package provider

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// ParsePublicKeyPEM parses a PEM-encoded ed25519 public key as provisioned
// by the release pipeline.
func ParsePublicKeyPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want ed25519", parsed)
	}
	return pub, nil
}

// VerifyDetachedSignature checks a base64 ed25519 signature over the raw
// payload bytes.
func VerifyDetachedSignature(pub ed25519.PublicKey, payload, sigBase64 []byte) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sigBase64)))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("signature does not match manifest content")
	}
	return nil
}
