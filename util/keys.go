package util

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

type KeyPair struct {
	Private string
	Public  string
}

// GeneratePemKeypair creates the RSA key pair used for ActivityPub actor
// signatures. Public keys are PKIX encoded since that is what remote servers
// expect in publicKeyPem.
func GeneratePemKeypair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal rsa public key: %w", err)
	}

	return &KeyPair{
		Private: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		Public:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})),
	}, nil
}

// GenerateEd25519Keypair creates a key pair for provider exchanges.
func GenerateEd25519Keypair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal ed25519 private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal ed25519 public key: %w", err)
	}

	return &KeyPair{
		Private: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})),
		Public:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})),
	}, nil
}

// LoadOrCreateServerKey reads the server's Ed25519 private key PEM from path,
// generating and persisting a new one when the file does not exist.
func LoadOrCreateServerKey(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return string(buf), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read server key: %w", err)
	}

	pair, err := GenerateEd25519Keypair()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(pair.Private), 0600); err != nil {
		return "", fmt.Errorf("write server key: %w", err)
	}
	return pair.Private, nil
}
