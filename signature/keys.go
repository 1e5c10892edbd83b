package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// SigningKey is a private key and the key id the other side knows it by.
type SigningKey struct {
	ID  string
	Key crypto.PrivateKey
}

// ParsePrivateKey reads a PEM encoded PKCS#8 (Ed25519 or RSA) or PKCS#1
// (RSA) private key.
func ParsePrivateKey(pemData string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch key.(type) {
		case ed25519.PrivateKey, *rsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey reads a PEM encoded PKIX or PKCS#1 public key, or a bare
// base64 Ed25519 key as providers exchange them during registration.
func ParsePublicKey(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("public key is neither PEM nor a base64 Ed25519 key")
		}
		return ed25519.PublicKey(raw), nil
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		switch key.(type) {
		case ed25519.PublicKey, *rsa.PublicKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

func sign(key crypto.PrivateKey, data []byte) ([]byte, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(k, data), nil
	case *rsa.PrivateKey:
		digest := sha256.Sum256(data)
		return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	default:
		return nil, fmt.Errorf("unsupported signing key %T", key)
	}
}

func verify(key crypto.PublicKey, data, sig []byte) bool {
	switch k := key.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil
	default:
		return false
	}
}

// algorithmName is the registered alg parameter value for key.
func algorithmName(key crypto.PublicKey) string {
	switch key.(type) {
	case ed25519.PublicKey:
		return "ed25519"
	case *rsa.PublicKey:
		return "rsa-v1_5-sha256"
	}
	return ""
}
