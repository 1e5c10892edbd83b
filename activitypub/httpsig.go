package activitypub

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/mastodon/mastodon-sub071/signature"
)

// ErrBadSignature is returned for requests whose cavage signature or
// digest does not check out.
var ErrBadSignature = errors.New("http signature rejected")

var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

func algorithmFor(key any) httpsig.Algorithm {
	switch key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return httpsig.ED25519
	}
	return httpsig.RSA_SHA256
}

// SignRequest signs an outgoing ActivityPub request with the cavage draft
// scheme remote servers expect, adding Date, Host and Digest.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, key crypto.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Del("Digest")

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{algorithmFor(key)}, httpsig.DigestSha256, signedHeaders, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	return signer.SignRequest(key, keyId, req, body)
}

// SignatureKeyId returns the key id an inbound request claims to be
// signed with, without checking anything.
func SignatureKeyId(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return verifier.KeyId(), nil
}

// VerifyRequest checks the signature of an inbound request against the
// actor's public key and the Digest header against body. It returns the
// key id.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	pub, err := signature.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("actor key: %w", err)
	}
	if err := checkDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}
	if err := verifier.Verify(pub, algorithmFor(pub)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return verifier.KeyId(), nil
}

func checkDigest(header string, body []byte) error {
	alg, value, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(alg, "SHA-256") {
		return fmt.Errorf("%w: missing SHA-256 digest", ErrBadSignature)
	}
	claimed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%w: undecodable digest", ErrBadSignature)
	}
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(claimed, sum[:]) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrBadSignature)
	}
	return nil
}

// ActorFromKeyId strips the fragment from a key id.
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorFromKeyId(keyId string) string {
	actor, _, _ := strings.Cut(keyId, "#")
	return actor
}
