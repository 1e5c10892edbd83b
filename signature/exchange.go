// Package signature signs and verifies HTTP messages exchanged with
// auxiliary service providers, following RFC 9421 message signatures with
// an RFC 9530 content digest.
//
// Requests cover @method, @target-uri and content-digest; responses cover
// @status and content-digest. Both carry created and keyid parameters
// under the label sig1.
package signature

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/dunglas/httpsfv"
	"github.com/mastodon/mastodon-sub071/metrics"
)

const Label = "sig1"

var (
	requestComponents  = []string{"@method", "@target-uri", "content-digest"}
	responseComponents = []string{"@status", "content-digest"}
)

// KeyResolver returns the public key registered for keyID. A nil key with
// a nil error means the key is unknown. Errors are passed through to the
// caller unchanged, since they are not a verdict on the signature.
type KeyResolver func(ctx context.Context, keyID string) (crypto.PublicKey, error)

// Exchange holds the verification policy. The zero value uses a five
// minute clock skew allowance and the wall clock.
type Exchange struct {
	MaxSkew time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
}

func New(maxSkew time.Duration, m *metrics.Metrics) *Exchange {
	return &Exchange{MaxSkew: maxSkew, Metrics: m}
}

var defaultExchange = &Exchange{}

func (x *Exchange) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Exchange) maxSkew() time.Duration {
	if x.MaxSkew > 0 {
		return x.MaxSkew
	}
	return 5 * time.Minute
}

// SignRequest returns a copy of headers with accept, content-type,
// content-digest, signature-input and signature set.
func (x *Exchange) SignRequest(method, target string, headers http.Header, body []byte, key SigningKey) (http.Header, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target uri: %w", err)
	}

	h := cloneHeader(headers)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("Content-Digest", ContentDigest(body))

	if err := x.sign(&message{method: method, target: u, header: h}, requestComponents, key); err != nil {
		return nil, err
	}
	return h, nil
}

// SignResponse returns a copy of headers with content-type,
// content-digest, signature-input and signature set.
func (x *Exchange) SignResponse(status int, headers http.Header, body []byte, key SigningKey) (http.Header, error) {
	h := cloneHeader(headers)
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	h.Set("Content-Digest", ContentDigest(body))

	if err := x.sign(&message{status: status, header: h}, responseComponents, key); err != nil {
		return nil, err
	}
	return h, nil
}

func (x *Exchange) sign(m *message, components []string, key SigningKey) error {
	items := make([]httpsfv.Item, len(components))
	for i, c := range components {
		items[i] = httpsfv.NewItem(c)
	}
	params := httpsfv.NewParams()
	params.Add("created", x.now().Unix())
	params.Add("keyid", key.ID)
	covered := httpsfv.InnerList{Items: items, Params: params}

	base, err := signatureBase(m, covered)
	if err != nil {
		return err
	}
	sig, err := sign(key.Key, []byte(base))
	if err != nil {
		return err
	}

	input := httpsfv.NewDictionary()
	input.Add(Label, covered)
	inputValue, err := httpsfv.Marshal(input)
	if err != nil {
		return fmt.Errorf("serialize signature-input: %w", err)
	}
	output := httpsfv.NewDictionary()
	output.Add(Label, httpsfv.NewItem(sig))
	outputValue, err := httpsfv.Marshal(output)
	if err != nil {
		return fmt.Errorf("serialize signature: %w", err)
	}

	m.header.Set("Signature-Input", inputValue)
	m.header.Set("Signature", outputValue)
	return nil
}

// VerifyRequest checks an inbound request and returns the key id that
// signed it. Failures of the signature itself are *VerificationError.
func (x *Exchange) VerifyRequest(ctx context.Context, method, target string, headers http.Header, body []byte, resolve KeyResolver) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", reject(ErrMalformedSignature, "target uri: %v", err)
	}
	keyID, err := x.verify(ctx, &message{method: method, target: u, header: headers}, body, requestComponents, resolve)
	x.Metrics.Verification("request", err)
	return keyID, err
}

// VerifyResponse checks a provider's response against its known key.
func (x *Exchange) VerifyResponse(status int, headers http.Header, body []byte, key crypto.PublicKey) error {
	fixed := func(context.Context, string) (crypto.PublicKey, error) { return key, nil }
	_, err := x.verify(context.Background(), &message{status: status, header: headers}, body, responseComponents, fixed)
	x.Metrics.Verification("response", err)
	return err
}

func (x *Exchange) verify(ctx context.Context, m *message, body []byte, required []string, resolve KeyResolver) (string, error) {
	if err := checkDigest(m.header, body); err != nil {
		return "", err
	}

	inputs := m.header.Values("Signature-Input")
	if len(inputs) == 0 {
		return "", reject(ErrMissingSignatureInput, "")
	}
	inputDict, err := httpsfv.UnmarshalDictionary(inputs)
	if err != nil {
		return "", reject(ErrMalformedSignature, "signature-input: %v", err)
	}
	labels := inputDict.Names()
	if len(labels) == 0 {
		return "", reject(ErrMissingSignatureInput, "no signatures listed")
	}
	// Only the first signature is checked; further ones belong to other
	// intermediaries.
	label := labels[0]
	member, _ := inputDict.Get(label)
	covered, ok := member.(httpsfv.InnerList)
	if !ok {
		return "", reject(ErrMalformedSignature, "signature-input %s is not an inner list", label)
	}

	sigValue, err := signatureValue(m.header, label)
	if err != nil {
		return "", err
	}

	names := coveredNames(covered)
	for _, c := range required {
		if !slices.Contains(names, c) {
			return "", reject(ErrMalformedSignature, "%s is not covered", c)
		}
	}

	keyID, err := x.checkParams(covered.Params)
	if err != nil {
		return "", err
	}

	key, err := resolve(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("resolve key %q: %w", keyID, err)
	}
	if key == nil {
		return "", reject(ErrUnknownKey, "%q", keyID)
	}
	if alg, ok := covered.Params.Get("alg"); ok {
		if name, _ := alg.(string); name != algorithmName(key) {
			return "", reject(ErrInvalidSignature, "alg %v does not match key", alg)
		}
	}

	base, err := signatureBase(m, covered)
	if err != nil {
		return "", reject(ErrMalformedSignature, "%v", err)
	}
	if !verify(key, []byte(base), sigValue) {
		return "", reject(ErrInvalidSignature, "key %q", keyID)
	}
	return keyID, nil
}

func signatureValue(h http.Header, label string) ([]byte, error) {
	values := h.Values("Signature")
	if len(values) == 0 {
		return nil, reject(ErrMalformedSignature, "signature header missing")
	}
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return nil, reject(ErrMalformedSignature, "signature: %v", err)
	}
	member, ok := dict.Get(label)
	if !ok {
		return nil, reject(ErrMalformedSignature, "no signature labelled %s", label)
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return nil, reject(ErrMalformedSignature, "signature %s is not an item", label)
	}
	raw, ok := item.Value.([]byte)
	if !ok || len(raw) == 0 {
		return nil, reject(ErrMalformedSignature, "signature %s is not a byte sequence", label)
	}
	return raw, nil
}

// checkParams validates created, expires and keyid and returns the key id.
func (x *Exchange) checkParams(params *httpsfv.Params) (string, error) {
	if params == nil {
		return "", reject(ErrMalformedSignature, "no signature parameters")
	}
	rawKeyID, ok := params.Get("keyid")
	keyID, isString := rawKeyID.(string)
	if !ok || !isString || keyID == "" {
		return "", reject(ErrMalformedSignature, "keyid missing")
	}

	now := x.now()
	rawCreated, ok := params.Get("created")
	created, isInt := rawCreated.(int64)
	if !ok || !isInt {
		return "", reject(ErrMalformedSignature, "created missing")
	}
	if time.Unix(created, 0).After(now.Add(x.maxSkew())) {
		return "", reject(ErrInvalidSignature, "created lies in the future")
	}
	if rawExpires, ok := params.Get("expires"); ok {
		expires, isInt := rawExpires.(int64)
		if !isInt {
			return "", reject(ErrMalformedSignature, "expires is not an integer")
		}
		if now.After(time.Unix(expires, 0)) {
			return "", reject(ErrInvalidSignature, "signature expired")
		}
	}
	return keyID, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

// SignRequest signs with the default policy.
func SignRequest(method, target string, headers http.Header, body []byte, key SigningKey) (http.Header, error) {
	return defaultExchange.SignRequest(method, target, headers, body, key)
}

func SignResponse(status int, headers http.Header, body []byte, key SigningKey) (http.Header, error) {
	return defaultExchange.SignResponse(status, headers, body, key)
}

func VerifyRequest(ctx context.Context, method, target string, headers http.Header, body []byte, resolve KeyResolver) (string, error) {
	return defaultExchange.VerifyRequest(ctx, method, target, headers, body, resolve)
}

func VerifyResponse(status int, headers http.Header, body []byte, key crypto.PublicKey) error {
	return defaultExchange.VerifyResponse(status, headers, body, key)
}
