// Package provider talks to auxiliary service providers over signed
// request/response exchanges.
package provider

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/rs/zerolog/log"
)

var ErrNotConfirmed = errors.New("provider is not confirmed")

type Store interface {
	FindProviderById(ctx context.Context, id uuid.UUID) (*domain.Provider, error)
}

// Doer sends a request over the shared connection pool.
type Doer interface {
	Do(req *http.Request) (*pool.Response, error)
}

// Registry resolves the key ids providers sign with. A provider signs
// with its own id.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Find returns the confirmed provider behind keyID, or nil.
func (r *Registry) Find(ctx context.Context, keyID string) (*domain.Provider, error) {
	id, err := uuid.Parse(keyID)
	if err != nil {
		return nil, nil
	}
	p, err := r.store.FindProviderById(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Confirmed {
		return nil, nil
	}
	return p, nil
}

// Resolve is a signature.KeyResolver over the registered providers. A
// stored key that does not parse counts as no key, so the request is
// rejected as unverifiable.
func (r *Registry) Resolve(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	p, err := r.Find(ctx, keyID)
	if err != nil || p == nil {
		return nil, err
	}
	key, err := signature.ParsePublicKey(p.ProviderPublicKeyPem)
	if err != nil {
		log.Warn().Err(err).Str("provider", p.Name).Str("keyid", keyID).Msg("Provider: stored public key is unusable")
		return nil, nil
	}
	return key, nil
}

// SigningKey is the key this server signs exchanges with p under.
func SigningKey(p *domain.Provider) (signature.SigningKey, error) {
	key, err := signature.ParsePrivateKey(p.ServerPrivateKeyPem)
	if err != nil {
		return signature.SigningKey{}, fmt.Errorf("server key for provider %s: %w", p.Name, err)
	}
	return signature.SigningKey{ID: p.RemoteIdentifier, Key: key}, nil
}

// Client calls provider APIs. Requests are signed and responses must
// carry a valid provider signature.
type Client struct {
	client   Doer
	exchange *signature.Exchange
}

func NewClient(client Doer, exchange *signature.Exchange) *Client {
	return &Client{client: client, exchange: exchange}
}

// Call sends in as JSON to path below the provider's base URL and decodes
// the verified response into out. in and out may be nil.
func (c *Client) Call(ctx context.Context, p *domain.Provider, method, path string, in, out any) error {
	if !p.Confirmed {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, p.Name)
	}
	key, err := SigningKey(p)
	if err != nil {
		return err
	}
	providerKey, err := signature.ParsePublicKey(p.ProviderPublicKeyPem)
	if err != nil {
		return fmt.Errorf("public key of provider %s: %w", p.Name, err)
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	target := strings.TrimSuffix(p.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	headers, err := c.exchange.SignRequest(method, target, nil, body, key)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = headers

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if err := c.exchange.VerifyResponse(resp.StatusCode, resp.Header, resp.Body, providerKey); err != nil {
		log.Warn().Err(err).Str("provider", p.Name).Str("url", target).Msg("Provider: rejected response")
		return err
	}
	if err := pool.CheckStatus(req, resp); err != nil {
		return err
	}

	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", p.Name, err)
	}
	return nil
}
