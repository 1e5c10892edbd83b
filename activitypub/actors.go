package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/pool"
)

// actorTTL is how long a cached remote actor is trusted before refetching.
const actorTTL = 24 * time.Hour

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any    `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox,omitempty"`
	Followers         string `json:"followers,omitempty"`
	Following         string `json:"following,omitempty"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Doer sends a request over the shared connection pool.
type Doer interface {
	Do(req *http.Request) (*pool.Response, error)
}

type ActorStore interface {
	FindAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
	UpsertRemoteAccount(ctx context.Context, acc *domain.Account) error
}

// Actors resolves remote actors, from the cache when fresh enough.
type Actors struct {
	store  ActorStore
	client Doer
	now    func() time.Time
}

func NewActors(store ActorStore, client Doer) *Actors {
	return &Actors{store: store, client: client, now: time.Now}
}

// Fetch retrieves an actor document and stores it.
func (a *Actors) Fetch(ctx context.Context, actorURI string) (*domain.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("actor request: %w", err)
	}
	req.Header.Set("Accept", ContentType)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := pool.CheckStatus(req, resp); err != nil {
		return nil, err
	}

	var actor ActorResponse
	if err := json.Unmarshal(resp.Body, &actor); err != nil {
		return nil, fmt.Errorf("parse actor %s: %w", actorURI, err)
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s is missing required fields", actorURI)
	}
	if actor.ID != actorURI {
		return nil, fmt.Errorf("actor %s answered with id %s", actorURI, actor.ID)
	}

	host, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	acc := &domain.Account{
		Username:      actor.PreferredUsername,
		Domain:        host,
		URI:           actor.ID,
		FollowersURI:  actor.Followers,
		InboxURI:      actor.Inbox,
		SharedInbox:   actor.Endpoints.SharedInbox,
		DisplayName:   actor.Name,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: a.now(),
	}
	if err := a.store.UpsertRemoteAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("store remote account: %w", err)
	}
	return acc, nil
}

// GetOrFetch returns a cached actor, refetching remote ones once stale.
func (a *Actors) GetOrFetch(ctx context.Context, actorURI string) (*domain.Account, error) {
	cached, err := a.store.FindAccountByURI(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if cached != nil && (cached.IsLocal() || a.now().Sub(cached.LastFetchedAt) < actorTTL) {
		return cached, nil
	}

	fresh, err := a.Fetch(ctx, actorURI)
	if err != nil && cached != nil {
		// a stale copy beats none while the remote is unreachable
		return cached, nil
	}
	return fresh, err
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URI %q has no host", actorURI)
	}
	return parsed.Host, nil
}

// RenderActor is the actor document of a local account.
func RenderActor(base string, acc *domain.Account) ActorResponse {
	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}
	actor := ActorResponse{
		Context:           []string{ActivityStreams, "https://w3id.org/security/v1"},
		ID:                ActorURI(base, acc.Username),
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              name,
		Inbox:             InboxURI(base, acc.Username),
		Outbox:            OutboxURI(base, acc.Username),
		Followers:         FollowersURI(base, acc.Username),
		Following:         FollowingURI(base, acc.Username),
	}
	actor.Endpoints.SharedInbox = SharedInboxURI(base)
	actor.PublicKey.ID = KeyId(base, acc.Username)
	actor.PublicKey.Owner = actor.ID
	actor.PublicKey.PublicKeyPem = acc.PublicKeyPem
	return actor
}
