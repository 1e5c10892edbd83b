package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/mastodon/mastodon-sub071/worker"
)

type AccountLookup interface {
	FindAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
}

// Deliverer posts queued activities to remote inboxes, signed with the
// key of the local actor that authored them.
type Deliverer struct {
	accounts AccountLookup
	client   Doer
	base     string
}

func NewDeliverer(accounts AccountLookup, client Doer, base string) *Deliverer {
	return &Deliverer{accounts: accounts, client: client, base: base}
}

// Handle runs one inbox job.
func (d *Deliverer) Handle(ctx context.Context, job *domain.Job) error {
	var activity struct {
		Actor string `json:"actor"`
	}
	body := []byte(job.Payload)
	if err := json.Unmarshal(body, &activity); err != nil {
		return worker.NoRetry(fmt.Errorf("parse queued activity: %w", err))
	}

	author, err := d.accounts.FindAccountByURI(ctx, activity.Actor)
	if err != nil {
		return fmt.Errorf("load actor %s: %w", activity.Actor, err)
	}
	if author == nil || !author.IsLocal() {
		return worker.NoRetry(fmt.Errorf("actor %s is not a local account", activity.Actor))
	}
	key, err := signature.ParsePrivateKey(author.PrivateKeyPem)
	if err != nil {
		return worker.NoRetry(fmt.Errorf("key of %s: %w", author.Username, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return worker.NoRetry(err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	if err := SignRequest(req, key, KeyId(d.base, author.Username), body); err != nil {
		return worker.NoRetry(fmt.Errorf("sign delivery: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	return pool.CheckStatus(req, resp)
}
