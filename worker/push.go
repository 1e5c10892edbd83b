package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/rs/zerolog/log"
)

// Doer sends a request and returns the fully read response.
type Doer interface {
	Do(req *http.Request) (*pool.Response, error)
}

type PushStore interface {
	FindPushSubscription(ctx context.Context, id uuid.UUID) (*domain.PushSubscription, error)
	DeactivatePushSubscription(ctx context.Context, id uuid.UUID) error
	FindStatusById(ctx context.Context, id uuid.UUID) (*domain.Status, error)
}

type pushPayload struct {
	Event          string          `json:"event"`
	SubscriptionId string          `json:"subscription_id"`
	Status         json.RawMessage `json:"status"`
}

// PushHandler posts a signed notification to a push subscription endpoint
// through the shared connection pool.
type PushHandler struct {
	store    PushStore
	client   Doer
	exchange *signature.Exchange
	key      signature.SigningKey
}

func NewPushHandler(store PushStore, client Doer, exchange *signature.Exchange, key signature.SigningKey) *PushHandler {
	return &PushHandler{store: store, client: client, exchange: exchange, key: key}
}

func (h *PushHandler) Handle(ctx context.Context, job *domain.Job) error {
	sub, err := h.store.FindPushSubscription(ctx, job.TargetId)
	if err != nil {
		return fmt.Errorf("load push subscription %s: %w", job.TargetId, err)
	}
	if sub == nil || !sub.Active {
		return nil
	}
	st, err := h.store.FindStatusById(ctx, job.StatusId)
	if err != nil {
		return fmt.Errorf("load status %s: %w", job.StatusId, err)
	}
	if st == nil {
		return nil
	}

	rendered, err := fanout.RenderStatus(st)
	if err != nil {
		return NoRetry(err)
	}
	body, err := json.Marshal(pushPayload{Event: domain.EventUpdate, SubscriptionId: sub.Id.String(), Status: rendered})
	if err != nil {
		return NoRetry(err)
	}

	headers, err := h.exchange.SignRequest(http.MethodPost, sub.Endpoint, nil, body, h.key)
	if err != nil {
		return NoRetry(fmt.Errorf("sign push to %s: %w", sub.Endpoint, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return NoRetry(err)
	}
	req.Header = headers

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	err = pool.CheckStatus(req, resp)

	var status *pool.StatusError
	if errors.As(err, &status) && (status.StatusCode == http.StatusNotFound || status.StatusCode == http.StatusGone) {
		log.Info().Str("subscription", sub.Id.String()).Int("status", status.StatusCode).Msg("DeliveryWorker: push endpoint gone, deactivating")
		if derr := h.store.DeactivatePushSubscription(ctx, sub.Id); derr != nil {
			return derr
		}
		return NoRetry(err)
	}
	return err
}
