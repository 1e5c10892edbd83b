package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/rs/zerolog/log"
)

type FeedStore interface {
	InsertHomeFeed(ctx context.Context, accountId, statusId uuid.UUID) (bool, error)
	InsertListFeed(ctx context.Context, listId, statusId uuid.UUID) (bool, error)
	FindStatusById(ctx context.Context, id uuid.UUID) (*domain.Status, error)
}

// FeedHandler inserts a status into a home or list feed and streams it to
// the feed's open sessions. An insert that already happened is not
// streamed again.
type FeedHandler struct {
	store     FeedStore
	publisher fanout.Publisher
}

func NewFeedHandler(store FeedStore, publisher fanout.Publisher) *FeedHandler {
	return &FeedHandler{store: store, publisher: publisher}
}

func (h *FeedHandler) Handle(ctx context.Context, job *domain.Job) error {
	st, err := h.store.FindStatusById(ctx, job.StatusId)
	if err != nil {
		return fmt.Errorf("load status %s: %w", job.StatusId, err)
	}
	if st == nil {
		// deleted before the insert ran
		return nil
	}

	var inserted bool
	var channel string
	switch job.Kind {
	case domain.JobHomeFeed:
		inserted, err = h.store.InsertHomeFeed(ctx, job.TargetId, st.Id)
		channel = fanout.HomeChannel(job.TargetId)
	case domain.JobListFeed:
		inserted, err = h.store.InsertListFeed(ctx, job.TargetId, st.Id)
		channel = fanout.ListChannel(job.TargetId)
	default:
		return NoRetry(fmt.Errorf("feed handler got %s job", job.Kind))
	}
	if err != nil {
		return fmt.Errorf("insert %s feed %s: %w", job.Kind, job.TargetId, err)
	}
	if !inserted {
		return nil
	}

	rendered, err := fanout.RenderStatus(st)
	if err != nil {
		return NoRetry(err)
	}
	payload, err := fanout.Event(domain.EventUpdate, string(rendered))
	if err != nil {
		return NoRetry(err)
	}
	// The row is in; a retry would find it and stream nothing.
	if err := h.publisher.Publish(ctx, channel, payload); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("DeliveryWorker: feed insert not streamed")
	}
	return nil
}
