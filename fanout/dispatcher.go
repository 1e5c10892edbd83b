// Package fanout delivers a persisted status to every timeline channel,
// feed and push subscription that should see it.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Publisher sends an event to the subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Enqueuer queues the feed insert and push jobs run by the delivery worker.
type Enqueuer interface {
	EnqueueFeed(ctx context.Context, targetId, statusId uuid.UUID, kind domain.FeedKind) error
	EnqueuePush(ctx context.Context, statusId, subscriptionId uuid.UUID) error
}

// Audience answers who follows, lists and subscribes.
type Audience interface {
	LocalFollowerIds(ctx context.Context, accountId uuid.UUID) ([]uuid.UUID, error)
	ListsContaining(ctx context.Context, authorId uuid.UUID) ([]domain.List, error)
	LocalAccountIds(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	ActivePushSubscriptions(ctx context.Context, accountId uuid.UUID) ([]domain.PushSubscription, error)
}

// Once runs fn at most once per key.
type Once interface {
	Once(ctx context.Context, key string, fn func() error) error
}

// Dispatcher fans statuses out. It holds no per-status state, so any
// number of dispatches may run at the same time.
type Dispatcher struct {
	publisher Publisher
	queue     Enqueuer
	audience  Audience
	dedupe    Once
	metrics   *metrics.Metrics

	// Concurrency bounds the channel publishes in flight per dispatch.
	Concurrency int
}

// NewDispatcher wires a dispatcher. dedupe and m may be nil.
func NewDispatcher(publisher Publisher, queue Enqueuer, audience Audience, dedupe Once, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		publisher:   publisher,
		queue:       queue,
		audience:    audience,
		dedupe:      dedupe,
		metrics:     m,
		Concurrency: 8,
	}
}

// Targets computes the delivery targets of st, each exactly once.
func (d *Dispatcher) Targets(ctx context.Context, st *domain.Status) ([]domain.DeliveryTarget, error) {
	if !st.Visibility.Valid() {
		return nil, fmt.Errorf("status %s has no valid visibility", st.Id)
	}

	var targets []domain.DeliveryTarget
	seen := make(map[string]bool)
	add := func(t domain.DeliveryTarget) {
		if key := t.Key(); !seen[key] {
			seen[key] = true
			targets = append(targets, t)
		}
	}

	for _, ch := range channels(st) {
		add(domain.DeliveryTarget{Kind: domain.TargetChannel, Channel: ch})
	}

	var reached []uuid.UUID
	if st.Visibility.FollowersReach() {
		followers, err := d.audience.LocalFollowerIds(ctx, st.AccountId)
		if err != nil {
			return nil, fmt.Errorf("followers of %s: %w", st.AccountId, err)
		}
		reached = followers

		lists, err := d.audience.ListsContaining(ctx, st.AccountId)
		if err != nil {
			return nil, fmt.Errorf("lists containing %s: %w", st.AccountId, err)
		}
		for _, l := range lists {
			add(domain.DeliveryTarget{Kind: domain.TargetList, ListId: l.Id, AccountId: l.AccountId})
		}
	} else {
		// Remote mentioned accounts have no feed here; their copy travels
		// by federation.
		mentioned, err := d.audience.LocalAccountIds(ctx, st.MentionedAccountIds())
		if err != nil {
			return nil, fmt.Errorf("mentioned accounts of %s: %w", st.Id, err)
		}
		reached = mentioned
	}

	homes := make([]uuid.UUID, 0, len(reached))
	for _, id := range reached {
		if id == st.AccountId {
			continue
		}
		t := domain.DeliveryTarget{Kind: domain.TargetHome, AccountId: id}
		if !seen[t.Key()] {
			homes = append(homes, id)
		}
		add(t)
	}

	for _, id := range homes {
		subs, err := d.audience.ActivePushSubscriptions(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("push subscriptions of %s: %w", id, err)
		}
		for _, sub := range subs {
			add(domain.DeliveryTarget{Kind: domain.TargetPush, AccountId: id, SubscriptionId: sub.Id})
		}
	}
	return targets, nil
}

// Dispatch publishes and enqueues st to every target. Failures do not stop
// the remaining targets; they are returned together.
func (d *Dispatcher) Dispatch(ctx context.Context, st *domain.Status) error {
	targets, err := d.Targets(ctx, st)
	if err != nil {
		d.metrics.DispatchError()
		return err
	}

	rendered, err := RenderStatus(st)
	if err != nil {
		return fmt.Errorf("render status %s: %w", st.Id, err)
	}
	payload, err := Event(domain.EventUpdate, string(rendered))
	if err != nil {
		return err
	}

	err = d.deliver(ctx, st.Id, "", targets, payload)
	log.Debug().Str("status", st.Id.String()).Str("visibility", string(st.Visibility)).
		Int("targets", len(targets)).Err(err).Msg("Dispatcher: dispatched status")
	return err
}

// DispatchDelete tells every channel the status was published to that it
// is gone. Feeds are cleaned up with the status row itself.
func (d *Dispatcher) DispatchDelete(ctx context.Context, st *domain.Status) error {
	var targets []domain.DeliveryTarget
	for _, ch := range channels(st) {
		targets = append(targets, domain.DeliveryTarget{Kind: domain.TargetChannel, Channel: ch})
	}
	payload, err := Event(domain.EventDelete, st.Id.String())
	if err != nil {
		return err
	}
	return d.deliver(ctx, st.Id, "delete:", targets, payload)
}

// Disconnect ends every streaming session opened with the access token.
func (d *Dispatcher) Disconnect(ctx context.Context, tokenId uuid.UUID) error {
	payload, err := Event(domain.EventKill, "")
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, AccessTokenChannel(tokenId), payload)
}

func (d *Dispatcher) deliver(ctx context.Context, statusId uuid.UUID, prefix string, targets []domain.DeliveryTarget, payload []byte) error {
	var publishes []domain.DeliveryTarget
	var errs []error

	for _, t := range targets {
		if t.Kind == domain.TargetChannel {
			publishes = append(publishes, t)
			continue
		}
		if err := d.enqueue(ctx, statusId, prefix, t); err != nil {
			errs = append(errs, err)
		}
	}

	// Each channel gets a single message per dispatch, so running them
	// concurrently cannot reorder a channel.
	publishErrs := make([]error, len(publishes))
	var g errgroup.Group
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for i, t := range publishes {
		g.Go(func() error {
			publishErrs[i] = d.once(ctx, prefix+statusId.String()+":"+t.Key(), func() error {
				return d.publisher.Publish(ctx, t.Channel, payload)
			})
			if publishErrs[i] == nil {
				d.metrics.DispatchTarget(string(t.Kind))
			}
			return nil
		})
	}
	_ = g.Wait()

	errs = append(errs, publishErrs...)
	err := errors.Join(errs...)
	if err != nil {
		d.metrics.DispatchError()
	}
	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, statusId uuid.UUID, prefix string, t domain.DeliveryTarget) error {
	err := d.once(ctx, prefix+statusId.String()+":"+t.Key(), func() error {
		switch t.Kind {
		case domain.TargetHome:
			return d.queue.EnqueueFeed(ctx, t.AccountId, statusId, domain.FeedHome)
		case domain.TargetList:
			return d.queue.EnqueueFeed(ctx, t.ListId, statusId, domain.FeedList)
		case domain.TargetPush:
			return d.queue.EnqueuePush(ctx, statusId, t.SubscriptionId)
		}
		return fmt.Errorf("unknown target kind %q", t.Kind)
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Key(), err)
	}
	d.metrics.DispatchTarget(string(t.Kind))
	return nil
}

// once guards fn with the deduper. An unreachable deduper must not cost a
// delivery, so fn then runs unguarded.
func (d *Dispatcher) once(ctx context.Context, key string, fn func() error) error {
	if d.dedupe == nil {
		return fn()
	}
	ran := false
	err := d.dedupe.Once(ctx, key, func() error {
		ran = true
		return fn()
	})
	if err != nil && !ran {
		log.Warn().Err(err).Str("key", key).Msg("Dispatcher: dedupe unavailable")
		return fn()
	}
	return err
}
