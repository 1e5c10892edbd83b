package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedKind selects the feed a status is inserted into.
type FeedKind string

const (
	FeedHome FeedKind = "home"
	FeedList FeedKind = "list"
)

type TargetKind string

const (
	TargetChannel TargetKind = "channel"
	TargetHome    TargetKind = "home"
	TargetList    TargetKind = "list"
	TargetPush    TargetKind = "push"
)

// DeliveryTarget is one destination of a fan-out. It is computed per
// dispatch and never stored.
type DeliveryTarget struct {
	Kind           TargetKind
	Channel        string
	AccountId      uuid.UUID
	ListId         uuid.UUID
	SubscriptionId uuid.UUID
}

// Key is stable for equal targets.
func (t DeliveryTarget) Key() string {
	switch t.Kind {
	case TargetChannel:
		return "channel:" + t.Channel
	case TargetHome:
		return "home:" + t.AccountId.String()
	case TargetList:
		return "list:" + t.ListId.String()
	case TargetPush:
		return "push:" + t.SubscriptionId.String()
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.AccountId)
}

// List is a user curated feed owned by AccountId.
type List struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	Title     string
}

type PushSubscription struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	Endpoint  string
	Active    bool
	CreatedAt time.Time
}

// JobKind names a unit of background work.
type JobKind string

const (
	JobHomeFeed JobKind = "feed"
	JobListFeed JobKind = "list_feed"
	JobPush     JobKind = "push"
	JobInbox    JobKind = "inbox"
)

// Job is a row of the delivery queue. DedupeKey is unique per kind so the
// same unit of work is queued at most once.
type Job struct {
	Id          uuid.UUID
	Kind        JobKind
	DedupeKey   string
	TargetId    uuid.UUID // account, list or subscription
	StatusId    uuid.UUID
	InboxURI    string
	Payload     string
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// StreamEvent is the envelope published on a channel.
type StreamEvent struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

const (
	EventUpdate = "update"
	EventDelete = "delete"
	EventKill   = "kill"
)
