package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/rs/zerolog/log"
)

type OutboxStore interface {
	FindAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	RemoteFollowerInboxes(ctx context.Context, accountId uuid.UUID) ([]string, error)
	EnqueueInbox(ctx context.Context, inboxURI, activityId string, statusId uuid.UUID, payload []byte) error
}

// Outbox turns local statuses into activities and queues them for every
// remote inbox that should receive them.
type Outbox struct {
	store OutboxStore
	base  string
}

func NewOutbox(store OutboxStore, base string) *Outbox {
	return &Outbox{store: store, base: base}
}

type noteTag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// Note is the ActivityPub object of a status.
type Note struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	AttributedTo string    `json:"attributedTo"`
	Content      string    `json:"content"`
	Published    string    `json:"published"`
	InReplyTo    string    `json:"inReplyTo,omitempty"`
	To           []string  `json:"to"`
	Cc           []string  `json:"cc"`
	Tag          []noteTag `json:"tag,omitempty"`
}

// recipients loads the mentioned accounts of st in mention order.
func (o *Outbox) recipients(ctx context.Context, st *domain.Status) ([]*domain.Account, error) {
	accounts := make([]*domain.Account, 0, len(st.Mentions))
	for _, m := range st.Mentions {
		acc, err := o.store.FindAccountById(ctx, m.AccountId)
		if err != nil {
			return nil, fmt.Errorf("mentioned account %s: %w", m.AccountId, err)
		}
		if acc != nil {
			accounts = append(accounts, acc)
		}
	}
	return accounts, nil
}

// Addressing is the to/cc a status is published with. It is the inverse
// of audience.ResolveVisibility.
func Addressing(author *domain.Account, v domain.Visibility, mentioned []*domain.Account) domain.Addressing {
	uris := make([]string, 0, len(mentioned))
	for _, acc := range mentioned {
		uris = append(uris, acc.URI)
	}

	var addr domain.Addressing
	switch v {
	case domain.VisibilityPublic:
		addr.To = domain.URIList{audience.PublicCollection}
		addr.Cc = append(domain.URIList{author.FollowersURI}, uris...)
	case domain.VisibilityUnlisted:
		addr.To = domain.URIList{author.FollowersURI}
		addr.Cc = append(domain.URIList{audience.PublicCollection}, uris...)
	case domain.VisibilityPrivate:
		addr.To = domain.URIList{author.FollowersURI}
		addr.Cc = uris
	default:
		addr.To = uris
	}
	return addr
}

func (o *Outbox) note(st *domain.Status, author *domain.Account, mentioned []*domain.Account) Note {
	addr := Addressing(author, st.Visibility, mentioned)
	n := Note{
		ID:           st.URI,
		Type:         "Note",
		AttributedTo: author.URI,
		Content:      st.Text,
		Published:    st.CreatedAt.UTC().Format(time.RFC3339),
		InReplyTo:    st.InReplyTo,
		To:           nonNil(addr.To),
		Cc:           nonNil(addr.Cc),
	}

	silent := make(map[uuid.UUID]bool)
	for _, m := range st.Mentions {
		silent[m.AccountId] = m.Silent
	}
	for _, acc := range mentioned {
		if !silent[acc.Id] {
			n.Tag = append(n.Tag, noteTag{Type: "Mention", Href: acc.URI, Name: "@" + acc.Acct()})
		}
	}
	for _, tag := range st.Tags {
		n.Tag = append(n.Tag, noteTag{Type: "Hashtag", Href: fmt.Sprintf("%s/tags/%s", o.base, strings.ToLower(tag)), Name: "#" + tag})
	}
	return n
}

func nonNil(l domain.URIList) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func (o *Outbox) author(ctx context.Context, st *domain.Status) (*domain.Account, error) {
	if st.Account != nil {
		return st.Account, nil
	}
	acc, err := o.store.FindAccountById(ctx, st.AccountId)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("author %s of status %s not found", st.AccountId, st.Id)
	}
	return acc, nil
}

// inboxes lists the remote inboxes of st: the author's followers when the
// visibility reaches them, and every remote mentioned account.
func (o *Outbox) inboxes(ctx context.Context, st *domain.Status, mentioned []*domain.Account) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(uri string) {
		if uri != "" && !seen[uri] {
			seen[uri] = true
			out = append(out, uri)
		}
	}

	if st.Visibility.FollowersReach() {
		followers, err := o.store.RemoteFollowerInboxes(ctx, st.AccountId)
		if err != nil {
			return nil, fmt.Errorf("follower inboxes: %w", err)
		}
		for _, uri := range followers {
			add(uri)
		}
	}
	for _, acc := range mentioned {
		if !acc.IsLocal() {
			add(acc.DeliveryInbox())
		}
	}
	return out, nil
}

// PublishStatus queues a Create for a local status.
func (o *Outbox) PublishStatus(ctx context.Context, st *domain.Status) error {
	return o.publish(ctx, st, "Create", func(author *domain.Account, mentioned []*domain.Account) any {
		return o.note(st, author, mentioned)
	})
}

// PublishDelete queues a Delete carrying a Tombstone to everyone who got
// the Create.
func (o *Outbox) PublishDelete(ctx context.Context, st *domain.Status) error {
	return o.publish(ctx, st, "Delete", func(*domain.Account, []*domain.Account) any {
		return map[string]any{"id": st.URI, "type": "Tombstone"}
	})
}

// CreateActivity renders the Create of st as it appears in the outbox
// collection.
func (o *Outbox) CreateActivity(ctx context.Context, st *domain.Status) (map[string]any, error) {
	author, err := o.author(ctx, st)
	if err != nil {
		return nil, err
	}
	mentioned, err := o.recipients(ctx, st)
	if err != nil {
		return nil, err
	}
	activity := o.activity(ActivityURI(o.base, st.Id), "Create", author, st, mentioned, o.note(st, author, mentioned))
	activity["published"] = st.CreatedAt.UTC().Format(time.RFC3339)
	return activity, nil
}

func (o *Outbox) activity(id, kind string, author *domain.Account, st *domain.Status, mentioned []*domain.Account, object any) map[string]any {
	addr := Addressing(author, st.Visibility, mentioned)
	return map[string]any{
		"@context": ActivityStreams,
		"id":       id,
		"type":     kind,
		"actor":    author.URI,
		"to":       nonNil(addr.To),
		"cc":       nonNil(addr.Cc),
		"object":   object,
	}
}

func (o *Outbox) publish(ctx context.Context, st *domain.Status, kind string, object func(*domain.Account, []*domain.Account) any) error {
	author, err := o.author(ctx, st)
	if err != nil {
		return err
	}
	if !author.IsLocal() {
		return nil
	}
	mentioned, err := o.recipients(ctx, st)
	if err != nil {
		return err
	}

	activityId := ActivityURI(o.base, uuid.New())
	payload, err := json.Marshal(o.activity(activityId, kind, author, st, mentioned, object(author, mentioned)))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	inboxes, err := o.inboxes(ctx, st, mentioned)
	if err != nil {
		return err
	}
	for _, inbox := range inboxes {
		if err := o.store.EnqueueInbox(ctx, inbox, activityId, st.Id, payload); err != nil {
			return fmt.Errorf("queue %s to %s: %w", kind, inbox, err)
		}
	}
	log.Info().Str("status", st.Id.String()).Int("inboxes", len(inboxes)).Msgf("Outbox: queued %s", kind)
	return nil
}

// SendAccept queues the Accept answering a remote Follow of local.
func (o *Outbox) SendAccept(ctx context.Context, local, remote *domain.Account, followURI string) error {
	activityId := ActivityURI(o.base, uuid.New())
	accept := map[string]any{
		"@context": ActivityStreams,
		"id":       activityId,
		"type":     "Accept",
		"actor":    local.URI,
		"object": map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  remote.URI,
			"object": local.URI,
		},
	}
	payload, err := json.Marshal(accept)
	if err != nil {
		return err
	}
	return o.store.EnqueueInbox(ctx, remote.InboxURI, activityId, uuid.Nil, payload)
}
