package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownRecipient = errors.New("no such local account")
	ErrMalformed        = errors.New("malformed activity")
	ErrForbidden        = errors.New("actor may not act on this object")
)

// Activity represents a generic ActivityPub activity
type Activity struct {
	Context any             `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	To      domain.URIList  `json:"to"`
	Cc      domain.URIList  `json:"cc"`
}

// objectRef is an object given either as its id or embedded.
type objectRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func parseObjectRef(raw json.RawMessage) (objectRef, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return objectRef{ID: id}, nil
	}
	var ref objectRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return objectRef{}, fmt.Errorf("%w: object: %v", ErrMalformed, err)
	}
	return ref, nil
}

type noteObject struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	AttributedTo string         `json:"attributedTo"`
	Content      string         `json:"content"`
	Published    string         `json:"published"`
	InReplyTo    string         `json:"inReplyTo"`
	To           domain.URIList `json:"to"`
	Cc           domain.URIList `json:"cc"`
	Tag          []noteTag      `json:"tag"`
}

type InboxStore interface {
	FindLocalAccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	FindAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
	RecordActivity(ctx context.Context, uri, activityType, actorURI string) (bool, error)
	ForgetActivity(ctx context.Context, uri string) error
	CreateStatus(ctx context.Context, st *domain.Status) error
	FindStatusByURI(ctx context.Context, uri string) (*domain.Status, error)
	DeleteStatus(ctx context.Context, id uuid.UUID) error
	CreateFollow(ctx context.Context, follow *domain.Follow) error
	DeleteFollowByURI(ctx context.Context, uri string) error
	AcceptFollowByURI(ctx context.Context, uri string) error
}

// ActorResolver finds the actor behind a signature.
type ActorResolver interface {
	GetOrFetch(ctx context.Context, actorURI string) (*domain.Account, error)
}

// Dispatcher fans received statuses out locally.
type Dispatcher interface {
	Dispatch(ctx context.Context, st *domain.Status) error
	DispatchDelete(ctx context.Context, st *domain.Status) error
}

// Accepter answers follows.
type Accepter interface {
	SendAccept(ctx context.Context, local, remote *domain.Account, followURI string) error
}

// Inbox authenticates and applies inbound activities.
type Inbox struct {
	store      InboxStore
	actors     ActorResolver
	audience   *audience.Processor
	dispatcher Dispatcher
	accepter   Accepter
}

func NewInbox(store InboxStore, actors ActorResolver, processor *audience.Processor, dispatcher Dispatcher, accepter Accepter) *Inbox {
	return &Inbox{store: store, actors: actors, audience: processor, dispatcher: dispatcher, accepter: accepter}
}

// Receive verifies the signature of req and applies the activity in body.
// username is the owner of the inbox, empty for the shared inbox.
func (in *Inbox) Receive(ctx context.Context, req *http.Request, body []byte, username string) error {
	var recipient *domain.Account
	if username != "" {
		acc, err := in.store.FindLocalAccountByUsername(ctx, username)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrUnknownRecipient
		}
		recipient = acc
	}

	keyId, err := SignatureKeyId(req)
	if err != nil {
		return err
	}
	signer, err := in.actors.GetOrFetch(ctx, ActorFromKeyId(keyId))
	if err != nil {
		return fmt.Errorf("%w: signer %s: %v", ErrBadSignature, keyId, err)
	}
	if _, err := VerifyRequest(req, body, signer.PublicKeyPem); err != nil {
		return err
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if activity.Actor != signer.URI {
		return fmt.Errorf("%w: %s signed an activity of %s", ErrForbidden, signer.URI, activity.Actor)
	}
	return in.Process(ctx, &activity, signer, recipient)
}

// Process applies an authenticated activity from actor. Repeated
// deliveries of the same activity id are ignored once one of them has been
// applied; a delivery that fails is forgotten so the sender's retry runs.
func (in *Inbox) Process(ctx context.Context, activity *Activity, actor *domain.Account, recipient *domain.Account) error {
	if activity.ID == "" {
		return in.apply(ctx, activity, actor, recipient)
	}

	fresh, err := in.store.RecordActivity(ctx, activity.ID, activity.Type, actor.URI)
	if err != nil {
		return err
	}
	if !fresh {
		log.Debug().Str("activity", activity.ID).Msg("Inbox: already processed")
		return nil
	}

	if err := in.apply(ctx, activity, actor, recipient); err != nil {
		if ferr := in.store.ForgetActivity(context.WithoutCancel(ctx), activity.ID); ferr != nil {
			log.Error().Err(ferr).Str("activity", activity.ID).Msg("Inbox: failed to forget activity after error")
		}
		return err
	}
	return nil
}

func (in *Inbox) apply(ctx context.Context, activity *Activity, actor *domain.Account, recipient *domain.Account) error {
	log.Info().Str("type", activity.Type).Str("actor", actor.URI).Msg("Inbox: received activity")
	switch activity.Type {
	case "Create":
		return in.handleCreate(ctx, activity, actor, recipient)
	case "Delete":
		return in.handleDelete(ctx, activity, actor)
	case "Follow":
		return in.handleFollow(ctx, activity, actor)
	case "Undo":
		return in.handleUndo(ctx, activity, actor)
	case "Accept":
		return in.handleAccept(ctx, activity)
	default:
		log.Debug().Str("type", activity.Type).Msg("Inbox: unsupported activity type")
	}
	return nil
}

func (in *Inbox) handleCreate(ctx context.Context, activity *Activity, actor *domain.Account, recipient *domain.Account) error {
	var note noteObject
	if err := json.Unmarshal(activity.Object, &note); err != nil {
		return fmt.Errorf("%w: Create object: %v", ErrMalformed, err)
	}
	if note.Type != "Note" && note.Type != "Article" && note.Type != "Question" {
		log.Debug().Str("type", note.Type).Msg("Inbox: ignoring Create of unsupported object")
		return nil
	}
	if note.ID == "" {
		return fmt.Errorf("%w: Create object has no id", ErrMalformed)
	}
	if note.AttributedTo != "" && note.AttributedTo != actor.URI {
		return fmt.Errorf("%w: %s is attributed to %s", ErrForbidden, note.ID, note.AttributedTo)
	}

	existing, err := in.store.FindStatusByURI(ctx, note.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.AccountId != actor.Id {
			return nil
		}
		// an earlier delivery may have stored it and failed during fan-out;
		// the dispatcher's deduper keeps this from publishing twice
		return in.dispatcher.Dispatch(ctx, existing)
	}

	addr := domain.Addressing{To: note.To, Cc: note.Cc}
	if len(addr.To) == 0 && len(addr.Cc) == 0 {
		addr = domain.Addressing{To: activity.To, Cc: activity.Cc}
	}
	visibility := audience.ResolveVisibility(addr, actor)

	mentions := domain.NewMentionSet(nil)
	var tags []string
	for _, tag := range note.Tag {
		switch tag.Type {
		case "Mention":
			acc, err := in.store.FindAccountByURI(ctx, tag.Href)
			if err != nil {
				return err
			}
			if acc != nil {
				mentions.Add(domain.Mention{AccountId: acc.Id})
			}
		case "Hashtag":
			if name := strings.TrimPrefix(tag.Name, "#"); name != "" {
				tags = append(tags, strings.ToLower(name))
			}
		}
	}

	var deliveredTo *uuid.UUID
	if recipient != nil {
		deliveredTo = &recipient.Id
	}
	final, visibility := in.audience.ProcessAudience(ctx, addr, mentions.Slice(), actor, visibility, deliveredTo)

	createdAt, err := time.Parse(time.RFC3339, note.Published)
	if err != nil {
		createdAt = time.Now()
	}
	st := &domain.Status{
		Id:         uuid.New(),
		AccountId:  actor.Id,
		Account:    actor,
		URI:        note.ID,
		Text:       note.Content,
		Visibility: visibility,
		Mentions:   final,
		Tags:       tags,
		InReplyTo:  note.InReplyTo,
		CreatedAt:  createdAt,
	}
	for i := range st.Mentions {
		st.Mentions[i].StatusId = st.Id
	}
	if err := in.store.CreateStatus(ctx, st); err != nil {
		return fmt.Errorf("store status %s: %w", note.ID, err)
	}

	log.Info().Str("status", st.URI).Str("visibility", string(visibility)).Int("mentions", len(final)).Msg("Inbox: stored status")
	return in.dispatcher.Dispatch(ctx, st)
}

func (in *Inbox) handleDelete(ctx context.Context, activity *Activity, actor *domain.Account) error {
	ref, err := parseObjectRef(activity.Object)
	if err != nil {
		return err
	}
	if ref.ID == "" {
		return fmt.Errorf("%w: Delete without object id", ErrMalformed)
	}
	if ref.ID == actor.URI {
		// account deletions are not handled here
		log.Info().Str("actor", actor.URI).Msg("Inbox: actor deleted, ignoring")
		return nil
	}

	st, err := in.store.FindStatusByURI(ctx, ref.ID)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	if st.AccountId != actor.Id {
		return fmt.Errorf("%w: %s may not delete %s", ErrForbidden, actor.URI, ref.ID)
	}
	if err := in.store.DeleteStatus(ctx, st.Id); err != nil {
		return err
	}
	return in.dispatcher.DispatchDelete(ctx, st)
}

func (in *Inbox) handleFollow(ctx context.Context, activity *Activity, actor *domain.Account) error {
	ref, err := parseObjectRef(activity.Object)
	if err != nil {
		return err
	}
	target, err := in.store.FindAccountByURI(ctx, ref.ID)
	if err != nil {
		return err
	}
	if target == nil || !target.IsLocal() {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, ref.ID)
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       actor.Id,
		TargetAccountId: target.Id,
		URI:             activity.ID,
		Accepted:        true,
		CreatedAt:       time.Now(),
	}
	if err := in.store.CreateFollow(ctx, follow); err != nil {
		return fmt.Errorf("store follow: %w", err)
	}
	log.Info().Str("follower", actor.Acct()).Str("target", target.Username).Msg("Inbox: accepted follow")
	return in.accepter.SendAccept(ctx, target, actor, activity.ID)
}

func (in *Inbox) handleUndo(ctx context.Context, activity *Activity, actor *domain.Account) error {
	ref, err := parseObjectRef(activity.Object)
	if err != nil {
		return err
	}
	if ref.Type != "" && ref.Type != "Follow" {
		return nil
	}
	if err := in.store.DeleteFollowByURI(ctx, ref.ID); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	log.Info().Str("follower", actor.Acct()).Msg("Inbox: removed follow")
	return nil
}

func (in *Inbox) handleAccept(ctx context.Context, activity *Activity) error {
	ref, err := parseObjectRef(activity.Object)
	if err != nil {
		return err
	}
	return in.store.AcceptFollowByURI(ctx, ref.ID)
}
