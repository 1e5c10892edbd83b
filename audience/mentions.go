package audience

import (
	"context"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/rs/zerolog/log"
)

// AccountDirectory looks up already known accounts. FindAccountByURI
// returns nil and no error for unknown URIs; it must never fetch.
type AccountDirectory interface {
	FindAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
}

// Processor adds silent mentions for addressed accounts that were not
// mentioned in the content itself.
type Processor struct {
	Directory AccountDirectory
}

func NewProcessor(dir AccountDirectory) *Processor {
	return &Processor{Directory: dir}
}

// ProcessAudience returns existing plus one silent mention per addressed,
// known account that lacks one, and the visibility after escalation: a
// direct status that gains a silent mention becomes limited. deliveredTo is
// the owner of the inbox the status arrived in, when known.
//
// Lookup failures are logged and the recipient skipped. Running it again on
// its own output adds nothing.
func (p *Processor) ProcessAudience(ctx context.Context, addr domain.Addressing, existing []domain.Mention, actor *domain.Account, visibility domain.Visibility, deliveredTo *uuid.UUID) ([]domain.Mention, domain.Visibility) {
	set := domain.NewMentionSet(existing)

	addSilent := func(accountId uuid.UUID) {
		// an author addressing themselves is not a mention
		if actor != nil && accountId == actor.Id {
			return
		}
		if set.Add(domain.Mention{AccountId: accountId, Silent: true}) && visibility == domain.VisibilityDirect {
			visibility = domain.VisibilityLimited
		}
	}

	for _, uri := range addr.Recipients() {
		if IsPublic(uri) {
			continue
		}
		if actor != nil && (uri == actor.URI || uri == actor.FollowersURI) {
			continue
		}

		acc, err := p.Directory.FindAccountByURI(ctx, uri)
		if err != nil {
			log.Warn().Err(err).Str("uri", uri).Msg("Audience: account lookup failed, skipping recipient")
			continue
		}
		if acc == nil {
			continue
		}
		addSilent(acc.Id)
	}

	if deliveredTo != nil && *deliveredTo != uuid.Nil {
		addSilent(*deliveredTo)
	}

	return set.Slice(), visibility
}
