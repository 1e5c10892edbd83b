package fanout

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
)

const (
	ChannelPublic      = "timeline:public"
	ChannelPublicLocal = "timeline:public:local"
)

// HashtagChannel is the open stream for tag. Tags are matched case
// insensitively.
func HashtagChannel(tag string) string {
	return "timeline:hashtag:" + strings.ToLower(tag)
}

// HomeChannel carries home feed inserts of one account.
func HomeChannel(accountId uuid.UUID) string {
	return "timeline:" + accountId.String()
}

func ListChannel(listId uuid.UUID) string {
	return "timeline:list:" + listId.String()
}

// AccessTokenChannel is watched by every streaming session opened with
// the token, so a kill event there ends them all.
func AccessTokenChannel(tokenId uuid.UUID) string {
	return "timeline:access_token:" + tokenId.String()
}

// channels lists the timeline channels a status is published to, without
// duplicates and in a stable order.
func channels(st *domain.Status) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ch string) {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}

	local := st.IsLocal()
	switch st.Visibility {
	case domain.VisibilityPublic:
		add(ChannelPublic)
		if local {
			add(ChannelPublicLocal)
		}
		for _, tag := range st.Tags {
			ch := HashtagChannel(tag)
			add(ch)
			if local {
				add(ch + ":local")
			}
			add(ch + ":authorized")
			if local {
				add(ch + ":authorized:local")
			}
		}
	case domain.VisibilityUnlisted:
		for _, tag := range st.Tags {
			ch := HashtagChannel(tag)
			add(ch + ":authorized")
			if local {
				add(ch + ":authorized:local")
			}
		}
	}
	return out
}
