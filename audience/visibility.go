// Package audience decides who may see a status: its visibility class and
// the silent mentions that grant access to explicitly addressed accounts.
package audience

import "github.com/mastodon/mastodon-sub071/domain"

// PublicCollection is the ActivityStreams public addressing URI.
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// IsPublic recognises the public collection in the spellings found in the
// wild: the full URI and the compacted JSON-LD forms.
func IsPublic(uri string) bool {
	switch uri {
	case PublicCollection, "as:Public", "Public":
		return true
	}
	return false
}

func containsPublic(list []string) bool {
	for _, uri := range list {
		if IsPublic(uri) {
			return true
		}
	}
	return false
}

func contains(list []string, uri string) bool {
	for _, v := range list {
		if v == uri {
			return true
		}
	}
	return false
}

// ResolveVisibility maps addressing to a visibility class. The checks are
// ordered and the first match wins; unknown URIs fall through to direct.
func ResolveVisibility(addr domain.Addressing, actor *domain.Account) domain.Visibility {
	switch {
	case containsPublic(addr.To):
		return domain.VisibilityPublic
	case containsPublic(addr.Cc):
		return domain.VisibilityUnlisted
	case actor != nil && actor.FollowersURI != "" && contains(addr.To, actor.FollowersURI):
		return domain.VisibilityPrivate
	default:
		return domain.VisibilityDirect
	}
}

// IsAddressed reports whether uri appears literally in to or cc. Collections
// are not expanded.
func IsAddressed(addr domain.Addressing, uri string) bool {
	return contains(addr.To, uri) || contains(addr.Cc, uri)
}
