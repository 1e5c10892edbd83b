package activitypub

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	ContentType     = "application/activity+json"
	ActivityStreams = "https://www.w3.org/ns/activitystreams"
)

type iri uint

const (
	iriActor iri = iota
	iriInbox
	iriOutbox
	iriFollowers
	iriFollowing
	iriKey
)

// LocalIRI builds the ids of a local actor and its collections on base,
// the server's public origin.
func LocalIRI(base, username string, kind iri) string {
	prefix := fmt.Sprintf("%s/users/%s", base, username)
	switch kind {
	case iriInbox:
		return prefix + "/inbox"
	case iriOutbox:
		return prefix + "/outbox"
	case iriFollowers:
		return prefix + "/followers"
	case iriFollowing:
		return prefix + "/following"
	case iriKey:
		return prefix + "#main-key"
	}
	return prefix
}

func ActorURI(base, username string) string     { return LocalIRI(base, username, iriActor) }
func InboxURI(base, username string) string     { return LocalIRI(base, username, iriInbox) }
func OutboxURI(base, username string) string    { return LocalIRI(base, username, iriOutbox) }
func FollowersURI(base, username string) string { return LocalIRI(base, username, iriFollowers) }
func FollowingURI(base, username string) string { return LocalIRI(base, username, iriFollowing) }
func KeyId(base, username string) string        { return LocalIRI(base, username, iriKey) }

func SharedInboxURI(base string) string {
	return base + "/inbox"
}

func StatusURI(base string, id uuid.UUID) string {
	return fmt.Sprintf("%s/statuses/%s", base, id)
}

func ActivityURI(base string, id uuid.UUID) string {
	return fmt.Sprintf("%s/activities/%s", base, id)
}
