package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local or cached remote actor. Remote accounts carry the
// domain they live on; local accounts leave it empty.
type Account struct {
	Id            uuid.UUID
	Username      string
	Domain        string
	URI           string
	FollowersURI  string
	InboxURI      string
	SharedInbox   string
	DisplayName   string
	PublicKeyPem  string
	PrivateKeyPem string // local accounts only
	CreatedAt     time.Time
	LastFetchedAt time.Time
}

func (acc *Account) IsLocal() bool {
	return acc.Domain == ""
}

// Acct renders the account the way it is mentioned: user or user@domain.
func (acc *Account) Acct() string {
	if acc.IsLocal() {
		return acc.Username
	}
	return fmt.Sprintf("%s@%s", acc.Username, acc.Domain)
}

// DeliveryInbox prefers the shared inbox so one server gets one copy.
func (acc *Account) DeliveryInbox() string {
	if acc.SharedInbox != "" {
		return acc.SharedInbox
	}
	return acc.InboxURI
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAcct: %s \n\tURI: %s \n\tCREATED_AT: %s)", acc.Id, acc.Acct(), acc.URI, acc.CreatedAt)
}

// Follow is an AccountId -> TargetAccountId relationship.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // ActivityPub Follow activity URI (empty for local follows)
	Accepted        bool
	CreatedAt       time.Time
}

// AccessToken authenticates API calls for a local account. Revoking it must
// disconnect its streaming sessions.
type AccessToken struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	Token     string
	CreatedAt time.Time
}
