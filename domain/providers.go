package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider is an auxiliary service registered with this server. Requests we
// send are signed with ServerPrivateKeyPem under RemoteIdentifier; requests
// it sends are verified with ProviderPublicKeyPem and name Id as key id.
type Provider struct {
	Id                   uuid.UUID
	Name                 string
	BaseURL              string
	RemoteIdentifier     string
	ProviderPublicKeyPem string
	ServerPrivateKeyPem  string
	Confirmed            bool
	CreatedAt            time.Time
}
