package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a unit of federated content.
type Status struct {
	Id         uuid.UUID
	AccountId  uuid.UUID
	Account    *Account
	URI        string
	Text       string
	Visibility Visibility
	Mentions   []Mention
	Tags       []string
	ReblogOfId *uuid.UUID
	InReplyTo  string
	CreatedAt  time.Time
}

func (st *Status) IsLocal() bool {
	return st.Account != nil && st.Account.IsLocal()
}

// MentionedAccountIds lists every mentioned account, silent or not, in
// mention order.
func (st *Status) MentionedAccountIds() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(st.Mentions))
	for _, m := range st.Mentions {
		ids = append(ids, m.AccountId)
	}
	return ids
}

func (st *Status) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAccount: %s \n\tVisibility: %s \n\tCreatedAt: %s)", st.Id, st.AccountId, st.Visibility, st.CreatedAt)
}
