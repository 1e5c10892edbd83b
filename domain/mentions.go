package domain

import "github.com/google/uuid"

// Mention joins a status and an account. Silent mentions grant access
// without notifying.
type Mention struct {
	StatusId  uuid.UUID
	AccountId uuid.UUID
	Silent    bool
}

// MentionSet keeps insertion order and at most one mention per account.
type MentionSet struct {
	order []Mention
	index map[uuid.UUID]int
}

func NewMentionSet(existing []Mention) *MentionSet {
	s := &MentionSet{index: make(map[uuid.UUID]int, len(existing))}
	for _, m := range existing {
		s.Add(m)
	}
	return s
}

// Add inserts m unless the account is already mentioned and reports whether
// anything was added.
func (s *MentionSet) Add(m Mention) bool {
	if _, ok := s.index[m.AccountId]; ok {
		return false
	}
	s.index[m.AccountId] = len(s.order)
	s.order = append(s.order, m)
	return true
}

func (s *MentionSet) Has(accountId uuid.UUID) bool {
	_, ok := s.index[accountId]
	return ok
}

func (s *MentionSet) Len() int {
	return len(s.order)
}

func (s *MentionSet) Slice() []Mention {
	out := make([]Mention, len(s.order))
	copy(out, s.order)
	return out
}
