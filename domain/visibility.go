package domain

import "fmt"

// Visibility is the coarse access policy of a status.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityLimited  Visibility = "limited"
	VisibilityDirect   Visibility = "direct"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityLimited, VisibilityDirect:
		return true
	}
	return false
}

// FollowersReach reports whether followers receive the status as a whole.
func (v Visibility) FollowersReach() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted || v == VisibilityPrivate
}

func ParseVisibility(s string) (Visibility, error) {
	v := Visibility(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown visibility %q", s)
	}
	return v, nil
}
