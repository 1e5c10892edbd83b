package audience

import (
	"testing"

	"github.com/mastodon/mastodon-sub071/domain"
)

func TestResolveVisibility(t *testing.T) {
	actor := &domain.Account{
		URI:          "https://remote.example/users/alice",
		FollowersURI: "https://remote.example/users/alice/followers",
	}
	other := "https://remote.example/users/bob"

	tests := []struct {
		name string
		addr domain.Addressing
		want domain.Visibility
	}{
		{"public in to", domain.Addressing{To: domain.URIList{PublicCollection}}, domain.VisibilityPublic},
		{"public in to beats cc", domain.Addressing{To: domain.URIList{PublicCollection}, Cc: domain.URIList{PublicCollection, actor.FollowersURI}}, domain.VisibilityPublic},
		{"compact as:Public", domain.Addressing{To: domain.URIList{"as:Public"}}, domain.VisibilityPublic},
		{"bare Public", domain.Addressing{To: domain.URIList{"Public"}}, domain.VisibilityPublic},
		{"public in cc", domain.Addressing{To: domain.URIList{actor.FollowersURI}, Cc: domain.URIList{PublicCollection}}, domain.VisibilityUnlisted},
		{"public in cc only", domain.Addressing{Cc: domain.URIList{"as:Public"}}, domain.VisibilityUnlisted},
		{"followers in to", domain.Addressing{To: domain.URIList{actor.FollowersURI}, Cc: domain.URIList{other}}, domain.VisibilityPrivate},
		{"followers in cc only", domain.Addressing{To: domain.URIList{other}, Cc: domain.URIList{actor.FollowersURI}}, domain.VisibilityDirect},
		{"someone else's followers", domain.Addressing{To: domain.URIList{"https://remote.example/users/bob/followers"}}, domain.VisibilityDirect},
		{"account only", domain.Addressing{To: domain.URIList{other}}, domain.VisibilityDirect},
		{"empty", domain.Addressing{}, domain.VisibilityDirect},
		{"example public lookalike", domain.Addressing{To: domain.URIList{"https://example.org/public"}}, domain.VisibilityDirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveVisibility(tt.addr, actor); got != tt.want {
				t.Errorf("ResolveVisibility() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveVisibilityPublicToIgnoresCc(t *testing.T) {
	ccs := [][]string{nil, {PublicCollection}, {"https://x/followers"}, {"a", "b", "as:Public"}}
	for _, cc := range ccs {
		addr := domain.Addressing{To: domain.URIList{"https://x/users/y", PublicCollection}, Cc: cc}
		if got := ResolveVisibility(addr, nil); got != domain.VisibilityPublic {
			t.Errorf("cc=%v: got %s, want public", cc, got)
		}
	}
}

func TestResolveVisibilityCcPublicIsUnlisted(t *testing.T) {
	tos := [][]string{nil, {"https://x/users/y"}, {"https://x/followers"}}
	actor := &domain.Account{FollowersURI: "https://x/followers"}
	for _, to := range tos {
		addr := domain.Addressing{To: to, Cc: domain.URIList{PublicCollection}}
		if got := ResolveVisibility(addr, actor); got != domain.VisibilityUnlisted {
			t.Errorf("to=%v: got %s, want unlisted", to, got)
		}
	}
}

func TestResolveVisibilityNilActor(t *testing.T) {
	addr := domain.Addressing{To: domain.URIList{"https://x/followers"}}
	if got := ResolveVisibility(addr, nil); got != domain.VisibilityDirect {
		t.Errorf("got %s, want direct", got)
	}
}

func TestIsAddressed(t *testing.T) {
	addr := domain.Addressing{To: domain.URIList{"https://a/users/1"}, Cc: domain.URIList{"https://a/users/2/followers"}}

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://a/users/1", true},
		{"https://a/users/2/followers", true},
		{"https://a/users/2", false},
		{"https://a/users/1/", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAddressed(addr, tt.uri); got != tt.want {
			t.Errorf("IsAddressed(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}
