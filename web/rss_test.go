package web

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/domain"
)

// rssDoc is the part of an RSS 2.0 document the tests look at.
type rssDoc struct {
	Channel struct {
		Title string `xml:"title"`
		Link  string `xml:"link"`
		Items []struct {
			Link        string `xml:"link"`
			Description string `xml:"description"`
			Author      string `xml:"author"`
		} `xml:"item"`
	} `xml:"channel"`
}

func parseRSS(t *testing.T, body string) rssDoc {
	t.Helper()
	var doc rssDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("Response is not RSS: %v\n%s", err, body)
	}
	return doc
}

func TestAccountRSS(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	first := ts.createStatus(t, alice, domain.VisibilityPublic, "hello feed")
	ts.createStatus(t, alice, domain.VisibilityPrivate, "followers only")
	ts.createStatus(t, alice, domain.VisibilityDirect, "secret")

	rec := ts.do(http.MethodGet, "/users/alice.rss", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Expected RSS content type, got %s", ct)
	}

	doc := parseRSS(t, rec.Body.String())
	if !strings.Contains(doc.Channel.Title, "@alice@"+testDomain) {
		t.Errorf("Expected the account in the title, got %q", doc.Channel.Title)
	}
	if doc.Channel.Link != activitypub.ActorURI(testBase, "alice") {
		t.Errorf("Expected actor link, got %q", doc.Channel.Link)
	}
	if len(doc.Channel.Items) != 1 {
		t.Fatalf("Expected only the public status, got %d items", len(doc.Channel.Items))
	}
	item := doc.Channel.Items[0]
	if item.Link != first.URI || item.Description != "hello feed" {
		t.Errorf("Unexpected item %+v", item)
	}
	if strings.Contains(rec.Body.String(), "secret") || strings.Contains(rec.Body.String(), "followers only") {
		t.Error("Feed leaked a non-public status")
	}
}

func TestTagRSS(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	bob := ts.createRemote(t, "bob", "remote.example", "pem")

	statuses := []struct {
		author     *domain.Account
		visibility domain.Visibility
		text       string
	}{
		{alice, domain.VisibilityPublic, "local go post"},
		{alice, domain.VisibilityUnlisted, "quiet go post"},
		{bob, domain.VisibilityPublic, "remote go post"},
	}
	for _, s := range statuses {
		st := &domain.Status{Id: uuid.New(), AccountId: s.author.Id, Text: s.text, Visibility: s.visibility, Tags: []string{"go"}}
		st.URI = s.author.URI + "/statuses/" + st.Id.String()
		if err := ts.db.CreateStatus(context.Background(), st); err != nil {
			t.Fatalf("CreateStatus failed: %v", err)
		}
	}

	rec := ts.do(http.MethodGet, "/tags/Go.rss", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	doc := parseRSS(t, rec.Body.String())
	if doc.Channel.Title != "#go" {
		t.Errorf("Expected title #go, got %q", doc.Channel.Title)
	}
	if len(doc.Channel.Items) != 1 || doc.Channel.Items[0].Description != "local go post" {
		t.Errorf("Expected only the local public post, got %+v", doc.Channel.Items)
	}
}

func TestRSSNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.createLocal(t, "alice")

	tests := []struct {
		name   string
		target string
	}{
		{"unknown account", "/users/nobody.rss"},
		{"tag without suffix", "/tags/go"},
		{"empty tag", "/tags/.rss"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.target, "", nil, "")
			if rec.Code != http.StatusNotFound {
				t.Errorf("Expected 404 for %s, got %d", tt.target, rec.Code)
			}
		})
	}
}

func TestUserRouteServesActorAndFeed(t *testing.T) {
	ts := newTestServer(t)
	ts.createLocal(t, "alice")

	rec := ts.do(http.MethodGet, "/users/alice", "", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "activity+json") {
		t.Errorf("Expected the actor document, got %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	ts.server.Conf.Conf.WithAp = false
	engine := ts.server.Handler()
	for target, want := range map[string]int{"/users/alice": http.StatusNotFound, "/users/alice.rss": http.StatusOK} {
		req, _ := http.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("Without ActivityPub, %s: expected %d, got %d", target, want, rec.Code)
		}
	}
}
