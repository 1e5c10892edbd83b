package web

import (
	"context"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/mastodon/mastodon-sub071/streaming"
)

func subscribe(t *testing.T, ts *testServer, channels ...string) *streaming.Subscription {
	t.Helper()
	sub, err := ts.server.Hub.Subscribe(context.Background(), channels...)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func nextMessage(t *testing.T, sub *streaming.Subscription) streaming.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("Subscription closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a stream event")
	}
	return streaming.Message{}
}

func TestExtractTags(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"no tags", nil},
		{"#Go and #go again", []string{"go"}},
		{"#one, #two_2", []string{"one", "two_2"}},
		{"https://example.com/#anchor", nil},
		{"a&#39;b", nil},
	}
	for _, tt := range tests {
		if got := extractTags(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("extractTags(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"hi @alice", []string{"alice"}},
		{"@bob@remote.example, hello", []string{"bob@remote.example"}},
		{"mail me at me@example.com", nil},
		{"@alice @carol@other.example.", []string{"alice", "carol@other.example"}},
	}
	for _, tt := range tests {
		if got := extractMentions(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("extractMentions(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestCreateStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	ts.createLocal(t, "carol")
	ts.createRemote(t, "bob", "remote.example", "")
	ts.createToken(t, alice, "alice-token")
	sub := subscribe(t, ts, fanout.HashtagChannel("go"))

	rec := ts.postJSON("/api/v1/statuses", "alice-token", map[string]string{
		"status": "hi @bob@remote.example and @carol, also @nobody #Go",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["visibility"] != "public" {
		t.Errorf("Expected public by default, got %v", body["visibility"])
	}
	if mentions := body["mentions"].([]any); len(mentions) != 2 {
		t.Errorf("Expected 2 resolved mentions, got %v", mentions)
	}

	msg := nextMessage(t, sub)
	if msg.Event.Event != domain.EventUpdate || !strings.Contains(msg.Event.Payload, body["id"].(string)) {
		t.Errorf("Expected update for the new status, got %+v", msg.Event)
	}

	st, err := ts.db.FindStatusByURI(context.Background(), body["uri"].(string))
	if err != nil || st == nil {
		t.Fatalf("Status not stored: %v", err)
	}
	if !reflect.DeepEqual(st.Tags, []string{"go"}) {
		t.Errorf("Expected tag go, got %v", st.Tags)
	}
	if n, _ := ts.db.CountJobs(context.Background()); n == 0 {
		t.Error("Expected a delivery to bob's inbox to be queued")
	}
}

func TestCreateDirectStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	carol := ts.createLocal(t, "carol")
	ts.createToken(t, alice, "alice-token")

	rec := ts.postJSON("/api/v1/statuses", "alice-token", map[string]string{
		"status":     "@carol psst",
		"visibility": "direct",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st, _ := ts.db.FindStatusByURI(context.Background(), decodeJSON(t, rec)["uri"].(string))
	if st.Visibility != domain.VisibilityDirect {
		t.Errorf("Expected direct, got %s", st.Visibility)
	}
	if len(st.Mentions) != 1 || st.Mentions[0].AccountId != carol.Id || st.Mentions[0].Silent {
		t.Errorf("Expected one visible mention of carol, got %+v", st.Mentions)
	}
}

func TestCreateStatusRejects(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	ts.createToken(t, alice, "alice-token")

	tests := []struct {
		name     string
		token    string
		body     map[string]string
		wantCode int
	}{
		{"no token", "", map[string]string{"status": "hi"}, http.StatusUnauthorized},
		{"bad token", "nope", map[string]string{"status": "hi"}, http.StatusUnauthorized},
		{"blank", "alice-token", map[string]string{"status": ""}, http.StatusUnprocessableEntity},
		{"bad visibility", "alice-token", map[string]string{"status": "hi", "visibility": "friends"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.postJSON("/api/v1/statuses", tt.token, tt.body); rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestDeleteStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	mallory := ts.createLocal(t, "mallory")
	ts.createToken(t, alice, "alice-token")
	ts.createToken(t, mallory, "mallory-token")
	st := ts.createStatus(t, alice, domain.VisibilityPublic, "soon gone")
	sub := subscribe(t, ts, fanout.ChannelPublic)

	if rec := ts.do(http.MethodDelete, "/api/v1/statuses/"+st.Id.String(), "mallory-token", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for someone else's status, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodDelete, "/api/v1/statuses/not-a-uuid", "alice-token", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for invalid id, got %d", rec.Code)
	}

	rec := ts.do(http.MethodDelete, "/api/v1/statuses/"+st.Id.String(), "alice-token", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got, _ := ts.db.FindStatusById(context.Background(), st.Id); got != nil {
		t.Error("Status should be deleted")
	}
	msg := nextMessage(t, sub)
	if msg.Event.Event != domain.EventDelete || msg.Event.Payload != st.Id.String() {
		t.Errorf("Expected delete event for %s, got %+v", st.Id, msg.Event)
	}
}

func TestRevokeDisconnectsSessions(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	token := ts.createToken(t, alice, "alice-token")
	sub := subscribe(t, ts, fanout.AccessTokenChannel(token.Id))

	form := url.Values{"token": {"alice-token"}}.Encode()
	rec := ts.do(http.MethodPost, "/oauth/revoke", "alice-token", strings.NewReader(form), "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := nextMessage(t, sub); msg.Event.Event != domain.EventKill {
		t.Errorf("Expected kill event, got %+v", msg.Event)
	}
	if rec := ts.postJSON("/api/v1/statuses", "alice-token", map[string]string{"status": "hi"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("Revoked token should be rejected, got %d", rec.Code)
	}
}

func TestRevokeForeignToken(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	bob := ts.createLocal(t, "bob")
	ts.createToken(t, alice, "alice-token")
	ts.createToken(t, bob, "bob-token")

	form := url.Values{"token": {"bob-token"}}.Encode()
	if rec := ts.do(http.MethodPost, "/oauth/revoke", "alice-token", strings.NewReader(form), "application/x-www-form-urlencoded"); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got, _ := ts.db.FindAccessToken(context.Background(), "bob-token"); got == nil {
		t.Error("Someone else's token must stay valid")
	}
}

func TestEndSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createLocal(t, "alice")
	bob := ts.createLocal(t, "bob")
	token := ts.createToken(t, alice, "alice-token")
	bobToken := ts.createToken(t, bob, "bob-token")
	sub := subscribe(t, ts, fanout.AccessTokenChannel(token.Id))

	if rec := ts.do(http.MethodDelete, "/api/v1/streaming/sessions/"+bobToken.Id.String(), "alice-token", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for someone else's token, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodDelete, "/api/v1/streaming/sessions/"+token.Id.String(), "alice-token", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if msg := nextMessage(t, sub); msg.Event.Event != domain.EventKill {
		t.Errorf("Expected kill event, got %+v", msg.Event)
	}
	if got, _ := ts.db.FindAccessToken(context.Background(), "alice-token"); got == nil {
		t.Error("Ending sessions must not revoke the token")
	}
}
