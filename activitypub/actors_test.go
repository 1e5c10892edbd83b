package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mastodon/mastodon-sub071/pool"
)

func actorDocument(t *testing.T, id, publicKeyPem string) []byte {
	t.Helper()
	doc := map[string]any{
		"@context":          ActivityStreams,
		"id":                id,
		"type":              "Person",
		"preferredUsername": "bob",
		"name":              "Bob",
		"inbox":             id + "/inbox",
		"followers":         id + "/followers",
		"endpoints":         map[string]string{"sharedInbox": "https://remote.example/inbox"},
		"publicKey": map[string]string{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": publicKeyPem,
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestFetchStoresActor(t *testing.T) {
	database := setupTestDB(t)
	_, pubPem := generateTestKeyPair(t)
	uri := "https://remote.example/users/bob"
	doer := &fakeDoer{status: http.StatusOK, body: actorDocument(t, uri, pubPem)}
	actors := NewActors(database, doer)

	acc, err := actors.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if acc.Domain != "remote.example" || acc.Username != "bob" {
		t.Errorf("Unexpected account %s", acc.ToString())
	}
	if acc.SharedInbox != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got %q", acc.SharedInbox)
	}
	if got := doer.requests[0].Header.Get("Accept"); got != ContentType {
		t.Errorf("Expected Accept %q, got %q", ContentType, got)
	}

	stored, err := database.FindAccountByURI(context.Background(), uri)
	if err != nil || stored == nil {
		t.Fatalf("Expected stored account, got %v, %v", stored, err)
	}
	if stored.PublicKeyPem != pubPem {
		t.Error("Stored public key does not match")
	}
}

func TestFetchRejects(t *testing.T) {
	_, pubPem := generateTestKeyPair(t)
	uri := "https://remote.example/users/bob"

	tests := []struct {
		name string
		doer *fakeDoer
	}{
		{"id mismatch", &fakeDoer{status: http.StatusOK, body: actorDocument(t, "https://evil.example/users/bob", pubPem)}},
		{"missing key", &fakeDoer{status: http.StatusOK, body: actorDocument(t, uri, "")}},
		{"not json", &fakeDoer{status: http.StatusOK, body: []byte("<html>")}},
		{"gone", &fakeDoer{status: http.StatusGone}},
		{"network", &fakeDoer{err: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actors := NewActors(setupTestDB(t), tt.doer)
			if _, err := actors.Fetch(context.Background(), uri); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestFetchGoneIsPermanent(t *testing.T) {
	actors := NewActors(setupTestDB(t), &fakeDoer{status: http.StatusGone})
	_, err := actors.Fetch(context.Background(), "https://remote.example/users/bob")

	var statusErr *pool.StatusError
	if !errors.As(err, &statusErr) || !statusErr.Permanent() {
		t.Errorf("Expected permanent status error, got %v", err)
	}
}

func TestGetOrFetchUsesCache(t *testing.T) {
	database := setupTestDB(t)
	_, pubPem := generateTestKeyPair(t)
	uri := "https://remote.example/users/bob"
	doer := &fakeDoer{status: http.StatusOK, body: actorDocument(t, uri, pubPem)}
	actors := NewActors(database, doer)
	ctx := context.Background()

	if _, err := actors.GetOrFetch(ctx, uri); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if _, err := actors.GetOrFetch(ctx, uri); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if doer.calls() != 1 {
		t.Errorf("Expected 1 fetch for a fresh actor, got %d", doer.calls())
	}

	// a day later the cached copy is stale
	actors.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if _, err := actors.GetOrFetch(ctx, uri); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if doer.calls() != 2 {
		t.Errorf("Expected refetch of stale actor, got %d fetches", doer.calls())
	}
}

func TestGetOrFetchFallsBackToStaleCopy(t *testing.T) {
	database := setupTestDB(t)
	bob := createRemote(t, database, "bob", "remote.example", "pem")
	actors := NewActors(database, &fakeDoer{err: errors.New("connection refused")})
	actors.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	acc, err := actors.GetOrFetch(context.Background(), bob.URI)
	if err != nil {
		t.Fatalf("Expected stale copy, got error %v", err)
	}
	if acc.Id != bob.Id {
		t.Errorf("Expected bob, got %s", acc.ToString())
	}
}

func TestGetOrFetchLocalNeverFetches(t *testing.T) {
	database := setupTestDB(t)
	alice := createLocal(t, database, "alice")
	doer := &fakeDoer{err: errors.New("must not be called")}
	actors := NewActors(database, doer)
	actors.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	acc, err := actors.GetOrFetch(context.Background(), alice.URI)
	if err != nil || acc.Id != alice.Id {
		t.Fatalf("Expected alice, got %v, %v", acc, err)
	}
	if doer.calls() != 0 {
		t.Errorf("Expected no fetch for a local actor, got %d", doer.calls())
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"https://mastodon.social/users/alice", "mastodon.social", false},
		{"http://127.0.0.1:8080/users/bob", "127.0.0.1:8080", false},
		{"/users/alice", "", true},
		{"://broken", "", true},
	}
	for _, tt := range tests {
		got, err := extractDomain(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("extractDomain(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestRenderActor(t *testing.T) {
	database := setupTestDB(t)
	alice := createLocal(t, database, "alice")

	actor := RenderActor(testBase, alice)
	if actor.ID != alice.URI {
		t.Errorf("Expected id %q, got %q", alice.URI, actor.ID)
	}
	if actor.Name != "alice" {
		t.Errorf("Expected name to fall back to username, got %q", actor.Name)
	}
	if actor.PublicKey.ID != "https://local.example/users/alice#main-key" {
		t.Errorf("Unexpected key id %q", actor.PublicKey.ID)
	}
	if actor.Endpoints.SharedInbox != "https://local.example/inbox" {
		t.Errorf("Unexpected shared inbox %q", actor.Endpoints.SharedInbox)
	}
	if actor.PublicKey.PublicKeyPem != alice.PublicKeyPem {
		t.Error("Expected public key to be rendered")
	}
}
