package activitypub

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/mastodon/mastodon-sub071/db"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/pool"
)

const testBase = "https://local.example"

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createLocal(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	key, _ := generateTestKeyPair(t)
	acc := &domain.Account{
		Username:      username,
		URI:           ActorURI(testBase, username),
		FollowersURI:  FollowersURI(testBase, username),
		InboxURI:      InboxURI(testBase, username),
		PublicKeyPem:  publicKeyToPEM(t, &key.PublicKey),
		PrivateKeyPem: privateKeyToPEM(key),
	}
	if err := database.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", username, err)
	}
	return acc
}

func createRemote(t *testing.T, database *db.DB, username, host, publicKeyPem string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Username:     username,
		Domain:       host,
		URI:          "https://" + host + "/users/" + username,
		FollowersURI: "https://" + host + "/users/" + username + "/followers",
		InboxURI:     "https://" + host + "/users/" + username + "/inbox",
		SharedInbox:  "https://" + host + "/inbox",
		PublicKeyPem: publicKeyPem,
	}
	if err := database.UpsertRemoteAccount(context.Background(), acc); err != nil {
		t.Fatalf("UpsertRemoteAccount(%s) failed: %v", username, err)
	}
	return acc
}

// fakeDoer answers every request with a canned response and records what
// it was sent.
type fakeDoer struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
	body     []byte
	err      error
}

func (f *fakeDoer) Do(req *http.Request) (*pool.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &pool.Response{StatusCode: f.status, Header: http.Header{}, Body: f.body}, nil
}

func (f *fakeDoer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
