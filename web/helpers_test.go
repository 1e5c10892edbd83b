package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/db"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/provider"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/mastodon/mastodon-sub071/streaming"
	"github.com/mastodon/mastodon-sub071/util"
	"github.com/redis/go-redis/v9"
)

const (
	testDomain = "local.example"
	testBase   = "https://" + testDomain
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	server *Server
	engine *gin.Engine
	db     *db.DB
	redis  *redis.Client
}

// offline fails every outbound request.
type offline struct{}

func (offline) Do(*http.Request) (*pool.Response, error) {
	return nil, errors.New("no network in tests")
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	hub := streaming.NewHub(client)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Conf.WithAp = true

	processor := audience.NewProcessor(database)
	dispatcher := fanout.NewDispatcher(hub, database, database, streaming.NewDeduper(client, time.Hour), nil)
	outbox := activitypub.NewOutbox(database, testBase)
	exchange := signature.New(time.Minute, nil)

	httpClient := pool.NewHTTPClient(pool.NewSharedCounter(2), pool.HTTPConfig{CheckoutTimeout: time.Second, RequestTimeout: 5 * time.Second})
	t.Cleanup(httpClient.Close)

	s := &Server{
		Conf:       conf,
		Store:      database,
		Inbox:      activitypub.NewInbox(database, activitypub.NewActors(database, offline{}), processor, dispatcher, outbox),
		Outbox:     outbox,
		Audience:   processor,
		Dispatcher: dispatcher,
		Hub:        hub,
		Providers:  provider.NewRegistry(database),
		Provider:   provider.NewClient(httpClient, exchange),
		Exchange:   exchange,
	}
	return &testServer{server: s, engine: s.Handler(), db: database, redis: client}
}

func (ts *testServer) createLocal(t *testing.T, username string) *domain.Account {
	t.Helper()
	kp, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	acc := &domain.Account{
		Username:      username,
		URI:           activitypub.ActorURI(testBase, username),
		FollowersURI:  activitypub.FollowersURI(testBase, username),
		InboxURI:      activitypub.InboxURI(testBase, username),
		PublicKeyPem:  kp.Public,
		PrivateKeyPem: kp.Private,
	}
	if err := ts.db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", username, err)
	}
	return acc
}

func (ts *testServer) createRemote(t *testing.T, username, host, publicKeyPem string) *domain.Account {
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
	if err := ts.db.UpsertRemoteAccount(context.Background(), acc); err != nil {
		t.Fatalf("UpsertRemoteAccount(%s) failed: %v", username, err)
	}
	return acc
}

func (ts *testServer) createToken(t *testing.T, acc *domain.Account, raw string) *domain.AccessToken {
	t.Helper()
	token := &domain.AccessToken{AccountId: acc.Id, Token: raw}
	if err := ts.db.CreateAccessToken(context.Background(), token); err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}
	return token
}

func (ts *testServer) createStatus(t *testing.T, author *domain.Account, v domain.Visibility, text string) *domain.Status {
	t.Helper()
	st := &domain.Status{
		AccountId:  author.Id,
		Account:    author,
		Text:       text,
		Visibility: v,
	}
	st.Id = uuid.New()
	st.URI = activitypub.StatusURI(testBase, st.Id)
	if err := ts.db.CreateStatus(context.Background(), st); err != nil {
		t.Fatalf("CreateStatus failed: %v", err)
	}
	return st
}

// do sends a request through the router. body may be nil.
func (ts *testServer) do(method, target, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postJSON(target, token string, v any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(v)
	return ts.do(http.MethodPost, target, token, strings.NewReader(string(data)), "application/json")
}

// waitForSubscriber publishes payload on channel until someone receives it.
func (ts *testServer) waitForSubscriber(t *testing.T, channel string, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := ts.redis.Publish(context.Background(), channel, payload).Result(); n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Nobody subscribed to %s", channel)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}
