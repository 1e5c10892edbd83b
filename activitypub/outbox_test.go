package activitypub

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/domain"
)

func TestAddressing(t *testing.T) {
	author := &domain.Account{URI: "https://local.example/users/alice", FollowersURI: "https://local.example/users/alice/followers"}
	bob := &domain.Account{URI: "https://remote.example/users/bob"}
	mentioned := []*domain.Account{bob}

	tests := []struct {
		visibility domain.Visibility
		wantTo     []string
		wantCc     []string
	}{
		{domain.VisibilityPublic, []string{audience.PublicCollection}, []string{author.FollowersURI, bob.URI}},
		{domain.VisibilityUnlisted, []string{author.FollowersURI}, []string{audience.PublicCollection, bob.URI}},
		{domain.VisibilityPrivate, []string{author.FollowersURI}, []string{bob.URI}},
		{domain.VisibilityLimited, []string{bob.URI}, nil},
		{domain.VisibilityDirect, []string{bob.URI}, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.visibility), func(t *testing.T) {
			addr := Addressing(author, tt.visibility, mentioned)
			if !reflect.DeepEqual([]string(addr.To), tt.wantTo) {
				t.Errorf("To = %v, want %v", addr.To, tt.wantTo)
			}
			if len(addr.Cc) != len(tt.wantCc) || (len(tt.wantCc) > 0 && !reflect.DeepEqual([]string(addr.Cc), tt.wantCc)) {
				t.Errorf("Cc = %v, want %v", addr.Cc, tt.wantCc)
			}
			// the addressing resolves back to the visibility it came from
			want := tt.visibility
			if want == domain.VisibilityLimited {
				want = domain.VisibilityDirect
			}
			if got := audience.ResolveVisibility(addr, author); got != want {
				t.Errorf("ResolveVisibility = %s, want %s", got, want)
			}
		})
	}
}

func TestPublishStatus(t *testing.T) {
	tests := []struct {
		visibility  domain.Visibility
		wantInboxes []string
	}{
		{domain.VisibilityPublic, []string{"https://other.example/inbox", "https://remote.example/inbox"}},
		{domain.VisibilityPrivate, []string{"https://other.example/inbox", "https://remote.example/inbox"}},
		{domain.VisibilityDirect, []string{"https://other.example/inbox"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.visibility), func(t *testing.T) {
			database := setupTestDB(t)
			ctx := context.Background()
			alice := createLocal(t, database, "alice")
			bob := createRemote(t, database, "bob", "remote.example", "pem")
			carol := createRemote(t, database, "carol", "other.example", "pem")
			if err := database.CreateFollow(ctx, &domain.Follow{AccountId: bob.Id, TargetAccountId: alice.Id, Accepted: true}); err != nil {
				t.Fatalf("CreateFollow failed: %v", err)
			}

			st := &domain.Status{
				AccountId:  alice.Id,
				URI:        testBase + "/statuses/1",
				Text:       "hi @carol@other.example",
				Visibility: tt.visibility,
				Mentions:   []domain.Mention{{AccountId: carol.Id}},
				Tags:       []string{"Go"},
				CreatedAt:  time.Now(),
			}
			if err := NewOutbox(database, testBase).PublishStatus(ctx, st); err != nil {
				t.Fatalf("PublishStatus failed: %v", err)
			}

			jobs, err := database.PendingJobs(ctx, time.Now().Add(time.Minute), 10)
			if err != nil {
				t.Fatalf("PendingJobs failed: %v", err)
			}
			var inboxes []string
			for _, job := range jobs {
				if job.Kind != domain.JobInbox {
					t.Errorf("Unexpected job kind %s", job.Kind)
				}
				inboxes = append(inboxes, job.InboxURI)
			}
			sort.Strings(inboxes)
			if !reflect.DeepEqual(inboxes, tt.wantInboxes) {
				t.Fatalf("Inboxes = %v, want %v", inboxes, tt.wantInboxes)
			}

			var activity struct {
				Type   string `json:"type"`
				Actor  string `json:"actor"`
				Object Note   `json:"object"`
			}
			if err := json.Unmarshal([]byte(jobs[0].Payload), &activity); err != nil {
				t.Fatalf("Payload is not JSON: %v", err)
			}
			if activity.Type != "Create" || activity.Actor != alice.URI {
				t.Errorf("Unexpected activity %s by %s", activity.Type, activity.Actor)
			}
			if activity.Object.ID != st.URI || activity.Object.AttributedTo != alice.URI {
				t.Errorf("Unexpected note %+v", activity.Object)
			}
			if len(activity.Object.Tag) != 2 || activity.Object.Tag[0].Name != "@carol@other.example" || activity.Object.Tag[1].Href != testBase+"/tags/go" {
				t.Errorf("Unexpected tags %+v", activity.Object.Tag)
			}
		})
	}
}

func TestPublishStatusSkipsSilentMentionTags(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	alice := createLocal(t, database, "alice")
	carol := createRemote(t, database, "carol", "other.example", "pem")

	st := &domain.Status{
		AccountId:  alice.Id,
		URI:        testBase + "/statuses/2",
		Visibility: domain.VisibilityLimited,
		Mentions:   []domain.Mention{{AccountId: carol.Id, Silent: true}},
	}
	if err := NewOutbox(database, testBase).PublishStatus(ctx, st); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	jobs, _ := database.PendingJobs(ctx, time.Now().Add(time.Minute), 10)
	if len(jobs) != 1 || jobs[0].InboxURI != carol.SharedInbox {
		t.Fatalf("Expected one delivery to carol, got %v", jobs)
	}
	var activity struct {
		Object Note `json:"object"`
	}
	if err := json.Unmarshal([]byte(jobs[0].Payload), &activity); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if len(activity.Object.Tag) != 0 {
		t.Errorf("Silent mentions must not be tagged, got %+v", activity.Object.Tag)
	}
	if !reflect.DeepEqual(activity.Object.To, []string{carol.URI}) {
		t.Errorf("Expected note addressed to carol, got %v", activity.Object.To)
	}
}

func TestPublishStatusRemoteAuthor(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	bob := createRemote(t, database, "bob", "remote.example", "pem")

	st := &domain.Status{AccountId: bob.Id, URI: bob.URI + "/statuses/1", Visibility: domain.VisibilityPublic}
	if err := NewOutbox(database, testBase).PublishStatus(ctx, st); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if n, _ := database.CountJobs(ctx); n != 0 {
		t.Errorf("Expected no deliveries for a remote status, got %d", n)
	}
}

func TestPublishDelete(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	alice := createLocal(t, database, "alice")
	bob := createRemote(t, database, "bob", "remote.example", "pem")
	if err := database.CreateFollow(ctx, &domain.Follow{AccountId: bob.Id, TargetAccountId: alice.Id, Accepted: true}); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	st := &domain.Status{AccountId: alice.Id, URI: testBase + "/statuses/3", Visibility: domain.VisibilityUnlisted}
	if err := NewOutbox(database, testBase).PublishDelete(ctx, st); err != nil {
		t.Fatalf("PublishDelete failed: %v", err)
	}

	jobs, _ := database.PendingJobs(ctx, time.Now().Add(time.Minute), 10)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(jobs))
	}
	var activity struct {
		Type   string `json:"type"`
		Object struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"object"`
	}
	if err := json.Unmarshal([]byte(jobs[0].Payload), &activity); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if activity.Type != "Delete" || activity.Object.Type != "Tombstone" || activity.Object.ID != st.URI {
		t.Errorf("Unexpected delete %+v", activity)
	}
}

func TestSendAccept(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	alice := createLocal(t, database, "alice")
	bob := createRemote(t, database, "bob", "remote.example", "pem")

	if err := NewOutbox(database, testBase).SendAccept(ctx, alice, bob, bob.URI+"/follows/1"); err != nil {
		t.Fatalf("SendAccept failed: %v", err)
	}
	jobs, _ := database.PendingJobs(ctx, time.Now().Add(time.Minute), 10)
	if len(jobs) != 1 || jobs[0].InboxURI != bob.InboxURI {
		t.Fatalf("Expected Accept to bob's inbox, got %v", jobs)
	}
}
