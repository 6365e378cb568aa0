package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"gamedex/internal/config"
	"gamedex/internal/db"
	"gamedex/internal/migrate"
	"gamedex/internal/moderation"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("gamedex")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := moderation.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func curatorHeaders(t *testing.T, actorID string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actorID},
		Roles:            []string{"curator"},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{"title": "Hades"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code %q", code)
	}

	// Health stays open.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	// Garbage bearer tokens are rejected outright.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code %q", code)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
		"title": "Hollow Knight",
	}, actorHeaders("sam"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Status != "pending" || entry.Slug != "hollow-knight" {
		t.Fatalf("entry %+v", entry)
	}

	// Pending entries do not show in the default listing.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries", nil, actorHeaders("sam"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listing paginatedEntries
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Items) != 0 {
		t.Fatalf("pending entry leaked into default listing: %+v", listing.Items)
	}

	// Submitter cannot approve their own entry.
	approveURL := srv.URL + "/v0/entries/" + entry.ID + "/approve"
	res, data = doJSON(t, client, http.MethodPost, approveURL, map[string]any{}, actorHeaders("sam"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("self approve status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "self_approval" {
		t.Fatalf("code %q", code)
	}

	for i := 1; i <= 5; i++ {
		res, data = doJSON(t, client, http.MethodPost, approveURL, map[string]any{}, actorHeaders(fmt.Sprintf("peer-%d", i)))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("approve %d status %d: %s", i, res.StatusCode, string(data))
		}
		var approval ApprovalResponse
		if err := json.Unmarshal(data, &approval); err != nil {
			t.Fatal(err)
		}
		if approval.Votes != i || approval.Approved != (i == 5) {
			t.Fatalf("approve %d: %+v", i, approval)
		}
	}

	// A repeated approval vote conflicts.
	res, data = doJSON(t, client, http.MethodPost, approveURL, map[string]any{}, actorHeaders("peer-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate approve status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_resolved" {
		t.Fatalf("code %q", code)
	}

	// The approved entry is now listed by default.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries", nil, actorHeaders("sam"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Items) != 1 || listing.Items[0].ID != entry.ID {
		t.Fatalf("listing %+v", listing.Items)
	}
}

func TestProposalVoting(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
		"title": "Celeste",
	}, actorHeaders("sam"))
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entry.ID+"/proposals", map[string]any{
		"target_field": "early_access",
		"operation":    "toggle",
		"suggested":    map[string]any{"value": true},
	}, actorHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatal(err)
	}
	if proposal.VoteCount != 1 || proposal.Status != "pending" {
		t.Fatalf("proposal %+v", proposal)
	}

	// The proposer's own queue is empty; bob sees it.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/"+entry.ID+"/proposals", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var queue proposalQueue
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatal(err)
	}
	if len(queue.Items) != 0 {
		t.Fatalf("own proposal in queue: %+v", queue.Items)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/"+entry.ID+"/proposals", nil, actorHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatal(err)
	}
	if len(queue.Items) != 1 {
		t.Fatalf("queue %+v", queue.Items)
	}

	voteURL := srv.URL + "/v0/proposals/" + proposal.ID + "/votes"
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"value": 1}, actorHeaders("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatal(err)
	}
	if proposal.VoteCount != 2 || proposal.Status != "pending" {
		t.Fatalf("after bob: %+v", proposal)
	}

	// Same voter again conflicts.
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"value": -1}, actorHeaders("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate vote status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_voted" {
		t.Fatalf("code %q", code)
	}

	// Third distinct approval resolves and applies.
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"value": 1}, actorHeaders("carol"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatal(err)
	}
	if proposal.Status != "approved" || proposal.VoteCount != 3 {
		t.Fatalf("after carol: %+v", proposal)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/"+entry.ID, nil, actorHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entry status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}
	if !entry.EarlyAccess {
		t.Fatal("approved toggle not applied")
	}

	// Voting on a resolved proposal conflicts.
	res, data = doJSON(t, client, http.MethodPost, voteURL, map[string]any{"value": 1}, actorHeaders("dave"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("late vote status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_pending" {
		t.Fatalf("code %q", code)
	}
}

func TestEntryPaginationBoundary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	submitted := map[string]bool{}
	for _, title := range []string{"Axiom Verge", "Blasphemous", "Crosscode"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
			"title": title,
		}, actorHeaders("sam"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
		}
		var entry EntryResponse
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatal(err)
		}
		submitted[entry.ID] = true
	}

	// Walking limit=1 pages must visit every entry exactly once.
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		url := srv.URL + "/v0/entries?status=pending&limit=1"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, actorHeaders("sam"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedEntries
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatal(err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("entry %s served twice", item.ID)
			}
			seen[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != len(submitted) {
		t.Fatalf("paged %d of %d submitted entries", len(seen), len(submitted))
	}
	for id := range submitted {
		if !seen[id] {
			t.Fatalf("entry %s missing from pages", id)
		}
	}
}

func TestCuratorMandate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
		"title": "Dwarf Fortress",
	}, actorHeaders("sam"))
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries/"+entry.ID+"/proposals", map[string]any{
		"target_field": "tags",
		"operation":    "add",
		"suggested":    map[string]any{"name": "colony-sim"},
	}, curatorHeaders(t, "curator-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mandate status %d: %s", res.StatusCode, string(data))
	}
	var proposal ProposalResponse
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatal(err)
	}
	if proposal.Status != "approved" {
		t.Fatalf("mandate not applied instantly: %+v", proposal)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/"+entry.ID, nil, actorHeaders("sam"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entry status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != "colony-sim" {
		t.Fatalf("tags %v", entry.Tags)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entries/nope", nil, actorHeaders("sam"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
		"title": "best SPAMLINK deals",
	}, actorHeaders("sam"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_content" {
		t.Fatalf("code %q", code)
	}
}

func TestEventsLog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entries", map[string]any{
		"title": "Outer Wilds",
	}, actorHeaders("sam"))
	var entry EntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entry_id="+entry.ID, nil, actorHeaders("sam"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "entry.submitted" {
		t.Fatalf("events %+v", page.Items)
	}
	if page.Items[0].ActorID != "sam" {
		t.Fatalf("actor %q", page.Items[0].ActorID)
	}
}
