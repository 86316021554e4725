package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatstack/internal/core"
	"chatstack/internal/index"
	"chatstack/internal/llm"
	"chatstack/internal/store"
)

// scriptedCompleter replays fixed fragments for every completion call.
type scriptedCompleter struct {
	fragments []string
	fail      bool
}

func (c *scriptedCompleter) StreamChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest, onDelta func(string) error) error {
	for _, f := range c.fragments {
		if err := onDelta(f); err != nil {
			return err
		}
	}
	if c.fail {
		return errors.New("connection dropped")
	}
	return nil
}

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T, completer core.Completer) *httptest.Server {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	docs := core.NewDocumentService(index.NewByteEmbedder(384), 500, zerolog.Nop())
	svc := core.NewChatService(db, docs, completer, core.NewAssembler(6, 4000), core.Options{Model: "test-model"}, zerolog.Nop())
	handler := NewAPIHandler(svc, testJWTSecret, zerolog.Nop())

	server := httptest.NewServer(NewRouter(handler, zerolog.Nop()))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func signupAndLogin(t *testing.T, baseURL, user string) string {
	t.Helper()
	creds := map[string]string{"user_id": user, "password": "hunter2"}

	resp := doJSON(t, http.MethodPost, baseURL+"/api/signup", "", creds)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, baseURL+"/api/login", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["token"] == "" {
		t.Fatal("login returned no token")
	}
	return body["token"]
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	resp := doJSON(t, http.MethodGet, server.URL+"/api/conversations", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}
}

func TestSignupConflict(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	creds := map[string]string{"user_id": "alice", "password": "pw"}

	resp := doJSON(t, http.MethodPost, server.URL+"/api/signup", "", creds)
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, server.URL+"/api/signup", "", creds)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate signup, got %d", resp.StatusCode)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	doJSON(t, http.MethodPost, server.URL+"/api/signup", "", map[string]string{"user_id": "alice", "password": "right"}).Body.Close()

	resp := doJSON(t, http.MethodPost, server.URL+"/api/login", "", map[string]string{"user_id": "alice", "password": "wrong"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"Hi ", "there"}})
	token := signupAndLogin(t, server.URL, "alice")

	// Create an empty conversation.
	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", token, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	created := decode[ConversationDetailsResponse](t, resp)
	if created.Title != store.DefaultTitle {
		t.Errorf("expected default title, got %q", created.Title)
	}

	// Post a message; service streams internally and stores the exchange.
	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+created.ID+"/messages", token,
		map[string]any{"content": "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post message: expected 200, got %d", resp.StatusCode)
	}
	reply := decode[store.Message](t, resp)
	if reply.Role != store.RoleAssistant || reply.Content != "Hi there" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// Details show both messages and the auto-title.
	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations/"+created.ID, token, nil)
	details := decode[ConversationDetailsResponse](t, resp)
	if len(details.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(details.Messages))
	}
	if details.Title != "Hello" {
		t.Errorf("expected auto-title from prompt, got %q", details.Title)
	}

	// Rename and pin.
	resp = doJSON(t, http.MethodPatch, server.URL+"/api/conversations/"+created.ID, token,
		map[string]any{"title": "Greeting", "pinned": true})
	updated := decode[ConversationDetailsResponse](t, resp)
	if updated.Title != "Greeting" || !updated.Pinned {
		t.Fatalf("rename/pin not reflected: %+v", updated.Conversation)
	}

	// Title filter.
	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations?title=greet", token, nil)
	filtered := decode[[]store.Conversation](t, resp)
	if len(filtered) != 1 || filtered[0].Title != "Greeting" {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}

	// Delete, then 404.
	resp = doJSON(t, http.MethodDelete, server.URL+"/api/conversations/"+created.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations/"+created.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestCreateConversationWithFirstMessage(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"Hi there"}})
	token := signupAndLogin(t, server.URL, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", token,
		map[string]any{"first_message": "Hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[ConversationDetailsResponse](t, resp)
	if len(created.Messages) != 2 {
		t.Fatalf("expected the first exchange, got %d messages", len(created.Messages))
	}
}

func TestPostMessageEmptyContent(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	token := signupAndLogin(t, server.URL, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", token, nil)
	created := decode[ConversationDetailsResponse](t, resp)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+created.ID+"/messages", token,
		map[string]any{"content": "   "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPostMessageUnknownConversation(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"x"}})
	token := signupAndLogin(t, server.URL, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations/no-such-id/messages", token,
		map[string]any{"content": "Hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPostMessageInterruptedStreamSurfacesPartial(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"Hel", "lo ", "world"}, fail: true})
	token := signupAndLogin(t, server.URL, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", token, nil)
	created := decode[ConversationDetailsResponse](t, resp)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+created.ID+"/messages", token,
		map[string]any{"content": "Hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body := decode[struct {
		Message *store.Message `json:"message"`
		Error   string         `json:"error"`
	}](t, resp)
	if body.Error == "" {
		t.Error("error should be visible to the user")
	}
	if body.Message == nil || !strings.HasSuffix(body.Message.Content, core.TruncationMarker) {
		t.Fatalf("expected stored partial with truncation marker, got %+v", body.Message)
	}
	if !strings.HasPrefix(body.Message.Content, "Hello world") {
		t.Errorf("partial should hold the accumulated text, got %q", body.Message.Content)
	}
}

func TestPostMessageStreamSSE(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"Hi ", "there"}})
	token := signupAndLogin(t, server.URL, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", token, nil)
	created := decode[ConversationDetailsResponse](t, resp)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+created.ID+"/messages", token,
		map[string]any{"content": "Hello", "stream": true})
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", got)
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read stream failed: %v", err)
	}
	body := raw.String()
	if !strings.Contains(body, `{"delta":"Hi "}`) || !strings.Contains(body, `{"delta":"there"}`) {
		t.Errorf("expected delta events, got %q", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("expected terminal done event, got %q", body)
	}
}

func TestUploadIndexesChunks(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"ok"}})
	token := signupAndLogin(t, server.URL, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	fmt.Fprint(fw, strings.Repeat("a", 1199))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	counts := decode[map[string]int](t, resp)
	if counts["chunks_indexed"] != 3 {
		t.Fatalf("expected 3 chunks indexed, got %d", counts["chunks_indexed"])
	}
}

func TestUploadWithoutFiles(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{})
	token := signupAndLogin(t, server.URL, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", resp.StatusCode)
	}
}

func TestConversationsAreUserScopedOverHTTP(t *testing.T) {
	server := newTestServer(t, &scriptedCompleter{fragments: []string{"x"}})
	aliceToken := signupAndLogin(t, server.URL, "alice")
	bobToken := signupAndLogin(t, server.URL, "bob")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", aliceToken, nil)
	created := decode[ConversationDetailsResponse](t, resp)

	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations/"+created.ID, bobToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's conversation, got %d", resp.StatusCode)
	}
}
