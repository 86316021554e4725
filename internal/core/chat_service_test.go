package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatstack/internal/index"
	"chatstack/internal/llm"
	"chatstack/internal/store"
)

// stubCompleter replays scripted fragments, optionally failing afterwards.
type stubCompleter struct {
	fragments []string
	failAfter bool
	calls     int
	lastReq   *llm.ChatCompletionRequest
}

func (c *stubCompleter) StreamChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest, onDelta func(string) error) error {
	c.calls++
	c.lastReq = req
	for _, f := range c.fragments {
		if err := onDelta(f); err != nil {
			return err
		}
	}
	if c.failAfter {
		return errors.New("connection dropped")
	}
	return nil
}

func newTestService(t *testing.T, completer Completer) (*ChatService, *store.SQLiteStore, *store.User) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	user, err := db.CreateUser("alice", "hash")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	docs := NewDocumentService(index.NewByteEmbedder(384), 500, zerolog.Nop())
	svc := NewChatService(db, docs, completer, NewAssembler(6, 4000), Options{Model: "test-model"}, zerolog.Nop())
	return svc, db, user
}

func TestPostMessageStoresExchange(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"Hi ", "there"}}
	svc, db, user := newTestService(t, completer)

	conv, _, err := svc.CreateConversation(context.Background(), user.ID, nil)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	reply, err := svc.PostMessage(context.Background(), conv.ID, user.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if reply.Role != store.RoleAssistant || reply.Content != "Hi there" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	msgs, err := db.ListMessages(conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant stored, got %d", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "Hello" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Content != "Hi there" {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestPostMessageAutoTitlesFromFirstPrompt(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"reply"}}
	svc, db, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	longPrompt := "Explain how garbage collection works in modern runtimes, please"
	if _, err := svc.PostMessage(context.Background(), conv.ID, user.ID, longPrompt, nil); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	got, err := db.GetConversation(conv.ID, user.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title == store.DefaultTitle {
		t.Fatal("expected auto-generated title after first exchange")
	}
	if len([]rune(got.Title)) > titleMaxRunes {
		t.Errorf("title should be truncated to %d runes, got %q", titleMaxRunes, got.Title)
	}
	if !strings.HasPrefix(longPrompt, got.Title) {
		t.Errorf("title should be a prefix of the prompt, got %q", got.Title)
	}
}

func TestPostMessageDoesNotOverwriteExplicitTitle(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"reply"}}
	svc, db, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	if err := svc.RenameConversation(conv.ID, user.ID, "Greeting"); err != nil {
		t.Fatalf("RenameConversation failed: %v", err)
	}
	svc.PostMessage(context.Background(), conv.ID, user.ID, "Hello", nil)

	got, _ := db.GetConversation(conv.ID, user.ID)
	if got.Title != "Greeting" {
		t.Fatalf("explicit title must survive, got %q", got.Title)
	}
}

func TestPostMessageMidStreamDropStoresMarkedPartial(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"Hel", "lo ", "world"}, failAfter: true}
	svc, db, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	var streamed strings.Builder
	reply, err := svc.PostMessage(context.Background(), conv.ID, user.ID, "Hello", func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if streamed.String() != "Hello world" {
		t.Errorf("fragments should reach the caller before the drop, got %q", streamed.String())
	}
	if reply == nil || reply.Content != "Hello world"+TruncationMarker {
		t.Fatalf("expected partial stored with truncation marker, got %+v", reply)
	}

	msgs, _ := db.ListMessages(conv.ID, 0)
	if len(msgs) != 2 || msgs[1].Content != "Hello world"+TruncationMarker {
		t.Fatalf("stored history should hold the marked partial, got %+v", msgs)
	}
}

func TestPostMessageRetriesOnceWhenNoOutput(t *testing.T) {
	completer := &stubCompleter{failAfter: true} // always fails, never emits
	svc, db, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	reply, err := svc.PostMessage(context.Background(), conv.ID, user.ID, "Hello", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrStreamInterrupted) {
		t.Fatal("no partial output means no interrupted-stream result")
	}
	if reply != nil {
		t.Fatalf("no assistant message should be stored, got %+v", reply)
	}
	if completer.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", completer.calls)
	}

	msgs, _ := db.ListMessages(conv.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("only the user message should be stored, got %+v", msgs)
	}
}

func TestPostMessageNoRetryAfterPartialOutput(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"partial"}, failAfter: true}
	svc, _, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	svc.PostMessage(context.Background(), conv.ID, user.ID, "Hello", nil)
	if completer.calls != 1 {
		t.Fatalf("a stream that produced output must not be retried, got %d calls", completer.calls)
	}
}

func TestPostMessageUnknownConversation(t *testing.T) {
	svc, _, user := newTestService(t, &stubCompleter{})
	_, err := svc.PostMessage(context.Background(), "no-such-id", user.ID, "Hello", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostMessageIncludesRetrievedContext(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"ok"}}
	svc, _, user := newTestService(t, completer)

	svc.docs.IngestUpload(user.ID, []UploadFile{{Name: "notes.txt", Data: []byte("the capital of France is Paris")}})

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	if _, err := svc.PostMessage(context.Background(), conv.ID, user.ID, "What is the capital?", nil); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	var hasContext bool
	for _, msg := range completer.lastReq.Messages {
		if msg.Role == store.RoleSystem && strings.Contains(msg.Content, "Paris") {
			hasContext = true
		}
	}
	if !hasContext {
		t.Fatal("assembled context should carry the retrieved chunk")
	}
}

func TestPostMessageHistoryWindowInContext(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"ok"}}
	svc, _, user := newTestService(t, completer)

	conv, _, _ := svc.CreateConversation(context.Background(), user.ID, nil)
	for i := 0; i < 5; i++ {
		if _, err := svc.PostMessage(context.Background(), conv.ID, user.ID, fmt.Sprintf("prompt %d", i), nil); err != nil {
			t.Fatalf("PostMessage %d failed: %v", i, err)
		}
	}

	// [system] + up to 6 history + [user]
	got := completer.lastReq.Messages
	if len(got) != 8 {
		t.Fatalf("expected 8 context entries, got %d", len(got))
	}
	if got[len(got)-1].Content != "prompt 4" {
		t.Errorf("last entry should be the new prompt, got %+v", got[len(got)-1])
	}
}

func TestCreateConversationWithFirstMessage(t *testing.T) {
	completer := &stubCompleter{fragments: []string{"Hi there"}}
	svc, _, user := newTestService(t, completer)

	first := "Hello"
	conv, messages, err := svc.CreateConversation(context.Background(), user.ID, &first)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected the first exchange stored, got %d messages", len(messages))
	}
	if conv.Title != "Hello" {
		t.Errorf("expected auto-title from the first prompt, got %q", conv.Title)
	}
}
