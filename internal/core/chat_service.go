package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatstack/internal/llm"
	"chatstack/internal/store"
)

// TruncationMarker is appended to a partial assistant reply stored after a
// mid-stream failure, so truncation is visible in the history.
const TruncationMarker = "\n\n[response truncated]"

// ErrStreamInterrupted reports that the model stream failed mid-way. The
// partial reply, marked truncated, has already been stored; callers surface
// the error so the user can retry.
var ErrStreamInterrupted = errors.New("model stream interrupted")

const (
	defaultCallTimeout = 90 * time.Second
	defaultTopK        = 3
	titleMaxRunes      = 40
)

// Completer streams a chat completion, delivering text fragments through the
// callback in arrival order.
type Completer interface {
	StreamChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest, onDelta func(delta string) error) error
}

// Options tune the chat service; zero values fall back to defaults.
type Options struct {
	Model       string
	MaxTokens   int
	TopK        int
	CallTimeout time.Duration
	Policy      PolicyFlags
}

type inflightCall struct {
	cancel context.CancelFunc
}

// ChatService orchestrates the conversation flow: persist the prompt,
// assemble context, stream the completion, persist the reply.
type ChatService struct {
	store     *store.SQLiteStore
	docs      *DocumentService
	completer Completer
	assembler *Assembler
	logger    zerolog.Logger
	opts      Options

	mu       sync.Mutex
	inflight map[string]*inflightCall // conversation ID -> active stream
}

func NewChatService(db *store.SQLiteStore, docs *DocumentService, completer Completer, assembler *Assembler, opts Options, logger zerolog.Logger) *ChatService {
	if opts.Model == "" {
		opts.Model = llm.DefaultModel
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &ChatService{
		store:     db,
		docs:      docs,
		completer: completer,
		assembler: assembler,
		logger:    logger,
		opts:      opts,
		inflight:  make(map[string]*inflightCall),
	}
}

// User passthroughs for the auth handlers.

func (s *ChatService) GetUserByExternalID(externalUserID string) (*store.User, error) {
	return s.store.GetUserByExternalID(externalUserID)
}

func (s *ChatService) CreateUser(externalUserID, passwordHash string) (*store.User, error) {
	return s.store.CreateUser(externalUserID, passwordHash)
}

// Conversation operations.

// CreateConversation opens a new conversation and, when a first message is
// given, runs the full first exchange.
func (s *ChatService) CreateConversation(ctx context.Context, userID int64, firstMessage *string) (*store.Conversation, []store.Message, error) {
	conv, err := s.store.CreateConversation(userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	var messages []store.Message
	if firstMessage != nil && *firstMessage != "" {
		reply, err := s.PostMessage(ctx, conv.ID, userID, *firstMessage, nil)
		if reply != nil {
			stored, listErr := s.store.ListMessages(conv.ID, 0)
			if listErr == nil {
				messages = stored
			}
		}
		if err != nil && !errors.Is(err, ErrStreamInterrupted) {
			// The conversation and the user message survive; the caller may
			// resubmit.
			s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("first exchange failed")
		}
		// Reload so the auto-generated title is reflected.
		if refreshed, getErr := s.store.GetConversation(conv.ID, userID); getErr == nil {
			conv = refreshed
		}
	}
	return conv, messages, nil
}

func (s *ChatService) ListConversations(userID int64, titleFilter string) ([]store.Conversation, error) {
	return s.store.ListConversations(userID, titleFilter)
}

func (s *ChatService) GetConversationDetails(convID string, userID int64) (*store.Conversation, []store.Message, error) {
	conv, err := s.store.GetConversation(convID, userID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.store.ListMessages(convID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return conv, messages, nil
}

func (s *ChatService) RenameConversation(convID string, userID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	return s.store.RenameConversation(convID, userID, title)
}

func (s *ChatService) SetPinned(convID string, userID int64, pinned bool) error {
	return s.store.SetPinned(convID, userID, pinned)
}

func (s *ChatService) DeleteConversation(convID string, userID int64) error {
	return s.store.DeleteConversation(convID, userID)
}

// IngestUpload indexes an upload batch for the user's session, replacing any
// previous batch.
func (s *ChatService) IngestUpload(userID int64, files []UploadFile) (int, error) {
	return s.docs.IngestUpload(userID, files)
}

// PostMessage appends the user message, assembles the model context, streams
// the completion (forwarding fragments to onDelta when non-nil), and
// persists the reply. On a mid-stream failure the accumulated partial text
// is stored with TruncationMarker and ErrStreamInterrupted is returned
// alongside the stored message.
func (s *ChatService) PostMessage(ctx context.Context, convID string, userID int64, content string, onDelta func(delta string) error) (*store.Message, error) {
	conv, err := s.store.GetConversation(convID, userID)
	if err != nil {
		return nil, err
	}

	// History is read before the new prompt is appended; the prompt enters
	// the context as the final user entry, not as history.
	history, err := s.store.ListMessages(convID, s.assembler.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if _, err := s.store.AppendMessage(convID, store.RoleUser, content); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	chunks, err := s.docs.Retrieve(userID, content, s.opts.TopK)
	if err != nil {
		// Retrieval is best effort; answer from history alone.
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("context retrieval failed")
		chunks = nil
	}

	messages := s.assembler.Build(SystemPolicy(s.opts.Policy), chunks, history, content)

	streamCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	call := s.registerStream(convID, cancel)
	defer s.releaseStream(convID, call)

	var out strings.Builder
	deliver := func(delta string) error {
		out.WriteString(delta)
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	}

	req := &llm.ChatCompletionRequest{
		Model:    s.opts.Model,
		Messages: messages,
	}
	if s.opts.MaxTokens > 0 {
		maxTokens := s.opts.MaxTokens
		req.MaxTokens = &maxTokens
	}

	streamErr := s.completer.StreamChatCompletion(streamCtx, req, deliver)
	if streamErr != nil && out.Len() == 0 && streamCtx.Err() == nil {
		// One retry when the call failed before producing any output.
		s.logger.Warn().Err(streamErr).Str("conversation_id", convID).Msg("retrying model call")
		streamErr = s.completer.StreamChatCompletion(streamCtx, req, deliver)
	}

	if streamErr != nil {
		if out.Len() == 0 {
			// Nothing to preserve; the user message is stored and the user
			// may resubmit.
			return nil, fmt.Errorf("model call failed: %w", streamErr)
		}
		partial := out.String() + TruncationMarker
		msg, storeErr := s.store.AppendMessage(convID, store.RoleAssistant, partial)
		if storeErr != nil {
			return nil, fmt.Errorf("failed to store partial reply: %w", storeErr)
		}
		s.maybeAutoTitle(conv, history, content)
		return msg, fmt.Errorf("%w: %v", ErrStreamInterrupted, streamErr)
	}

	msg, err := s.store.AppendMessage(convID, store.RoleAssistant, out.String())
	if err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	s.maybeAutoTitle(conv, history, content)
	return msg, nil
}

// registerStream cancels any in-flight stream for the conversation so a new
// submission supersedes it.
func (s *ChatService) registerStream(convID string, cancel context.CancelFunc) *inflightCall {
	call := &inflightCall{cancel: cancel}
	s.mu.Lock()
	if prev := s.inflight[convID]; prev != nil {
		prev.cancel()
	}
	s.inflight[convID] = call
	s.mu.Unlock()
	return call
}

func (s *ChatService) releaseStream(convID string, call *inflightCall) {
	s.mu.Lock()
	if s.inflight[convID] == call {
		delete(s.inflight, convID)
	}
	s.mu.Unlock()
}

// maybeAutoTitle replaces the default title with a truncation of the first
// user prompt. It runs after the first stored exchange and never overwrites
// an explicit rename.
func (s *ChatService) maybeAutoTitle(conv *store.Conversation, history []store.Message, latestPrompt string) {
	if conv.Title != store.DefaultTitle {
		return
	}
	basis := latestPrompt
	for _, msg := range history {
		if msg.Role == store.RoleUser {
			basis = msg.Content
			break
		}
	}
	title := truncateTitle(basis)
	if title == "" {
		return
	}
	if err := s.store.RenameConversation(conv.ID, conv.UserID, title); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to auto-title conversation")
	}
}

func truncateTitle(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return collapsed
}
