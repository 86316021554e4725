package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"chatstack/internal/auth"
	"chatstack/internal/core"
	"chatstack/internal/store"
)

const maxUploadBytes = 32 << 20

type contextKey int

const (
	userIDKey contextKey = iota
	externalUserIDKey
)

type APIHandler struct {
	chatService *core.ChatService
	jwtSecret   string
	logger      zerolog.Logger
}

func NewAPIHandler(cs *core.ChatService, jwtSecret string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{chatService: cs, jwtSecret: jwtSecret, logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		externalUserID, err := auth.ValidateToken(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUserByExternalID(externalUserID)
		if err != nil {
			h.logger.Error().Err(err).Str("user", externalUserID).Msg("failed to resolve user identity")
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		ctx = context.WithValue(ctx, externalUserIDKey, user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	existing, err := h.chatService.GetUserByExternalID(req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user", req.UserID).Msg("failed to check existing user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error().Err(err).Str("user", req.UserID).Msg("failed to hash password")
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.chatService.CreateUser(req.UserID, hashedPassword)
	if err != nil {
		h.logger.Error().Err(err).Str("user", req.UserID).Msg("failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.chatService.GetUserByExternalID(req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user", req.UserID).Msg("failed to get user")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(h.jwtSecret, req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user", req.UserID).Msg("failed to generate token")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type CreateConversationRequest struct {
	FirstMessage *string `json:"first_message,omitempty"`
}

type ConversationDetailsResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	var req CreateConversationRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	conv, messages, err := h.chatService.CreateConversation(r.Context(), userID, req.FirstMessage)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to create conversation")
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ConversationDetailsResponse{Conversation: conv, Messages: messages})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	convs, err := h.chatService.ListConversations(userID, r.URL.Query().Get("title"))
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to list conversations")
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(convs)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	convID := chi.URLParam(r, "conversationID")

	conv, messages, err := h.chatService.GetConversationDetails(convID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to get conversation")
		http.Error(w, "Failed to get conversation", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationDetailsResponse{Conversation: conv, Messages: messages})
}

type UpdateConversationRequest struct {
	Title  *string `json:"title,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	convID := chi.URLParam(r, "conversationID")

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == nil && req.Pinned == nil {
		http.Error(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	if req.Title != nil {
		if err := h.chatService.RenameConversation(convID, userID, *req.Title); err != nil {
			h.respondMutationError(w, err, convID, "rename")
			return
		}
	}
	if req.Pinned != nil {
		if err := h.chatService.SetPinned(convID, userID, *req.Pinned); err != nil {
			h.respondMutationError(w, err, convID, "pin")
			return
		}
	}

	conv, messages, err := h.chatService.GetConversationDetails(convID, userID)
	if err != nil {
		h.respondMutationError(w, err, convID, "reload")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationDetailsResponse{Conversation: conv, Messages: messages})
}

func (h *APIHandler) respondMutationError(w http.ResponseWriter, err error, convID, action string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	h.logger.Error().Err(err).Str("conversation_id", convID).Str("action", action).Msg("conversation update failed")
	http.Error(w, "Failed to update conversation", http.StatusInternalServerError)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	convID := chi.URLParam(r, "conversationID")

	if err := h.chatService.DeleteConversation(convID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to delete conversation")
		http.Error(w, "Failed to delete conversation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	convID := chi.URLParam(r, "conversationID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	if req.Stream {
		h.streamMessage(w, r, convID, userID, req.Content)
		return
	}

	reply, err := h.chatService.PostMessage(r.Context(), convID, userID, req.Content, nil)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "Conversation not found", http.StatusNotFound)
		case errors.Is(err, core.ErrStreamInterrupted):
			// Partial reply is stored and marked; surface both so the client
			// can show it and offer a retry.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]any{
				"message": reply,
				"error":   "model stream interrupted; partial response stored",
			})
		default:
			h.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to post message")
			http.Error(w, "Failed to generate a response", http.StatusBadGateway)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// streamMessage forwards model fragments as server-sent events: a data event
// per fragment, then "done" carrying the stored message, or "error" when the
// stream was interrupted (any stored partial rides along).
func (h *APIHandler) streamMessage(w http.ResponseWriter, r *http.Request, convID string, userID int64, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	onDelta := func(delta string) error {
		payload, err := json.Marshal(map[string]string{"delta": delta})
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	reply, err := h.chatService.PostMessage(r.Context(), convID, userID, content, onDelta)
	if err != nil {
		payload, _ := json.Marshal(map[string]any{
			"error":   err.Error(),
			"message": reply,
		})
		w.Write([]byte("event: error\ndata: " + string(payload) + "\n\n"))
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(reply)
	w.Write([]byte("event: done\ndata: " + string(payload) + "\n\n"))
	flusher.Flush()
}

func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}
	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		http.Error(w, "At least one file is required", http.StatusBadRequest)
		return
	}

	files := make([]core.UploadFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "Failed to read upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, "Failed to read upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		files = append(files, core.UploadFile{Name: fh.Filename, Data: data})
	}

	n, err := h.chatService.IngestUpload(userID, files)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to index upload")
		http.Error(w, "Failed to index upload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"chunks_indexed": n})
}
