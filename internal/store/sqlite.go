package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when a conversation or message does not exist or
// is not owned by the requesting user.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(userID int64) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     DefaultTitle,
		Pinned:    false,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec("INSERT INTO conversations (id, user_id, title, pinned, created_at) VALUES (?, ?, ?, ?, ?)",
		conv.ID, conv.UserID, conv.Title, conv.Pinned, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(convID string, userID int64) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRow("SELECT id, user_id, title, pinned, created_at FROM conversations WHERE id = ? AND user_id = ?", convID, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Pinned, &conv.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, pinned first, newest
// first within each group. A non-empty titleFilter keeps only titles
// containing it, case-insensitively.
func (s *SQLiteStore) ListConversations(userID int64, titleFilter string) ([]Conversation, error) {
	query := "SELECT id, user_id, title, pinned, created_at FROM conversations WHERE user_id = ?"
	args := []any{userID}
	if titleFilter != "" {
		query += " AND LOWER(title) LIKE '%' || LOWER(?) || '%'"
		args = append(args, titleFilter)
	}
	query += " ORDER BY pinned DESC, created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Pinned, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) RenameConversation(convID string, userID int64, title string) error {
	res, err := s.db.Exec("UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?", title, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetPinned(convID string, userID int64, pinned bool) error {
	res, err := s.db.Exec("UPDATE conversations SET pinned = ? WHERE id = ? AND user_id = ?", pinned, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to update conversation pin: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and all of its messages in one
// transaction.
func (s *SQLiteStore) DeleteConversation(convID string, userID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}

	res, err := tx.Exec("DELETE FROM conversations WHERE id = ? AND user_id = ?", convID, userID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		tx.Rollback()
		return ErrNotFound
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", convID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Message methods

// AppendMessage durably stores one message as a single insert. The seq
// column serializes append order even when timestamps collide.
func (s *SQLiteStore) AppendMessage(convID, role, content string) (*Message, error) {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE id = ?", convID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to verify conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	res, err := s.db.Exec("INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	msg.Seq, _ = res.LastInsertId()
	return msg, nil
}

func (s *SQLiteStore) GetMessage(messageID string) (*Message, error) {
	var msg Message
	err := s.db.QueryRow("SELECT seq, id, conversation_id, role, content, created_at FROM messages WHERE id = ?", messageID).
		Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns the conversation's messages oldest to newest. With
// limit > 0, only the most recent limit messages are returned, still oldest
// to newest within that window.
func (s *SQLiteStore) ListMessages(convID string, limit int) ([]Message, error) {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE id = ?", convID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to verify conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	query := "SELECT seq, id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC"
	args := []any{convID}
	if limit > 0 {
		query = `
        SELECT seq, id, conversation_id, role, content, created_at FROM (
            SELECT seq, id, conversation_id, role, content, created_at
            FROM messages WHERE conversation_id = ?
            ORDER BY seq DESC LIMIT ?
        ) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
