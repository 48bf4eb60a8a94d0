package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

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
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        student_id TEXT NOT NULL,
        title TEXT NOT NULL,
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        last_message_at DATETIME NOT NULL,
        message_count INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_conversations_student ON conversations (student_id, created_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
        content TEXT NOT NULL,
        metadata TEXT, -- JSON, assistant messages only
        created_at DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

    CREATE TABLE IF NOT EXISTS knowledge_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        course_id TEXT NOT NULL,
        source_file TEXT NOT NULL,
        chunk_index INTEGER NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        metadata TEXT, -- JSON
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_chunks_course ON knowledge_chunks (course_id, source_file);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(c *Conversation) error {
	c.ID = uuid.NewString()
	now := time.Now()
	c.CreatedAt = now
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, student_id, title, is_active, last_message_at, message_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		c.ID, c.StudentID, c.Title, c.IsActive, c.LastMessageAt, c.MessageCount, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (*Conversation, error) {
	return s.queryConversation("SELECT id, student_id, title, is_active, last_message_at, message_count, created_at FROM conversations WHERE id = ?", id)
}

// GetActiveConversation returns the student's single active conversation,
// or nil if none is active.
func (s *SQLiteStore) GetActiveConversation(studentID string) (*Conversation, error) {
	return s.queryConversation(
		"SELECT id, student_id, title, is_active, last_message_at, message_count, created_at FROM conversations WHERE student_id = ? AND is_active ORDER BY created_at DESC LIMIT 1",
		studentID,
	)
}

// GetLatestConversation returns the student's most recently created
// conversation excluding exceptID, or nil when there is none.
func (s *SQLiteStore) GetLatestConversation(studentID, exceptID string) (*Conversation, error) {
	return s.queryConversation(
		"SELECT id, student_id, title, is_active, last_message_at, message_count, created_at FROM conversations WHERE student_id = ? AND id != ? ORDER BY created_at DESC LIMIT 1",
		studentID, exceptID,
	)
}

func (s *SQLiteStore) queryConversation(query string, args ...any) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(query, args...).Scan(&c.ID, &c.StudentID, &c.Title, &c.IsActive, &c.LastMessageAt, &c.MessageCount, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListConversations(studentID string) ([]Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, student_id, title, is_active, last_message_at, message_count, created_at FROM conversations WHERE student_id = ? ORDER BY created_at DESC",
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Title, &c.IsActive, &c.LastMessageAt, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// DeactivateOtherConversations marks every conversation of the student
// except activeID as inactive.
func (s *SQLiteStore) DeactivateOtherConversations(studentID, activeID string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET is_active = FALSE WHERE student_id = ? AND id != ?",
		studentID, activeID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate conversations: %w", err)
	}
	return nil
}

// TouchConversation records a completed exchange: bumps last_message_at
// and adds delta to the message count.
func (s *SQLiteStore) TouchConversation(id string, lastMessageAt time.Time, delta int) error {
	res, err := s.db.Exec(
		"UPDATE conversations SET last_message_at = ?, message_count = message_count + ? WHERE id = ?",
		lastMessageAt, delta, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLiteStore) DeleteConversation(id string) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Message methods

func (s *SQLiteStore) CreateMessage(msg *ChatMessage) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now()

	var metadata any
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.Exec(
		"INSERT INTO messages (id, conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessages returns a page of a conversation's messages, oldest first.
func (s *SQLiteStore) GetMessages(conversationID string, limit, offset int) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, metadata, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?",
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the n most recent messages of a conversation,
// ordered oldest first.
func (s *SQLiteStore) GetRecentMessages(conversationID string, n int) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, metadata, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?",
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Flip newest-first to oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			var m MessageMetadata
			if err := json.Unmarshal([]byte(metadata.String), &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for message %s: %w", msg.ID, err)
			}
			msg.Metadata = &m
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// KnowledgeChunk methods

func (s *SQLiteStore) CreateChunk(chunk *KnowledgeChunk) error {
	embedding, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	var metadata any
	if chunk.Metadata != nil {
		data, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		metadata = string(data)
	}

	chunk.CreatedAt = time.Now()
	res, err := s.db.Exec(
		"INSERT INTO knowledge_chunks (course_id, source_file, chunk_index, content, embedding_json, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		chunk.CourseID, chunk.SourceFile, chunk.ChunkIndex, chunk.Content, string(embedding), metadata, chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()
	return nil
}

// DeleteChunksBySource removes every chunk of one (courseID, sourceFile)
// pair, making re-indexing idempotent.
func (s *SQLiteStore) DeleteChunksBySource(courseID, sourceFile string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM knowledge_chunks WHERE course_id = ? AND source_file = ?", courseID, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func (s *SQLiteStore) DeleteCourseChunks(courseID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM knowledge_chunks WHERE course_id = ?", courseID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete course chunks: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// GetChunksByCourse loads the chunks of one course, or every chunk when
// courseID is empty.
func (s *SQLiteStore) GetChunksByCourse(courseID string) ([]KnowledgeChunk, error) {
	query := "SELECT id, course_id, source_file, chunk_index, content, embedding_json, metadata, created_at FROM knowledge_chunks"
	var args []any
	if courseID != "" {
		query += " WHERE course_id = ?"
		args = append(args, courseID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var embedding string
		var metadata sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.CourseID, &chunk.SourceFile, &chunk.ChunkIndex, &chunk.Content, &embedding, &metadata, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if err := json.Unmarshal([]byte(embedding), &chunk.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for chunk %d: %w", chunk.ID, err)
		}
		if metadata.Valid && metadata.String != "" {
			var m ChunkMetadata
			if err := json.Unmarshal([]byte(metadata.String), &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for chunk %d: %w", chunk.ID, err)
			}
			chunk.Metadata = &m
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) CountChunks() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM knowledge_chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CountCourses() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT course_id) FROM knowledge_chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count courses: %w", err)
	}
	return count, nil
}
