package store

import "time"

// Conversation is a logical thread of chat turns belonging to one
// student. At most one conversation per student is active at a time.
type Conversation struct {
	ID            string    `json:"id"` // UUID
	StudentID     string    `json:"studentId"`
	Title         string    `json:"title"`
	IsActive      bool      `json:"isActive"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int       `json:"messageCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ChatMessage is one append-only message inside a conversation.
type ChatMessage struct {
	ID             string           `json:"id"` // UUID
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"` // "user", "assistant" or "system"
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// MessageMetadata records how an assistant message was produced.
type MessageMetadata struct {
	TokensUsed     int    `json:"tokensUsed"`
	Model          string `json:"model"`
	UsedRAG        bool   `json:"usedRAG"`
	RelevantChunks int    `json:"relevantChunks"`
}

// KnowledgeChunk is an immutable slice of course content plus its
// embedding vector. Re-indexing a (courseId, sourceFile) pair replaces
// its chunks wholesale.
type KnowledgeChunk struct {
	ID         int64          `json:"id"`
	CourseID   string         `json:"courseId"`
	SourceFile string         `json:"sourceFile"`
	ChunkIndex int            `json:"chunkIndex"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"` // internal, not exposed over the API
	Metadata   *ChunkMetadata `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// ChunkMetadata carries optional provenance info for a chunk.
type ChunkMetadata struct {
	TokenCount int    `json:"tokenCount"`
	PageNumber int    `json:"pageNumber,omitempty"`
	Section    string `json:"section,omitempty"`
}
