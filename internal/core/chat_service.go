package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"edustack.com/course-assistant/internal/llm"
	"edustack.com/course-assistant/internal/store"
)

// ErrNotFound indicates a conversation that does not exist or does not
// belong to the requesting student.
var ErrNotFound = errors.New("not found")

// Completer produces chat completions, blocking or streamed.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
	StreamComplete(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error)
	ChatModel() string
}

// ContextSearcher retrieves course material relevant to a query.
type ContextSearcher interface {
	SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// ConversationStore is the persistence surface the chat service needs.
type ConversationStore interface {
	CreateConversation(c *store.Conversation) error
	GetConversation(id string) (*store.Conversation, error)
	GetActiveConversation(studentID string) (*store.Conversation, error)
	GetLatestConversation(studentID, exceptID string) (*store.Conversation, error)
	ListConversations(studentID string) ([]store.Conversation, error)
	DeactivateOtherConversations(studentID, activeID string) error
	TouchConversation(id string, lastMessageAt time.Time, delta int) error
	DeleteConversation(id string) error
	CreateMessage(msg *store.ChatMessage) error
	GetMessages(conversationID string, limit, offset int) ([]store.ChatMessage, error)
	GetRecentMessages(conversationID string, n int) ([]store.ChatMessage, error)
}

// ChatService orchestrates one chat turn: persist the user message,
// gather history and course context, call the completion upstream, then
// persist the assistant reply and update conversation bookkeeping.
type ChatService struct {
	store     ConversationStore
	knowledge ContextSearcher
	completer Completer
	cache     *HistoryCache
	logger    *slog.Logger
}

func NewChatService(st ConversationStore, knowledge ContextSearcher, completer Completer, cache *HistoryCache, logger *slog.Logger) *ChatService {
	if cache == nil {
		cache = NewHistoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:     st,
		knowledge: knowledge,
		completer: completer,
		cache:     cache,
		logger:    logger,
	}
}

type SendMessageRequest struct {
	StudentID      string `json:"studentId"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

type SendMessageResult struct {
	ConversationID   string             `json:"conversationId"`
	UserMessage      *store.ChatMessage `json:"userMessage"`
	AssistantMessage *store.ChatMessage `json:"assistantMessage"`
}

// SendMessage runs one blocking chat turn. If the turn fails after the
// user message is persisted, that message stays persisted and the
// conversation's bookkeeping is left untouched.
func (s *ChatService) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error) {
	if strings.TrimSpace(req.StudentID) == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrValidation)
	}

	conversation, err := s.resolveConversation(req.StudentID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &store.ChatMessage{
		ConversationID: conversation.ID,
		Role:           llm.RoleUser,
		Content:        req.Message,
	}
	if err := s.store.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	history, err := s.conversationHistory(conversation.ID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	contextChunks, err := s.knowledge.SearchSimilar(ctx, req.Message, SearchOptions{
		Limit:    DefaultSearchLimit,
		MinScore: ChatRetrievalMinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("context retrieval failed: %w", err)
	}

	prompt := buildPromptMessages(history, req.Message, contextChunks)
	completion, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	assistantMsg := &store.ChatMessage{
		ConversationID: conversation.ID,
		Role:           llm.RoleAssistant,
		Content:        completion.Content,
		Metadata: &store.MessageMetadata{
			TokensUsed:     completion.TokensUsed,
			Model:          completion.Model,
			UsedRAG:        len(contextChunks) > 0,
			RelevantChunks: len(contextChunks),
		},
	}
	if err := s.completeTurn(conversation.ID, req.Message, assistantMsg); err != nil {
		return nil, err
	}

	return &SendMessageResult{
		ConversationID:   conversation.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

// Stream event types, in wire order: one start, zero or more tokens,
// then exactly one done or error.
const (
	StreamEventStart = "start"
	StreamEventToken = "token"
	StreamEventDone  = "done"
	StreamEventError = "error"
)

type StreamEvent struct {
	Type               string                 `json:"type"`
	ConversationID     string                 `json:"conversationId,omitempty"`
	UserMessageID      string                 `json:"userMessageId,omitempty"`
	AssistantMessageID string                 `json:"assistantMessageId,omitempty"`
	Content            string                 `json:"content,omitempty"`
	Metadata           *store.MessageMetadata `json:"metadata,omitempty"`
	Message            string                 `json:"message,omitempty"`
}

// StreamMessage runs one chat turn, emitting tokens as they arrive. The
// assistant message is persisted only after the stream completes
// naturally; a mid-stream failure or cancellation discards the partial
// content, leaving just the user message behind.
func (s *ChatService) StreamMessage(ctx context.Context, req SendMessageRequest) (<-chan StreamEvent, error) {
	if strings.TrimSpace(req.StudentID) == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrValidation)
	}

	events := make(chan StreamEvent)
	go s.runStreamTurn(ctx, req, events)
	return events, nil
}

func (s *ChatService) runStreamTurn(ctx context.Context, req SendMessageRequest, events chan<- StreamEvent) {
	defer close(events)

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		s.logger.Error("streaming chat turn failed", "studentId", req.StudentID, "error", err)
		emit(StreamEvent{Type: StreamEventError, Message: err.Error()})
	}

	conversation, err := s.resolveConversation(req.StudentID, req.ConversationID)
	if err != nil {
		fail(err)
		return
	}

	userMsg := &store.ChatMessage{
		ConversationID: conversation.ID,
		Role:           llm.RoleUser,
		Content:        req.Message,
	}
	if err := s.store.CreateMessage(userMsg); err != nil {
		fail(fmt.Errorf("failed to persist user message: %w", err))
		return
	}
	if !emit(StreamEvent{
		Type:           StreamEventStart,
		ConversationID: conversation.ID,
		UserMessageID:  userMsg.ID,
	}) {
		return
	}

	history, err := s.conversationHistory(conversation.ID, userMsg.ID)
	if err != nil {
		fail(err)
		return
	}

	contextChunks, err := s.knowledge.SearchSimilar(ctx, req.Message, SearchOptions{
		Limit:    DefaultSearchLimit,
		MinScore: ChatRetrievalMinScore,
	})
	if err != nil {
		fail(fmt.Errorf("context retrieval failed: %w", err))
		return
	}

	prompt := buildPromptMessages(history, req.Message, contextChunks)
	chunks, err := s.completer.StreamComplete(ctx, prompt)
	if err != nil {
		fail(err)
		return
	}

	var content strings.Builder
	var usage llm.Usage
	for chunk := range chunks {
		if chunk.Err != nil {
			fail(chunk.Err)
			return
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		content.WriteString(chunk.Delta)
		if !emit(StreamEvent{Type: StreamEventToken, Content: chunk.Delta}) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	assistantMsg := &store.ChatMessage{
		ConversationID: conversation.ID,
		Role:           llm.RoleAssistant,
		Content:        content.String(),
		Metadata: &store.MessageMetadata{
			TokensUsed:     usage.TotalTokens,
			Model:          s.completer.ChatModel(),
			UsedRAG:        len(contextChunks) > 0,
			RelevantChunks: len(contextChunks),
		},
	}
	if err := s.completeTurn(conversation.ID, req.Message, assistantMsg); err != nil {
		fail(err)
		return
	}

	emit(StreamEvent{
		Type:               StreamEventDone,
		AssistantMessageID: assistantMsg.ID,
		Metadata:           assistantMsg.Metadata,
	})
}

// completeTurn persists the assistant message, bumps the conversation's
// bookkeeping by one full exchange, and appends both messages to the
// cached history. Called only after the completion succeeded in full.
func (s *ChatService) completeTurn(conversationID, userContent string, assistantMsg *store.ChatMessage) error {
	if err := s.store.CreateMessage(assistantMsg); err != nil {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}
	if err := s.store.TouchConversation(conversationID, time.Now(), 2); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	s.cache.Append(conversationID,
		llm.Message{Role: llm.RoleUser, Content: userContent},
		llm.Message{Role: llm.RoleAssistant, Content: assistantMsg.Content},
	)
	return nil
}

// resolveConversation returns the conversation to use for a turn. An
// unknown or absent id yields a fresh conversation rather than an error,
// so a client that lost its id can always keep chatting.
func (s *ChatService) resolveConversation(studentID, conversationID string) (*store.Conversation, error) {
	if conversationID != "" {
		conversation, err := s.store.GetConversation(conversationID)
		if err != nil {
			return nil, err
		}
		if conversation != nil && conversation.StudentID == studentID {
			return conversation, nil
		}
	}
	return s.createConversation(studentID)
}

func (s *ChatService) createConversation(studentID string) (*store.Conversation, error) {
	conversation := &store.Conversation{
		StudentID: studentID,
		Title:     "New conversation",
		IsActive:  true,
	}
	if err := s.store.CreateConversation(conversation); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := s.store.DeactivateOtherConversations(studentID, conversation.ID); err != nil {
		return nil, fmt.Errorf("failed to deactivate prior conversations: %w", err)
	}
	s.logger.Info("created conversation", "conversationId", conversation.ID, "studentId", studentID)
	return conversation, nil
}

// conversationHistory returns the cached prompt history, hydrating from
// storage on a miss. The current turn's user message is already
// persisted when this runs, so hydration filters it out by id to keep it
// from appearing in the prompt twice.
func (s *ChatService) conversationHistory(conversationID, currentMessageID string) ([]llm.Message, error) {
	if history, ok := s.cache.Get(conversationID); ok {
		return history, nil
	}

	messages, err := s.store.GetRecentMessages(conversationID, historyHydrateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == currentMessageID {
			continue
		}
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	s.cache.Set(conversationID, history)
	return history, nil
}

// StartNewConversation explicitly opens a fresh conversation for a
// student, deactivating any prior ones. The cache entry for the new
// conversation is seeded from the most recent prior conversation and
// cleared, so no history leaks across the boundary.
func (s *ChatService) StartNewConversation(studentID, initialContext string) (*store.Conversation, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrValidation)
	}

	conversation, err := s.createConversation(studentID)
	if err != nil {
		return nil, err
	}

	previous, err := s.store.GetLatestConversation(studentID, conversation.ID)
	if err != nil {
		return nil, err
	}
	sourceID := ""
	if previous != nil {
		sourceID = previous.ID
	}
	s.cache.SeedFrom(conversation.ID, sourceID, initialContext)

	return conversation, nil
}

// ListConversations returns all of a student's conversations, newest
// first.
func (s *ChatService) ListConversations(studentID string) ([]store.Conversation, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrValidation)
	}
	conversations, err := s.store.ListConversations(studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if conversations == nil {
		conversations = []store.Conversation{}
	}
	return conversations, nil
}

// HistoryResult is a page of a conversation's messages.
type HistoryResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.ChatMessage `json:"messages"`
}

// GetHistory returns a page of messages, oldest first. With no
// conversation id it falls back to the student's active conversation.
func (s *ChatService) GetHistory(studentID, conversationID string, limit, offset int) (*HistoryResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	conversation, err := s.ownedConversation(studentID, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.GetMessages(conversation.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	return &HistoryResult{Conversation: conversation, Messages: messages}, nil
}

// DeleteHistory removes a conversation, its messages, and its cache
// entry.
func (s *ChatService) DeleteHistory(studentID, conversationID string) error {
	conversation, err := s.ownedConversation(studentID, conversationID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(conversation.ID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.cache.Delete(conversation.ID)
	s.logger.Info("deleted conversation", "conversationId", conversation.ID, "studentId", studentID)
	return nil
}

// ownedConversation resolves a conversation and verifies the student
// owns it. An empty id resolves to the student's active conversation.
func (s *ChatService) ownedConversation(studentID, conversationID string) (*store.Conversation, error) {
	var conversation *store.Conversation
	var err error
	if conversationID == "" {
		conversation, err = s.store.GetActiveConversation(studentID)
	} else {
		conversation, err = s.store.GetConversation(conversationID)
	}
	if err != nil {
		return nil, err
	}
	if conversation == nil || conversation.StudentID != studentID {
		return nil, fmt.Errorf("%w: conversation", ErrNotFound)
	}
	return conversation, nil
}
