package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "student-1", Title: "New conversation", IsActive: true}
	require.NoError(t, s.CreateConversation(c))
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	got, err := s.GetConversation(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "student-1", got.StudentID)
	assert.Equal(t, "New conversation", got.Title)
	assert.True(t, got.IsActive)
	assert.Zero(t, got.MessageCount)

	missing, err := s.GetConversation("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestActiveConversationTracking(t *testing.T) {
	s := newTestStore(t)

	first := &Conversation{StudentID: "s", Title: "t", IsActive: true}
	require.NoError(t, s.CreateConversation(first))
	second := &Conversation{StudentID: "s", Title: "t", IsActive: true}
	require.NoError(t, s.CreateConversation(second))

	require.NoError(t, s.DeactivateOtherConversations("s", second.ID))

	active, err := s.GetActiveConversation("s")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	old, err := s.GetConversation(first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	none, err := s.GetActiveConversation("someone-else")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGetLatestConversationExcludes(t *testing.T) {
	s := newTestStore(t)

	first := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(first))
	second := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(second))

	latest, err := s.GetLatestConversation("s", second.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first.ID, latest.ID)

	none, err := s.GetLatestConversation("s", first.ID)
	require.NoError(t, err)
	require.NotNil(t, none)
	assert.Equal(t, second.ID, none.ID)
}

func TestListConversationsByStudent(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateConversation(&Conversation{StudentID: "s", Title: "t"}))
	}
	require.NoError(t, s.CreateConversation(&Conversation{StudentID: "other", Title: "t"}))

	conversations, err := s.ListConversations("s")
	require.NoError(t, err)
	assert.Len(t, conversations, 3)

	none, err := s.ListConversations("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTouchConversation(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "s", Title: "t", IsActive: true}
	require.NoError(t, s.CreateConversation(c))

	at := time.Now().Add(time.Minute)
	require.NoError(t, s.TouchConversation(c.ID, at, 2))
	require.NoError(t, s.TouchConversation(c.ID, at.Add(time.Minute), 2))

	got, err := s.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageCount)

	assert.Error(t, s.TouchConversation("no-such-id", at, 2))
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(c))

	user := &ChatMessage{ConversationID: c.ID, Role: "user", Content: "hello"}
	require.NoError(t, s.CreateMessage(user))
	assert.NotEmpty(t, user.ID)

	assistant := &ChatMessage{
		ConversationID: c.ID,
		Role:           "assistant",
		Content:        "hi there",
		Metadata: &MessageMetadata{
			TokensUsed: 12, Model: "gpt-4", UsedRAG: true, RelevantChunks: 2,
		},
	}
	require.NoError(t, s.CreateMessage(assistant))

	messages, err := s.GetMessages(c.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Nil(t, messages[0].Metadata)
	assert.Equal(t, "assistant", messages[1].Role)
	require.NotNil(t, messages[1].Metadata)
	assert.Equal(t, 12, messages[1].Metadata.TokensUsed)
	assert.True(t, messages[1].Metadata.UsedRAG)
}

func TestMessageRoleConstraint(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(c))

	err := s.CreateMessage(&ChatMessage{ConversationID: c.ID, Role: "robot", Content: "x"})
	assert.Error(t, err)
}

func TestGetRecentMessagesOrder(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(c))

	base := time.Now()
	for i := 0; i < 5; i++ {
		// Insert directly so created_at values are strictly increasing.
		_, err := s.db.Exec(
			"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, 'user', ?, ?)",
			string(rune('a'+i)), c.ID, string(rune('0'+i)), base.Add(time.Duration(i)*time.Second),
		)
		require.NoError(t, err)
	}

	recent, err := s.GetRecentMessages(c.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Content)
	assert.Equal(t, "3", recent[1].Content)
	assert.Equal(t, "4", recent[2].Content)
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)

	c := &Conversation{StudentID: "s", Title: "t"}
	require.NoError(t, s.CreateConversation(c))
	require.NoError(t, s.CreateMessage(&ChatMessage{ConversationID: c.ID, Role: "user", Content: "hi"}))

	require.NoError(t, s.DeleteConversation(c.ID))

	gone, err := s.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	messages, err := s.GetMessages(c.ID, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestChunkRoundTripAndReindex(t *testing.T) {
	s := newTestStore(t)

	chunk := &KnowledgeChunk{
		CourseID:   "js-101",
		SourceFile: "intro.md",
		ChunkIndex: 0,
		Content:    "JavaScript basics.",
		Embedding:  []float32{0.1, 0.2, 0.3},
		Metadata:   &ChunkMetadata{TokenCount: 5, Section: "intro"},
	}
	require.NoError(t, s.CreateChunk(chunk))
	assert.NotZero(t, chunk.ID)

	require.NoError(t, s.CreateChunk(&KnowledgeChunk{
		CourseID: "js-101", SourceFile: "intro.md", ChunkIndex: 1,
		Content: "More basics.", Embedding: []float32{0.4, 0.5, 0.6},
	}))

	chunks, err := s.GetChunksByCourse("js-101")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, chunks[0].Embedding)
	require.NotNil(t, chunks[0].Metadata)
	assert.Equal(t, "intro", chunks[0].Metadata.Section)
	assert.Nil(t, chunks[1].Metadata)

	// Re-indexing the same source replaces its chunks wholesale.
	deleted, err := s.DeleteChunksBySource("js-101", "intro.md")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	chunks, err = s.GetChunksByCourse("js-101")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestGetChunksByCourseFilter(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateChunk(&KnowledgeChunk{
		CourseID: "js-101", SourceFile: "a.md", Content: "js", Embedding: []float32{1},
	}))
	require.NoError(t, s.CreateChunk(&KnowledgeChunk{
		CourseID: "bio-201", SourceFile: "b.md", Content: "bio", Embedding: []float32{1},
	}))

	all, err := s.GetChunksByCourse("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	js, err := s.GetChunksByCourse("js-101")
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.Equal(t, "js", js[0].Content)
}

func TestCountsAndCourseDelete(t *testing.T) {
	s := newTestStore(t)

	for i, course := range []string{"js-101", "js-101", "bio-201"} {
		require.NoError(t, s.CreateChunk(&KnowledgeChunk{
			CourseID: course, SourceFile: "f.md", ChunkIndex: i,
			Content: "c", Embedding: []float32{1},
		}))
	}

	chunks, err := s.CountChunks()
	require.NoError(t, err)
	assert.Equal(t, int64(3), chunks)

	courses, err := s.CountCourses()
	require.NoError(t, err)
	assert.Equal(t, int64(2), courses)

	deleted, err := s.DeleteCourseChunks("js-101")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	chunks, err = s.CountChunks()
	require.NoError(t, err)
	assert.Equal(t, int64(1), chunks)
}
