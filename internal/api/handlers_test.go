package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edustack.com/course-assistant/internal/core"
	"edustack.com/course-assistant/internal/llm"
	"edustack.com/course-assistant/internal/store"
)

// The handler tests run against the real services wired to stub
// upstreams: an in-memory SQLite store and an httptest LLM endpoint.

func newTestServer(t *testing.T, llmHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	upstream := httptest.NewServer(llmHandler)
	t.Cleanup(upstream.Close)

	dbStore, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbStore.Close() })

	// Retry behavior is covered by the llm package tests; a single
	// attempt keeps failure-path tests fast.
	client, err := llm.NewClient(llm.Config{BaseURL: upstream.URL, APIKey: "test-key", MaxRetries: 1})
	require.NoError(t, err)

	knowledgeService := core.NewKnowledgeService(dbStore, client, nil)
	chatService := core.NewChatService(dbStore, knowledgeService, client, core.NewHistoryCache(), nil)
	handler := NewAPIHandler(chatService, knowledgeService, nil)

	srv := httptest.NewServer(NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

// stubLLM answers both the embedding and completion endpoints with
// fixed payloads.
func stubLLM(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embeddings":
			w.Write([]byte(`{"data":[{"embedding":[1,0,0]}]}`))
		case "/chat/completions":
			var req struct {
				Stream bool `json:"stream"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
				w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n\n"))
				w.Write([]byte("data: {\"choices\":[{\"delta\":{}}],\"usage\":{\"total_tokens\":5}}\n\n"))
				w.Write([]byte("data: [DONE]\n\n"))
				return
			}
			w.Write([]byte(`{"model":"gpt-4","choices":[{"message":{"content":"Hello!"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`))
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessageEndpoint(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(`{"studentId":"student-1","message":"¿Qué es React?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result core.SendMessageResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.ConversationID)
	assert.Equal(t, "¿Qué es React?", result.UserMessage.Content)
	assert.Equal(t, "Hello!", result.AssistantMessage.Content)
	require.NotNil(t, result.AssistantMessage.Metadata)
	assert.Equal(t, 5, result.AssistantMessage.Metadata.TokensUsed)
}

func TestSendMessageEndpointValidation(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(`{"studentId":"student-1","message":"   "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEndpointEventOrder(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/chat/stream", "application/json",
		strings.NewReader(`{"studentId":"student-1","message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []core.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev core.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 4)
	assert.Equal(t, core.StreamEventStart, events[0].Type)
	assert.NotEmpty(t, events[0].ConversationID)
	assert.Equal(t, "Hi", events[1].Content)
	assert.Equal(t, "!", events[2].Content)
	assert.Equal(t, core.StreamEventDone, events[3].Type)
	require.NotNil(t, events[3].Metadata)
	assert.Equal(t, 5, events[3].Metadata.TokensUsed)
}

func TestUpstreamErrorsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	// The search embeds its query, so the upstream rate limit surfaces
	// on the response status.
	resp, err := http.Get(srv.URL + "/api/knowledge/search?q=javascript")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Indexing swallows per-chunk failures; with every chunk failing it
	// reports the whole run as failed instead.
	idxResp, err := http.Post(srv.URL+"/api/knowledge/index", "application/json",
		strings.NewReader(`{"courseId":"js-101","content":"One sentence only.","sourceFile":"a.md"}`))
	require.NoError(t, err)
	defer idxResp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, idxResp.StatusCode)
}

func TestIndexAndSearchEndpoints(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/knowledge/index", "application/json",
		strings.NewReader(`{"courseId":"js-101","content":"JavaScript is a scripting language. It runs in browsers.","sourceFile":"intro.md"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var indexResult core.IndexResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&indexResult))
	assert.Equal(t, 1, indexResult.ChunksCreated)

	searchResp, err := http.Get(srv.URL + "/api/knowledge/search?q=javascript")
	require.NoError(t, err)
	defer searchResp.Body.Close()
	require.Equal(t, http.StatusOK, searchResp.StatusCode)

	var results []core.SearchResult
	require.NoError(t, json.NewDecoder(searchResp.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "js-101", results[0].CourseID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)

	statsResp, err := http.Get(srv.URL + "/api/knowledge/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()

	var stats core.KnowledgeStats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.TotalChunks)
	assert.Equal(t, int64(1), stats.CoursesCovered)
}

func TestIndexEndpointValidation(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/knowledge/index", "application/json",
		strings.NewReader(`{"courseId":"bad id!","content":"x.","sourceFile":"a.md"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEndpointEmptyStore(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Get(srv.URL + "/api/knowledge/search?q=anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results []core.SearchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	assert.Empty(t, results)
}

func TestHistoryEndpoints(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/chat/message", "application/json",
		strings.NewReader(`{"studentId":"student-1","message":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent core.SendMessageResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))

	histResp, err := http.Get(srv.URL + "/api/chat/history?studentId=student-1")
	require.NoError(t, err)
	defer histResp.Body.Close()
	require.Equal(t, http.StatusOK, histResp.StatusCode)

	var history core.HistoryResult
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&history))
	assert.Equal(t, sent.ConversationID, history.Conversation.ID)
	assert.Len(t, history.Messages, 2)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete,
		srv.URL+"/api/chat/history/"+sent.ConversationID+"?studentId=student-1", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	// Deleting again is a 404.
	again, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestNewConversationEndpoint(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/chat/conversations", "application/json",
		strings.NewReader(`{"studentId":"student-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conversation store.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conversation))
	assert.NotEmpty(t, conversation.ID)
	assert.True(t, conversation.IsActive)
	assert.Equal(t, "New conversation", conversation.Title)

	listResp, err := http.Get(srv.URL + "/api/chat/conversations?studentId=student-1")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var conversations []store.Conversation
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&conversations))
	require.Len(t, conversations, 1)
	assert.Equal(t, conversation.ID, conversations[0].ID)
}

func TestDeleteCourseEndpoint(t *testing.T) {
	srv := newTestServer(t, stubLLM(t))

	resp, err := http.Post(srv.URL+"/api/knowledge/index", "application/json",
		strings.NewReader(`{"courseId":"js-101","content":"One chunk here.","sourceFile":"a.md"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete,
		srv.URL+"/api/knowledge/courses/js-101", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(delResp.Body).Decode(&body))
	assert.Equal(t, int64(1), body["chunksDeleted"])
}
