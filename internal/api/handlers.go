package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"edustack.com/course-assistant/internal/core"
	"edustack.com/course-assistant/internal/llm"
)

type APIHandler struct {
	chatService      *core.ChatService
	knowledgeService *core.KnowledgeService
	logger           *slog.Logger
}

func NewAPIHandler(cs *core.ChatService, ks *core.KnowledgeService, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{chatService: cs, knowledgeService: ks, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Upstream provider
// failures surface as 502 so clients can tell them from our own 500s.
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	var upstream *llm.UpstreamError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, llm.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, llm.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, llm.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, llm.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// POST /api/chat/message
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req core.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.chatService.SendMessage(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/chat/stream
//
// Emits the turn as server-sent events, one "data:" line per event. The
// event payloads are the chat service's stream events verbatim.
func (h *APIHandler) StreamMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req core.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, err := h.chatService.StreamMessage(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	encoder := json.NewEncoder(w)
	for event := range events {
		w.Write([]byte("data: "))
		if err := encoder.Encode(event); err != nil {
			return // client gone
		}
		w.Write([]byte("\n"))
		flusher.Flush()
	}
}

type newConversationRequest struct {
	StudentID      string `json:"studentId"`
	InitialContext string `json:"initialContext,omitempty"`
}

// POST /api/chat/conversations
func (h *APIHandler) NewConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req newConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	conversation, err := h.chatService.StartNewConversation(req.StudentID, req.InitialContext)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversation)
}

// GET /api/chat/conversations?studentId=...
func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chatService.ListConversations(r.URL.Query().Get("studentId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// GET /api/chat/history?studentId=...&conversationId=...&limit=...&offset=...
func (h *APIHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	studentID := r.URL.Query().Get("studentId")
	if studentID == "" {
		http.Error(w, "studentId is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	result, err := h.chatService.GetHistory(studentID, r.URL.Query().Get("conversationId"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DELETE /api/chat/history/{conversationID}?studentId=...
func (h *APIHandler) DeleteHistoryHandler(w http.ResponseWriter, r *http.Request) {
	studentID := r.URL.Query().Get("studentId")
	if studentID == "" {
		http.Error(w, "studentId is required", http.StatusBadRequest)
		return
	}

	if err := h.chatService.DeleteHistory(studentID, chi.URLParam(r, "conversationID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type indexRequest struct {
	CourseID   string `json:"courseId"`
	Content    string `json:"content"`
	SourceFile string `json:"sourceFile"`
}

// POST /api/knowledge/index
func (h *APIHandler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.knowledgeService.IndexCourseContent(r.Context(), req.CourseID, req.Content, req.SourceFile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GET /api/knowledge/search?q=...&courseId=...&limit=...&minScore=...
func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	minScore, _ := strconv.ParseFloat(r.URL.Query().Get("minScore"), 32)

	results, err := h.knowledgeService.SearchSimilar(r.Context(), query, core.SearchOptions{
		CourseID: r.URL.Query().Get("courseId"),
		Limit:    limit,
		MinScore: float32(minScore),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GET /api/knowledge/stats
func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.knowledgeService.Stats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DELETE /api/knowledge/courses/{courseID}
func (h *APIHandler) DeleteCourseHandler(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.knowledgeService.DeleteCourseChunks(chi.URLParam(r, "courseID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chunksDeleted": deleted})
}
