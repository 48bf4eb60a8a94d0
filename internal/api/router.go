package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes live under /api
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Chat routes
		r.Post("/chat/message", apiHandler.SendMessageHandler)
		r.Post("/chat/stream", apiHandler.StreamMessageHandler)
		r.Post("/chat/conversations", apiHandler.NewConversationHandler)
		r.Get("/chat/conversations", apiHandler.ListConversationsHandler)
		r.Get("/chat/history", apiHandler.GetHistoryHandler)
		r.Delete("/chat/history/{conversationID}", apiHandler.DeleteHistoryHandler)

		// Knowledge base routes
		r.Post("/knowledge/index", apiHandler.IndexHandler)
		r.Get("/knowledge/search", apiHandler.SearchHandler)
		r.Get("/knowledge/stats", apiHandler.StatsHandler)
		r.Delete("/knowledge/courses/{courseID}", apiHandler.DeleteCourseHandler)
	})

	return r
}
