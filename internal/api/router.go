package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pairup/collab/internal/metrics"
)

// NewRouter mounts the matching endpoints, /health and /metrics behind CORS.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "matching-service",
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	m := r.PathPrefix("/matching").Subrouter()
	m.HandleFunc("/match", h.StartMatch).Methods(http.MethodPost)
	m.HandleFunc("/match/{userId}", h.TerminateMatch).Methods(http.MethodDelete)
	m.HandleFunc("/status/{userId}", h.CheckStatus).Methods(http.MethodGet)
	m.HandleFunc("/session/{sessionId}", h.GetSession).Methods(http.MethodGet)
	m.HandleFunc("/session/{userId}", h.EndSession).Methods(http.MethodDelete)
	m.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}
