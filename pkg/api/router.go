package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// NewRouter wires the routes. Everything except /health requires the
// X-API-Key header when apiKey is set.
func NewRouter(h *Handler, apiKey string, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.SubmitTask)
			r.Get("/{id}", h.GetTask)
		})
		r.Post("/schedules", h.CreateSchedule)
		r.Get("/stats", h.Stats)
		r.Get("/queues/{which}", h.InspectQueue)
	})

	return r
}

// authMiddleware enforces API key authentication. An empty key disables it.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("X-API-Key") != requiredKey {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("Request handled")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
