package http

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"oentex/internal/config"
)

// NewRouter wires the sign-in flow and the local session API using chi.
func NewRouter(cfg config.Config, manager sessionManager, callback callbackHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(newSlogMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st := manager.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
			"auth_ready":  st.IsFullyReady(),
		})
	})

	handler := NewAuthHandler(manager, callback, cfg.BaseURL, logger)

	r.Get("/auth/signin/{provider}", handler.SignIn)
	r.Get(callbackPath(cfg.RedirectPath), handler.Callback)

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", handler.Status)
		r.Delete("/", handler.SignOut)
		r.Post("/retry", handler.Retry)
		r.Post("/refresh", handler.Refresh)
		r.Put("/password", handler.UpdatePassword)
		r.Delete("/error", handler.ClearError)
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}

func callbackPath(redirectPath string) string {
	if redirectPath == "" || redirectPath == "/" {
		return "/auth/callback"
	}
	return redirectPath
}
