package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/ragbot/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/ragbot/internal/api/middlewares"
	"github.com/markdave123-py/ragbot/internal/config"
	"github.com/markdave123-py/ragbot/internal/log"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// Routes groups the handlers mounted by NewRouter.
type Routes struct {
	Ingest  *handlers.IngestHandler
	Chat    *handlers.ChatHandler
	Sources *handlers.SourceHandler
}

// NewRouter builds the chi router. Search and chat are public so an embedded
// widget can call them; ingestion and source management need a JWT.
func NewRouter(cfg *config.Config, h Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(middleware.Timeout(60 * time.Second))
			public.Post("/chatbots/{chatbotID}/search", h.Chat.Search)
			public.Post("/chatbots/{chatbotID}/chat", h.Chat.Chat)
		})

		// ingestion crawls and embeds whole batches, so it gets a long deadline
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))
			protected.Use(middleware.Timeout(10 * time.Minute))
			protected.Post("/process", h.Ingest.Process)
			protected.Post("/chatbots/{chatbotID}/sources", h.Ingest.Ingest)
			protected.Get("/chatbots/{chatbotID}/sources", h.Sources.List)
			protected.Get("/chatbots/{chatbotID}/sources/usage", h.Sources.Usage)
			protected.Get("/chatbots/{chatbotID}/sources/{sourceID}/raw", h.Sources.Raw)
		})
	})
	return r
}

// NewServer builds the HTTP server around the router.
func NewServer(cfg *config.Config, h Routes) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("Server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Infof("Server: shutting down")
	return s.httpServer.Shutdown(ctx)
}
