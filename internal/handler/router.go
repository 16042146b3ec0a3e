package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig - зависимости HTTP-маршрутов
type RouterConfig struct {
	Users          *UserHandler
	Quotas         *StorageQuotaHandler
	Trash          *TrashHandler
	Media          *MediaHandler
	Metrics        http.Handler
	Health         func(ctx context.Context) error
	RequestTimeout time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(cfg.Health, cfg.Logger))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users", cfg.Users.Register)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", cfg.Users.GetUser)

			r.Route("/quota", func(r chi.Router) {
				r.Get("/", cfg.Quotas.GetQuotaInfo)
				r.Put("/limit", cfg.Quotas.UpdateQuotaLimit)
				r.Post("/recalculate", cfg.Quotas.Recalculate)
			})

			r.Route("/trash", func(r chi.Router) {
				r.Get("/", cfg.Trash.GetTrashItems)
				r.Post("/empty", cfg.Trash.EmptyTrash)
			})
		})

		r.Route("/quotas", func(r chi.Router) {
			r.Get("/", cfg.Quotas.ListQuotas)
			r.Get("/statistics", cfg.Quotas.Statistics)
		})

		r.Route("/media", func(r chi.Router) {
			r.Post("/", cfg.Media.UploadFile)
			r.Get("/", cfg.Media.ListMedia)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Media.GetMedia)
				r.Get("/content", cfg.Media.DownloadFile)
				r.Delete("/", cfg.Media.DeleteFile)
				r.Post("/restore", cfg.Media.RestoreItem)
				r.Delete("/permanent", cfg.Media.DeletePermanently)
			})
		})
	})

	return r
}

func healthHandler(check func(ctx context.Context) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
