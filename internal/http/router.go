package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"servicex/internal/metrics"
)

// NewRouter wires the request and path endpoints used by did-finders,
// transformers and consumers.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(app.log()))

	RegisterRoutes(r, app)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)

	r.Route("/drequest", func(r chi.Router) {
		r.Post("/create/", app.createRequest)
		r.Post("/update/", app.updateRequest)
		r.Get("/status/{status}", app.requestInStatus)
		r.Put("/status/{reqId}/{status}", app.changeRequestStatus)
		r.Put("/status/{reqId}/{status}/{info}", app.changeRequestStatus)
		r.Put("/terminate/{reqId}", app.terminateRequest)
		r.Get("/{reqId}", app.getRequest)
	})
	r.Put("/events_served/{reqId}/{pathId}/{events}", app.eventsServed)
	r.Put("/events_processed/{reqId}/{events}", app.eventsProcessed)

	r.Route("/dpath", func(r chi.Router) {
		r.Post("/create", app.createPath)
		r.Put("/status/{pathId}/{status}", app.changePathStatus)
		r.Put("/status/{pathId}/{status}/{info}", app.changePathStatus)
		r.Put("/failed/{pathId}", app.pathFailed)
		r.Put("/failed/{pathId}/{info}", app.pathFailed)
		r.Get("/to_transform", app.pathToTransform)
		r.Get("/{pathId}", app.getPath)
		r.Get("/{reqId}/{status}", app.pathInStatus)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
