package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarmq/internal/api/handlers"
	"swarmq/internal/api/middleware"
	"swarmq/internal/config"
	"swarmq/internal/queue"
)

// NewRouter builds the HTTP API of the queue. A nil tracer disables
// tracing.
func NewRouter(cfg *config.Config, log zerolog.Logger, qm *queue.Manager, tracer opentracing.Tracer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.RateLimiter(cfg))
	r.Use(middleware.TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.CorsMiddleware(cfg))
	r.Use(middleware.SecurityHeadersMiddleware)
	if tracer != nil {
		r.Use(middleware.TracingMiddleware(tracer))
	}
	r.Use(middleware.CircuitBreakerMiddleware(cfg, log))
	r.Use(middleware.CompressMiddleware)

	h := handlers.NewQueue(qm, log)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", h.Status)
	r.Get("/unfinished", h.Unfinished)
	r.Get("/bloom", h.Bloom)
	r.Delete("/sources/{user}", h.RemoveSource)

	r.Route("/bundles", func(r chi.Router) {
		r.Get("/", h.ListBundles)
		r.Post("/", h.AddBundle)
		r.Route("/{token}", func(r chi.Router) {
			r.Get("/", h.GetBundle)
			r.Delete("/", h.RemoveBundle)
			r.Get("/files", h.BundleFiles)
			r.Put("/priority", h.SetBundlePriority)
			r.Post("/rescan", h.RescanBundle)
		})
	})

	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.ListFiles)
		r.Post("/", h.AddFile)
	})

	// Single files are addressed by the target query parameter.
	r.Route("/file", func(r chi.Router) {
		r.Get("/", h.GetFile)
		r.Delete("/", h.RemoveFile)
		r.Post("/move", h.MoveFile)
		r.Put("/priority", h.SetFilePriority)
		r.Post("/recheck", h.RecheckFile)
		r.Post("/sources", h.AddFileSource)
		r.Delete("/sources/{user}", h.RemoveFileSource)
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
}

// RunServer serves until ctx is cancelled, then shuts the server down
// within shutdownTimeout.
func RunServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
