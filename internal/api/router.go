package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pcarleton/cartograph/internal/api/handlers"
	mw "github.com/pcarleton/cartograph/internal/api/middleware"
	"github.com/pcarleton/cartograph/internal/config"
	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/service"
	"github.com/pcarleton/cartograph/internal/source"
	"github.com/pcarleton/cartograph/internal/store"
	"go.uber.org/zap"
)

// App holds the router and the compiler pipeline behind it.
type App struct {
	Router   *chi.Mux
	Compiler *service.Compiler

	beliefs   domain.BeliefStore
	startTime time.Time
}

// NewApp wires the pipeline: one global store, one path index, one
// allocator feeding the builder, one compiler reading from the loader.
func NewApp(beliefs domain.BeliefStore, loader *source.Loader, logger *zap.Logger) *App {
	pathMap := store.NewPathMap()
	allocator := service.NewAllocator()
	builder := service.NewGraphBuilder(allocator, logger)
	compiler := service.NewCompiler(beliefs, pathMap, loader, loader, builder, logger)

	graphHandler := handlers.NewGraphHandler(beliefs, pathMap)
	compileHandler := handlers.NewCompileHandler(compiler, logger)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Compiler:  compiler,
		beliefs:   beliefs,
		startTime: time.Now(),
	}

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", app.healthHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/compile", compileHandler.Compile)
		r.Get("/runs/latest", compileHandler.LatestRun)

		r.Get("/graph/eval", graphHandler.Eval)
		r.Get("/beliefs/{bid}", graphHandler.GetBelief)
		r.Get("/paths", graphHandler.ListPaths)
	})

	return app
}

func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := a.beliefs.Version(r.Context())
		status := "ok"
		code := http.StatusOK
		if err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        status,
			"uptime":        time.Since(a.startTime).Round(time.Second).String(),
			"store_version": version,
		})
	}
}
