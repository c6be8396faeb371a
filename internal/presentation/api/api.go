package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/configs"
	"github.com/hilthontt/metrelay/internal/infrastructure/json"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/metrelay/internal/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Application is the operator-facing HTTP surface: liveness, the current
// assignment table, and prometheus metrics.
type Application struct {
	config      configs.AdminConfig
	resolver    *resolver.Resolver
	backends    []*domain.Backend
	registry    *prometheus.Registry
	ratelimiter *ratelimiter.FixedWindow
	logger      logging.Logger
}

func NewApplication(
	config configs.AdminConfig,
	res *resolver.Resolver,
	backends []*domain.Backend,
	registry *prometheus.Registry,
	rl *ratelimiter.FixedWindow,
	logger logging.Logger,
) *Application {
	return &Application{
		config:      config,
		resolver:    res,
		backends:    backends,
		registry:    registry,
		ratelimiter: rl,
		logger:      logger,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(app.rateLimiterMiddleware)

	r.Get("/healthz", app.getHealth)
	r.Get("/assignments", app.getAssignments)
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	return otelhttp.NewHandler(r, "metrelay-admin")
}

func (app *Application) getHealth(w http.ResponseWriter, r *http.Request) {
	up := 0
	for _, b := range app.backends {
		if b.IsUp() {
			up++
		}
	}

	status := "ok"
	code := http.StatusOK
	if up == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	json.Write(w, code, map[string]any{
		"status":      status,
		"backends":    len(app.backends),
		"backends_up": up,
	})
}

func (app *Application) getAssignments(w http.ResponseWriter, r *http.Request) {
	json.Write(w, http.StatusOK, app.resolver.Snapshot())
}

func (app *Application) Run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.Host, app.config.Port),
		Handler:      mux,
		WriteTimeout: app.config.WriteTimeout,
		ReadTimeout:  app.config.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "signal caught",
			map[logging.ExtraKey]any{"Signal": s.String()})

		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Info(logging.General, logging.Startup, "admin server has started",
		map[logging.ExtraKey]any{logging.ListenAddr: srv.Addr})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "admin server has stopped",
		map[logging.ExtraKey]any{logging.ListenAddr: srv.Addr})

	return nil
}
