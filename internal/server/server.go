package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/taskforge/config"
	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/gatherer"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
	"github.com/mohammad-safakhou/taskforge/internal/runner"
	"github.com/mohammad-safakhou/taskforge/internal/runstore"
	"github.com/mohammad-safakhou/taskforge/internal/runtime"
)

// Deps are the components the HTTP API is served over.
type Deps struct {
	Gatherer  *gatherer.Service
	Skills    *capability.Registry
	Policy    policy.DomainPolicy
	Runner    *runner.Runner
	Runs      runstore.Store
	Artifacts artifact.Store
	JWTSecret []byte
	Metrics   http.Handler
	Logger    *log.Logger
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		d.Logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(d.Metrics))

	api := e.Group("/api")
	api.Use(runtime.EchoOwnerMiddleware(d.JWTSecret))
	NewRequirementsHandler(d.Gatherer).Register(api.Group("/requirements"))
	NewPlansHandler(d.Skills, d.Policy).Register(api.Group("/plans"))
	NewRunsHandler(d.Runner, d.Runs, d.Skills, d.Policy, d.Logger).Register(api.Group("/runs"))
	NewArtifactsHandler(d.Artifacts).Register(api.Group("/artifacts"))
	return e
}

// Run wires the components from cfg and serves the API until ctx ends or the process
// is signalled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()

	comps, err := runtime.Build(ctx, cfg, log.New(log.Writer(), "[RUNTIME] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer comps.Close()

	eng := comps.Runner(
		runner.WithLogger(log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)),
		runner.WithMetrics(runner.PrometheusMetrics(tel.Registry)),
		runner.WithAcceptance(runner.KeywordAcceptance{}),
	)
	gath := gatherer.NewService(comps.Sessions, gatherer.WithLogger(log.New(log.Writer(), "[GATHER] ", log.LstdFlags)))

	e := New(Deps{
		Gatherer:  gath,
		Skills:    comps.Skills,
		Policy:    comps.Policy,
		Runner:    eng,
		Runs:      comps.Runs,
		Artifacts: comps.Artifacts,
		JWTSecret: []byte(cfg.Server.JWTSecret),
		Metrics:   tel.Handler(),
		Logger:    logger,
	})
	if cfg.Server.RequestTimeout > 0 {
		e.Server.ReadTimeout = cfg.Server.RequestTimeout
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	logger.Printf("listening on %s", addr)
	return runtime.RunUntilSignal(ctx, logger,
		func() error {
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		e.Shutdown,
	)
}
