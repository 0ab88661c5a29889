package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/taskforge/config"
	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/gatherer"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
	"github.com/mohammad-safakhou/taskforge/internal/runner"
	"github.com/mohammad-safakhou/taskforge/internal/runstore"
	"github.com/mohammad-safakhou/taskforge/internal/tools"
)

// Components is the dependency graph shared by the HTTP server and the CLI.
type Components struct {
	Config    *config.Config
	Skills    *capability.Registry
	Tools     *tools.Registry
	Artifacts artifact.Store
	Runs      runstore.Store
	Sessions  gatherer.SessionStore
	Policy    policy.DomainPolicy
	Env       runner.EnvConfig

	closers []func() error
}

// Build wires every component from cfg, opening Postgres and Redis only when a
// configured backend needs them.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Components{
		Config: cfg,
		Policy: DomainPolicy(cfg.Security),
		Env:    EnvFromConfig(cfg.Runner),
	}
	var err error
	if c.Skills, err = BuildSkills(cfg.Capability); err != nil {
		return nil, err
	}
	if c.Tools, err = BuildTools(cfg, c.Policy, log.New(logger.Writer(), "[TOOLS] ", log.LstdFlags)); err != nil {
		return nil, err
	}

	var db *sql.DB
	if cfg.Storage.NeedsPostgres() {
		if db, err = OpenPostgres(ctx, cfg.Storage.Postgres); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
	}
	if c.Artifacts, err = BuildArtifactStore(ctx, cfg.Storage, db); err != nil {
		_ = c.Close()
		return nil, err
	}
	if c.Runs, err = BuildRunStore(cfg.Storage, db); err != nil {
		_ = c.Close()
		return nil, err
	}
	if c.Sessions, err = c.buildSessionStore(ctx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Printf("components ready artifacts=%s runs=%s sessions=%s skills=%d tools=%d",
		cfg.Storage.Artifacts.Backend, cfg.Storage.Runs.Backend, cfg.Gatherer.SessionBackend,
		len(c.Skills.Names()), len(c.Tools.Names()))
	return c, nil
}

// Runner builds an execution engine over the components.
func (c *Components) Runner(opts ...runner.Option) *runner.Runner {
	base := []runner.Option{
		runner.WithArtifactStore(c.Artifacts),
		runner.WithSessionStore(c.Runs),
		runner.WithTools(c.Tools),
		runner.WithSkills(c.Skills),
		runner.WithEnv(c.Env),
		runner.WithPolicy(c.Policy),
	}
	return runner.New(append(base, opts...)...)
}

// Close releases database and cache connections.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// DomainPolicy converts the configured allow/disallow lists.
func DomainPolicy(cfg config.SecurityConfig) policy.DomainPolicy {
	dp := cfg.DomainPolicy.Normalize()
	return policy.NewDomainPolicy(dp.Allow, dp.Disallow)
}

// EnvFromConfig maps the runner section onto the engine environment.
func EnvFromConfig(cfg config.RunnerConfig) runner.EnvConfig {
	env := runner.EnvConfig{
		Parallelism: make(map[string]int, len(cfg.Parallelism)),
		NodeTimeout: cfg.NodeTimeout,
		Backoff: runner.Backoff{
			Initial:    cfg.Backoff.Initial,
			Factor:     cfg.Backoff.Factor,
			MaxRetries: cfg.Backoff.MaxRetries,
		},
	}
	for k, v := range cfg.Parallelism {
		env.Parallelism[strings.ToLower(k)] = v
	}
	return env.Normalize()
}

// BuildTools constructs the built-in tool registry: the configured search provider,
// page renderer and, when a findings route resolves, an OpenAI-compatible LLM.
func BuildTools(cfg *config.Config, dp policy.DomainPolicy, logger *log.Logger) (*tools.Registry, error) {
	ws := cfg.Sources.WebSearch
	searchHTTP := tools.NewHTTPClient(ws.Timeout, 2, 500*time.Millisecond)
	searcher, err := tools.NewSearcher(tools.Provider(strings.ToLower(ws.Provider)), ws.APIKey(), searchHTTP)
	if err != nil {
		return nil, err
	}
	renderer, err := tools.NewRenderer(tools.RendererType(strings.ToLower(cfg.Sources.Fetch.Renderer)))
	if err != nil {
		return nil, err
	}
	deps := tools.Deps{
		Searcher:      searcher,
		Renderer:      renderer,
		HTTPClient:    &http.Client{Timeout: cfg.Sources.Fetch.Timeout},
		Policy:        dp,
		SearchRate:    ws.RatePerSecond,
		SearchBurst:   ws.Burst,
		MaxResults:    ws.MaxResults,
		FetchTimeout:  cfg.Sources.Fetch.Timeout,
		FetchMaxChars: cfg.Sources.Fetch.MaxChars,
		FetchParallel: cfg.Sources.Fetch.Concurrency,
		Logger:        logger,
	}
	if p, m, ok := cfg.LLM.Resolve(cfg.LLM.Routing.Findings); ok {
		deps.LLM = tools.NewOpenAIProvider(tools.OpenAIConfig{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       m.APIName,
			MaxTokens:   m.MaxTokens,
			Temperature: m.Temperature,
			Timeout:     p.Timeout,
			MaxRetries:  p.MaxRetries,
		})
	}
	return tools.NewDefaultRegistry(deps), nil
}

// BuildArtifactStore selects the artifact backend. db must be open for "postgres".
func BuildArtifactStore(ctx context.Context, cfg config.StorageConfig, db *sql.DB) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "", "memory":
		return artifact.NewMemoryStore(), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres artifact backend requires a database")
		}
		return artifact.NewPostgresStore(db), nil
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
			PathPrefix:      cfg.S3.PathPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Artifacts.Backend)
	}
}

// BuildRunStore selects the run store backend. db must be open for "postgres".
func BuildRunStore(cfg config.StorageConfig, db *sql.DB) (runstore.Store, error) {
	switch cfg.Runs.Backend {
	case "", "memory":
		return runstore.NewMemoryStore(), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres run backend requires a database")
		}
		return runstore.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported run backend %q", cfg.Runs.Backend)
	}
}

func (c *Components) buildSessionStore(ctx context.Context, cfg *config.Config) (gatherer.SessionStore, error) {
	switch cfg.Gatherer.SessionBackend {
	case "", "memory":
		return gatherer.NewMemoryStore(), nil
	case "redis":
		rdb, err := OpenRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, rdb.Close)
		return gatherer.NewRedisStore(rdb, cfg.Gatherer.SessionTTL), nil
	default:
		return nil, fmt.Errorf("unsupported session backend %q", cfg.Gatherer.SessionBackend)
	}
}

// OpenRedis connects to the configured Redis and pings it.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Host, cfg.Port, err)
	}
	return rdb, nil
}
