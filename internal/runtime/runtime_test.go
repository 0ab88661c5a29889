package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskforge/config"
	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

func TestBuildSkillsSignsCards(t *testing.T) {
	reg, err := BuildSkills(config.CapabilityConfig{SigningSecret: "s3cret"})
	if err != nil {
		t.Fatalf("BuildSkills: %v", err)
	}
	sc, ok := reg.Skill(capability.SkillWebSearch)
	if !ok || sc.Signature == "" || sc.Checksum == "" {
		t.Fatalf("expected signed web_search card, got %+v", sc)
	}
	if err := capability.VerifyChecksum(sc); err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if _, err := BuildSkills(config.CapabilityConfig{RequiredSkills: []string{"translate"}}); err == nil {
		t.Fatalf("expected missing required skill error")
	}
}

func TestEnvFromConfig(t *testing.T) {
	env := EnvFromConfig(config.RunnerConfig{
		Parallelism: map[string]int{"Aggressive": 8},
		NodeTimeout: 5 * time.Second,
		Backoff:     config.BackoffConfig{Initial: 100 * time.Millisecond, Factor: 3, MaxRetries: 1},
	})
	if env.Ceiling(core.ParallelismAggressive) != 8 || env.Ceiling(core.ParallelismSafe) != 2 {
		t.Fatalf("unexpected ceilings: %v", env.Parallelism)
	}
	if env.NodeTimeout != 5*time.Second || env.Backoff.Delay(1) != 300*time.Millisecond {
		t.Fatalf("unexpected env: %+v", env)
	}
}

func TestDomainPolicyFromConfig(t *testing.T) {
	dp := DomainPolicy(config.SecurityConfig{DomainPolicy: config.DomainPolicyConfig{
		Allow:    []string{"https://Example.com/docs"},
		Disallow: []string{"bad.org"},
	}})
	if !dp.Permits("https://example.com/a") || dp.Permits("https://bad.org/x") {
		t.Fatalf("unexpected policy: allow=%v block=%v", dp.Allowed(), dp.Blocked())
	}
}

func memoryConfig() *config.Config {
	return &config.Config{
		Runner: config.RunnerConfig{NodeTimeout: time.Second, Backoff: config.BackoffConfig{Factor: 2}},
		Sources: config.SourcesConfig{
			WebSearch: config.WebSearchConfig{Provider: "brave", MaxResults: 5, RatePerSecond: 1, Burst: 1},
			Fetch:     config.FetchConfig{Renderer: "http", Timeout: time.Second, MaxChars: 1000, Concurrency: 2},
		},
		Storage: config.StorageConfig{
			Artifacts: config.BackendConfig{Backend: "memory"},
			Runs:      config.BackendConfig{Backend: "memory"},
		},
		Gatherer: config.GathererConfig{SessionBackend: "memory"},
	}
}

func TestBuildMemoryComponents(t *testing.T) {
	c, err := Build(context.Background(), memoryConfig(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()
	for _, name := range c.Skills.Names() {
		if _, ok := c.Tools.Lookup(name); !ok {
			t.Fatalf("skill %s has no tool", name)
		}
	}
	if c.Artifacts == nil || c.Runs == nil || c.Sessions == nil {
		t.Fatalf("stores not built: %+v", c)
	}
	if r := c.Runner(); r.Sessions() != c.Runs {
		t.Fatalf("runner not wired to the run store")
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Runs.Backend = "cassandra"
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
	cfg = memoryConfig()
	cfg.Sources.Fetch.Renderer = "lynx"
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unsupported renderer error")
	}
}

func TestEchoOwnerMiddleware(t *testing.T) {
	secret := []byte("secret")
	e := echo.New()
	handler := EchoOwnerMiddleware(secret)(func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	})

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(req, rec)); err != nil {
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("unexpected error type %T", err)
			}
			rec.Code = he.Code
		}
		return rec
	}

	if rec := call(""); rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("anonymous request: %d %q", rec.Code, rec.Body.String())
	}
	tok, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := call(tok); rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("valid token: %d %q", rec.Code, rec.Body.String())
	}
	other, _ := SignJWT("user-1", []byte("other"), time.Hour)
	if rec := call(other); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", rec.Code)
	}
	expired, _ := SignJWT("user-1", secret, -time.Minute)
	if rec := call(expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", rec.Code)
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), config.TelemetryConfig{}, TelemetryOptions{})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
