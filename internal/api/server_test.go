package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/logger"
	"github.com/raaihank/result-sentinel/internal/metrics"
	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/rules"
	"github.com/raaihank/result-sentinel/internal/security"
)

type brokenStore struct{}

func (brokenStore) ListActiveGlobalRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) ListActiveAgentRules(ctx context.Context, agentID string) ([]rules.SensitivityRule, error) {
	return nil, errors.New("connection refused")
}

func testRules() *rules.StaticStore {
	return &rules.StaticStore{Rules: []rules.SensitivityRule{
		{
			ID: "g-ssn", Scope: rules.ScopeGlobal, PatternType: rules.PatternColumnName, PatternValue: "ssn",
			SensitivityLevel: rules.LevelCritical, MaskingStrategy: rules.StrategyFull, IsActive: true,
		},
		{
			ID: "g-email", Scope: rules.ScopeGlobal, PatternType: rules.PatternColumnName, PatternValue: "email",
			SensitivityLevel: rules.LevelMedium, MaskingStrategy: rules.StrategyPartial, IsActive: true,
		},
		{
			ID: "a1-email", Scope: rules.ScopeAgent, AgentID: "A1", PatternType: rules.PatternColumnName, PatternValue: "email",
			SensitivityLevel: rules.LevelHigh, MaskingStrategy: rules.StrategyRedact, IsActive: true,
		},
	}}
}

type testServer struct {
	*Server
	collector *metrics.Collector
}

func newTestServer(t *testing.T, store rules.Store, mutate func(*config.Config, *Dependencies)) *testServer {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.Metrics.Namespace = "test"
	log := logger.NewNop()
	collector := metrics.NewCollector(cfg.Metrics, nil)

	resolver := privacy.NewResolver(store, log.Logger, collector)
	deps := Dependencies{
		Service: privacy.New(cfg.Masking, resolver, log, collector, nil),
		Metrics: collector,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	srv, err := New(cfg, log, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testServer{Server: srv, collector: collector}
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSanitizeEndpoint(t *testing.T) {
	ts := newTestServer(t, testRules(), nil)

	body := `{"columns":["name","ssn","email"],"rows":[{"name":"Ann","ssn":"123-45-6789","email":"ann@example.com"}]}`

	t.Run("agent override", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/v1/agents/A1/sanitize", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp privacy.Response
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		row := resp.Rows[0]
		if row["ssn"] != "***REDACTED***" || row["email"] != "[REDACTED]" || row["name"] != "Ann" {
			t.Errorf("unexpected row: %v", row)
		}
		if resp.MaskedCellCount != 2 || resp.RuleHitSummary.ByRule["a1-email"] != 1 {
			t.Errorf("unexpected summary: %+v", resp)
		}
		if rec.Header().Get(requestIDHeader) == "" {
			t.Error("response is missing a request id")
		}
	})

	t.Run("global rules for other agents", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/v1/agents/B7/sanitize", body)
		if !strings.Contains(rec.Body.String(), `"email":"an***********om"`) {
			t.Errorf("expected partial mask: %s", rec.Body.String())
		}
	})

	t.Run("numbers keep precision", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/v1/agents/B7/sanitize", `{"rows":[{"id":12345678901234567890}]}`)
		if !strings.Contains(rec.Body.String(), `"id":12345678901234567890`) {
			t.Errorf("number was altered: %s", rec.Body.String())
		}
	})

	t.Run("request id is propagated", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/v1/agents/A1/sanitize", body, requestIDHeader, "caller-42")
		if got := rec.Header().Get(requestIDHeader); got != "caller-42" {
			t.Errorf("request id = %q", got)
		}
	})
}

func TestSanitizeErrors(t *testing.T) {
	tests := []struct {
		name  string
		store rules.Store
		cfg   func(*config.Config)
		body  string
		code  int
	}{
		{"malformed json", testRules(), nil, `{"rows":[`, http.StatusBadRequest},
		{"empty body", testRules(), nil, ``, http.StatusBadRequest},
		{"body too large", testRules(), func(c *config.Config) { c.Server.MaxBodyBytes = 16 }, `{"rows":[{"a":"0123456789"}]}`, http.StatusBadRequest},
		{"too many rows", testRules(), func(c *config.Config) { c.Masking.MaxRows = 1 }, `{"rows":[{"a":1},{"a":2}]}`, http.StatusRequestEntityTooLarge},
		{"storage outage fails closed", brokenStore{}, nil, `{"rows":[{"ssn":"123-45-6789"}]}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.store, func(c *config.Config, d *Dependencies) {
				if tt.cfg == nil {
					return
				}
				tt.cfg(c)
				log := logger.NewNop()
				d.Service = privacy.New(c.Masking, privacy.NewResolver(tt.store, log.Logger, nil), log, nil, nil)
			})

			rec := ts.do(http.MethodPost, "/v1/agents/A1/sanitize", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "123-45-6789") {
				t.Error("error response leaked a value")
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" || resp.RequestID == "" {
				t.Errorf("unexpected error body: %s", rec.Body.String())
			}
		})
	}
}

func TestRulesEndpoint(t *testing.T) {
	ts := newTestServer(t, testRules(), nil)

	rec := ts.do(http.MethodGet, "/v1/agents/A1/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp rulesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(resp.Rules))
	for _, r := range resp.Rules {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "g-ssn,a1-email" {
		t.Errorf("effective rules = %v", ids)
	}

}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, testRules(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"GET sanitize", http.MethodGet, "/v1/agents/A1/sanitize", http.StatusMethodNotAllowed},
		{"DELETE rules", http.MethodDelete, "/v1/agents/A1/rules", http.StatusMethodNotAllowed},
		{"POST health", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"unknown v1 route", http.MethodGet, "/v1/agents/A1/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusMethodNotAllowed {
				return
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid error body %q: %v", rec.Body.String(), err)
			}
			if !strings.Contains(resp.Error, "not allowed") || resp.RequestID == "" {
				t.Errorf("unexpected error body: %+v", resp)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, testRules(), func(c *config.Config, d *Dependencies) {
		d.Limiter = security.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 2})
	})

	for i := 0; i < 2; i++ {
		if rec := ts.do(http.MethodGet, "/v1/agents/A1/rules", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := ts.do(http.MethodGet, "/v1/agents/A1/rules", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	if rec := ts.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must not be rate limited, got %d", rec.Code)
	}
}

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t, testRules(), func(c *config.Config, d *Dependencies) {
		d.Checks = []HealthCheck{
			{Name: "storage", Check: func(ctx context.Context) error { return nil }},
			{Name: "cache", Check: func(ctx context.Context) error { return errors.New("redis down") }},
		}
	})

	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d", rec.Code)
	}
	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "unhealthy" || health.Checks["storage"] != "ok" || health.Checks["cache"] != "redis down" {
		t.Errorf("unexpected health: %+v", health)
	}

	rec = ts.do(http.MethodGet, "/info", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"result-sentinel"`) {
		t.Errorf("unexpected info: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, testRules(), nil)

	ts.do(http.MethodPost, "/v1/agents/A1/sanitize", `{"rows":[{"ssn":"1"}]}`)

	rec := ts.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `route="/v1/agents/{agentID}/sanitize"`) {
		t.Errorf("http metrics should use the route template:\n%s", rec.Body.String())
	}

	count, err := testutil.GatherAndCount(ts.collector.Registry(), "test_masking_masked_cells_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("masked cell series = %d", count)
	}
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(config.GetDefaults(), logger.NewNop(), Dependencies{}); err == nil {
		t.Error("expected error without a masking service")
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.3:9000"
	if got := getClientIP(r); got != "198.51.100.3" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("X-Real-IP", "203.0.113.9")
	if got := getClientIP(r); got != "203.0.113.9" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := getClientIP(r); got != "203.0.113.5" {
		t.Errorf("got %q", got)
	}
}
