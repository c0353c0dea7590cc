package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/rules"
)

type countingStore struct {
	rules.StaticStore
	err   error
	calls int
}

func (s *countingStore) ListActiveGlobalRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.StaticStore.ListActiveGlobalRules(ctx)
}

func (s *countingStore) ListActiveAgentRules(ctx context.Context, agentID string) ([]rules.SensitivityRule, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.StaticStore.ListActiveAgentRules(ctx, agentID)
}

type lookupRecorder struct {
	hits, misses int
}

func (l *lookupRecorder) RecordCacheLookup(scope string, hit bool) {
	if hit {
		l.hits++
	} else {
		l.misses++
	}
}

// unreachableClient points at a port nothing listens on
func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func testStore() *countingStore {
	return &countingStore{StaticStore: rules.StaticStore{Rules: []rules.SensitivityRule{
		{ID: "g1", Scope: rules.ScopeGlobal, PatternType: rules.PatternColumnName, PatternValue: "ssn",
			SensitivityLevel: rules.LevelCritical, MaskingStrategy: rules.StrategyFull, IsActive: true},
		{ID: "a1", Scope: rules.ScopeAgent, AgentID: "A1", PatternType: rules.PatternColumnName, PatternValue: "email",
			SensitivityLevel: rules.LevelMedium, MaskingStrategy: rules.StrategyRedact, IsActive: true},
	}}}
}

func TestRuleCacheFallsBackWhenRedisDown(t *testing.T) {
	backing := testStore()
	rc := newRuleCache(unreachableClient(), backing, "test:rules", time.Minute, zap.NewNop())
	defer rc.Close()

	recorder := &lookupRecorder{}
	rc.SetObserver(recorder)

	ctx := context.Background()
	global, err := rc.ListActiveGlobalRules(ctx)
	if err != nil {
		t.Fatalf("ListActiveGlobalRules failed: %v", err)
	}
	if len(global) != 1 || global[0].ID != "g1" {
		t.Errorf("unexpected global rules: %+v", global)
	}

	agent, err := rc.ListActiveAgentRules(ctx, "A1")
	if err != nil {
		t.Fatalf("ListActiveAgentRules failed: %v", err)
	}
	if len(agent) != 1 || agent[0].ID != "a1" {
		t.Errorf("unexpected agent rules: %+v", agent)
	}

	if backing.calls != 2 {
		t.Errorf("backing store calls = %d, want 2", backing.calls)
	}
	if recorder.misses != 2 || recorder.hits != 0 {
		t.Errorf("unexpected lookups: %+v", recorder)
	}

	stats, _ := rc.GetStats(ctx)
	if stats.Misses != 2 || stats.Hits != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRuleCacheFailsClosed(t *testing.T) {
	backing := testStore()
	backing.err = rules.ErrStorageUnavailable
	rc := newRuleCache(unreachableClient(), backing, "", 0, nil)
	defer rc.Close()

	if _, err := rc.ListActiveGlobalRules(context.Background()); !errors.Is(err, rules.ErrStorageUnavailable) {
		t.Errorf("expected store error to propagate, got %v", err)
	}
}

func TestRuleCacheRedisErrors(t *testing.T) {
	rc := newRuleCache(unreachableClient(), testStore(), "test:rules", time.Minute, nil)
	defer rc.Close()
	ctx := context.Background()

	if err := rc.Warm(ctx, []string{"A1"}); err == nil {
		t.Error("expected warm to fail without Redis")
	}
	if err := rc.Invalidate(ctx, "A1"); err == nil {
		t.Error("expected invalidate to fail without Redis")
	}
	if err := rc.Invalidate(ctx); err == nil {
		t.Error("expected full invalidate to fail without Redis")
	}
	if err := rc.Ping(ctx); err == nil {
		t.Error("expected ping to fail without Redis")
	}
}

func TestRuleCacheKeys(t *testing.T) {
	rc := newRuleCache(unreachableClient(), testStore(), "", 0, nil)
	defer rc.Close()

	if rc.globalKey() != "sentinel:rules:global" {
		t.Errorf("globalKey = %q", rc.globalKey())
	}
	if rc.agentKey("A1") != "sentinel:rules:agent:A1" {
		t.Errorf("agentKey = %q", rc.agentKey("A1"))
	}
	if rc.ttl != time.Minute {
		t.Errorf("default ttl = %v", rc.ttl)
	}
}

func TestNewRuleCacheErrors(t *testing.T) {
	if _, err := NewRuleCache(config.CacheConfig{RedisURL: "not a url"}, testStore(), zap.NewNop()); err == nil {
		t.Error("expected error for invalid URL")
	}
	if _, err := NewRuleCache(config.CacheConfig{RedisURL: "redis://127.0.0.1:1/0"}, testStore(), zap.NewNop()); err == nil {
		t.Error("expected error for unreachable Redis")
	}
}

func TestMaskRedisURL(t *testing.T) {
	if got := maskRedisURL("redis://:s3cret@cache:6379/0"); got != "redis://:xxxxx@cache:6379/0" {
		t.Errorf("maskRedisURL = %q", got)
	}
	if got := maskRedisURL("redis://cache:6379/0"); got != "redis://cache:6379/0" {
		t.Errorf("maskRedisURL = %q", got)
	}
}

func TestWarmer(t *testing.T) {
	rc := newRuleCache(unreachableClient(), testStore(), "test:rules", time.Minute, nil)
	defer rc.Close()

	if _, err := NewWarmer(rc, "every now and then", nil, nil); err == nil {
		t.Error("expected error for invalid schedule")
	}

	w, err := NewWarmer(rc, "*/5 * * * *", []string{"A1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWarmer failed: %v", err)
	}
	if w.NextRun() != nil {
		t.Error("idle warmer should have no next run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	next := w.NextRun()
	if next == nil || !next.After(time.Now()) {
		t.Errorf("unexpected next run: %v", next)
	}

	cancel()
	w.Stop()
}
