package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/rules"
)

const reloadDebounce = 200 * time.Millisecond

// FileStore serves rules from a YAML, JSON, CSV or Parquet file. Readers see
// the last snapshot that decoded successfully.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	rules    []rules.SensitivityRule
	loadedAt time.Time
	onReload []func()
}

// NewFileStore loads path and returns a store over its rules
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{path: filepath.Clean(path), logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rule file. On failure the previous snapshot is kept.
func (s *FileStore) Reload() error {
	list, err := ReadRuleFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to load rules from %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.rules = list
	s.loadedAt = time.Now()
	hooks := append([]func(){}, s.onReload...)
	s.mu.Unlock()

	s.logger.Info("Rules loaded", zap.String("path", s.path), zap.Int("rules", len(list)))

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnReload registers fn to run after every successful reload
func (s *FileStore) OnReload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// ListActiveGlobalRules returns active global rules from the current snapshot
func (s *FileStore) ListActiveGlobalRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rules.Filter(s.rules, rules.ScopeGlobal, ""), nil
}

// ListActiveAgentRules returns active rules bound to agentID
func (s *FileStore) ListActiveAgentRules(ctx context.Context, agentID string) ([]rules.SensitivityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rules.Filter(s.rules, rules.ScopeAgent, agentID), nil
}

// ListRules returns a copy of every rule in the snapshot
func (s *FileStore) ListRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rules.SensitivityRule(nil), s.rules...), nil
}

// LoadedAt returns when the current snapshot was read
func (s *FileStore) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Watch reloads the file whenever it changes until ctx is cancelled. The
// parent directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	s.logger.Info("Watching rule file", zap.String("path", s.path))

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := s.Reload(); err != nil {
						s.logger.Error("Rule reload failed, keeping previous rules", zap.Error(err))
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("Rule file watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
