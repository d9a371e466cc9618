package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"muse/api/internal/logging"
	"muse/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// embedded index. Writes go to every configured backend.
type Service struct {
	meili    *Meili
	embedded *Embedded
	logger   *zap.Logger
}

// NewService creates a search service. Either backend may be nil.
func NewService(meili *Meili, embedded *Embedded, logger *zap.Logger) *Service {
	return &Service{meili: meili, embedded: embedded, logger: logging.OrNop(logger).Named("search")}
}

func (s *Service) backends() []Index {
	var out []Index
	if s.meili != nil && s.meili.Healthy() {
		out = append(out, s.meili)
	}
	if s.embedded != nil {
		out = append(out, s.embedded)
	}
	return out
}

// IndexMemory succeeds when at least one backend accepted the memory.
func (s *Service) IndexMemory(ctx context.Context, memory store.Memory) error {
	return s.each(func(index Index) error {
		return index.Index(ctx, RecordFromMemory(memory))
	})
}

func (s *Service) RemoveMemory(ctx context.Context, memoryID string) error {
	return s.each(func(index Index) error {
		return index.Remove(ctx, memoryID)
	})
}

func (s *Service) each(fn func(Index) error) error {
	backends := s.backends()
	if len(backends) == 0 {
		return errors.New("no search backend available")
	}
	var errs []error
	for _, index := range backends {
		if err := fn(index); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(backends) {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.logger.Warn("search backend write failed", zap.Error(errors.Join(errs...)))
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return nonNil(results), nil
		}
		s.logger.Warn("meilisearch error, falling back to embedded index", zap.Error(err))
	}
	if s.embedded == nil {
		return []Result{}, nil
	}
	results, err := s.embedded.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return nonNil(results), nil
}

// Reindex pushes every memory into the configured backends. The embedded
// index starts empty on each boot so this runs at startup.
func (s *Service) Reindex(ctx context.Context, memories []store.Memory) error {
	for _, memory := range memories {
		if err := s.IndexMemory(ctx, memory); err != nil {
			return fmt.Errorf("reindex memory %s: %w", memory.ID, err)
		}
	}
	s.logger.Info("reindexed memories", zap.Int("count", len(memories)))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
