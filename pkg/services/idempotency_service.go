package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

// IdempotentFunc produces the response for one logical mutation: a status
// code and a serialized body.
type IdempotentFunc func(ctx context.Context) (int, []byte, error)

// IdempotencyService deduplicates mutations by (key, principal, action).
// The first execution stores its response; every repeat with the same triple
// replays the stored response verbatim without re-running the operation.
type IdempotencyService struct {
	repo   repositories.IdempotencyRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewIdempotencyService creates a new IdempotencyService.
func NewIdempotencyService(repo repositories.IdempotencyRepository, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		repo:   repo,
		logger: logger.Named("idempotency-service"),
		now:    time.Now,
	}
}

// Execute runs fn at most once for the triple. An empty key disables
// deduplication and runs fn directly. Responses from failed executions are
// not stored, so the caller may retry with the same key.
func (s *IdempotencyService) Execute(ctx context.Context, key, principalID, action string, fn IdempotentFunc) (int, []byte, error) {
	if key == "" {
		return fn(ctx)
	}

	if entry, err := s.repo.Get(ctx, key, principalID, action); err == nil {
		return entry.StatusCode, entry.Body, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return 0, nil, err
	}

	status, body, err := fn(ctx)
	if err != nil {
		return status, body, err
	}

	inserted, err := s.repo.Insert(ctx, &models.IdempotencyEntry{
		Key:         key,
		PrincipalID: principalID,
		Action:      action,
		StatusCode:  status,
		Body:        body,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return 0, nil, err
	}
	if !inserted {
		// A concurrent duplicate stored its response first; replay that one
		// so both callers observe identical results.
		entry, err := s.repo.Get(ctx, key, principalID, action)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load stored idempotent response: %w", err)
		}
		return entry.StatusCode, entry.Body, nil
	}

	return status, body, nil
}
