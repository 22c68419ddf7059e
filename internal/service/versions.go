package service

import (
	"context"
	"errors"
	"fmt"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/repository"
)

const defaultCASRetries = 5

// errRetriesExhausted is returned when every compare-and-swap lost a race.
var errRetriesExhausted = errors.New("version record kept changing, retries exhausted")

// versionWriter runs read-score-write cycles against the version tracker.
type versionWriter struct {
	versions repository.VersionRepository
	retries  int
}

// loadVersion returns the stored record, or an unsaved zero record for an
// entity the tracker has never seen.
func (w *versionWriter) loadVersion(ctx context.Context, key domain.EntityKey) (*domain.VersionRecord, error) {
	rec, err := w.versions.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.VersionRecord{
			TenantID:   key.TenantID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version record: %w", err)
	}
	return rec, nil
}

// update loads the record and calls score with it. When score returns a
// record to store, it is written with compare-and-swap; losing the race
// reloads and scores again.
func (w *versionWriter) update(ctx context.Context, key domain.EntityKey, score func(rec *domain.VersionRecord) (*domain.VersionRecord, error)) error {
	for attempt := 0; attempt < w.retries; attempt++ {
		rec, err := w.loadVersion(ctx, key)
		if err != nil {
			return err
		}

		next, err := score(rec)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		err = w.versions.CompareAndSwap(ctx, next)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write version record: %w", err)
		}
		return nil
	}
	return errRetriesExhausted
}
