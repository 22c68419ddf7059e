package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/repository"
	"factoryos-sync/pkg/hash"
)

type ConflictService struct {
	outbox   repository.OutboxRepository
	versions *versionWriter
	notifier ChangeNotifier
	clock    Clock
}

func NewConflictService(stores *repository.OutboxStores, notifier ChangeNotifier, clock Clock, casRetries int) *ConflictService {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	if casRetries <= 0 {
		casRetries = defaultCASRetries
	}
	return &ConflictService{
		outbox:   stores.Outbox,
		versions: &versionWriter{versions: stores.Version, retries: casRetries},
		notifier: notifier,
		clock:    clock,
	}
}

// List returns the tenant's entries awaiting manual resolution.
func (s *ConflictService) List(ctx context.Context, tenantID string) ([]*domain.SyncEntry, error) {
	entries, err := s.outbox.ListByStatus(ctx, tenantID, "", domain.EntryConflicted)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return entries, nil
}

// Resolve settles a CONFLICTED entry. Accepting the client or a merged
// payload applies it as a new version of the entity and restamps the entry so
// peers pull it; accepting the server rejects the entry.
func (s *ConflictService) Resolve(ctx context.Context, tenantID, userID, syncID string, req *domain.ResolveConflictRequest) (*domain.SyncEntry, error) {
	entry, err := s.outbox.Get(ctx, tenantID, syncID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	if entry.Status != domain.EntryConflicted {
		return nil, ErrConflictNotPending
	}

	switch req.Resolution {
	case domain.AcceptServer:
		entry.Status = domain.EntryRejected
		entry.Resolution = domain.ResolutionServerWins
		if err := s.outbox.Update(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to update entry: %w", err)
		}
		log.Printf("[Conflict] %s resolved by %s: accept_server", syncID, userID)
		return entry, nil

	case domain.AcceptClient:
		entry.Resolution = domain.ResolutionClientWins

	case domain.AcceptMerged:
		if isEmptyJSON(req.MergedData) {
			return nil, ErrMergedDataRequired
		}
		entry.Payload = req.MergedData
		entry.Resolution = domain.ResolutionMerged

	default:
		return nil, ErrInvalidResolution
	}

	modifiedAt := s.clock.Now()
	err = s.versions.update(ctx, entry.Key(), func(rec *domain.VersionRecord) (*domain.VersionRecord, error) {
		next := *rec
		next.CurrentVersion = rec.CurrentVersion + 1
		next.LastModifiedBy = entry.ClientID
		next.LastModifiedAt = modifiedAt
		next.Checksum = hash.Checksum(entry.Payload)
		next.LastSyncID = entry.SyncID
		entry.ServerVersion = next.CurrentVersion
		return &next, nil
	})
	if err != nil {
		return nil, err
	}

	entry.Status = domain.EntryApplied
	err = stamp(s.clock, func(now time.Time) error {
		entry.ServerTimestamp = now
		return s.outbox.Update(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update entry: %w", err)
	}

	log.Printf("[Conflict] %s resolved by %s: %s (version %d)", syncID, userID, req.Resolution, entry.ServerVersion)

	if s.notifier != nil {
		s.notifier.NotifyChanges(tenantID, "", []string{entry.EntityType}, 1, entry.ServerTimestamp)
	}
	return entry, nil
}

func isEmptyJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
