package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"factoryos-sync/internal/domain"
	"factoryos-sync/internal/repository"
	"factoryos-sync/pkg/hash"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)

// ChangeNotifier is told about pushes that applied at least one entry.
type ChangeNotifier interface {
	NotifyChanges(tenantID, originClientID string, entityTypes []string, applied int, syncTimestamp time.Time)
}

type SyncOptions struct {
	DefaultStrategy  domain.Strategy
	VersionPolicy    domain.VersionPolicy
	PullDefaultLimit int
	PullMaxLimit     int
	CASRetries       int
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = domain.StrategyLastWriteWins
	}
	if !o.VersionPolicy.Valid() {
		o.VersionPolicy = domain.VersionPolicyClient
	}
	if o.PullMaxLimit <= 0 {
		o.PullMaxLimit = maxPullLimit
	}
	if o.PullDefaultLimit <= 0 {
		o.PullDefaultLimit = defaultPullLimit
	}
	if o.PullDefaultLimit > o.PullMaxLimit {
		o.PullDefaultLimit = o.PullMaxLimit
	}
	if o.CASRetries <= 0 {
		o.CASRetries = defaultCASRetries
	}
	return o
}

type SyncService struct {
	outbox   repository.OutboxRepository
	clients  repository.ClientStateRepository
	versions *versionWriter
	notifier ChangeNotifier
	clock    Clock
	validate *validator.Validate
	opts     SyncOptions
}

func NewSyncService(stores *repository.OutboxStores, notifier ChangeNotifier, clock Clock, opts SyncOptions) *SyncService {
	opts = opts.withDefaults()
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &SyncService{
		outbox:   stores.Outbox,
		clients:  stores.Clients,
		versions: &versionWriter{versions: stores.Version, retries: opts.CASRetries},
		notifier: notifier,
		clock:    clock,
		validate: validator.New(),
		opts:     opts,
	}
}

func (s *SyncService) DefaultStrategy() domain.Strategy {
	return s.opts.DefaultStrategy
}

// ProcessPush scores every entry independently. A failing entry is recorded
// as REJECTED and never fails the batch. When batchID names a push that was
// already seen for this client, entries with a final outcome are answered
// from the outbox; entries that never finished, or failed on a storage
// error, are scored again.
func (s *SyncService) ProcessPush(ctx context.Context, tenantID, userID, batchID string, req *domain.PushRequest, strategy domain.Strategy) (*domain.PushResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if strategy == "" {
		strategy = s.opts.DefaultStrategy
	}

	var previous map[string]*domain.SyncEntry
	if batchID != "" {
		stored, err := s.outbox.ListByBatch(ctx, tenantID, req.ClientID, batchID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up batch: %w", err)
		}
		if len(stored) > 0 {
			previous = make(map[string]*domain.SyncEntry, len(stored))
			for _, e := range stored {
				previous[e.SyncID] = e
			}
			log.Printf("[Push] replaying batch %s for client %s (%d of %d entries stored)",
				batchID, req.ClientID, len(stored), len(req.Entries))
		}
	}

	resp := &domain.PushResponse{Success: true, Conflicts: []domain.ConflictInfo{}}
	var (
		appliedTypes []string
		seenTypes    = map[string]bool{}
		lastApplied  time.Time
		notified     int
	)

	for i := range req.Entries {
		var (
			entry *domain.SyncEntry
			info  *domain.ConflictInfo
			fresh bool
		)
		prev := previous[batchSyncID(tenantID, req.ClientID, batchID, i)]
		if settled(prev) {
			entry, info = prev, storedInfo(prev)
		} else {
			entry, info, fresh = s.processEntry(ctx, tenantID, userID, req.ClientID, batchID, i, &req.Entries[i], strategy, prev)
		}

		switch entry.Status {
		case domain.EntryApplied:
			resp.Applied++
			if fresh {
				notified++
				lastApplied = entry.ServerTimestamp
				if !seenTypes[entry.EntityType] {
					seenTypes[entry.EntityType] = true
					appliedTypes = append(appliedTypes, entry.EntityType)
				}
			}
		case domain.EntryConflicted:
			resp.Conflicted++
		default:
			resp.Rejected++
		}
		if info != nil {
			resp.Conflicts = append(resp.Conflicts, *info)
		}
	}

	if err := s.clients.Touch(ctx, &domain.ClientSyncState{
		ClientID:   req.ClientID,
		TenantID:   tenantID,
		LastSyncAt: s.clock.Now(),
		DeviceInfo: req.DeviceInfo,
	}); err != nil {
		log.Printf("[Push] failed to update client state for %s: %v", req.ClientID, err)
	}

	log.Printf("[Push] tenant=%s client=%s strategy=%s applied=%d conflicted=%d rejected=%d",
		tenantID, req.ClientID, strategy, resp.Applied, resp.Conflicted, resp.Rejected)

	if notified > 0 && s.notifier != nil {
		s.notifier.NotifyChanges(tenantID, req.ClientID, appliedTypes, notified, lastApplied)
	}

	return resp, nil
}

// batchSyncID derives the outbox id of a batched entry from its position, so
// a replay of the batch, or a concurrent duplicate of it, lands on the same
// row. Entries pushed without a batch id get a random id.
func batchSyncID(tenantID, clientID, batchID string, index int) string {
	if batchID == "" {
		return ""
	}
	name := fmt.Sprintf("%s/%s/%s/%d", tenantID, clientID, batchID, index)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// settled reports whether a stored entry has an outcome worth replaying.
func settled(e *domain.SyncEntry) bool {
	return e != nil && e.Status != domain.EntryPending && e.Resolution != domain.ResolutionError
}

func storedInfo(e *domain.SyncEntry) *domain.ConflictInfo {
	switch e.Resolution {
	case domain.ResolutionNone:
		return nil
	case domain.ResolutionInvalid:
		return conflictInfo(e, "entry failed validation")
	}
	return conflictInfo(e, "")
}

// processEntry writes the outbox intent, scores it against the version of
// record and stores the final status. prev is an unfinished row left by an
// earlier attempt at the same batch item; it is scored again in place. The
// returned info is nil for entries accepted without a conflict, and fresh is
// false when the outcome was read back from the outbox.
func (s *SyncService) processEntry(ctx context.Context, tenantID, userID, clientID, batchID string, index int, item *domain.PushEntry, strategy domain.Strategy, prev *domain.SyncEntry) (*domain.SyncEntry, *domain.ConflictInfo, bool) {
	entry := prev
	if entry == nil {
		syncID := batchSyncID(tenantID, clientID, batchID, index)
		if syncID == "" {
			syncID = uuid.New().String()
		}
		entry = &domain.SyncEntry{
			SyncID:          syncID,
			ClientID:        clientID,
			TenantID:        tenantID,
			EntityType:      item.EntityType,
			EntityID:        item.EntityID,
			Operation:       item.Operation,
			Payload:         item.Payload,
			Version:         item.Version,
			ClientTimestamp: item.ClientTimestamp.UTC(),
			ServerTimestamp: s.clock.Now(),
			Status:          domain.EntryPending,
			CreatedBy:       userID,
			BatchID:         batchID,
		}

		if err := s.validate.Struct(item); err != nil {
			entry.Status = domain.EntryRejected
			entry.Resolution = domain.ResolutionInvalid
			if cerr := s.outbox.Create(ctx, entry); cerr != nil {
				log.Printf("[Push] failed to record invalid entry %s: %v", entry.SyncID, cerr)
			}
			return entry, conflictInfo(entry, err.Error()), true
		}

		if err := s.outbox.Create(ctx, entry); err != nil {
			var stored *domain.SyncEntry
			if batchID != "" {
				stored, _ = s.outbox.Get(ctx, tenantID, entry.SyncID)
			}
			if stored == nil {
				log.Printf("[Push] failed to write outbox entry for %s: %v", entry.Key(), err)
				entry.Status = domain.EntryRejected
				entry.Resolution = domain.ResolutionError
				return entry, conflictInfo(entry, "failed to store entry"), true
			}
			// a concurrent duplicate of this batch got here first
			if settled(stored) {
				return stored, storedInfo(stored), false
			}
			entry = stored
		}
	} else {
		log.Printf("[Push] scoring unfinished entry %s of batch %s again", entry.SyncID, batchID)
		entry.Status = domain.EntryPending
		entry.Resolution = domain.ResolutionNone
		entry.ConflictData = nil
	}

	info := s.score(ctx, entry, strategy)
	return entry, info, true
}

// score decides entry against the version of record and stores the result.
func (s *SyncService) score(ctx context.Context, entry *domain.SyncEntry, strategy domain.Strategy) *domain.ConflictInfo {
	var decision Decision
	err := s.versions.update(ctx, entry.Key(), func(rec *domain.VersionRecord) (*domain.VersionRecord, error) {
		entry.ServerVersion = rec.CurrentVersion
		entry.ConflictData = nil

		if rec.LastSyncID == entry.SyncID {
			// an earlier attempt at this entry already moved the record
			decision = Decision{Status: domain.EntryApplied, Payload: entry.Payload}
			return nil, nil
		}

		if entry.Version >= rec.CurrentVersion {
			decision = Decision{Status: domain.EntryApplied, Payload: entry.Payload}
		} else {
			serverPayload, err := s.serverPayload(ctx, entry.Key())
			if err != nil {
				return nil, err
			}
			decision = Resolve(ResolveInput{
				Strategy:             strategy,
				Operation:            entry.Operation,
				ClientPayload:        entry.Payload,
				ClientTimestamp:      entry.ClientTimestamp,
				ServerPayload:        serverPayload,
				ServerLastModifiedAt: rec.LastModifiedAt,
			})
			entry.ConflictData = &domain.ConflictSnapshot{
				ClientPayload:        entry.Payload,
				ServerPayload:        serverPayload,
				ClientVersion:        entry.Version,
				ServerVersion:        rec.CurrentVersion,
				ClientTimestamp:      entry.ClientTimestamp,
				ServerLastModifiedAt: rec.LastModifiedAt,
				ServerLastModifiedBy: rec.LastModifiedBy,
			}
		}

		if !decision.Accepted() {
			return nil, nil
		}

		modifiedAt := entry.ClientTimestamp
		if modifiedAt.IsZero() {
			modifiedAt = s.clock.Now()
		}

		next := *rec
		next.CurrentVersion = s.opts.VersionPolicy.Next(rec.CurrentVersion, entry.Version)
		next.LastModifiedBy = entry.ClientID
		next.LastModifiedAt = modifiedAt
		next.Checksum = hash.Checksum(decision.Payload)
		next.LastSyncID = entry.SyncID
		return &next, nil
	})
	if err != nil {
		log.Printf("[Push] failed to score %s: %v", entry.Key(), err)
		entry.Status = domain.EntryRejected
		entry.Resolution = domain.ResolutionError
		s.finish(ctx, entry)
		return conflictInfo(entry, "failed to apply entry")
	}

	entry.Status = decision.Status
	entry.Resolution = decision.Resolution
	entry.Payload = decision.Payload
	s.finish(ctx, entry)

	if decision.Resolution == domain.ResolutionNone {
		return nil
	}
	return conflictInfo(entry, "")
}

// finish stamps and stores the final status. Stamping and writing happen
// under the clock's commit lock so pulls see entries in timestamp order.
func (s *SyncService) finish(ctx context.Context, entry *domain.SyncEntry) {
	err := stamp(s.clock, func(now time.Time) error {
		entry.ServerTimestamp = now
		return s.outbox.Update(ctx, entry)
	})
	if err != nil {
		log.Printf("[Push] failed to finalize entry %s (%s): %v", entry.SyncID, entry.Status, err)
	}
}

// serverPayload is the content of the most recent applied write.
func (s *SyncService) serverPayload(ctx context.Context, key domain.EntityKey) (json.RawMessage, error) {
	latest, err := s.outbox.LatestApplied(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server payload: %w", err)
	}
	return latest.Payload, nil
}

func conflictInfo(entry *domain.SyncEntry, errMsg string) *domain.ConflictInfo {
	info := &domain.ConflictInfo{
		SyncID:        entry.SyncID,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		ClientVersion: entry.Version,
		ServerVersion: entry.ServerVersion,
		Resolution:    entry.Resolution,
		Error:         errMsg,
	}
	if entry.Resolution == domain.ResolutionServerWins && entry.ConflictData != nil {
		info.ServerPayload = entry.ConflictData.ServerPayload
	}
	return info
}

// ProcessPull returns the tenant's applied entries after the cursor that
// other clients wrote.
func (s *SyncService) ProcessPull(ctx context.Context, tenantID string, req *domain.PullRequest) (*domain.PullResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.PullDefaultLimit
	}
	if limit > s.opts.PullMaxLimit {
		limit = s.opts.PullMaxLimit
	}

	entries, err := s.outbox.ListChanges(ctx, domain.ChangeQuery{
		TenantID:        tenantID,
		ExcludeClientID: req.ClientID,
		EntityTypes:     req.EntityTypes,
		Since:           req.LastSyncTimestamp,
		Limit:           limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	now := s.clock.Now()
	syncTimestamp := now
	if len(entries) > 0 {
		syncTimestamp = entries[len(entries)-1].ServerTimestamp
	}

	if err := s.clients.Touch(ctx, &domain.ClientSyncState{
		ClientID:   req.ClientID,
		TenantID:   tenantID,
		LastSyncAt: now,
	}); err != nil {
		log.Printf("[Pull] failed to update client state for %s: %v", req.ClientID, err)
	}

	return &domain.PullResponse{
		Success:       true,
		Entries:       entries,
		HasMore:       hasMore,
		SyncTimestamp: syncTimestamp,
	}, nil
}

// Status reports the client's sync state and its unfinished entries.
func (s *SyncService) Status(ctx context.Context, tenantID, clientID string) (*domain.StatusResponse, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	state, err := s.clients.Get(ctx, clientID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		state = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load client state: %w", err)
	}

	pending, err := s.outbox.CountByStatus(ctx, tenantID, clientID, domain.EntryPending)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.outbox.CountByStatus(ctx, tenantID, clientID, domain.EntryConflicted)
	if err != nil {
		return nil, err
	}

	return &domain.StatusResponse{
		Success:             true,
		ClientState:         state,
		PendingEntries:      pending,
		UnresolvedConflicts: conflicts,
	}, nil
}

// SetOnline records websocket presence for a client.
func (s *SyncService) SetOnline(ctx context.Context, tenantID, clientID string, online bool) error {
	return s.clients.SetOnline(ctx, clientID, tenantID, online)
}
