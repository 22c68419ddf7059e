package offline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed localstore.sql
var localSchema string

// LocalStore persists the queue in a SQLite file on the device. Several
// processes may open the same file; each only writes the rows it changed.
type LocalStore struct {
	db *sql.DB
}

func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		localSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare local store: %w", err)
		}
	}

	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, method, body, headers, created_at, retries, max_retries,
		       entity_type, entity_id, description, status, error_message, last_attempt,
		       idempotency_key
		FROM outgoing_mutations
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{}
	for rows.Next() {
		var (
			m           QueuedMutation
			headers     sql.NullString
			status      string
			createdAt   int64
			lastAttempt int64
		)
		if err := rows.Scan(&m.ID, &m.URL, &m.Method, &m.Body, &headers, &createdAt, &m.Retries,
			&m.MaxRetries, &m.EntityType, &m.EntityID, &m.Description, &status, &m.ErrorMessage,
			&lastAttempt, &m.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("failed to scan queued mutation: %w", err)
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &m.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode headers of %s: %w", m.ID, err)
			}
		}
		m.Status = MutationStatus(status)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		if lastAttempt != 0 {
			t := time.Unix(0, lastAttempt).UTC()
			m.LastAttempt = &t
		}
		snap.Mutations = append(snap.Mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastSync int64
	err = s.db.QueryRowContext(ctx, `SELECT last_sync_at FROM sync_cursor WHERE id = 1`).Scan(&lastSync)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	case lastSync != 0:
		t := time.Unix(0, lastSync).UTC()
		snap.LastSyncAt = &t
	}

	return snap, nil
}

// Save applies changes in one transaction. Rows keep their original
// insertion order across updates.
func (s *LocalStore) Save(ctx context.Context, changes *Changes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range changes.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outgoing_mutations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove mutation %s: %w", id, err)
		}
	}

	if len(changes.Upserts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO outgoing_mutations (id, url, method, body, headers, created_at, retries,
				max_retries, entity_type, entity_id, description, status, error_message, last_attempt,
				idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				url = excluded.url,
				method = excluded.method,
				body = excluded.body,
				headers = excluded.headers,
				retries = excluded.retries,
				max_retries = excluded.max_retries,
				entity_type = excluded.entity_type,
				entity_id = excluded.entity_id,
				description = excluded.description,
				status = excluded.status,
				error_message = excluded.error_message,
				last_attempt = excluded.last_attempt,
				idempotency_key = excluded.idempotency_key
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, m := range changes.Upserts {
			var headers any
			if len(m.Headers) > 0 {
				b, err := json.Marshal(m.Headers)
				if err != nil {
					return fmt.Errorf("failed to encode headers of %s: %w", m.ID, err)
				}
				headers = string(b)
			}
			var lastAttempt int64
			if m.LastAttempt != nil {
				lastAttempt = m.LastAttempt.UnixNano()
			}
			if _, err := stmt.ExecContext(ctx, m.ID, m.URL, m.Method, m.Body, headers, m.CreatedAt.UnixNano(),
				m.Retries, m.MaxRetries, m.EntityType, m.EntityID, m.Description, string(m.Status),
				m.ErrorMessage, lastAttempt, m.IdempotencyKey); err != nil {
				return fmt.Errorf("failed to store mutation %s: %w", m.ID, err)
			}
		}
	}

	// The cursor only moves forward, whichever process saves last.
	if changes.LastSyncAt != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursor (id, last_sync_at) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET last_sync_at = MAX(last_sync_at, excluded.last_sync_at)
		`, changes.LastSyncAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to store sync cursor: %w", err)
		}
	}

	return tx.Commit()
}
