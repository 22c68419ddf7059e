package domain

import (
	"encoding/json"
	"time"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

type EntryStatus string

const (
	EntryPending    EntryStatus = "PENDING"
	EntryApplied    EntryStatus = "APPLIED"
	EntryConflicted EntryStatus = "CONFLICTED"
	EntryRejected   EntryStatus = "REJECTED"
)

// SyncEntry is one row of the server outbox. It is written PENDING when a push
// item arrives and receives its final status exactly once; only manual conflict
// resolution touches it afterwards.
type SyncEntry struct {
	SyncID          string            `json:"sync_id"`
	ClientID        string            `json:"client_id"`
	TenantID        string            `json:"tenant_id"`
	EntityType      string            `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	Operation       Operation         `json:"operation"`
	Payload         json.RawMessage   `json:"payload"`
	Version         int64             `json:"version"`
	ClientTimestamp time.Time         `json:"client_timestamp"`
	ServerTimestamp time.Time         `json:"server_timestamp"`
	Status          EntryStatus       `json:"status"`
	ConflictData    *ConflictSnapshot `json:"conflict_data"`
	CreatedBy       string            `json:"created_by"`
	BatchID         string            `json:"batch_id,omitempty"`
	ServerVersion   int64             `json:"server_version"`
	Resolution      Resolution        `json:"resolution,omitempty"`
}

func (e *SyncEntry) Key() EntityKey {
	return EntityKey{TenantID: e.TenantID, EntityType: e.EntityType, EntityID: e.EntityID}
}

type ChangeQuery struct {
	TenantID        string
	ExcludeClientID string
	EntityTypes     []string
	Since           time.Time
	Limit           int
}
