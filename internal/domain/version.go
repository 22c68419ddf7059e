package domain

import (
	"fmt"
	"time"
)

type EntityKey struct {
	TenantID   string
	EntityType string
	EntityID   string
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.EntityType, k.EntityID)
}

// VersionRecord is the server's version of record for one entity.
type VersionRecord struct {
	TenantID       string    `json:"tenant_id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	CurrentVersion int64     `json:"current_version"`
	LastModifiedBy string    `json:"last_modified_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	Checksum       string    `json:"checksum,omitempty"`
	// LastSyncID names the outbox entry behind the current version.
	LastSyncID string `json:"last_sync_id,omitempty"`

	// Revision is an opaque storage token that changes on every write.
	// An empty Revision means the record has never been stored.
	Revision string `json:"-"`
}

func (v *VersionRecord) Key() EntityKey {
	return EntityKey{TenantID: v.TenantID, EntityType: v.EntityType, EntityID: v.EntityID}
}

type VersionPolicy string

const (
	// VersionPolicyClient advances to incoming+1, never below the current version.
	VersionPolicyClient VersionPolicy = "client"
	// VersionPolicyServer advances by one on every accepted write and uses the
	// client's version only to detect staleness.
	VersionPolicyServer VersionPolicy = "server"
)

func (p VersionPolicy) Valid() bool {
	return p == VersionPolicyClient || p == VersionPolicyServer
}

func (p VersionPolicy) Next(current, incoming int64) int64 {
	if p == VersionPolicyServer {
		return current + 1
	}
	next := incoming + 1
	if next < current {
		return current
	}
	return next
}
