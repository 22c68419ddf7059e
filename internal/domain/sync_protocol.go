package domain

import (
	"encoding/json"
	"time"
)

type PushEntry struct {
	EntityType      string          `json:"entity_type" validate:"required,max=128"`
	EntityID        string          `json:"entity_id" validate:"required,max=256"`
	Operation       Operation       `json:"operation" validate:"required,oneof=INSERT UPDATE DELETE"`
	Payload         json.RawMessage `json:"payload"`
	Version         int64           `json:"version" validate:"gte=0"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

type PushRequest struct {
	ClientID   string      `json:"client_id" validate:"required"`
	DeviceInfo string      `json:"device_info,omitempty"`
	Entries    []PushEntry `json:"entries"`
}

type PushResponse struct {
	Success    bool           `json:"success"`
	Applied    int            `json:"applied"`
	Conflicted int            `json:"conflicted"`
	Rejected   int            `json:"rejected"`
	Conflicts  []ConflictInfo `json:"conflicts"`
}

type PullRequest struct {
	ClientID          string    `json:"client_id" validate:"required"`
	EntityTypes       []string  `json:"entity_types"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
	Limit             int       `json:"limit,omitempty" validate:"gte=0"`
}

type PullResponse struct {
	Success       bool         `json:"success"`
	Entries       []*SyncEntry `json:"entries"`
	HasMore       bool         `json:"hasMore"`
	SyncTimestamp time.Time    `json:"syncTimestamp"`
}
