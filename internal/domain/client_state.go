package domain

import "time"

type ClientSyncState struct {
	ClientID   string    `json:"client_id"`
	TenantID   string    `json:"tenant_id"`
	LastSyncAt time.Time `json:"last_sync_at"`
	DeviceInfo string    `json:"device_info,omitempty"`
	IsOnline   bool      `json:"is_online"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type StatusResponse struct {
	Success             bool             `json:"success"`
	ClientState         *ClientSyncState `json:"clientState"`
	PendingEntries      int              `json:"pendingEntries"`
	UnresolvedConflicts int              `json:"unresolvedConflicts"`
}
