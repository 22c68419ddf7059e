package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyLastWriteWins Strategy = "LAST_WRITE_WINS"
	StrategyClientWins    Strategy = "CLIENT_WINS"
	StrategyServerWins    Strategy = "SERVER_WINS"
	StrategyFieldMerge    Strategy = "FIELD_MERGE"
	StrategyManual        Strategy = "MANUAL"
)

func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyLastWriteWins, StrategyClientWins, StrategyServerWins, StrategyFieldMerge, StrategyManual:
		return st, true
	}
	return "", false
}

// Resolution records how a push item was scored.
type Resolution string

const (
	ResolutionNone       Resolution = ""
	ResolutionClientWins Resolution = "client_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "field_merge"
	ResolutionManual     Resolution = "manual"
	ResolutionInvalid    Resolution = "invalid"
	ResolutionError      Resolution = "error"
)

// ConflictSnapshot holds both sides of a version mismatch for manual resolution.
type ConflictSnapshot struct {
	ClientPayload        json.RawMessage `json:"client_payload"`
	ServerPayload        json.RawMessage `json:"server_payload"`
	ClientVersion        int64           `json:"client_version"`
	ServerVersion        int64           `json:"server_version"`
	ClientTimestamp      time.Time       `json:"client_timestamp"`
	ServerLastModifiedAt time.Time       `json:"server_last_modified_at"`
	ServerLastModifiedBy string          `json:"server_last_modified_by,omitempty"`
}

type ConflictInfo struct {
	SyncID        string          `json:"sync_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	ClientVersion int64           `json:"client_version"`
	ServerVersion int64           `json:"server_version"`
	Resolution    Resolution      `json:"resolution"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type ManualResolution string

const (
	AcceptClient ManualResolution = "accept_client"
	AcceptServer ManualResolution = "accept_server"
	AcceptMerged ManualResolution = "merge"
)

type ResolveConflictRequest struct {
	Resolution ManualResolution `json:"resolution" validate:"required,oneof=accept_client accept_server merge"`
	MergedData json.RawMessage  `json:"mergedData,omitempty"`
}

type ConflictListResponse struct {
	Success   bool         `json:"success"`
	Conflicts []*SyncEntry `json:"conflicts"`
}

type ResolveConflictResponse struct {
	Success bool       `json:"success"`
	Entry   *SyncEntry `json:"entry"`
}
