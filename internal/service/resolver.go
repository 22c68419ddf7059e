package service

import (
	"encoding/json"
	"time"

	"factoryos-sync/internal/domain"
)

// ResolveInput describes a push item whose version is behind the version of
// record.
type ResolveInput struct {
	Strategy             domain.Strategy
	Operation            domain.Operation
	ClientPayload        json.RawMessage
	ClientTimestamp      time.Time
	ServerPayload        json.RawMessage
	ServerLastModifiedAt time.Time
}

// Decision is the scored outcome of a conflicting push item.
type Decision struct {
	Status     domain.EntryStatus
	Resolution domain.Resolution
	// Payload is what the entry stores; for accepted entries it is also the
	// new content of the entity.
	Payload json.RawMessage
	// ReturnServerPayload asks the caller to hand the server side back to
	// the client for reconciliation.
	ReturnServerPayload bool
}

func (d Decision) Accepted() bool {
	return d.Status == domain.EntryApplied
}

// Resolve scores a version conflict. It has no side effects.
func Resolve(in ResolveInput) Decision {
	switch in.Strategy {
	case domain.StrategyClientWins:
		return clientWins(in)

	case domain.StrategyServerWins:
		return serverWins(in)

	case domain.StrategyFieldMerge:
		return Decision{
			Status:     domain.EntryApplied,
			Resolution: domain.ResolutionMerged,
			Payload:    MergeFields(in.ServerPayload, in.ClientPayload, in.Operation),
		}

	case domain.StrategyManual:
		return Decision{
			Status:     domain.EntryConflicted,
			Resolution: domain.ResolutionManual,
			Payload:    in.ClientPayload,
		}

	default:
		// Ties go to the server.
		if in.ClientTimestamp.After(in.ServerLastModifiedAt) {
			return clientWins(in)
		}
		return serverWins(in)
	}
}

func clientWins(in ResolveInput) Decision {
	return Decision{
		Status:     domain.EntryApplied,
		Resolution: domain.ResolutionClientWins,
		Payload:    in.ClientPayload,
	}
}

func serverWins(in ResolveInput) Decision {
	return Decision{
		Status:              domain.EntryRejected,
		Resolution:          domain.ResolutionServerWins,
		Payload:             in.ClientPayload,
		ReturnServerPayload: true,
	}
}

// MergeFields overlays the top-level keys of client onto server. When either
// side is not a JSON object, or the operation is a delete, client is returned
// unchanged.
func MergeFields(server, client json.RawMessage, op domain.Operation) json.RawMessage {
	if op == domain.OperationDelete {
		return client
	}

	var serverFields, clientFields map[string]json.RawMessage
	if err := json.Unmarshal(server, &serverFields); err != nil || serverFields == nil {
		return client
	}
	if err := json.Unmarshal(client, &clientFields); err != nil || clientFields == nil {
		return client
	}

	for k, v := range clientFields {
		serverFields[k] = v
	}

	merged, err := json.Marshal(serverFields)
	if err != nil {
		return client
	}
	return merged
}
