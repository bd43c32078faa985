package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/fieldsync/internal/types"
)

// Action is the audited operation.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionConflict Action = "conflict"
)

// Entry is one audit log row with before/after snapshots in wire form.
type Entry struct {
	ID         uuid.UUID
	Actor      *uuid.UUID
	Action     Action
	EntityType types.TableName
	EntityID   types.EntityID
	Before     map[string]any
	After      map[string]any
	OccurredAt time.Time
}

// Serializer renders a record to its wire map.
type Serializer func(types.Record) map[string]any

// FromResult builds the audit entry for a sync outcome. Errors are not
// audited and yield ok == false.
func FromResult(table types.TableName, res types.Result, actor *uuid.UUID, wire Serializer, at time.Time) (Entry, bool) {
	entry := Entry{
		ID:         uuid.New(),
		Actor:      actor,
		EntityType: table,
		EntityID:   res.ServerID,
		OccurredAt: at,
	}

	switch res.Status {
	case types.StatusCreated:
		entry.Action = ActionCreate
	case types.StatusUpdated:
		entry.Action = ActionUpdate
	case types.StatusConflict:
		entry.Action = ActionConflict
		if res.Conflict != nil {
			entry.Before = res.Conflict.ServerData
			entry.After = res.Conflict.ClientData
		}
		return entry, true
	default:
		return Entry{}, false
	}

	if res.Before != nil {
		entry.Before = wire(*res.Before)
	}
	if res.After != nil {
		entry.After = wire(*res.After)
	}
	return entry, true
}
