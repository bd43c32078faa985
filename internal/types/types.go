package types

import (
	"time"

	"github.com/google/uuid"
)

// TableName identifies a syncable entity table such as "objects".
type TableName string

// ClientID is the identifier minted on an offline client before the record
// has a server identity.
type ClientID = uuid.UUID

// EntityID is the authoritative server-side identifier of an entity.
type EntityID = uuid.UUID

// Fields holds canonical entity field values keyed by column name.
type Fields map[string]any

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is a persisted entity row. Version is always 1 for tables that do
// not track versions.
type Record struct {
	ID        EntityID
	Table     TableName
	Version   int64
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncToken binds a client-generated identifier to a server entity. The
// binding is permanent.
type SyncToken struct {
	ClientID   ClientID  `json:"client_generated_id"`
	Table      TableName `json:"table_name"`
	ServerID   EntityID  `json:"server_id"`
	Checksum   string    `json:"checksum,omitempty"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenStatusSynced marks a token whose entity is in sync with the client.
const TokenStatusSynced = "synced"

// Status is the per-item outcome of a sync upsert.
type Status string

const (
	StatusCreated  Status = "created"
	StatusUpdated  Status = "updated"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// FieldDiff compares the server and client value of a single field. Client
// is nil when the client payload omitted the field.
type FieldDiff struct {
	Server any `json:"server"`
	Client any `json:"client"`
}

// Diff maps field names to their differing values.
type Diff map[string]FieldDiff

// ResolutionHints tells a client how it may resolve a conflict.
type ResolutionHints struct {
	Code     string `json:"code"`
	Strategy string `json:"strategy"`
	Message  string `json:"message"`
}

// Conflict describes a rejected write against a newer server version.
type Conflict struct {
	ExpectedVersion int64           `json:"expected_version"`
	CurrentVersion  int64           `json:"current_version"`
	ServerData      map[string]any  `json:"server_data"`
	ClientData      map[string]any  `json:"client_data"`
	Diff            Diff            `json:"diff"`
	Hints           ResolutionHints `json:"resolution_hints"`
}

// Item is a single locally-made edit submitted by a client.
type Item struct {
	ClientID  ClientID       `json:"client_generated_id"`
	Table     TableName      `json:"table_name"`
	Payload   map[string]any `json:"payload"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   *int64         `json:"version,omitempty"`
}

// Result is the outcome of one upsert. Exactly one of Conflict or Err is set
// for the conflict and error statuses.
type Result struct {
	ClientID      ClientID
	ServerID      EntityID
	Status        Status
	ServerVersion int64
	Conflict      *Conflict
	Err           error

	Before *Record
	After  *Record
}

// ChangeAction describes what happened to a row in the change feed.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	// ActionDelete is part of the wire contract but never emitted: entities
	// are not deleted through sync.
	ActionDelete ChangeAction = "delete"
)

// ChangeItem is a single row in the change feed.
type ChangeItem struct {
	ID        EntityID       `json:"id"`
	Table     TableName      `json:"table_name"`
	Action    ChangeAction   `json:"action"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   int64          `json:"version"`
}

// ChangeNotice announces that an entity changed so connected clients can pull.
type ChangeNotice struct {
	Table     TableName `json:"table_name"`
	ID        EntityID  `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
