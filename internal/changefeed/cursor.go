package changefeed

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/types"
)

// ErrInvalidCursor is returned when a continuation token cannot be decoded.
var ErrInvalidCursor = fmt.Errorf("%w: invalid cursor", schema.ErrValidation)

// Cursor is the position of the last item a client received.
type Cursor struct {
	UpdatedAt time.Time
	Table     types.TableName
	ID        types.EntityID
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strings.Join([]string{
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(c.Table),
		c.ID.String(),
	}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return Cursor{}, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{UpdatedAt: ts.UTC(), Table: types.TableName(parts[1]), ID: id}, nil
}
