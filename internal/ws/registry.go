package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/example/fieldsync/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by the tables
// they subscribed to so change notices can be fanned out efficiently.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	tables map[types.TableName]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{tables: make(map[types.TableName]map[*Connection]struct{})}
}

// Register subscribes the connection to every table it asked for.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range c.tables {
		if r.tables[table] == nil {
			r.tables[table] = make(map[*Connection]struct{})
		}
		r.tables[table][c] = struct{}{}
		gatewayConnections.WithLabelValues(string(table)).Set(float64(len(r.tables[table])))
	}
}

// Unregister removes the connection from all of its tables.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range c.tables {
		conns := r.tables[table]
		if conns == nil {
			continue
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.tables, table)
		}
		gatewayConnections.WithLabelValues(string(table)).Set(float64(len(conns)))
	}
}

// Subscribers reports how many connections listen on a table.
func (r *ConnectionRegistry) Subscribers(table types.TableName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[table])
}

// Deliver sends a notice to every local connection subscribed to its table
// and returns how many connections accepted it.
func (r *ConnectionRegistry) Deliver(notice types.ChangeNotice) (int, error) {
	payload, err := json.Marshal(notice)
	if err != nil {
		return 0, fmt.Errorf("encode notice: %w", err)
	}

	r.mu.RLock()
	conns := r.tables[notice.Table]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0, nil
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendText(payload); err == nil {
			sent++
		}
	}
	gatewayNoticesSent.WithLabelValues(string(notice.Table)).Add(float64(sent))
	return sent, nil
}

// Publish delivers notices to local connections only. It lets a single
// instance run without a pub/sub backend.
func (r *ConnectionRegistry) Publish(_ context.Context, notices []types.ChangeNotice) error {
	for _, notice := range notices {
		if _, err := r.Deliver(notice); err != nil {
			return err
		}
	}
	return nil
}
