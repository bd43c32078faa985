package ws

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/types"
)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades HTTP requests into push connections and wires them into
// the ConnectionRegistry. Clients pick tables with ?tables=a,b; no tables
// means every syncable table.
type Gateway struct {
	upgrader websocket.Upgrader
	registry *ConnectionRegistry
	schema   *schema.Registry
	logger   zerolog.Logger
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(registry *ConnectionRegistry, tables *schema.Registry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if tables == nil {
		return nil, errors.New("schema registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Mobile clients send no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry: registry,
		schema:   tables,
		logger:   logger.With().Str("component", "ws").Logger(),
		cfg:      cfg,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	tables, err := g.parseTables(r.URL.Query().Get("tables"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	clientID := r.URL.Query().Get("client_id")
	childLogger := g.logger.With().Str("client", clientID).Logger()
	var connection *Connection
	connection = newConnection(conn, clientID, tables, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(connection)
	})

	g.registry.Register(connection)
	childLogger.Info().Int("tables", len(tables)).Msg("websocket connection established")

	go connection.Run()
}

func (g *Gateway) parseTables(raw string) ([]types.TableName, error) {
	if strings.TrimSpace(raw) == "" {
		return g.schema.Names(), nil
	}
	seen := make(map[types.TableName]bool)
	var tables []types.TableName
	for _, part := range strings.Split(raw, ",") {
		name := types.TableName(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if _, err := g.schema.Table(name); err != nil {
			return nil, err
		}
		seen[name] = true
		tables = append(tables, name)
	}
	if len(tables) == 0 {
		return g.schema.Names(), nil
	}
	return tables, nil
}
