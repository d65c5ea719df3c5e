package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
)

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSlowConsumer      = errors.New("outbound queue full")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrManagerClosed     = errors.New("connection manager closed")
)

// Motivos de desconexión, usados como etiqueta de métricas.
const (
	ReasonClosed           = "closed"
	ReasonReadError        = "read_error"
	ReasonWriteError       = "write_error"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

// Session es lo que ve el manejador de frames de una conexión.
type Session interface {
	ID() string
	Identity() domain.Identity
	Send(frame domain.OutboundFrame) error
}

// FrameHandler procesa el ciclo de vida de cada conexión. Los frames de una conexión llegan en orden.
type FrameHandler interface {
	HandleConnect(ctx context.Context, s Session)
	HandleFrame(ctx context.Context, s Session, frame domain.InboundFrame)
	HandleDisconnect(ctx context.Context, s Session, reason string)
}

type Config struct {
	InstanceID       string
	SendBuffer       int
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.HeartbeatTimeout {
		c.PingInterval = c.HeartbeatTimeout / 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Manager es el registro de conexiones vivas de esta instancia.
type Manager struct {
	logger   *zap.Logger
	cfg      Config
	validate *validator.Validate

	mu         sync.RWMutex
	handler    FrameHandler
	clients    map[string]*Client
	byIdentity map[string]map[string]*Client
	closed     bool
}

func NewManager(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		logger:     logger,
		cfg:        cfg.withDefaults(),
		validate:   validator.New(),
		clients:    make(map[string]*Client),
		byIdentity: make(map[string]map[string]*Client),
	}
}

// SetHandler debe llamarse antes de aceptar conexiones.
func (m *Manager) SetHandler(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Accept registra la conexión y arranca sus goroutines de lectura y escritura.
func (m *Manager) Accept(identity domain.Identity, transport Transport) (*Client, error) {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:          uuid.NewString(),
		identity:    identity,
		instanceID:  m.cfg.InstanceID,
		connectedAt: now,
		transport:   transport,
		manager:     m,
		send:        make(chan outbound, m.cfg.SendBuffer),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.touch()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = transport.Close()
		return nil, ErrManagerClosed
	}
	m.clients[c.id] = c
	if m.byIdentity[identity.UserID] == nil {
		m.byIdentity[identity.UserID] = make(map[string]*Client)
	}
	m.byIdentity[identity.UserID][c.id] = c
	m.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	m.logger.Info("connection accepted",
		zap.String("connection_id", c.id),
		zap.String("user_id", identity.UserID),
	)

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (m *Manager) currentHandler() FrameHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Send encola un frame para una conexión concreta.
func (m *Manager) Send(connectionID string, frame domain.OutboundFrame) error {
	m.mu.RLock()
	c, ok := m.clients[connectionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return c.Send(frame)
}

// SendToIdentity reparte el frame a todos los dispositivos locales y devuelve cuántos lo aceptaron.
func (m *Manager) SendToIdentity(userID string, frame domain.OutboundFrame) int {
	sent := 0
	for _, c := range m.identityClients(userID) {
		if err := c.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

func (m *Manager) HasConnections(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIdentity[userID]) > 0
}

func (m *Manager) Connections(userID string) []domain.Connection {
	clients := m.identityClients(userID)
	out := make([]domain.Connection, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Connection())
	}
	return out
}

// Identities lista los usuarios con al menos una conexión local.
func (m *Manager) Identities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byIdentity))
	for id := range m.byIdentity {
		out = append(out, id)
	}
	return out
}

// Count devuelve el número de conexiones vivas.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// OnDisconnect registra un callback que se invoca una sola vez al cerrar la conexión.
func (m *Manager) OnDisconnect(connectionID string, cb func(reason string)) error {
	m.mu.RLock()
	c, ok := m.clients[connectionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return c.OnDisconnect(cb)
}

// Run ejecuta el reaper de heartbeats hasta que ctx termine.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.HeartbeatTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reap(time.Now())
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.RLock()
	var stale []*Client
	for _, c := range m.clients {
		if now.Sub(c.LastHeartbeat()) > m.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range stale {
		m.logger.Info("heartbeat timeout", zap.String("connection_id", c.id), zap.String("user_id", c.identity.UserID))
		c.disconnect(ReasonHeartbeatTimeout)
	}
}

// Close desconecta todas las conexiones y rechaza nuevas.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		all = append(all, c)
	}
	m.mu.Unlock()
	for _, c := range all {
		c.disconnect(ReasonShutdown)
	}
}

func (m *Manager) identityClients(userID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byIdentity[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (m *Manager) remove(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.id]; !ok {
		return
	}
	delete(m.clients, c.id)
	if set := m.byIdentity[c.identity.UserID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(m.byIdentity, c.identity.UserID)
		}
	}
	metrics.ConnectionsActive.Dec()
}
