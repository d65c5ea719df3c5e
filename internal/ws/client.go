package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
)

type outbound struct {
	frameType string
	data      []byte
}

// Client es una conexión viva: una goroutine lee y otra escribe.
type Client struct {
	id          string
	identity    domain.Identity
	instanceID  string
	connectedAt time.Time
	transport   Transport
	manager     *Manager

	send   chan outbound
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	lastHeartbeat atomic.Int64

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	callbacks []func(reason string)
}

func (c *Client) ID() string                { return c.id }
func (c *Client) Identity() domain.Identity { return c.identity }

func (c *Client) Connection() domain.Connection {
	return domain.Connection{
		ID:            c.id,
		Identity:      c.identity,
		InstanceID:    c.instanceID,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.LastHeartbeat(),
	}
}

func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load()).UTC()
}

func (c *Client) touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// Send encola el frame sin bloquear. Si la cola está llena la conexión se cierra.
func (c *Client) Send(frame domain.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- outbound{frameType: frame.Type, data: data}:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.manager.logger.Warn("slow consumer, dropping connection",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.identity.UserID),
		)
		go c.disconnect(ReasonSlowConsumer)
		return ErrSlowConsumer
	}
}

// OnDisconnect registra un callback; si ya está cerrada devuelve ErrConnectionClosed.
func (c *Client) OnDisconnect(cb func(reason string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.callbacks = append(c.callbacks, cb)
	return nil
}

// Close cierra la conexión desde el servidor.
func (c *Client) Close() {
	c.disconnect(ReasonClosed)
}

func (c *Client) disconnect(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.transport.Close()
		c.manager.remove(c)

		c.mu.Lock()
		c.closed = true
		callbacks := c.callbacks
		c.callbacks = nil
		c.mu.Unlock()

		metrics.Disconnects.WithLabelValues(reason).Inc()
		c.manager.logger.Info("connection closed",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.identity.UserID),
			zap.String("reason", reason),
		)
		for _, cb := range callbacks {
			cb(reason)
		}
		if h := c.manager.currentHandler(); h != nil {
			h.HandleDisconnect(context.Background(), c, reason)
		}
	})
}

func (c *Client) readPump() {
	cfg := c.manager.cfg
	c.transport.SetReadLimit(cfg.ReadLimit)
	_ = c.transport.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	c.transport.SetPongHandler(func(string) error {
		c.touch()
		return c.transport.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	})

	handler := c.manager.currentHandler()
	if handler != nil {
		handler.HandleConnect(c.ctx, c)
	}

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			reason := ReasonReadError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonClosed
			}
			select {
			case <-c.done:
			default:
				c.manager.logger.Debug("read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			c.disconnect(reason)
			return
		}
		c.touch()
		_ = c.transport.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))

		frame, err := c.manager.decode(data)
		if err != nil {
			metrics.FramesInbound.WithLabelValues("invalid").Inc()
			_ = c.Send(domain.ErrorFrame("invalid_frame", err, frame.ClientMessageID))
			continue
		}
		metrics.FramesInbound.WithLabelValues(frame.Type).Inc()
		if handler != nil {
			handler.HandleFrame(c.ctx, c, frame)
		}
	}
}

func (c *Client) writePump() {
	cfg := c.manager.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.transport.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.disconnect(ReasonWriteError)
				return
			}
			metrics.FramesOutbound.WithLabelValues(msg.frameType).Inc()
		case <-ticker.C:
			_ = c.transport.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.disconnect(ReasonWriteError)
				return
			}
		}
	}
}
