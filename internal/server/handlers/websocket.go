package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/causalrepo"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/pkg/api"
)

var (
	// ErrSendQueueFull возвращается, когда клиент не успевает читать сообщения
	ErrSendQueueFull = errors.New("send queue is full")
	// ErrConnectionClosed возвращается при отправке в закрытое соединение
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCommandRateLimited отправляется клиенту вместо выполнения команды
	ErrCommandRateLimited = errors.New("rate limit exceeded")
)

// CommandLimiter ограничивает частоту команд по ключу устройства
type CommandLimiter interface {
	Allow(key string) bool
}

// limitedCommands изменяют ветки или рассылают события; чтения не ограничиваются
var limitedCommands = map[string]struct{}{
	api.CmdAddAtoms:  {},
	api.CmdCommit:    {},
	api.CmdCheckout:  {},
	api.CmdRestore:   {},
	api.CmdSendEvent: {},
}

// CommandServer обрабатывает команды подключенных устройств
type CommandServer interface {
	Connect(conn causalrepo.Connection)
	Handle(ctx context.Context, conn causalrepo.Connection, msg api.Message)
	Disconnect(ctx context.Context, conn causalrepo.Connection)
}

// WSConfig содержит параметры websocket соединений
type WSConfig struct {
	// CommandLimiter общий для всех соединений; nil - без ограничений
	CommandLimiter CommandLimiter
	SendQueueSize  int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
}

// DefaultWSConfig возвращает параметры по умолчанию
func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendQueueSize:  256,
		MaxMessageSize: 4 << 20,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   50 * time.Second,
	}
}

// WebSocketHandler обслуживает GET /ws: одно websocket соединение на устройство
type WebSocketHandler struct {
	logger   *slog.Logger
	server   CommandServer
	metrics  *metrics.Metrics
	cfg      WSConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler создает handler. m может быть nil.
func NewWebSocketHandler(logger *slog.Logger, server CommandServer, m *metrics.Metrics, cfg WSConfig) *WebSocketHandler {
	return &WebSocketHandler{
		logger:  logger,
		server:  server,
		metrics: m,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// доступ проверяется токеном, а не origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP выполняет upgrade и обслуживает соединение до его закрытия
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Устройство установлено AuthMiddleware
	device, ok := GetDevice(r.Context())
	if !ok {
		h.logger.Error("Device not found in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		h.logger.Warn("Failed to upgrade websocket", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	conn := newWSConn(ws, device, h.cfg, h.metrics, h.logger)
	h.metrics.ConnectionOpened()
	h.logger.Info("WebSocket connected",
		"conn_id", conn.id,
		"username", device.Username,
		"device_id", device.DeviceID,
		"session_id", device.SessionID,
	)

	h.server.Connect(conn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.writeLoop()
	}()

	conn.readLoop(r.Context(), h.server)

	conn.close()
	wg.Wait()
	// коммит при выгрузке веток должен завершиться даже после обрыва запроса
	h.server.Disconnect(context.WithoutCancel(r.Context()), conn)
	h.metrics.ConnectionClosed()

	h.logger.Info("WebSocket disconnected", "conn_id", conn.id, "device_id", device.DeviceID)
}

// wsConn адаптирует websocket соединение к causalrepo.Connection.
// Исходящие сообщения проходят через ограниченную FIFO очередь; клиент,
// переполнивший очередь, отключается.
type wsConn struct {
	id     string
	device models.DeviceInfo
	ws     *websocket.Conn
	cfg    WSConfig

	queue     chan api.Message
	done      chan struct{}
	closeOnce sync.Once

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newWSConn(ws *websocket.Conn, device models.DeviceInfo, cfg WSConfig, m *metrics.Metrics, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:      uuid.New().String(),
		device:  device,
		ws:      ws,
		cfg:     cfg,
		queue:   make(chan api.Message, cfg.SendQueueSize),
		done:    make(chan struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (c *wsConn) ID() string                { return c.id }
func (c *wsConn) Device() models.DeviceInfo { return c.device }

// Send ставит сообщение в очередь и никогда не блокируется
func (c *wsConn) Send(msg api.Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	default:
		c.logger.Warn("Send queue overflow, closing connection", "conn_id", c.id, "device_id", c.device.DeviceID)
		c.metrics.ConnectionDropped()
		c.close()
		return ErrSendQueueFull
	}
}

// close останавливает writeLoop; тот закрывает сокет, что прерывает readLoop
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) readLoop(ctx context.Context, server CommandServer) {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var msg api.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if !c.allow(msg.Name) {
			continue
		}
		server.Handle(ctx, c, msg)
	}
}

// allow проверяет лимит команд устройства. Лимит общий для всех соединений
// одного устройства, поэтому переподключение его не сбрасывает.
func (c *wsConn) allow(command string) bool {
	if c.cfg.CommandLimiter == nil {
		return true
	}
	if _, ok := limitedCommands[command]; !ok {
		return true
	}
	if c.cfg.CommandLimiter.Allow(c.device.Username + "/" + c.device.DeviceID) {
		return true
	}

	c.logger.Warn("Command rate limit exceeded",
		"conn_id", c.id,
		"username", c.device.Username,
		"device_id", c.device.DeviceID,
		"command", command,
	)
	c.metrics.CommandLimited(command)
	_ = c.Send(api.MustMessage(api.EventError, api.Error{Command: command, Message: ErrCommandRateLimited.Error()}))
	return false
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("WebSocket write failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(c.cfg.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
