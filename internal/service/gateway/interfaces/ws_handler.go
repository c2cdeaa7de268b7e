package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/service/gateway/domain"
	"nexus-pos/internal/service/gateway/port"
)

const sessionOpTimeout = 2 * time.Second

// Handler 处理 /ws 上的连接升级和终端发来的消息。
type Handler struct {
	hub          *Hub
	sessions     port.SessionStore
	nodeID       string
	requireToken bool
	metrics      *metrics.Gateway
	upgrader     websocket.Upgrader
}

func NewHandler(hub *Hub, sessions port.SessionStore, nodeID string, requireToken bool, m *metrics.Gateway) *Handler {
	if m == nil {
		m = metrics.NewGateway(nil)
	}
	return &Handler{
		hub:          hub,
		sessions:     sessions,
		nodeID:       nodeID,
		requireToken: requireToken,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { // 终端不是浏览器，允许所有来源
				return true
			},
		},
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get(constants.AuthorizationHeader)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. 从URL参数获取UserID
	userID := r.URL.Query().Get(constants.UserIDQueryParam)
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if h.requireToken && bearerToken(r) == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	// 2. HTTP升级为WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// 3. 创建客户端实例并注册到Hub，register 消息到达后才和用户绑定
	client := newClient(uuid.NewString(), h.hub, conn)
	h.hub.register(client)
	logger.L().Info().Str("client_id", client.id).Str("user_id", userID).Str("node_id", h.nodeID).Msg("client connected")

	// 4. 启动读写goroutine
	go client.writePump()
	go func() {
		client.readPump(h.handleMessage)
		h.disconnect(client)
	}()
}

func (h *Handler) handleMessage(c *Client, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.L().Warn().Err(err).Str("client_id", c.id).Msg("malformed message from client")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()

	switch env.Event {
	case constants.EventRegister:
		h.metrics.Received.WithLabelValues(env.Event).Inc()
		var reg domain.Registration
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &reg); err != nil {
				logger.L().Warn().Err(err).Str("client_id", c.id).Msg("malformed register payload")
				return
			}
		}
		if reg.UserID == "" {
			logger.L().Warn().Str("client_id", c.id).Msg("register without userId")
			return
		}
		h.hub.bind(c, reg.UserID)
		if err := h.sessions.SetUserGateway(ctx, reg.UserID, h.nodeID); err != nil {
			logger.L().Error().Err(err).Str("user_id", reg.UserID).Msg("failed to set session")
		}
		logger.L().Info().Str("client_id", c.id).Str("user_id", reg.UserID).Msg("client registered")
	case constants.EventHeartbeat:
		h.metrics.Received.WithLabelValues(env.Event).Inc()
		userID := h.hub.boundUser(c)
		if userID == "" {
			return
		}
		if err := h.sessions.Touch(ctx, userID, h.nodeID); err != nil {
			logger.L().Warn().Err(err).Str("user_id", userID).Msg("failed to refresh session")
		}
	default:
		h.metrics.Received.WithLabelValues("unknown").Inc()
		logger.L().Debug().Str("event", env.Event).Str("client_id", c.id).Msg("ignoring client event")
	}
}

func (h *Handler) disconnect(c *Client) {
	userID, othersRemain := h.hub.unregister(c)
	logger.L().Info().Str("client_id", c.id).Str("user_id", userID).Msg("client unregistered")
	if userID == "" || othersRemain {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	if err := h.sessions.RemoveUserGateway(ctx, userID, h.nodeID); err != nil {
		logger.L().Warn().Err(err).Str("user_id", userID).Msg("failed to remove session")
	}
}
