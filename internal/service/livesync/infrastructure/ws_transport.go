package infrastructure

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/livesync/domain"
	"nexus-pos/internal/service/livesync/port"
)

const (
	writeWait      = 10 * time.Second
	eventQueueSize = 64
)

// WSDialer 通过 gorilla/websocket 连接推送网关，实现 port.Dialer。
// 连接建立后，读错误会先产生 disconnect 事件，再按指数退避加抖动重连有限次数，成功后产生 reconnect 事件。
type WSDialer struct {
	GatewayURL        string
	UserID            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// Credentials 不为空时，重连使用它提供的最新令牌，否则沿用首次连接的令牌。
	Credentials port.CredentialSource
	Dialer      *websocket.Dialer
}

// NewWSDialer 创建拨号器。
func NewWSDialer(gatewayURL, userID string, attempts int, delay, maxDelay time.Duration, creds port.CredentialSource) *WSDialer {
	return &WSDialer{
		GatewayURL:        gatewayURL,
		UserID:            userID,
		ReconnectAttempts: attempts,
		ReconnectDelay:    delay,
		ReconnectMaxDelay: maxDelay,
		Credentials:       creds,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Dial 建立连接。握手返回 401/403 时错误匹配 domain.ErrUnauthorized，其他失败匹配 domain.ErrConnection。
func (d *WSDialer) Dial(ctx context.Context, token string) (port.Conn, error) {
	ws, err := d.dial(ctx, token)
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		dialer: d,
		token:  token,
		ws:     ws,
		events: make(chan domain.Event, eventQueueSize),
		closed: make(chan struct{}),
	}
	go c.readLoop(context.WithoutCancel(ctx))
	return c, nil
}

func (d *WSDialer) endpoint() (string, error) {
	u, err := url.Parse(d.GatewayURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse gateway url %q", d.GatewayURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + constants.PushPath
	q := u.Query()
	q.Set(constants.UserIDQueryParam, d.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WSDialer) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, errors.Wrap(domain.ErrConnection, err.Error())
	}
	header := http.Header{}
	if token != "" {
		header.Set(constants.AuthorizationHeader, "Bearer "+token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(domain.ErrUnauthorized, "handshake rejected with %s", resp.Status)
		}
		return nil, errors.Wrapf(domain.ErrConnection, "dial %s: %v", endpoint, err)
	}
	return ws, nil
}

// backoff 返回第 attempt 次重连前的等待时间，attempt 从 1 开始。
func (d *WSDialer) backoff(attempt int) time.Duration {
	delay := d.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if d.ReconnectMaxDelay > 0 && delay >= d.ReconnectMaxDelay {
			delay = d.ReconnectMaxDelay
			break
		}
	}
	// 抖动范围 [delay/2, delay]
	half := int64(delay / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

type wsConn struct {
	dialer *WSDialer
	events chan domain.Event
	closed chan struct{}

	mu    sync.Mutex // 保护 ws 和 token，同时串行化写操作
	ws    *websocket.Conn
	token string

	closeOnce sync.Once
}

func (c *wsConn) Events() <-chan domain.Event { return c.events }

// Emit 发送 {"event": event, "data": data}。
func (c *wsConn) Emit(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "encode %s payload", event)
	}
	msg, err := json.Marshal(domain.Event{Name: event, Data: raw})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.Wrapf(domain.ErrConnection, "emit %s while disconnected", event)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errors.Wrapf(domain.ErrConnection, "emit %s: %v", event, err)
	}
	return nil
}

// Close 关闭连接并停止重连。可以重复调用。
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			err = ws.Close()
		}
	})
	return err
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsConn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *wsConn) deliver(ev domain.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.events)
	log := logger.Ctx(ctx)

	for {
		ws := c.current()
		if ws == nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			log.Warn().Err(err).Msg("push connection lost")
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			_ = ws.Close()

			if !c.deliver(domain.Event{Name: constants.EventDisconnect}) {
				return
			}
			if !c.reconnect(ctx) {
				return
			}
			if !c.deliver(domain.Event{Name: constants.EventReconnect}) {
				return
			}
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push message")
			continue
		}
		if !c.deliver(ev) {
			return
		}
	}
}

// reconnect 按退避策略重连，成功返回 true。连接被关闭、次数用尽或凭证被拒绝时返回 false。
func (c *wsConn) reconnect(ctx context.Context) bool {
	log := logger.Ctx(ctx)
	for attempt := 1; attempt <= c.dialer.ReconnectAttempts; attempt++ {
		wait := c.dialer.backoff(attempt)
		select {
		case <-c.closed:
			return false
		case <-time.After(wait):
		}

		token := c.token
		if c.dialer.Credentials != nil {
			if t, err := c.dialer.Credentials.Token(ctx); err == nil {
				token = t
			}
		}
		ws, err := c.dialer.dial(ctx, token)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("push reconnect failed")
			if errors.Is(err, domain.ErrUnauthorized) {
				return false
			}
			continue
		}

		c.mu.Lock()
		if c.isClosed() {
			c.mu.Unlock()
			_ = ws.Close()
			return false
		}
		c.ws = ws
		c.token = token
		c.mu.Unlock()
		log.Info().Int("attempt", attempt).Msg("push connection re-established")
		return true
	}
	log.Error().Int("attempts", c.dialer.ReconnectAttempts).Msg("🛑 giving up on push connection")
	return false
}
