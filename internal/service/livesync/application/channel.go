package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/service/livesync/domain"
	"nexus-pos/internal/service/livesync/port"
)

const (
	DefaultProbeTimeout      = 2 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// 触发刷新的原因，用于日志和指标。
const (
	RefreshOrderUpdate = "order-update"
	RefreshReconnect   = "reconnect"
	RefreshManual      = "manual"
)

// Options 是通道的参数。
type Options struct {
	UserID            string
	ProbeTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Callbacks 是通道向 UI 层发出的通知。回调在通道的事件 goroutine 中同步执行，不要在回调中调用 Deactivate。
type Callbacks struct {
	// OnRefresh 表示"有东西变了，去重新拉取"，通道本身不缓存订单数据。
	OnRefresh func(ctx context.Context, reason string)
	// OnLogout 在服务端推送 user-disabled 后调用，此时通道已经拆除。
	OnLogout func(reason string)
	// OnStateChange 在连接状态变化时调用。
	OnStateChange func(state domain.ConnectionState)
}

// Channel 维护一条到推送服务的长连接：连接时认证，定时心跳，收到订单变化通知时触发刷新。
type Channel struct {
	opts    Options
	prober  port.Prober
	creds   port.CredentialSource
	dialer  port.Dialer
	cb      Callbacks
	metrics *metrics.LiveSync
	tracer  trace.Tracer

	mu              sync.Mutex
	state           domain.ConnectionState
	lastHeartbeatAt time.Time
	cancel          context.CancelFunc
	done            chan struct{}
}

// NewChannel 创建通道。prober、m 和 tracer 可以为 nil。
func NewChannel(opts Options, prober port.Prober, creds port.CredentialSource, dialer port.Dialer, cb Callbacks, m *metrics.LiveSync, tracer trace.Tracer) *Channel {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if m == nil {
		m = metrics.NewLiveSync(nil)
	}
	if tracer == nil {
		tracer = otel.Tracer("nexus-pos/livesync")
	}
	return &Channel{
		opts:    opts,
		prober:  prober,
		creds:   creds,
		dialer:  dialer,
		cb:      cb,
		metrics: m,
		tracer:  tracer,
	}
}

// Status 返回当前会话快照。
func (c *Channel) Status() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Session{State: c.state, LastHeartbeatAt: c.lastHeartbeatAt}
}

// State 返回当前连接状态。
func (c *Channel) State() domain.ConnectionState {
	return c.Status().State
}

// TriggerManualRefresh 让 UI 主动触发一次刷新，与连接状态无关。
func (c *Channel) TriggerManualRefresh(ctx context.Context) {
	c.refresh(ctx, RefreshManual)
}

// Activate 建立推送连接并返回建立后的状态。连接失败不会返回错误，只体现为 Disconnected。
// 通道已经在连接或已连接时直接返回当前状态。
func (c *Channel) Activate(ctx context.Context) domain.ConnectionState {
	c.mu.Lock()
	if c.state != domain.Disconnected || c.done != nil {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.state = domain.Connecting
	c.mu.Unlock()
	c.notify(domain.Connecting)

	ctx, span := c.tracer.Start(ctx, "livesync.Activate", trace.WithAttributes(
		attribute.String("user.id", c.opts.UserID),
	))
	defer span.End()

	conn, err := c.connect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Warn().Err(err).Str("user_id", c.opts.UserID).Msg("live sync connection failed")
		c.setState(domain.Disconnected)
		return domain.Disconnected
	}

	if err := conn.Emit(ctx, constants.EventRegister, domain.Registration{UserID: c.opts.UserID}); err != nil {
		_ = conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Ctx(ctx).Warn().Err(err).Msg("live sync register failed")
		c.setState(domain.Disconnected)
		return domain.Disconnected
	}

	// 事件循环独立于调用方的 ctx，只保留其中的日志和追踪信息
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
	c.setState(domain.Connected)

	go c.run(runCtx, conn, done)

	logger.Ctx(ctx).Info().Str("user_id", c.opts.UserID).Msg("✅ live sync connected")
	return domain.Connected
}

// connect 执行 探活 -> 取凭证 -> 连接，鉴权失败时刷新一次凭证并重试一次。
func (c *Channel) connect(ctx context.Context) (port.Conn, error) {
	if c.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		if err := c.prober.Probe(pctx); err != nil {
			logger.Ctx(ctx).Debug().Err(err).Msg("liveness probe failed, connecting anyway")
		}
		cancel()
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := c.dialer.Dial(ctx, token)
	if err == nil || !errors.Is(err, domain.ErrUnauthorized) {
		return conn, err
	}

	logger.Ctx(ctx).Info().Msg("push connection rejected credential, refreshing once")
	token, err = c.creds.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.dialer.Dial(ctx, token)
}

// Deactivate 关闭连接并等待事件循环退出。可以重复调用。
func (c *Channel) Deactivate() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(domain.Disconnected)
}

func (c *Channel) run(ctx context.Context, conn port.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = conn.Close()
		c.release(done)
	}()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	tick := ticker.C
	log := logger.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.heartbeat(ctx, conn)
		case ev, ok := <-conn.Events():
			if !ok {
				log.Warn().Msg("push transport gave up, live sync disconnected")
				return
			}
			switch ev.Name {
			case constants.EventOrderUpdate:
				// 断开期间的通知不处理，重连后的那一次刷新会覆盖它们
				if c.State() == domain.Connected {
					c.refresh(ctx, RefreshOrderUpdate)
				}
			case constants.EventDisconnect:
				ticker.Stop()
				tick = nil
				c.setState(domain.Disconnected)
				log.Warn().Msg("push transport disconnected")
			case constants.EventReconnect:
				if err := conn.Emit(ctx, constants.EventRegister, domain.Registration{UserID: c.opts.UserID}); err != nil {
					log.Warn().Err(err).Msg("re-register after reconnect failed")
				}
				ticker.Reset(c.opts.HeartbeatInterval)
				tick = ticker.C
				c.metrics.Reconnects.Inc()
				c.setState(domain.Connected)
				log.Info().Msg("push transport reconnected")
				c.refresh(ctx, RefreshReconnect)
			case constants.EventUserDisabled:
				var payload domain.UserDisabled
				if len(ev.Data) > 0 {
					if err := json.Unmarshal(ev.Data, &payload); err != nil {
						log.Warn().Err(err).Msg("malformed user-disabled payload")
					}
				}
				if payload.UserID != "" && payload.UserID != c.opts.UserID {
					continue
				}
				log.Warn().Str("reason", payload.Reason).Msg("🛑 account disabled by server, logging out")
				// 先拆掉通道再通知，登出覆盖其他一切状态
				_ = conn.Close()
				c.release(done)
				if c.cb.OnLogout != nil {
					c.cb.OnLogout(payload.Reason)
				}
				return
			default:
				log.Debug().Str("event", ev.Name).Msg("ignoring push event")
			}
		}
	}
}

// release 在事件循环结束时清理通道状态。done 不是当前循环时什么也不做，
// 避免旧循环的清理覆盖新一轮 Activate 的状态。
func (c *Channel) release(done chan struct{}) {
	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel, c.done = nil, nil
	c.state = domain.Disconnected
	c.mu.Unlock()
	c.notify(domain.Disconnected)
}

func (c *Channel) heartbeat(ctx context.Context, conn port.Conn) {
	if err := conn.Emit(ctx, constants.EventHeartbeat, domain.Registration{UserID: c.opts.UserID}); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("heartbeat failed")
		return
	}
	c.metrics.Heartbeats.Inc()
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
}

func (c *Channel) refresh(ctx context.Context, reason string) {
	c.metrics.Refreshes.WithLabelValues(reason).Inc()
	logger.Ctx(ctx).Debug().Str("reason", reason).Msg("triggering refresh")
	if c.cb.OnRefresh != nil {
		c.cb.OnRefresh(ctx, reason)
	}
}

func (c *Channel) setState(s domain.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.notify(s)
	}
}

func (c *Channel) notify(s domain.ConnectionState) {
	c.metrics.State.Set(float64(s))
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}
