// cmd/pos-terminal/main.go
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"nexus-pos/internal/pkg/bootstrap"
	"nexus-pos/internal/pkg/config"
	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/httpclient"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/pkg/nacos"
	"nexus-pos/internal/pkg/tracing"
	calcapp "nexus-pos/internal/service/calculation/application"
	calcinfra "nexus-pos/internal/service/calculation/infrastructure"
	syncapp "nexus-pos/internal/service/livesync/application"
	syncdomain "nexus-pos/internal/service/livesync/domain"
	syncinfra "nexus-pos/internal/service/livesync/infrastructure"
)

// main 组装终端的客户端核心：计算分发器、折扣来源和实时同步通道。
func main() {
	cfg, err := bootstrap.Init()
	logger.Init(constants.TerminalService, cfg.App.LogLevel)
	log := logger.L()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LiveSync.UserID == "" {
		log.Fatal().Msg("POS_USER_ID is required")
	}

	tp, err := tracing.InitTracerProvider(constants.TerminalService, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	tracer := otel.Tracer(constants.TerminalService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	discountURL, gatewayURL := resolveEndpoints(cfg)
	cart, err := loadCart(cfg.LiveSync.CartFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load cart")
	}

	// 1. 计算分发器
	dispatcher := calcapp.NewDispatcher(
		cfg.Calculation.Timeout,
		calcapp.GoroutineWorkerFactory(cfg.Calculation.WorkerEnabled, cfg.Calculation.QueueSize),
		metrics.NewDispatcher(prometheus.DefaultRegisterer),
		tracer,
	)
	log.Info().Stringer("state", dispatcher.Start(ctx)).Msg("calculation dispatcher started")

	// 2. 适配器
	client := httpclient.NewClient(tracer)
	discounts := calcinfra.NewDiscountHTTPAdapter(client, discountURL)
	creds := syncinfra.NewAuthHTTPAdapter(client, cfg.LiveSync.APIBaseURL, cfg.LiveSync.SessionToken, cfg.LiveSync.DeviceToken)
	prober := syncinfra.NewHTTPProber(client, cfg.LiveSync.APIBaseURL)
	dialer := syncinfra.NewWSDialer(gatewayURL, cfg.LiveSync.UserID,
		cfg.LiveSync.ReconnectAttempts, cfg.LiveSync.ReconnectDelay, cfg.LiveSync.ReconnectMaxDelay, creds)

	// 3. 结账界面与实时同步
	co := newCheckout(dispatcher, discounts, cart, cfg.Calculation.TaxRate)
	logout := make(chan string, 1)
	channel := syncapp.NewChannel(
		syncapp.Options{
			UserID:            cfg.LiveSync.UserID,
			ProbeTimeout:      cfg.LiveSync.ProbeTimeout,
			HeartbeatInterval: cfg.LiveSync.HeartbeatInterval,
		},
		prober, creds, dialer,
		syncapp.Callbacks{
			OnRefresh: co.Refresh,
			OnLogout: func(reason string) {
				select {
				case logout <- reason:
				default:
				}
			},
			OnStateChange: func(s syncdomain.ConnectionState) {
				log.Info().Stringer("state", s).Msg("live sync state changed")
			},
		},
		metrics.NewLiveSync(prometheus.DefaultRegisterer),
		tracer,
	)

	var metricsServer *http.Server
	if cfg.LiveSync.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.LiveSync.MetricsAddr, Handler: bootstrap.NewMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	co.Refresh(ctx, "startup")
	reason := supervise(ctx, channel, logout, cfg.LiveSync.RetryInterval)

	// 按启动的逆序清理
	channel.Deactivate()
	dispatcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}
	if reason != "" {
		log.Warn().Str("reason", reason).Msg("🛑 Signed out by server")
		return
	}
	log.Info().Msg("Terminal shut down.")
}

// supervise 激活实时同步，断开后按 retry 间隔重新激活，直到 ctx 结束或被强制登出。
// 返回登出原因，正常退出时为空。
func supervise(ctx context.Context, channel *syncapp.Channel, logout <-chan string, retry time.Duration) string {
	if retry <= 0 {
		retry = 30 * time.Second
	}
	if state := channel.Activate(ctx); state != syncdomain.Connected {
		logger.L().Warn().Msg("⚠️ live sync unavailable, running offline")
	}

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ""
		case reason := <-logout:
			return reason
		case <-ticker.C:
			if channel.State() == syncdomain.Disconnected {
				channel.Activate(ctx)
			}
		}
	}
}

// resolveEndpoints 启用 Nacos 时从注册中心发现折扣服务和推送网关，失败则使用配置的地址。
func resolveEndpoints(cfg config.Config) (discountURL, gatewayURL string) {
	discountURL, gatewayURL = cfg.LiveSync.DiscountURL, cfg.LiveSync.GatewayURL
	if !cfg.Infra.Nacos.Enabled {
		return
	}
	client, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
	if err != nil {
		logger.L().Warn().Err(err).Msg("⚠️ nacos unavailable, using configured endpoints")
		return
	}
	defer client.Close()

	if url, err := client.DiscoverServiceURL(constants.DiscountService); err == nil {
		discountURL = url
	} else {
		logger.L().Warn().Err(err).Msg("discount service not discovered")
	}
	if url, err := client.DiscoverServiceURL(constants.PushGatewayService); err == nil {
		gatewayURL = url
	} else {
		logger.L().Warn().Err(err).Msg("push gateway not discovered")
	}
	return
}
