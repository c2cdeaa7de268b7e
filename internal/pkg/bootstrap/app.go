// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/config"
	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/nacos"
	"nexus-pos/internal/pkg/tracing"
)

var (
	cfgMu      sync.RWMutex
	currentCfg *config.Config
)

// Init 加载 POS_CONFIG 指向的配置文件（默认 configs/config.yaml）并保存为当前配置。
func Init() (config.Config, error) {
	cfg, err := config.Load(getEnv("POS_CONFIG", "configs/config.yaml"))
	if err != nil {
		return config.Config{}, err
	}
	cfgMu.Lock()
	currentCfg = &cfg
	cfgMu.Unlock()
	return cfg, nil
}

// GetCurrentConfig 返回当前配置。尚未 Init 时返回默认配置叠加环境变量。
func GetCurrentConfig() config.Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if currentCfg == nil {
		cfg, _ := config.Load("")
		return cfg
	}
	return *currentCfg
}

type AppCtx struct {
	// Ctx 在服务开始关停时被取消，后台 goroutine 应该监听它
	Ctx    context.Context
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未启用 Nacos 时为 nil
	Config config.Config
	Tracer trace.Tracer
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由和后台任务
	Shutdown         func(ctx context.Context) error
}

// NewMux 创建带有 /healthz 和 /metrics 的路由。
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle(constants.MetricsPath, promhttp.Handler())
	return mux
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName, cfg.App.LogLevel)
	log := logger.L()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 服务注册（可选）
	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Enabled {
		namingClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = getOutboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. 创建并启动 HTTP Server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := NewMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{
			Ctx:    ctx,
			Mux:    mux,
			Nacos:  namingClient,
			Config: cfg,
			Tracer: otel.Tracer(info.ServiceName),
		})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Int("port", info.Port).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 4. 阻塞直到接收到退出信号
	<-ctx.Done()
	log.Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 按启动的逆序清理
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
		namingClient.Close()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	} else {
		log.Info().Msg("HTTP server shut down.")
	}

	if info.Shutdown != nil {
		if err := info.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error running shutdown hook")
		}
	}

	// 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

// getOutboundIP 通过 UDP "连接" 获取本机对外的 IP，不会真正发包。
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "dial udp")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
