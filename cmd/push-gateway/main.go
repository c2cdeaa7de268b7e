// cmd/push-gateway/main.go
package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"nexus-pos/internal/pkg/bootstrap"
	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/pkg/mq"
	"nexus-pos/internal/pkg/session"
	"nexus-pos/internal/service/gateway/application"
	"nexus-pos/internal/service/gateway/infrastructure"
	"nexus-pos/internal/service/gateway/interfaces"
)

// main 函数是应用的"组装根" (Composition Root)
func main() {
	if _, err := bootstrap.Init(); err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	cfg := bootstrap.GetCurrentConfig()
	nodeID := constants.PushGatewayService + "-" + uuid.NewString()[:8]

	m := metrics.NewGateway(prometheus.DefaultRegisterer)
	sessionMgr := session.NewManager(cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB, cfg.Gateway.SessionTTL)
	hub := interfaces.NewHub(nodeID, m)
	notifier := application.NewNotifier(hub, sessionMgr)

	var consumers *errgroup.Group

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: constants.PushGatewayService,
		Port:        cfg.Gateway.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			if err := sessionMgr.Ping(appCtx.Ctx); err != nil {
				logger.L().Warn().Err(err).Str("addr", cfg.Infra.Redis.Addr).Msg("⚠️ redis unavailable, sessions will not be recorded")
			}
			appCtx.Mux.Handle(constants.PushPath, interfaces.NewHandler(hub, sessionMgr, nodeID, cfg.Gateway.RequireToken, m))

			// 每个节点都要收到全部通知，所以每个节点使用自己的消费组
			group := cfg.Gateway.ConsumerGroup + "-" + nodeID
			brokers := cfg.Infra.Kafka.Brokers
			orders := infrastructure.NewConsumerAdapter(
				mq.NewKafkaReader(brokers, cfg.Gateway.NotificationTopic, group),
				cfg.Gateway.NotificationTopic, notifier.HandleOrderNotification)
			users := infrastructure.NewConsumerAdapter(
				mq.NewKafkaReader(brokers, cfg.Gateway.UserEventsTopic, group),
				cfg.Gateway.UserEventsTopic, notifier.HandleUserEvent)

			consumers = new(errgroup.Group)
			consumers.Go(func() error { return orders.Run(appCtx.Ctx) })
			consumers.Go(func() error { return users.Run(appCtx.Ctx) })
			logger.L().Info().Str("node_id", nodeID).Msg("✅ Push gateway ready")
		},
		Shutdown: func(ctx context.Context) error {
			if consumers != nil {
				if err := consumers.Wait(); err != nil {
					logger.L().Error().Err(err).Msg("kafka consumer exited with error")
				}
			}
			return sessionMgr.Close()
		},
	})
}
