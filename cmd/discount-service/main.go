// cmd/discount-service/main.go
package main

import (
	"context"

	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"nexus-pos/internal/pkg/bootstrap"
	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/mq"
	"nexus-pos/internal/pkg/zookeeper"
	"nexus-pos/internal/service/discount/application"
	"nexus-pos/internal/service/discount/infrastructure"
	"nexus-pos/internal/service/discount/infrastructure/rule"
	"nexus-pos/internal/service/discount/interfaces"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	if _, err := bootstrap.Init(); err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	cfg := bootstrap.GetCurrentConfig()

	var (
		db     *gorm.DB
		zkConn *zookeeper.Conn
		writer *kafka.Writer
	)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: constants.DiscountService,
		Port:        cfg.Discount.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.L()
			var err error

			// 1. 存储
			db, err = infrastructure.OpenMySQL(appCtx.Ctx, cfg.Infra.MySQL)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect mysql")
			}
			repo := infrastructure.NewGormPolicyRepository(db)
			if err := repo.Migrate(appCtx.Ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to migrate schema")
			}

			// 2. 规则引擎
			rules, err := rule.NewCELEngine()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create rule engine")
			}

			// 3. 激活时的分布式锁
			zkConn, err = zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect zookeeper")
			}

			// 4. 变更通知
			writer = mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Discount.NotificationTopic)
			publisher := infrastructure.NewKafkaChangePublisher(writer)

			lockResource := cfg.Discount.LockResource
			if lockResource == "" {
				lockResource = constants.DiscountLockResourceID
			}
			svc := application.NewDiscountService(repo, rules, zkConn, publisher, appCtx.Tracer, lockResource)
			interfaces.NewDiscountHandler(svc).RegisterRoutes(appCtx.Mux)
		},
		Shutdown: func(ctx context.Context) error {
			if writer != nil {
				if err := writer.Close(); err != nil {
					logger.L().Error().Err(err).Msg("Error closing kafka writer")
				}
			}
			if zkConn != nil {
				zkConn.Close()
			}
			if db != nil {
				if sqlDB, err := db.DB(); err == nil {
					return sqlDB.Close()
				}
			}
			return nil
		},
	})
}
