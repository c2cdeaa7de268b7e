// Package config 负责加载 YAML 配置，并用环境变量覆盖关键项。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构。
type Config struct {
	App         AppConfig         `yaml:"app"`
	Calculation CalculationConfig `yaml:"calculation"`
	LiveSync    LiveSyncConfig    `yaml:"livesync"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Discount    DiscountConfig    `yaml:"discount"`
	Infra       InfraConfig       `yaml:"infra"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

// CalculationConfig 控制计算分发器。
type CalculationConfig struct {
	WorkerEnabled bool          `yaml:"worker_enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	QueueSize     int           `yaml:"queue_size"`
	TaxRate       float64       `yaml:"tax_rate"` // 百分比，0 表示不计税
}

// LiveSyncConfig 控制终端侧的实时同步通道。
type LiveSyncConfig struct {
	APIBaseURL        string        `yaml:"api_base_url"`
	DiscountURL       string        `yaml:"discount_url"`
	CartFile          string        `yaml:"cart_file"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	GatewayURL        string        `yaml:"gateway_url"`
	UserID            string        `yaml:"user_id"`
	SessionToken      string        `yaml:"session_token"`
	DeviceToken       string        `yaml:"device_token"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

type GatewayConfig struct {
	Port              int           `yaml:"port"`
	RequireToken      bool          `yaml:"require_token"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	NotificationTopic string        `yaml:"notification_topic"`
	UserEventsTopic   string        `yaml:"user_events_topic"`
	ConsumerGroup     string        `yaml:"consumer_group"`
}

type DiscountConfig struct {
	Port              int    `yaml:"port"`
	NotificationTopic string `yaml:"notification_topic"`
	LockResource      string `yaml:"lock_resource"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

// Default 返回一份可以直接在本地运行的默认配置。
func Default() Config {
	return Config{
		App: AppConfig{Env: "dev", LogLevel: "info"},
		Calculation: CalculationConfig{
			WorkerEnabled: true,
			Timeout:       5 * time.Second,
			QueueSize:     64,
		},
		LiveSync: LiveSyncConfig{
			APIBaseURL:        "http://localhost:8090",
			DiscountURL:       "http://localhost:8090",
			RetryInterval:     30 * time.Second,
			GatewayURL:        "http://localhost:8088",
			ProbeTimeout:      2 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ReconnectAttempts: 5,
			ReconnectDelay:    500 * time.Millisecond,
			ReconnectMaxDelay: 8 * time.Second,
		},
		Gateway: GatewayConfig{
			Port:              8088,
			SessionTTL:        30 * time.Second,
			NotificationTopic: "order-notifications",
			UserEventsTopic:   "user-events",
			ConsumerGroup:     "push-gateway",
		},
		Discount: DiscountConfig{
			Port:              8090,
			NotificationTopic: "order-notifications",
			LockResource:      "discount-activation",
		},
		Infra: InfraConfig{
			Jaeger:    JaegerConfig{Endpoint: ""},
			Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}},
			Redis:     RedisConfig{Addr: "localhost:6379"},
			MySQL:     MySQLConfig{Addr: "localhost:3306", User: "root", Database: "pos"},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
	}
}

// Load 读取 path 指向的 YAML 文件，叠加在默认配置之上，最后应用环境变量覆盖。
// path 为空或文件不存在时只使用默认值和环境变量。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "parse config %s", path)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Infra.Redis.Addr = getEnv("REDIS_ADDR", cfg.Infra.Redis.Addr)
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	if servers := getEnv("ZK_SERVERS", ""); servers != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(servers, ",")
	}
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	if v, err := strconv.ParseBool(getEnv("NACOS_ENABLED", "")); err == nil {
		cfg.Infra.Nacos.Enabled = v
	}

	cfg.LiveSync.APIBaseURL = getEnv("POS_API_BASE_URL", cfg.LiveSync.APIBaseURL)
	cfg.LiveSync.GatewayURL = getEnv("POS_GATEWAY_URL", cfg.LiveSync.GatewayURL)
	cfg.LiveSync.DiscountURL = getEnv("POS_DISCOUNT_URL", cfg.LiveSync.DiscountURL)
	cfg.LiveSync.CartFile = getEnv("POS_CART_FILE", cfg.LiveSync.CartFile)
	cfg.LiveSync.MetricsAddr = getEnv("POS_METRICS_ADDR", cfg.LiveSync.MetricsAddr)
	cfg.LiveSync.UserID = getEnv("POS_USER_ID", cfg.LiveSync.UserID)
	cfg.LiveSync.SessionToken = getEnv("POS_SESSION_TOKEN", cfg.LiveSync.SessionToken)
	cfg.LiveSync.DeviceToken = getEnv("POS_DEVICE_TOKEN", cfg.LiveSync.DeviceToken)
}

// getEnv 从环境变量中读取配置，不存在时返回 fallback。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
