// internal/pkg/constants/constants.go
package constants

// 推送通道上的事件名，客户端和网关共用。
const (
	EventRegister     = "register"
	EventHeartbeat    = "heartbeat"
	EventOrderUpdate  = "order-update"
	EventUserDisabled = "user-disabled"
)

// 传输层事件，只在客户端本地产生。
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// Kafka topics
const (
	OrderNotificationsTopic = "order-notifications"
	UserEventsTopic         = "user-events"
)

// HTTP paths
const (
	PushPath            = "/ws"
	HealthPath          = "/healthz"
	MetricsPath         = "/metrics"
	AuthRefreshPath     = "/api/auth/refresh"
	DiscountsPath       = "/api/discounts"
	ActiveDiscountPath  = "/api/discounts/active"
	ActivateDiscount    = "/api/discounts/activate"
	DeactivateDiscount  = "/api/discounts/deactivate"
	UserIDQueryParam    = "userId"
	AuthorizationHeader = "Authorization"
)

// SessionKeyPrefix 是 redis 中 用户 -> 网关节点 映射的 key 前缀。
const SessionKeyPrefix = "session:user:"

// 服务名，用于注册中心和链路追踪。
const (
	PushGatewayService     = "push-gateway"
	DiscountService        = "discount-service"
	TerminalService        = "pos-terminal"
	DiscountChangeKind     = "discount"
	DiscountLockResourceID = "discount-activation"
)
