package application

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/gateway/domain"
	"nexus-pos/internal/service/gateway/port"
)

// Notifier 把 Kafka 上的业务事件转换成推给终端的消息。
// 通知只是"该刷新了"的信号，载荷原样转发，终端不依赖它的内容。
type Notifier struct {
	pusher   port.Pusher
	sessions port.SessionStore
}

func NewNotifier(pusher port.Pusher, sessions port.SessionStore) *Notifier {
	return &Notifier{pusher: pusher, sessions: sessions}
}

// HandleOrderNotification 向本节点所有终端广播 order-update。
func (n *Notifier) HandleOrderNotification(ctx context.Context, value []byte) error {
	var data any
	if json.Valid(value) {
		data = json.RawMessage(value)
	} else {
		data = map[string]string{"raw": string(value)}
	}
	sent := n.pusher.Broadcast(constants.EventOrderUpdate, data)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("push.delivered", sent))
	logger.Ctx(ctx).Debug().Int("delivered", sent).Msg("order-update broadcast")
	return nil
}

// HandleUserEvent 处理账号事件。目前只有 disabled 需要推送：通知该用户的所有连接并删除会话。
func (n *Notifier) HandleUserEvent(ctx context.Context, value []byte) error {
	var ev domain.UserEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, "decode user event")
	}
	if ev.Type != domain.UserEventDisabled || ev.UserID == "" {
		return nil
	}

	reason := ev.Reason
	if reason == "" {
		reason = "account disabled"
	}
	sent := n.pusher.SendToUser(ev.UserID, constants.EventUserDisabled, domain.UserDisabled{UserID: ev.UserID, Reason: reason})
	logger.Ctx(ctx).Warn().Str("user_id", ev.UserID).Int("delivered", sent).Msg("🛑 user disabled, notified connections")

	if err := n.sessions.Forget(ctx, ev.UserID); err != nil {
		return errors.Wrapf(err, "forget session of disabled user %s", ev.UserID)
	}
	return nil
}
