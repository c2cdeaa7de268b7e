package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/mq"
)

// ChangeNotification 是发到 order-notifications 上的折扣变化通知，网关会原样转发为 order-update。
type ChangeNotification struct {
	Kind     string `json:"kind"`
	PolicyID int64  `json:"policyId"`
}

// KafkaChangePublisher 实现 port.ChangePublisher
type KafkaChangePublisher struct {
	writer mq.MessageWriter
}

func NewKafkaChangePublisher(writer mq.MessageWriter) *KafkaChangePublisher {
	return &KafkaChangePublisher{writer: writer}
}

func (p *KafkaChangePublisher) PublishChange(ctx context.Context, policyID int64) error {
	value, err := json.Marshal(ChangeNotification{Kind: constants.DiscountChangeKind, PolicyID: policyID})
	if err != nil {
		return errors.Wrap(err, "encode discount change")
	}
	// 所有折扣变化使用同一个 key，保证同一分区内有序
	return mq.ProduceMessage(ctx, p.writer, []byte(constants.DiscountChangeKind), value)
}
