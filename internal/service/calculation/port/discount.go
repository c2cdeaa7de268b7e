package port

import (
	"context"

	"nexus-pos/internal/service/calculation/domain"
)

// DiscountSource 是获取当前生效折扣的出站端口。
type DiscountSource interface {
	// ActiveDiscount 返回当前生效的折扣策略，没有生效的策略时返回 nil, nil。
	ActiveDiscount(ctx context.Context) (*domain.DiscountPolicy, error)
}
