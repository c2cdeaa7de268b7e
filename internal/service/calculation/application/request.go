// internal/service/calculation/application/request.go
package application

import (
	"fmt"

	"nexus-pos/internal/service/calculation/domain"
)

// Kind 标识一次计算请求的类型。
type Kind int

const (
	KindOrderTotal Kind = iota + 1
	KindDiscount
	KindTax
)

func (k Kind) String() string {
	switch k {
	case KindOrderTotal:
		return "order_total"
	case KindDiscount:
		return "discount"
	case KindTax:
		return "tax"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OrderTotalPayload 是 KindOrderTotal 的请求体。
type OrderTotalPayload struct {
	Items    []domain.LineItem
	Discount *domain.DiscountPolicy
}

// DiscountPayload 是 KindDiscount 的请求体。
type DiscountPayload struct {
	Subtotal           float64
	Percentage         float64
	MinimumOrderAmount float64
}

// TaxPayload 是 KindTax 的请求体。
type TaxPayload struct {
	Amount         float64
	TaxRatePercent float64
}

// Request 是发往 worker 的消息信封。CorrelationID 在同一个分发器内唯一且单调递增。
type Request struct {
	CorrelationID uint64
	Kind          Kind
	Payload       any
}

// Reply 是 worker 回复的消息信封，Err 为 worker 报告的计算错误。
type Reply struct {
	CorrelationID uint64
	Result        any
	Err           error
}

// Evaluate 执行一次计算。worker 和同步回退共用这一个入口，保证两条路径结果一致。
func Evaluate(kind Kind, payload any) (any, error) {
	switch kind {
	case KindOrderTotal:
		p, ok := payload.(OrderTotalPayload)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected payload %T for %s", domain.ErrInvalidInput, payload, kind)
		}
		return domain.ComputeOrderTotal(p.Items, p.Discount)
	case KindDiscount:
		p, ok := payload.(DiscountPayload)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected payload %T for %s", domain.ErrInvalidInput, payload, kind)
		}
		return domain.ComputeDiscount(p.Subtotal, p.Percentage, p.MinimumOrderAmount)
	case KindTax:
		p, ok := payload.(TaxPayload)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected payload %T for %s", domain.ErrInvalidInput, payload, kind)
		}
		return domain.ComputeTax(p.Amount, p.TaxRatePercent)
	default:
		return nil, fmt.Errorf("%w: unknown calculation kind %s", domain.ErrInvalidInput, kind)
	}
}
