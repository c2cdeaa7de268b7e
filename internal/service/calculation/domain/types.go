// internal/service/calculation/domain/types.go
package domain

// LineItem 是购物车中的一行：菜品、单价、数量。
type LineItem struct {
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
}

// DiscountPolicy 是按最低消费门槛生效的百分比折扣。
// 系统中同一时间最多只有一个 Active 的策略，由服务端保证，这里不再校验。
type DiscountPolicy struct {
	Percentage         float64 `json:"percentage"`
	MinimumOrderAmount float64 `json:"minimumOrderAmount"`
	Active             bool    `json:"active"`
}

// Result 是订单总价的计算结果。Total = Subtotal - DiscountAmount。
type Result struct {
	Subtotal       float64 `json:"subtotal"`
	DiscountAmount float64 `json:"discountAmount"`
	Total          float64 `json:"total"`
}

// DiscountResult 是单独计算折扣时的结果。
type DiscountResult struct {
	DiscountAmount float64 `json:"discountAmount"`
	IsApplicable   bool    `json:"isApplicable"`
	FinalAmount    float64 `json:"finalAmount"`
}

// TaxResult 是税额计算结果。
type TaxResult struct {
	TaxAmount    float64 `json:"taxAmount"`
	TotalWithTax float64 `json:"totalWithTax"`
}
