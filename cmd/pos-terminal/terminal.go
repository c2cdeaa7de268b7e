package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/calculation/domain"
	"nexus-pos/internal/service/calculation/port"
)

// calculator 是分发器对终端暴露的部分
type calculator interface {
	ComputeOrderTotal(ctx context.Context, items []domain.LineItem, discount *domain.DiscountPolicy) (domain.Result, error)
	ComputeTax(ctx context.Context, amount, taxRatePercent float64) (domain.TaxResult, error)
}

// checkout 是终端当前的结账界面：持有购物车，收到刷新信号后重新拉取折扣并重算。
type checkout struct {
	calc      calculator
	discounts port.DiscountSource
	taxRate   float64

	mu     sync.Mutex
	cart   []domain.LineItem
	result domain.Result
	tax    domain.TaxResult
}

func newCheckout(calc calculator, discounts port.DiscountSource, cart []domain.LineItem, taxRate float64) *checkout {
	return &checkout{calc: calc, discounts: discounts, cart: cart, taxRate: taxRate}
}

// Refresh 作为实时同步的 OnRefresh 回调。拉取折扣失败时按无折扣计算。
func (c *checkout) Refresh(ctx context.Context, reason string) {
	log := logger.Ctx(ctx).With().Str("reason", reason).Logger()

	policy, err := c.discounts.ActiveDiscount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ failed to fetch active discount, pricing without it")
		policy = nil
	}

	c.mu.Lock()
	items := append([]domain.LineItem(nil), c.cart...)
	c.mu.Unlock()

	result, err := c.calc.ComputeOrderTotal(ctx, items, policy)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute order total")
		return
	}
	tax, err := c.calc.ComputeTax(ctx, result.Total, c.taxRate)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute tax")
		return
	}

	c.mu.Lock()
	c.result, c.tax = result, tax
	c.mu.Unlock()

	ev := log.Info().
		Int("items", len(items)).
		Float64("subtotal", result.Subtotal).
		Float64("discount", result.DiscountAmount).
		Float64("total", result.Total).
		Float64("total_with_tax", tax.TotalWithTax)
	if policy != nil {
		ev = ev.Float64("discount_percentage", policy.Percentage)
	}
	ev.Msg("cart recomputed")
}

// Totals 返回最近一次计算的结果。
func (c *checkout) Totals() (domain.Result, domain.TaxResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.tax
}

// defaultCart 在没有配置购物车文件时使用。
func defaultCart() []domain.LineItem {
	return []domain.LineItem{
		{Name: "Chicken Momo", UnitPrice: 150, Quantity: 2},
		{Name: "Masala Tea", UnitPrice: 40, Quantity: 3},
	}
}

// loadCart 读取 JSON 格式的购物车，path 为空时使用默认购物车。
func loadCart(path string) ([]domain.LineItem, error) {
	if path == "" {
		return defaultCart(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read cart %s", path)
	}
	var items []domain.LineItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrapf(err, "parse cart %s", path)
	}
	return items, nil
}
