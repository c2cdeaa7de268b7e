// internal/service/calculation/domain/engine.go
package domain

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeOrderTotal 计算小计、折扣和总价。纯函数，相同输入得到完全相同的结果。
// discount 为 nil 或未激活时视为没有折扣。
func ComputeOrderTotal(items []LineItem, discount *DiscountPolicy) (Result, error) {
	subtotal := decimal.Zero
	for i, item := range items {
		field := "items[" + strconv.Itoa(i) + "]"
		if err := checkAmount(field+".unitPrice", item.UnitPrice); err != nil {
			return Result{}, err
		}
		if item.Quantity < 0 {
			return Result{}, invalid(field+".quantity", float64(item.Quantity), "must not be negative")
		}
		line := decimal.NewFromFloat(item.UnitPrice).Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(line)
	}
	if f := subtotal.InexactFloat64(); math.IsInf(f, 0) {
		return Result{}, invalid("subtotal", f, "overflows float64")
	}

	discountAmount := decimal.Zero
	if discount != nil {
		if err := checkPolicy(discount.Percentage, discount.MinimumOrderAmount); err != nil {
			return Result{}, err
		}
		if discount.Active {
			discountAmount, _ = applyDiscount(subtotal, discount.Percentage, discount.MinimumOrderAmount)
		}
	}

	// 总价由转换后的两个值相减得到，保证 Total == Subtotal - DiscountAmount 在 float64 下精确成立
	subF, discF := subtotal.InexactFloat64(), discountAmount.InexactFloat64()
	return Result{
		Subtotal:       subF,
		DiscountAmount: discF,
		Total:          subF - discF,
	}, nil
}

// ComputeDiscount 对已知小计单独计算折扣，用于在完整计算之前预览是否满足门槛。
func ComputeDiscount(subtotal, percentage, minimumOrderAmount float64) (DiscountResult, error) {
	if err := checkAmount("subtotal", subtotal); err != nil {
		return DiscountResult{}, err
	}
	if err := checkPolicy(percentage, minimumOrderAmount); err != nil {
		return DiscountResult{}, err
	}

	sub := decimal.NewFromFloat(subtotal)
	amount, applicable := applyDiscount(sub, percentage, minimumOrderAmount)
	amountF := amount.InexactFloat64()
	return DiscountResult{
		DiscountAmount: amountF,
		IsApplicable:   applicable,
		FinalAmount:    subtotal - amountF,
	}, nil
}

// ComputeTax 按百分比税率计算税额，税额四舍五入到分。
func ComputeTax(amount, taxRatePercent float64) (TaxResult, error) {
	if err := checkAmount("amount", amount); err != nil {
		return TaxResult{}, err
	}
	if err := checkPercentage("taxRatePercent", taxRatePercent); err != nil {
		return TaxResult{}, err
	}

	base := decimal.NewFromFloat(amount)
	tax := base.Mul(decimal.NewFromFloat(taxRatePercent)).Div(hundred).Round(2)
	return TaxResult{
		TaxAmount:    tax.InexactFloat64(),
		TotalWithTax: base.Add(tax).InexactFloat64(),
	}, nil
}

// applyDiscount 小计未达到门槛时折扣为 0。
// Round(0) 对非负数是 half-up，与收银台历史数据中的取整方式一致。
// 取整后的折扣不会超过小计本身。
func applyDiscount(subtotal decimal.Decimal, percentage, minimumOrderAmount float64) (decimal.Decimal, bool) {
	if subtotal.LessThan(decimal.NewFromFloat(minimumOrderAmount)) {
		return decimal.Zero, false
	}
	amount := subtotal.Mul(decimal.NewFromFloat(percentage)).Div(hundred).Round(0)
	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	return amount, true
}

func checkPolicy(percentage, minimumOrderAmount float64) error {
	if err := checkPercentage("percentage", percentage); err != nil {
		return err
	}
	return checkAmount("minimumOrderAmount", minimumOrderAmount)
}

func checkAmount(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, v, "must be a finite number")
	}
	if v < 0 {
		return invalid(field, v, "must not be negative")
	}
	return nil
}

func checkPercentage(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return invalid(field, v, "must be within [0,100]")
	}
	return nil
}
