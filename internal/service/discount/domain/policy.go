// Package domain 定义折扣策略及其业务规则。
package domain

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Policy 是一条折扣策略。同一时间最多只有一条 Active 的策略，激活时由服务端保证。
// JSON 字段与终端侧的 DiscountPolicy 保持一致，终端可以直接解析 /api/discounts/active 的响应。
type Policy struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Percentage         float64   `json:"percentage"`
	MinimumOrderAmount float64   `json:"minimumOrderAmount"`
	Active             bool      `json:"active"`
	Condition          string    `json:"condition,omitempty"` // 可选的 CEL 表达式，变量 hour/weekday
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Validate 检查策略的取值范围。条件表达式由 RuleEngine 单独检查。
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Wrap(ErrInvalidPolicy, "name is required")
	}
	if math.IsNaN(p.Percentage) || p.Percentage < 0 || p.Percentage > 100 {
		return errors.Wrapf(ErrInvalidPolicy, "percentage %v out of range [0, 100]", p.Percentage)
	}
	if math.IsNaN(p.MinimumOrderAmount) || math.IsInf(p.MinimumOrderAmount, 0) || p.MinimumOrderAmount < 0 {
		return errors.Wrapf(ErrInvalidPolicy, "minimumOrderAmount %v must be a finite non-negative number", p.MinimumOrderAmount)
	}
	return nil
}

// Fact 是评估条件表达式时可用的事实。
type Fact struct {
	Hour    int // 0-23，本地时间
	Weekday int // 0 = Sunday
}

// FactAt 返回 t 时刻的事实。
func FactAt(t time.Time) Fact {
	return Fact{Hour: t.Hour(), Weekday: int(t.Weekday())}
}

// RuleEngine 负责检查和评估策略上的条件表达式。
type RuleEngine interface {
	Compile(condition string) error
	Evaluate(condition string, fact Fact) (bool, error)
}

// Repository 是折扣策略的仓储。
type Repository interface {
	List(ctx context.Context) ([]Policy, error)
	Create(ctx context.Context, p *Policy) error
	FindActive(ctx context.Context) (*Policy, error)
	// Activate 在同一个事务里停用其他策略并激活 id。
	Activate(ctx context.Context, id int64) (*Policy, error)
	Deactivate(ctx context.Context, id int64) (*Policy, error)
}
