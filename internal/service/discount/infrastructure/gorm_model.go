package infrastructure

import (
	"time"

	"nexus-pos/internal/service/discount/domain"
)

// PolicyModel 对应数据库中的 discount_policies 表
type PolicyModel struct {
	ID                 int64   `gorm:"primaryKey;autoIncrement"`
	Name               string  `gorm:"size:128;not null"`
	Percentage         float64 `gorm:"type:decimal(5,2);not null"`
	MinimumOrderAmount float64 `gorm:"type:decimal(12,2);not null;default:0"`
	Active             bool    `gorm:"index;not null;default:false"`
	// condition 是 MySQL 保留字
	Condition string `gorm:"column:rule_condition;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (PolicyModel) TableName() string {
	return "discount_policies"
}

// toDomainPolicy 将数据库模型转换为领域模型
func toDomainPolicy(m *PolicyModel) *domain.Policy {
	if m == nil {
		return nil
	}
	return &domain.Policy{
		ID:                 m.ID,
		Name:               m.Name,
		Percentage:         m.Percentage,
		MinimumOrderAmount: m.MinimumOrderAmount,
		Active:             m.Active,
		Condition:          m.Condition,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// fromDomainPolicy 将领域模型转换为数据库模型（用于插入）
func fromDomainPolicy(p *domain.Policy) *PolicyModel {
	if p == nil {
		return nil
	}
	return &PolicyModel{
		ID:                 p.ID,
		Name:               p.Name,
		Percentage:         p.Percentage,
		MinimumOrderAmount: p.MinimumOrderAmount,
		Active:             p.Active,
		Condition:          p.Condition,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}
