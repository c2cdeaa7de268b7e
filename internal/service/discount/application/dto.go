package application

import "nexus-pos/internal/service/discount/domain"

// CreatePolicyRequest 是创建折扣策略的请求体。新策略总是未激活的。
type CreatePolicyRequest struct {
	Name               string  `json:"name"`
	Percentage         float64 `json:"percentage"`
	MinimumOrderAmount float64 `json:"minimumOrderAmount"`
	Condition          string  `json:"condition,omitempty"`
}

// ListPoliciesResponse 是查询策略列表的响应体
type ListPoliciesResponse struct {
	Policies []domain.Policy `json:"policies"`
}
