package infrastructure

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/httpclient"
	"nexus-pos/internal/service/calculation/domain"
)

// ActiveDiscountPath 是后端返回当前生效折扣的接口。
const ActiveDiscountPath = constants.ActiveDiscountPath

// DiscountHTTPAdapter 实现了 port.DiscountSource，通过 REST 接口获取当前折扣。
type DiscountHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewDiscountHTTPAdapter 创建一个新的折扣适配器。
func NewDiscountHTTPAdapter(client *httpclient.Client, baseURL string) *DiscountHTTPAdapter {
	return &DiscountHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// ActiveDiscount 后端返回 404 表示当前没有生效的折扣。
func (a *DiscountHTTPAdapter) ActiveDiscount(ctx context.Context) (*domain.DiscountPolicy, error) {
	var policy domain.DiscountPolicy
	err := a.client.GetJSON(ctx, a.baseURL+ActiveDiscountPath, nil, &policy)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetch active discount")
	}
	if !policy.Active {
		return nil, nil
	}
	return &policy, nil
}
