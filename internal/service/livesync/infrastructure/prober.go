package infrastructure

import (
	"context"
	"strings"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/httpclient"
)

// HTTPProber 请求后端的健康检查接口，用于在连接推送服务前唤醒冷启动的后端。
type HTTPProber struct {
	client  *httpclient.Client
	baseURL string
}

func NewHTTPProber(client *httpclient.Client, baseURL string) *HTTPProber {
	return &HTTPProber{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Probe 的超时由调用方的 ctx 控制。
func (p *HTTPProber) Probe(ctx context.Context) error {
	return p.client.GetJSON(ctx, p.baseURL+constants.HealthPath, nil, nil)
}
