package infrastructure

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/httpclient"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/livesync/domain"
)

type refreshRequest struct {
	DeviceToken string `json:"deviceToken"`
}

type refreshResponse struct {
	Token string `json:"token"`
}

// AuthHTTPAdapter 实现了 port.CredentialSource。
// 会话令牌存在时优先使用，否则退回设备令牌；Refresh 用设备令牌向后端换取新的会话令牌。
type AuthHTTPAdapter struct {
	client      *httpclient.Client
	baseURL     string
	deviceToken string

	mu           sync.RWMutex
	sessionToken string

	// 并发的刷新请求合并为一次
	group singleflight.Group
}

// NewAuthHTTPAdapter 创建凭证适配器。
func NewAuthHTTPAdapter(client *httpclient.Client, baseURL, sessionToken, deviceToken string) *AuthHTTPAdapter {
	return &AuthHTTPAdapter{
		client:       client,
		baseURL:      strings.TrimRight(baseURL, "/"),
		deviceToken:  deviceToken,
		sessionToken: sessionToken,
	}
}

func (a *AuthHTTPAdapter) Token(ctx context.Context) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sessionToken != "" {
		return a.sessionToken, nil
	}
	if a.deviceToken != "" {
		return a.deviceToken, nil
	}
	return "", errors.Wrap(domain.ErrUnauthorized, "no session or device token configured")
}

func (a *AuthHTTPAdapter) Refresh(ctx context.Context) (string, error) {
	v, err, shared := a.group.Do("refresh", func() (any, error) {
		if a.deviceToken == "" {
			return "", errors.Wrap(domain.ErrAuthRefreshFailed, "no device token")
		}
		var out refreshResponse
		err := a.client.PostJSON(ctx, a.baseURL+constants.AuthRefreshPath, nil, refreshRequest{DeviceToken: a.deviceToken}, &out)
		if err != nil {
			switch httpclient.StatusCode(err) {
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", errors.Wrap(domain.ErrAuthRefreshFailed, "device token rejected")
			default:
				return "", errors.Wrapf(domain.ErrAuthRefreshFailed, "refresh request: %v", err)
			}
		}
		if out.Token == "" {
			return "", errors.Wrap(domain.ErrAuthRefreshFailed, "empty token in refresh response")
		}

		a.mu.Lock()
		a.sessionToken = out.Token
		a.mu.Unlock()
		logger.Ctx(ctx).Info().Msg("session token refreshed")
		return out.Token, nil
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Bool("shared", shared).Msg("credential refresh failed")
		return "", err
	}
	return v.(string), nil
}
