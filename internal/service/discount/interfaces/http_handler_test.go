package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"nexus-pos/internal/service/discount/application"
	"nexus-pos/internal/service/discount/domain"
)

type memRepo struct {
	mu       sync.Mutex
	policies []*domain.Policy
}

func (r *memRepo) List(context.Context) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, *p)
	}
	return out, nil
}

func (r *memRepo) Create(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = int64(len(r.policies) + 1)
	cp := *p
	r.policies = append(r.policies, &cp)
	return nil
}

func (r *memRepo) FindActive(context.Context) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.policies {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNoActivePolicy
}

func (r *memRepo) set(id int64, active bool) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 1 || int(id) > len(r.policies) {
		return nil, domain.ErrPolicyNotFound
	}
	if active {
		for _, p := range r.policies {
			p.Active = false
		}
	}
	r.policies[id-1].Active = active
	cp := *r.policies[id-1]
	return &cp, nil
}

func (r *memRepo) Activate(_ context.Context, id int64) (*domain.Policy, error) {
	return r.set(id, true)
}

func (r *memRepo) Deactivate(_ context.Context, id int64) (*domain.Policy, error) {
	return r.set(id, false)
}

type anyRule struct{}

func (anyRule) Compile(condition string) error {
	if strings.Contains(condition, "minute") {
		return assert.AnError
	}
	return nil
}

func (anyRule) Evaluate(string, domain.Fact) (bool, error) { return true, nil }

type noLock struct{}

func (noLock) Acquire(context.Context, string) (func() error, error) {
	return func() error { return nil }, nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := application.NewDiscountService(&memRepo{}, anyRule{}, noLock{}, nil, otel.Tracer("test"), "discount-activation")
	mux := http.NewServeMux()
	NewDiscountHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func TestDiscountHandler_Lifecycle(t *testing.T) {
	srv := newServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/discounts/active", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/discounts", `{"name":"lunch","percentage":10,"minimumOrderAmount":200}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created domain.Policy
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, int64(1), created.ID)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/discounts/activate?id=1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/discounts/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// 终端直接解析这个响应
	assert.JSONEq(t, `{"percentage":10,"minimumOrderAmount":200,"active":true}`, pick(t, body, "percentage", "minimumOrderAmount", "active"))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/discounts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list application.ListPoliciesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Policies, 1)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/discounts/deactivate?id=1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/discounts/active", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiscountHandler_Errors(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/api/discounts", body: `{`, want: http.StatusBadRequest},
		{name: "invalid policy", method: http.MethodPost, path: "/api/discounts", body: `{"name":"x","percentage":150}`, want: http.StatusBadRequest},
		{name: "bad condition", method: http.MethodPost, path: "/api/discounts", body: `{"name":"x","percentage":5,"condition":"minute > 1"}`, want: http.StatusBadRequest},
		{name: "missing id", method: http.MethodPost, path: "/api/discounts/activate", want: http.StatusBadRequest},
		{name: "unknown id", method: http.MethodPost, path: "/api/discounts/activate?id=9", want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/api/discounts/activate?id=1", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
		})
	}
}

func pick(t *testing.T, body []byte, keys ...string) string {
	t.Helper()
	var all map[string]any
	require.NoError(t, json.Unmarshal(body, &all))
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = all[k]
	}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	return string(b)
}
