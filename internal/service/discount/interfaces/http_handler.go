package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"nexus-pos/internal/pkg/constants"
	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/discount/application"
	"nexus-pos/internal/service/discount/domain"
)

// DiscountHandler 封装了 discount 服务的 HTTP 处理器
type DiscountHandler struct {
	service *application.DiscountService
}

// NewDiscountHandler 创建一个新的 HTTP 处理器实例
func NewDiscountHandler(service *application.DiscountService) *DiscountHandler {
	return &DiscountHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *DiscountHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+constants.DiscountsPath, h.handleList)
	mux.HandleFunc("POST "+constants.DiscountsPath, h.handleCreate)
	mux.HandleFunc("GET "+constants.ActiveDiscountPath, h.handleActive)
	mux.HandleFunc("POST "+constants.ActivateDiscount, h.handleActivate)
	mux.HandleFunc("POST "+constants.DeactivateDiscount, h.handleDeactivate)
}

func (h *DiscountHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	policies, err := h.service.List(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if policies == nil {
		policies = []domain.Policy{}
	}
	writeJSON(w, http.StatusOK, application.ListPoliciesResponse{Policies: policies})
}

func (h *DiscountHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req application.CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.service.Create(ctx, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleActive 没有生效的策略时返回 404，终端据此认为当前无折扣。
func (h *DiscountHandler) handleActive(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	p, err := h.service.Active(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DiscountHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Activate(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DiscountHandler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Deactivate(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func policyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrPolicyNotFound), errors.Is(err, domain.ErrNoActivePolicy):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPolicy):
		statusCode = http.StatusBadRequest
	case errors.Is(err, domain.ErrActivationBusy):
		statusCode = http.StatusConflict
	default:
		statusCode = http.StatusInternalServerError
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("discount request failed")
	}
	http.Error(w, err.Error(), statusCode)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
