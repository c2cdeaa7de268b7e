package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/service/discount/domain"
	"nexus-pos/internal/service/discount/port"
)

const defaultLockTimeout = 5 * time.Second

// DiscountService 定义了折扣服务提供的所有业务用例
type DiscountService struct {
	repo         domain.Repository
	rules        domain.RuleEngine
	locker       port.Locker
	publisher    port.ChangePublisher
	tracer       trace.Tracer
	lockResource string
	lockTimeout  time.Duration
	now          func() time.Time
}

// NewDiscountService 创建一个新的折扣服务实例
func NewDiscountService(repo domain.Repository, rules domain.RuleEngine, locker port.Locker,
	publisher port.ChangePublisher, tracer trace.Tracer, lockResource string) *DiscountService {
	return &DiscountService{
		repo:         repo,
		rules:        rules,
		locker:       locker,
		publisher:    publisher,
		tracer:       tracer,
		lockResource: lockResource,
		lockTimeout:  defaultLockTimeout,
		now:          time.Now,
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// List 返回所有策略
func (s *DiscountService) List(ctx context.Context) ([]domain.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "discount.List")
	defer span.End()

	policies, err := s.repo.List(ctx)
	if err != nil {
		return nil, fail(span, errors.Wrap(err, "list discount policies"))
	}
	span.SetAttributes(attribute.Int("discount.count", len(policies)))
	return policies, nil
}

// Create 校验并保存一条新的策略。条件表达式必须能编译。
func (s *DiscountService) Create(ctx context.Context, req *CreatePolicyRequest) (*domain.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "discount.Create")
	defer span.End()

	p := &domain.Policy{
		Name:               req.Name,
		Percentage:         req.Percentage,
		MinimumOrderAmount: req.MinimumOrderAmount,
		Condition:          req.Condition,
	}
	if err := p.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if p.Condition != "" {
		if err := s.rules.Compile(p.Condition); err != nil {
			return nil, fail(span, errors.Wrapf(domain.ErrInvalidPolicy, "condition: %v", err))
		}
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fail(span, errors.Wrap(err, "save discount policy"))
	}

	span.SetAttributes(attribute.Int64("discount.id", p.ID))
	logger.Ctx(ctx).Info().Int64("policy_id", p.ID).Str("name", p.Name).Msg("discount policy created")
	s.publish(ctx, p.ID)
	return p, nil
}

// Active 返回当前生效的策略。策略带条件且当前不满足时视为没有生效的策略。
func (s *DiscountService) Active(ctx context.Context) (*domain.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "discount.Active")
	defer span.End()

	p, err := s.repo.FindActive(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoActivePolicy) {
			return nil, err
		}
		return nil, fail(span, errors.Wrap(err, "find active discount policy"))
	}
	span.SetAttributes(attribute.Int64("discount.id", p.ID))

	if p.Condition == "" {
		return p, nil
	}
	fact := domain.FactAt(s.now())
	ok, err := s.rules.Evaluate(p.Condition, fact)
	if err != nil {
		// 条件在创建时已编译通过，运行时出错按不满足处理
		logger.Ctx(ctx).Warn().Err(err).Int64("policy_id", p.ID).Msg("⚠️ failed to evaluate discount condition")
		return nil, domain.ErrNoActivePolicy
	}
	span.SetAttributes(attribute.Bool("discount.condition_met", ok))
	if !ok {
		return nil, domain.ErrNoActivePolicy
	}
	return p, nil
}

// Activate 激活 id 并停用其他策略。多个实例之间通过分布式锁串行化。
func (s *DiscountService) Activate(ctx context.Context, id int64) (*domain.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "discount.Activate", trace.WithAttributes(attribute.Int64("discount.id", id)))
	defer span.End()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	release, err := s.locker.Acquire(lockCtx, s.lockResource)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(domain.ErrActivationBusy, err.Error())
		}
		return nil, fail(span, errors.Wrap(err, "acquire activation lock"))
	}
	defer func() {
		if err := release(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("resource", s.lockResource).Msg("failed to release activation lock")
		}
	}()

	p, err := s.repo.Activate(ctx, id)
	if err != nil {
		return nil, fail(span, errors.Wrapf(err, "activate discount policy %d", id))
	}
	logger.Ctx(ctx).Info().Int64("policy_id", id).Msg("✅ discount policy activated")
	s.publish(ctx, id)
	return p, nil
}

// Deactivate 停用 id。已经是停用状态时也会通知终端。
func (s *DiscountService) Deactivate(ctx context.Context, id int64) (*domain.Policy, error) {
	ctx, span := s.tracer.Start(ctx, "discount.Deactivate", trace.WithAttributes(attribute.Int64("discount.id", id)))
	defer span.End()

	p, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return nil, fail(span, errors.Wrapf(err, "deactivate discount policy %d", id))
	}
	logger.Ctx(ctx).Info().Int64("policy_id", id).Msg("discount policy deactivated")
	s.publish(ctx, id)
	return p, nil
}

// publish 失败不影响已提交的变更，终端会在下一次通知或重连时刷新。
func (s *DiscountService) publish(ctx context.Context, id int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(ctx, id); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Int64("policy_id", id).Msg("failed to publish discount change")
	}
}
