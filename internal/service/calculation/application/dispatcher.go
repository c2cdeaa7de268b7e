// internal/service/calculation/application/dispatcher.go
package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/service/calculation/domain"
)

// DefaultTimeout 是等待 worker 回复的默认时长，超时后改为同步计算。
const DefaultTimeout = 5 * time.Second

// State 是分发器的 worker 状态。
type State int

const (
	StateUninitialized State = iota
	StateWorkerReady
	StateWorkerUnavailable
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateWorkerReady:
		return "WORKER_READY"
	case StateWorkerUnavailable:
		return "WORKER_UNAVAILABLE"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// 计算实际执行的位置，用于指标和 span 属性。
const (
	pathWorker   = "worker"
	pathInline   = "inline"
	pathFallback = "fallback"
)

type outcome struct {
	result any
	err    error
}

// call 是一次等待 worker 回复的请求。settled 保证回复、超时、worker 故障三者之中只有一个能完成它。
type call struct {
	id         uint64
	kind       Kind
	payload    any
	generation uint64
	timer      *time.Timer
	settled    atomic.Bool
	done       chan outcome
	path       string
}

func (c *call) settle(path string, result any, err error) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.path = path
	c.done <- outcome{result: result, err: err}
	return true
}

// Dispatcher 决定计算在哪里执行：worker 可用时通过消息发给 worker，否则在调用方 goroutine 中同步计算。
// 对调用方来说两条路径的结果完全一致，只有延迟不同。
type Dispatcher struct {
	timeout time.Duration
	factory WorkerFactory
	metrics *metrics.Dispatcher
	tracer  trace.Tracer

	// 关联ID 在整个分发器生命周期内单调递增，worker 重启也不会复用。
	nextID atomic.Uint64

	mu          sync.Mutex
	state       State
	restartable bool
	worker      Worker
	generation  uint64
	stopListen  chan struct{}
	pending     map[uint64]*call
}

// NewDispatcher 创建分发器。worker 在第一次调用（或 Start）时才会启动。
// timeout <= 0 时使用 DefaultTimeout；m 和 tracer 可以为 nil。
func NewDispatcher(timeout time.Duration, factory WorkerFactory, m *metrics.Dispatcher, tracer trace.Tracer) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.NewDispatcher(nil)
	}
	if tracer == nil {
		tracer = otel.Tracer("nexus-pos/calculation")
	}
	return &Dispatcher{
		timeout: timeout,
		factory: factory,
		metrics: m,
		tracer:  tracer,
		pending: make(map[uint64]*call),
	}
}

// Start 立即尝试启动 worker 并返回启动后的状态。启动失败不会返回错误。
func (d *Dispatcher) Start(ctx context.Context) State {
	d.acquireWorker(ctx)
	return d.State()
}

// State 返回当前状态。
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stop 停止 worker。仍在等待的请求立即改为同步计算完成，之后的调用全部同步执行。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.state = StateStopped
	w := d.detachWorkerLocked()
	orphans := d.drainLocked(func(*call) bool { return true })
	d.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	d.fallback(orphans)
}

// ComputeOrderTotal 通过分发器计算订单总价。
func (d *Dispatcher) ComputeOrderTotal(ctx context.Context, items []domain.LineItem, discount *domain.DiscountPolicy) (domain.Result, error) {
	return typed[domain.Result](d.Dispatch(ctx, KindOrderTotal, OrderTotalPayload{Items: items, Discount: discount}))
}

// ComputeDiscount 通过分发器单独计算折扣。
func (d *Dispatcher) ComputeDiscount(ctx context.Context, subtotal, percentage, minimumOrderAmount float64) (domain.DiscountResult, error) {
	return typed[domain.DiscountResult](d.Dispatch(ctx, KindDiscount, DiscountPayload{
		Subtotal:           subtotal,
		Percentage:         percentage,
		MinimumOrderAmount: minimumOrderAmount,
	}))
}

// ComputeTax 通过分发器计算税额。
func (d *Dispatcher) ComputeTax(ctx context.Context, amount, taxRatePercent float64) (domain.TaxResult, error) {
	return typed[domain.TaxResult](d.Dispatch(ctx, KindTax, TaxPayload{Amount: amount, TaxRatePercent: taxRatePercent}))
}

func typed[T any](result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	v, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("calculation returned %T, want %T", result, zero)
	}
	return v, nil
}

// Dispatch 执行一次计算并阻塞直到得到结果。无论计算在 worker 还是同步执行，调用方式都一样。
// 只有输入校验失败或 worker 明确报告的计算错误会返回给调用方；ctx 取消时返回 ctx.Err()。
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, payload any) (any, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("calculation.kind", kind.String()),
	))
	defer span.End()

	result, path, err := d.dispatch(ctx, kind, payload)
	span.SetAttributes(attribute.String("calculation.path", path))
	d.metrics.Requests.WithLabelValues(kind.String(), path).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, kind Kind, payload any) (any, string, error) {
	w, gen, ok := d.acquireWorker(ctx)
	if !ok {
		result, err := Evaluate(kind, payload)
		return result, pathInline, err
	}

	c := &call{
		id:         d.nextID.Add(1),
		kind:       kind,
		payload:    payload,
		generation: gen,
		done:       make(chan outcome, 1),
	}

	d.mu.Lock()
	d.pending[c.id] = c
	c.timer = time.AfterFunc(d.timeout, func() { d.onTimeout(c) })
	d.mu.Unlock()
	d.metrics.Pending.Inc()

	if err := w.Post(Request{CorrelationID: c.id, Kind: kind, Payload: payload}); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Uint64("correlation_id", c.id).Msg("post to calculation worker failed, computing inline")
		if d.forget(c) {
			result, err := Evaluate(kind, payload)
			c.settle(pathFallback, result, err)
		}
	}

	select {
	case o := <-c.done:
		return o.result, c.path, o.err
	case <-ctx.Done():
		d.forget(c)
		c.settled.Store(true)
		return nil, pathWorker, ctx.Err()
	}
}

// acquireWorker 返回可用的 worker。Uninitialized 时启动；故障后的 Unavailable 会惰性重启一次；
// 启动失败后永久降级为同步模式。
func (d *Dispatcher) acquireWorker(ctx context.Context) (Worker, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateWorkerReady:
		return d.worker, d.generation, true
	case StateStopped:
		return nil, 0, false
	case StateWorkerUnavailable:
		if !d.restartable {
			return nil, 0, false
		}
	}

	if d.factory == nil {
		d.state, d.restartable = StateWorkerUnavailable, false
		return nil, 0, false
	}

	w, err := d.factory()
	if err != nil {
		d.state, d.restartable = StateWorkerUnavailable, false
		d.metrics.WorkerStarts.WithLabelValues("failed").Inc()
		logger.Ctx(ctx).Warn().Err(err).Msg("calculation worker failed to start, using inline calculation")
		return nil, 0, false
	}

	d.generation++
	d.worker = w
	d.state = StateWorkerReady
	d.stopListen = make(chan struct{})
	d.metrics.WorkerStarts.WithLabelValues("ok").Inc()
	go d.listen(w, d.generation, d.stopListen)

	logger.Ctx(ctx).Info().Uint64("generation", d.generation).Msg("calculation worker started")
	return w, d.generation, true
}

func (d *Dispatcher) listen(w Worker, gen uint64, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case r, ok := <-w.Replies():
			if !ok {
				return
			}
			d.onReply(r)
		case err, ok := <-w.Faults():
			if !ok {
				return
			}
			d.onFault(w, gen, err)
			return
		}
	}
}

func (d *Dispatcher) onReply(r Reply) {
	d.mu.Lock()
	c, ok := d.pending[r.CorrelationID]
	if ok {
		delete(d.pending, r.CorrelationID)
		c.timer.Stop()
	}
	d.mu.Unlock()

	if ok {
		d.metrics.Pending.Dec()
	}
	if !ok || !c.settle(pathWorker, r.Result, r.Err) {
		d.metrics.LateReplies.Inc()
		logger.L().Debug().Uint64("correlation_id", r.CorrelationID).Msg("discarding late calculation reply")
	}
}

func (d *Dispatcher) onTimeout(c *call) {
	if !d.forget(c) {
		return
	}
	d.metrics.Timeouts.Inc()
	logger.L().Warn().
		Err(domain.ErrCalculationTimeout).
		Uint64("correlation_id", c.id).
		Str("kind", c.kind.String()).
		Dur("timeout", d.timeout).
		Msg("calculation worker timed out, computing inline")

	result, err := Evaluate(c.kind, c.payload)
	c.settle(pathFallback, result, err)
}

func (d *Dispatcher) onFault(w Worker, gen uint64, fault error) {
	d.mu.Lock()
	if d.worker != w {
		d.mu.Unlock()
		return
	}
	d.detachWorkerLocked()
	d.state, d.restartable = StateWorkerUnavailable, true
	orphans := d.drainLocked(func(c *call) bool { return c.generation == gen })
	d.mu.Unlock()

	d.metrics.WorkerFaults.Inc()
	logger.L().Error().Err(fault).Int("orphaned", len(orphans)).Msg("calculation worker crashed, discarding it")
	w.Stop()
	d.fallback(orphans)
}

// forget 把请求从等待表中移除并停止它的计时器，返回是否是本次移除的。
func (d *Dispatcher) forget(c *call) bool {
	d.mu.Lock()
	_, ok := d.pending[c.id]
	if ok {
		delete(d.pending, c.id)
		c.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		d.metrics.Pending.Dec()
	}
	return ok
}

// detachWorkerLocked 调用方必须持有 d.mu。
func (d *Dispatcher) detachWorkerLocked() Worker {
	w := d.worker
	d.worker = nil
	if d.stopListen != nil {
		close(d.stopListen)
		d.stopListen = nil
	}
	return w
}

// drainLocked 调用方必须持有 d.mu。
func (d *Dispatcher) drainLocked(match func(*call) bool) []*call {
	var out []*call
	for id, c := range d.pending {
		if !match(c) {
			continue
		}
		delete(d.pending, id)
		c.timer.Stop()
		out = append(out, c)
	}
	return out
}

func (d *Dispatcher) fallback(calls []*call) {
	for _, c := range calls {
		d.metrics.Pending.Dec()
		result, err := Evaluate(c.kind, c.payload)
		c.settle(pathFallback, result, err)
	}
}
