package application

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/service/calculation/domain"
)

// fakeWorker 由测试手动控制回复的时机和顺序。
type fakeWorker struct {
	posted  chan Request
	replies chan Reply
	faults  chan error
	postErr error

	mu      sync.Mutex
	stopped bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		posted:  make(chan Request, 64),
		replies: make(chan Reply, 64),
		faults:  make(chan error, 1),
	}
}

func (f *fakeWorker) Post(req Request) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posted <- req
	return nil
}

func (f *fakeWorker) Replies() <-chan Reply { return f.replies }
func (f *fakeWorker) Faults() <-chan error  { return f.faults }

func (f *fakeWorker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeWorker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// answer 用真实的计算结果回复一个请求。
func (f *fakeWorker) answer(req Request) {
	result, err := Evaluate(req.Kind, req.Payload)
	f.replies <- Reply{CorrelationID: req.CorrelationID, Result: result, Err: err}
}

type fakeFactory struct {
	mu      sync.Mutex
	workers []*fakeWorker
	err     error
}

func (f *fakeFactory) New() (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := newFakeWorker()
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *fakeFactory) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func nextPosted(t *testing.T, w *fakeWorker) Request {
	t.Helper()
	select {
	case req := <-w.posted:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a posted request")
		return Request{}
	}
}

func cart() []domain.LineItem {
	return []domain.LineItem{
		{Name: "Momo", UnitPrice: 150, Quantity: 2},
		{Name: "Maggi", UnitPrice: 100, Quantity: 1},
	}
}

func TestDispatcher_GoroutineWorkerPath(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(time.Second, GoroutineWorkerFactory(true, 8), nil, nil)
	defer d.Stop()

	require.Equal(t, StateWorkerReady, d.Start(context.Background()))

	got, err := d.ComputeOrderTotal(context.Background(), cart(),
		&domain.DiscountPolicy{Percentage: 10, MinimumOrderAmount: 300, Active: true})
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Subtotal: 400, DiscountAmount: 40, Total: 360}, got)

	tax, err := d.ComputeTax(context.Background(), 360, 13)
	require.NoError(t, err)
	assert.Equal(t, 46.8, tax.TaxAmount)

	disc, err := d.ComputeDiscount(context.Background(), 400, 10, 500)
	require.NoError(t, err)
	assert.False(t, disc.IsApplicable)
}

func TestDispatcher_StartFailureDowngradesSilently(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{err: errors.New("no threads for you")}
	m := metrics.NewDispatcher(nil)
	d := NewDispatcher(time.Second, factory.New, m, nil)

	for i := 0; i < 3; i++ {
		got, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
		require.NoError(t, err)
		assert.Equal(t, 400.0, got.Total)
	}
	assert.Equal(t, StateWorkerUnavailable, d.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerStarts.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Requests.WithLabelValues("order_total", pathInline)))
}

func TestDispatcher_DisabledWorkerComputesInline(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(time.Second, GoroutineWorkerFactory(false, 8), nil, nil)
	assert.Equal(t, StateWorkerUnavailable, d.Start(context.Background()))

	got, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
	require.NoError(t, err)
	assert.Equal(t, 400.0, got.Subtotal)
}

func TestDispatcher_FallbackEquivalence(t *testing.T) {
	t.Parallel()

	withWorker := NewDispatcher(time.Second, GoroutineWorkerFactory(true, 8), nil, nil)
	defer withWorker.Stop()
	inline := NewDispatcher(time.Second, GoroutineWorkerFactory(false, 8), nil, nil)

	r := rand.New(rand.NewSource(7))
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		items := make([]domain.LineItem, r.Intn(5))
		for j := range items {
			items[j] = domain.LineItem{Name: "dish", UnitPrice: float64(r.Intn(50000)) / 100, Quantity: r.Intn(6)}
		}
		policy := &domain.DiscountPolicy{
			Percentage:         float64(r.Intn(101)),
			MinimumOrderAmount: float64(r.Intn(1000)),
			Active:             true,
		}

		a, errA := withWorker.ComputeOrderTotal(ctx, items, policy)
		b, errB := inline.ComputeOrderTotal(ctx, items, policy)
		require.NoError(t, errA)
		require.NoError(t, errB)
		require.Equal(t, a, b)
	}
}

func TestDispatcher_InvalidInputReachesCaller(t *testing.T) {
	t.Parallel()

	for name, factory := range map[string]WorkerFactory{
		"worker": GoroutineWorkerFactory(true, 4),
		"inline": GoroutineWorkerFactory(false, 4),
	} {
		t.Run(name, func(t *testing.T) {
			d := NewDispatcher(time.Second, factory, nil, nil)
			defer d.Stop()

			_, err := d.ComputeOrderTotal(context.Background(),
				[]domain.LineItem{{Name: "Momo", UnitPrice: -1, Quantity: 1}}, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)

			_, err = d.ComputeOrderTotal(context.Background(), cart(),
				&domain.DiscountPolicy{Percentage: 150, Active: true})
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestDispatcher_OutOfOrderRepliesReachTheirCallers(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := NewDispatcher(time.Minute, factory.New, nil, nil)
	defer d.Stop()
	require.Equal(t, StateWorkerReady, d.Start(context.Background()))
	w := factory.worker(0)

	const n = 16
	results := make([]domain.TaxResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.ComputeTax(context.Background(), float64(i*10), 10)
		}(i)
	}

	posted := make([]Request, 0, n)
	seen := make(map[uint64]bool, n)
	for i := 0; i < n; i++ {
		req := nextPosted(t, w)
		require.False(t, seen[req.CorrelationID], "correlation id reused")
		seen[req.CorrelationID] = true
		posted = append(posted, req)
	}
	for i := len(posted) - 1; i >= 0; i-- {
		w.answer(posted[i])
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(i), results[i].TaxAmount, "caller %d got another caller's result", i)
	}
}

func TestDispatcher_WorkerErrorRejectsOnlyItsRequest(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := NewDispatcher(time.Minute, factory.New, nil, nil)
	defer d.Stop()
	d.Start(context.Background())
	w := factory.worker(0)

	type res struct {
		r   domain.TaxResult
		err error
	}
	first := make(chan res, 1)
	second := make(chan res, 1)

	go func() {
		r, err := d.ComputeTax(context.Background(), 100, 10)
		first <- res{r, err}
	}()
	reqA := nextPosted(t, w)
	go func() {
		r, err := d.ComputeTax(context.Background(), 200, 10)
		second <- res{r, err}
	}()
	reqB := nextPosted(t, w)

	computeErr := errors.New("worker could not compute")
	w.replies <- Reply{CorrelationID: reqA.CorrelationID, Err: computeErr}
	w.answer(reqB)

	a := <-first
	assert.ErrorIs(t, a.err, computeErr)
	b := <-second
	require.NoError(t, b.err)
	assert.Equal(t, 20.0, b.r.TaxAmount)
	assert.Equal(t, StateWorkerReady, d.State())
}

func TestDispatcher_TimeoutFallsBackAndDropsLateReply(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := metrics.NewDispatcher(nil)
	d := NewDispatcher(20*time.Millisecond, factory.New, m, nil)
	defer d.Stop()
	d.Start(context.Background())
	w := factory.worker(0)

	got, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{Subtotal: 400, Total: 400}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts))

	req := nextPosted(t, w)
	w.replies <- Reply{CorrelationID: req.CorrelationID, Result: domain.Result{Total: -1}}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.LateReplies) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, StateWorkerReady, d.State())
}

func TestDispatcher_PostFailureFallsBack(t *testing.T) {
	t.Parallel()

	w := newFakeWorker()
	w.postErr = domain.ErrWorkerUnavailable
	d := NewDispatcher(time.Minute, func() (Worker, error) { return w, nil }, nil, nil)
	defer d.Stop()

	got, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
	require.NoError(t, err)
	assert.Equal(t, 400.0, got.Total)
}

func TestDispatcher_FaultDiscardsWorkerAndRestartsLazily(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	m := metrics.NewDispatcher(nil)
	d := NewDispatcher(time.Minute, factory.New, m, nil)
	defer d.Stop()
	d.Start(context.Background())
	first := factory.worker(0)

	done := make(chan domain.Result, 1)
	go func() {
		r, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
		assert.NoError(t, err)
		done <- r
	}()
	firstReq := nextPosted(t, first)

	first.faults <- errors.New("worker exploded")

	select {
	case r := <-done:
		assert.Equal(t, 400.0, r.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was not settled after worker fault")
	}
	require.Eventually(t, func() bool { return d.State() == StateWorkerUnavailable }, time.Second, 5*time.Millisecond)
	assert.True(t, first.isStopped())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerFaults))

	// 下一次调用惰性重启 worker，关联ID 继续递增
	taxDone := make(chan domain.TaxResult, 1)
	go func() {
		r, err := d.ComputeTax(context.Background(), 100, 5)
		assert.NoError(t, err)
		taxDone <- r
	}()
	require.Eventually(t, func() bool { return factory.count() == 2 }, time.Second, 5*time.Millisecond)
	second := factory.worker(1)
	secondReq := nextPosted(t, second)
	assert.Greater(t, secondReq.CorrelationID, firstReq.CorrelationID)
	second.answer(secondReq)
	assert.Equal(t, 5.0, (<-taxDone).TaxAmount)

	require.Eventually(t, func() bool { return d.State() == StateWorkerReady }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StopSettlesPendingInline(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := NewDispatcher(time.Minute, factory.New, nil, nil)
	d.Start(context.Background())
	w := factory.worker(0)

	done := make(chan domain.Result, 1)
	go func() {
		r, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
		assert.NoError(t, err)
		done <- r
	}()
	nextPosted(t, w)

	d.Stop()
	assert.Equal(t, 400.0, (<-done).Total)
	assert.True(t, w.isStopped())
	assert.Equal(t, StateStopped, d.State())

	got, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
	require.NoError(t, err)
	assert.Equal(t, 400.0, got.Total)
	assert.Equal(t, 1, factory.count())
}

func TestDispatcher_ContextCancel(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := NewDispatcher(time.Minute, factory.New, nil, nil)
	defer d.Stop()
	d.Start(context.Background())
	w := factory.worker(0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.ComputeOrderTotal(ctx, cart(), nil)
		errCh <- err
	}()
	req := nextPosted(t, w)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// 取消之后到达的回复被丢弃，不影响后续请求
	w.answer(req)
	go func() {
		_, err := d.ComputeOrderTotal(context.Background(), cart(), nil)
		errCh <- err
	}()
	w.answer(nextPosted(t, w))
	assert.NoError(t, <-errCh)
}
