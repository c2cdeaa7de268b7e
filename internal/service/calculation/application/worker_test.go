package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-pos/internal/service/calculation/domain"
)

func TestGoroutineWorker_RepliesWithCorrelationID(t *testing.T) {
	t.Parallel()

	w := NewGoroutineWorker(4, Evaluate)
	defer w.Stop()

	require.NoError(t, w.Post(Request{CorrelationID: 42, Kind: KindTax, Payload: TaxPayload{Amount: 200, TaxRatePercent: 10}}))

	select {
	case r := <-w.Replies():
		assert.Equal(t, uint64(42), r.CorrelationID)
		require.NoError(t, r.Err)
		assert.Equal(t, domain.TaxResult{TaxAmount: 20, TotalWithTax: 220}, r.Result)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestGoroutineWorker_ReportsComputationErrors(t *testing.T) {
	t.Parallel()

	w := NewGoroutineWorker(4, Evaluate)
	defer w.Stop()

	require.NoError(t, w.Post(Request{CorrelationID: 1, Kind: KindDiscount, Payload: DiscountPayload{Subtotal: 10, Percentage: 150}}))
	r := <-w.Replies()
	assert.ErrorIs(t, r.Err, domain.ErrInvalidInput)
}

func TestGoroutineWorker_PanicIsFatal(t *testing.T) {
	t.Parallel()

	w := NewGoroutineWorker(4, func(Kind, any) (any, error) { panic("boom") })
	defer w.Stop()

	require.NoError(t, w.Post(Request{CorrelationID: 7, Kind: KindTax}))
	select {
	case err := <-w.Faults():
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}

	require.Eventually(t, func() bool {
		return w.Post(Request{CorrelationID: 8}) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestGoroutineWorker_FullQueueRejects(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	w := NewGoroutineWorker(1, func(Kind, any) (any, error) {
		<-block
		return nil, nil
	})
	defer func() {
		close(block)
		w.Stop()
	}()

	require.NoError(t, w.Post(Request{CorrelationID: 1}))
	// 第一个请求被 worker 取走后阻塞，第二个占满队列，第三个被拒绝
	require.Eventually(t, func() bool { return w.Post(Request{CorrelationID: 2}) == nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, w.Post(Request{CorrelationID: 3}), domain.ErrWorkerUnavailable)
}

func TestEvaluate_RejectsMismatchedPayload(t *testing.T) {
	t.Parallel()

	_, err := Evaluate(KindOrderTotal, TaxPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Evaluate(Kind(99), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
