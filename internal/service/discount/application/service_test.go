package application

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"nexus-pos/internal/service/discount/domain"
)

type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	policies map[int64]*domain.Policy
	err      error
}

func newMemRepo() *memRepo {
	return &memRepo{policies: make(map[int64]*domain.Policy)}
}

func (r *memRepo) List(context.Context) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) Create(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	p.ID = r.nextID
	cp := *p
	r.policies[p.ID] = &cp
	return nil
}

func (r *memRepo) FindActive(context.Context) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, p := range r.policies {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNoActivePolicy
}

func (r *memRepo) Activate(_ context.Context, id int64) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.policies[id]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	for _, p := range r.policies {
		p.Active = false
	}
	target.Active = true
	cp := *target
	return &cp, nil
}

func (r *memRepo) Deactivate(_ context.Context, id int64) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.policies[id]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	target.Active = false
	cp := *target
	return &cp, nil
}

func (r *memRepo) activeIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, p := range r.policies {
		if p.Active {
			ids = append(ids, id)
		}
	}
	return ids
}

// ruleTable 按表达式返回预设的结果
type ruleTable struct {
	compileErr error
	results    map[string]bool
	evalErr    error
	facts      []domain.Fact
}

func (r *ruleTable) Compile(string) error { return r.compileErr }

func (r *ruleTable) Evaluate(condition string, fact domain.Fact) (bool, error) {
	r.facts = append(r.facts, fact)
	if r.evalErr != nil {
		return false, r.evalErr
	}
	return r.results[condition], nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
	block    bool
}

func (l *fakeLocker) Acquire(ctx context.Context, _ string) (func() error, error) {
	if l.block {
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "waiting for lock")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	l.acquired++
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, nil
}

type fakePublisher struct {
	ids []int64
	err error
}

func (p *fakePublisher) PublishChange(_ context.Context, id int64) error {
	p.ids = append(p.ids, id)
	return p.err
}

type fixture struct {
	svc    *DiscountService
	repo   *memRepo
	rules  *ruleTable
	locker *fakeLocker
	pub    *fakePublisher
}

func newFixture() *fixture {
	f := &fixture{repo: newMemRepo(), rules: &ruleTable{results: map[string]bool{}}, locker: &fakeLocker{}, pub: &fakePublisher{}}
	f.svc = NewDiscountService(f.repo, f.rules, f.locker, f.pub, otel.Tracer("test"), "discount-activation")
	return f
}

func (f *fixture) create(t *testing.T, name string, condition string) *domain.Policy {
	t.Helper()
	p, err := f.svc.Create(context.Background(), &CreatePolicyRequest{Name: name, Percentage: 10, MinimumOrderAmount: 200, Condition: condition})
	require.NoError(t, err)
	return p
}

func TestDiscountService_CreateValidatesAndPublishes(t *testing.T) {
	f := newFixture()

	p := f.create(t, "lunch", "")
	assert.Equal(t, int64(1), p.ID)
	assert.False(t, p.Active)
	assert.Equal(t, []int64{1}, f.pub.ids)

	_, err := f.svc.Create(context.Background(), &CreatePolicyRequest{Name: "bad", Percentage: 120})
	assert.True(t, errors.Is(err, domain.ErrInvalidPolicy))

	f.rules.compileErr = errors.New("undeclared reference to 'minute'")
	_, err = f.svc.Create(context.Background(), &CreatePolicyRequest{Name: "happy hour", Percentage: 5, Condition: "minute > 3"})
	assert.True(t, errors.Is(err, domain.ErrInvalidPolicy))
	assert.Contains(t, err.Error(), "minute")

	policies, err := f.svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestDiscountService_ActivateKeepsSingleActive(t *testing.T) {
	f := newFixture()
	first := f.create(t, "a", "")
	second := f.create(t, "b", "")

	got, err := f.svc.Activate(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, []int64{first.ID}, f.repo.activeIDs())

	_, err = f.svc.Activate(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.ID}, f.repo.activeIDs())

	assert.Equal(t, 2, f.locker.acquired)
	assert.Equal(t, 2, f.locker.released)
	assert.False(t, f.locker.held)
	assert.Equal(t, []int64{first.ID, second.ID, first.ID, second.ID}, f.pub.ids)

	active, err := f.svc.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestDiscountService_ActivateUnknownReleasesLock(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Activate(context.Background(), 42)
	assert.True(t, errors.Is(err, domain.ErrPolicyNotFound))
	assert.Equal(t, 1, f.locker.released)
	assert.Empty(t, f.pub.ids)
}

func TestDiscountService_ActivateLockTimeoutIsBusy(t *testing.T) {
	f := newFixture()
	p := f.create(t, "a", "")
	f.locker.block = true
	f.svc.lockTimeout = 20 * time.Millisecond

	_, err := f.svc.Activate(context.Background(), p.ID)
	assert.True(t, errors.Is(err, domain.ErrActivationBusy), "got %v", err)
	assert.Empty(t, f.repo.activeIDs())
}

func TestDiscountService_Deactivate(t *testing.T) {
	f := newFixture()
	p := f.create(t, "a", "")
	_, err := f.svc.Activate(context.Background(), p.ID)
	require.NoError(t, err)

	got, err := f.svc.Deactivate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = f.svc.Active(context.Background())
	assert.True(t, errors.Is(err, domain.ErrNoActivePolicy))

	_, err = f.svc.Deactivate(context.Background(), 99)
	assert.True(t, errors.Is(err, domain.ErrPolicyNotFound))
}

func TestDiscountService_ActiveHonoursCondition(t *testing.T) {
	tests := []struct {
		name    string
		met     bool
		evalErr error
		wantErr error
	}{
		{name: "condition met", met: true},
		{name: "condition not met", wantErr: domain.ErrNoActivePolicy},
		{name: "evaluation error", evalErr: errors.New("no such overload"), wantErr: domain.ErrNoActivePolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.svc.now = func() time.Time { return time.Date(2024, 6, 3, 15, 0, 0, 0, time.Local) }
			const cond = "hour >= 14 && hour < 17"
			f.rules.results[cond] = tt.met
			f.rules.evalErr = tt.evalErr
			p := f.create(t, "afternoon", cond)
			_, err := f.svc.Activate(context.Background(), p.ID)
			require.NoError(t, err)

			got, err := f.svc.Active(context.Background())
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, p.ID, got.ID)
			}
			require.Len(t, f.rules.facts, 1)
			assert.Equal(t, domain.Fact{Hour: 15, Weekday: 1}, f.rules.facts[0])
		})
	}
}

func TestDiscountService_PublishFailureDoesNotFailChange(t *testing.T) {
	f := newFixture()
	p := f.create(t, "a", "")
	f.pub.err = errors.New("kafka down")

	_, err := f.svc.Activate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, f.repo.activeIDs())
}

func TestDiscountService_RepositoryErrorsAreWrapped(t *testing.T) {
	f := newFixture()
	f.repo.err = errors.New("connection refused")

	_, err := f.svc.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list discount policies")

	_, err = f.svc.Active(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNoActivePolicy))
}
