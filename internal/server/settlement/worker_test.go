package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/server/archive"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/events"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrincipal = "u1"
	testEmail     = "u1@example.com"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingArchive struct {
	mu       sync.Mutex
	receipts []archive.Receipt
}

func (a *recordingArchive) Store(ctx context.Context, r archive.Receipt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts = append(a.receipts, r)
	return nil
}

func (a *recordingArchive) URL(ctx context.Context, intentID string) (string, error) {
	return "", common.ErrorNotFound
}

type panicDecider struct{}

func (panicDecider) Decide(context.Context, *models.PaymentPayload, *models.IntentRecord) (models.Decision, error) {
	panic("processor exploded")
}

type errDecider struct{}

func (errDecider) Decide(context.Context, *models.PaymentPayload, *models.IntentRecord) (models.Decision, error) {
	return models.Decision{}, errors.New("processor unavailable")
}

type flakyRepo struct {
	*intents.MemoryRepository
	getErr  error
	saveErr error
}

func (r *flakyRepo) Get(ctx context.Context, id string) (*models.IntentRecord, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.MemoryRepository.Get(ctx, id)
}

func (r *flakyRepo) Save(ctx context.Context, rec *models.IntentRecord, expected models.Status) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.MemoryRepository.Save(ctx, rec, expected)
}

type fixture struct {
	repo    *flakyRepo
	queue   *MemoryQueue
	deriver *cryptox.Deriver
	clock   *timex.FakeClock
	metrics *metrics.Metrics
	events  *recordingPublisher
	archive *recordingArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := cryptox.NewDeriver([]byte("test-master-secret"), common.MinKDFIterations)
	require.NoError(t, err)

	return &fixture{
		repo:    &flakyRepo{MemoryRepository: intents.NewMemoryRepository()},
		queue:   NewMemoryQueue(),
		deriver: d,
		clock:   timex.NewFakeClock(t0),
		metrics: metrics.New(),
		events:  &recordingPublisher{},
		archive: &recordingArchive{},
	}
}

func (f *fixture) deps(decider Decider) Deps {
	return Deps{
		Repo:    f.repo,
		Queue:   f.queue,
		Deriver: f.deriver,
		Decider: decider,
		Events:  f.events,
		Archive: f.archive,
		Metrics: f.metrics,
		Clock:   f.clock,
	}
}

func (f *fixture) worker(t *testing.T, rate float64) *Worker {
	t.Helper()
	return NewWorker(f.deps(newDecider(t, rate)), config.SettlementConfig{BatchSize: 8})
}

// seed stores a PROCESSING intent sealed for the test principal and returns
// the job that would settle it.
func (f *fixture) seed(t *testing.T, id string, payload *models.PaymentPayload) models.SettlementJob {
	t.Helper()
	key := f.deriver.Derive(testPrincipal, testEmail)
	defer cryptox.Wipe(key)

	env, err := cryptox.Seal(payload, key, []byte(testPrincipal))
	require.NoError(t, err)

	now := f.clock.Now()
	require.NoError(t, f.repo.Create(context.Background(), &models.IntentRecord{
		ID:          id,
		PrincipalID: testPrincipal,
		Amount:      100000,
		Currency:    "IDR",
		Method:      models.MethodCreditCard,
		Status:      models.StatusProcessing,
		Envelope:    env.Ciphertext,
		KeyHash:     env.KeyHash,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}))

	return models.SettlementJob{
		IntentID:       id,
		PrincipalID:    testPrincipal,
		PrincipalEmail: testEmail,
		DueAt:          now.Add(2 * time.Second),
	}
}

func (f *fixture) get(t *testing.T, id string) *models.IntentRecord {
	t.Helper()
	rec, err := f.repo.MemoryRepository.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestWorker_Accepts(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())
	require.NoError(t, f.queue.Enqueue(ctx, job))

	f.clock.Advance(3 * time.Second)
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := f.get(t, "i1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ProcessedAt)
	assert.True(t, rec.ProcessedAt.Equal(f.clock.Now()))
	assert.Contains(t, rec.ExternalReference, "EXT_")
	assert.Contains(t, rec.Metadata["authorizationCode"], "AUTH_")

	pending, inflight := f.queue.Len()
	assert.Zero(t, pending)
	assert.Zero(t, inflight)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("completed")))
	require.Equal(t, 1, f.events.count())
	assert.Equal(t, events.TypeCompleted, f.events.events[0].Type)
	require.Len(t, f.archive.receipts, 1)
	assert.Equal(t, rec.ExternalReference, f.archive.receipts[0].ExternalReference)
}

func TestWorker_Declines(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 0)

	job := f.seed(t, "i1", cardPayload())
	require.NoError(t, w.Process(context.Background(), job))

	rec := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, ReasonDeclined, rec.FailureReason)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Empty(t, rec.ExternalReference)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("failed")))
}

func TestWorker_TamperedEnvelopeFails(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())

	// Save never rewrites the envelope, so swap in a store holding a
	// tampered copy.
	tampered := f.get(t, "i1")
	tampered.Envelope[len(tampered.Envelope)-1] ^= 0x01
	f.repo.MemoryRepository = intents.NewMemoryRepository()
	require.NoError(t, f.repo.Create(ctx, tampered))

	require.NoError(t, w.Process(ctx, job))

	got := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, ReasonIntegrity, got.FailureReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntegrityFailures))
}

func TestWorker_WrongEmailIsIntegrityFailure(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)

	job := f.seed(t, "i1", cardPayload())
	job.PrincipalEmail = "someone-else@example.com"

	require.NoError(t, w.Process(context.Background(), job))

	got := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, ReasonIntegrity, got.FailureReason)
}

func TestWorker_DeciderErrorFailsGenerically(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.deps(errDecider{}), config.SettlementConfig{})

	job := f.seed(t, "i1", cardPayload())
	require.NoError(t, w.Process(context.Background(), job))

	got := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, ReasonInternal, got.FailureReason)
	assert.NotContains(t, got.FailureReason, "unavailable")
}

func TestWorker_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.deps(panicDecider{}), config.SettlementConfig{})

	job := f.seed(t, "i1", cardPayload())
	assert.NotPanics(t, func() {
		_ = w.Process(context.Background(), job)
	})

	got := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, ReasonInternal, got.FailureReason)
}

func TestWorker_AlreadySettledIsAcked(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())
	rec := f.get(t, "i1")
	rec.Status = models.StatusFailed
	rec.FailureReason = "Card declined"
	require.NoError(t, f.repo.Save(ctx, rec, models.StatusProcessing))

	require.NoError(t, f.queue.Enqueue(ctx, job))
	_, err := f.queue.Claim(ctx, job.DueAt, 1)
	require.NoError(t, err)

	require.NoError(t, w.Process(ctx, job))

	got := f.get(t, "i1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Card declined", got.FailureReason)
	assert.Zero(t, f.events.count())
	_, inflight := f.queue.Len()
	assert.Zero(t, inflight)
}

func TestWorker_UnknownIntentIsDropped(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)

	err := w.Process(context.Background(), models.SettlementJob{IntentID: "missing"})
	assert.NoError(t, err)
}

func TestWorker_StorageErrorReschedules(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())
	f.repo.getErr = common.ErrStorage

	err := w.Process(ctx, job)
	assert.ErrorIs(t, err, common.ErrStorage)

	f.clock.Advance(time.Hour)
	jobs, err := f.queue.Claim(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)

	// storage recovers and the retry settles the intent
	f.repo.getErr = nil
	require.NoError(t, w.Process(ctx, jobs[0]))
	assert.Equal(t, models.StatusCompleted, f.get(t, "i1").Status)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())
	job.Attempt = w.maxAttempts - 1
	f.repo.saveErr = common.ErrStorage

	err := w.Process(ctx, job)
	assert.ErrorIs(t, err, common.ErrStorage)

	pending, inflight := f.queue.Len()
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
	assert.Equal(t, models.StatusProcessing, f.get(t, "i1").Status)
}

func TestWorker_ConcurrentDuplicateJobsSettleOnce(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, 1)
	ctx := context.Background()

	job := f.seed(t, "i1", cardPayload())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Process(ctx, job)
		}()
	}
	wg.Wait()

	assert.Equal(t, models.StatusCompleted, f.get(t, "i1").Status)
	assert.Equal(t, 1, f.events.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("completed")))
}

func TestWorker_EventFailureDoesNotUndoSettlement(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	w := f.worker(t, 1)

	job := f.seed(t, "i1", cardPayload())
	require.NoError(t, w.Process(context.Background(), job))

	assert.Equal(t, models.StatusCompleted, f.get(t, "i1").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventPublishErrors))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.deps(newDecider(t, 1)), config.SettlementConfig{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
