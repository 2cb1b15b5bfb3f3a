package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/server/archive"
	"github.com/dmitrijs2005/paykeeper/internal/server/auth"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"github.com/dmitrijs2005/paykeeper/internal/server/settlement"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	alice = models.Principal{ID: "u-alice", Email: "alice@example.com"}
	bob   = models.Principal{ID: "u-bob", Email: "bob@example.com"}
	start = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
)

// tamperingRepo flips the last envelope byte of selected records on read,
// as if the stored ciphertext had been altered.
type tamperingRepo struct {
	*intents.MemoryRepository
	mu     sync.Mutex
	tamper map[string]bool
}

func (r *tamperingRepo) Get(ctx context.Context, id string) (*models.IntentRecord, error) {
	rec, err := r.MemoryRepository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tamper[id] && len(rec.Envelope) > 0 {
		rec.Envelope[len(rec.Envelope)-1] ^= 0x01
	}
	return rec, nil
}

type brokenQueue struct{ settlement.Queue }

func (brokenQueue) Enqueue(context.Context, models.SettlementJob) error {
	return errors.New("redis: connection refused")
}

type urlArchive struct{ url string }

func (urlArchive) Store(context.Context, archive.Receipt) error { return nil }

func (a urlArchive) URL(context.Context, string) (string, error) { return a.url, nil }

type fixture struct {
	svc     *IntentService
	repo    *tamperingRepo
	queue   *settlement.MemoryQueue
	deriver *cryptox.Deriver
	clock   *timex.FakeClock
	metrics *metrics.Metrics
	spans   *tracetest.SpanRecorder
	cfg     *config.Config
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Secret.MasterSecret = "unit-test-master-secret"
	cfg.Intents.MaxAmount = "1000000.00"
	return cfg
}

func newFixture(t *testing.T, mutate ...func(*config.Config, *IntentDeps)) *fixture {
	t.Helper()
	cfg := testConfig()

	clock := timex.NewFakeClock(start)
	deriver, err := cryptox.NewDeriver([]byte(cfg.Secret.MasterSecret), cfg.Security.KDFIterations)
	require.NoError(t, err)

	f := &fixture{
		repo:    &tamperingRepo{MemoryRepository: intents.NewMemoryRepository(), tamper: map[string]bool{}},
		queue:   settlement.NewMemoryQueue(),
		deriver: deriver,
		clock:   clock,
		metrics: metrics.New(),
		spans:   tracetest.NewSpanRecorder(),
		cfg:     cfg,
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))

	deps := IntentDeps{
		Repo:    f.repo,
		Queue:   f.queue,
		Deriver: deriver,
		Metrics: f.metrics,
		Clock:   clock,
		Tracer:  tp.Tracer("test"),
	}
	for _, m := range mutate {
		m(cfg, &deps)
	}

	deps.Tokenizer, err = auth.NewIntentTokenizer([]byte(cfg.Secret.MasterSecret), cfg.Security.TokenValidity, clock)
	require.NoError(t, err)

	f.svc, err = NewIntentService(deps, cfg)
	require.NoError(t, err)
	return f
}

func cardInput() CreateIntentInput {
	return CreateIntentInput{
		Amount:   100000,
		Currency: "idr",
		Method:   "credit_card",
		Payload: &models.PaymentPayload{
			CardNumber:  "4111 1111 1111 1111",
			CardHolder:  "Alice Example",
			ExpiryMonth: 12,
			ExpiryYear:  2030,
			CVV:         "123",
		},
	}
}

func (f *fixture) create(t *testing.T, p models.Principal) *CreateIntentResult {
	t.Helper()
	res, err := f.svc.CreateIntent(context.Background(), p, cardInput())
	require.NoError(t, err)
	return res
}

func (f *fixture) stored(t *testing.T, id string) *models.IntentRecord {
	t.Helper()
	rec, err := f.repo.MemoryRepository.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) worker(t *testing.T) *settlement.Worker {
	t.Helper()
	decider, err := settlement.NewSimulatedDecider(1, f.clock, nil)
	require.NoError(t, err)
	return settlement.NewWorker(settlement.Deps{
		Repo:    f.repo,
		Queue:   f.queue,
		Deriver: f.deriver,
		Decider: decider,
		Metrics: f.metrics,
		Clock:   f.clock,
	}, f.cfg.Settlement)
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, alice)
	assert.NotEmpty(t, res.RecordID)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, start.Add(15*time.Minute), res.ExpiresAt)
	assert.Equal(t, models.StatusPending, res.Intent.Status)
	assert.Equal(t, "IDR", res.Intent.Currency)
	assert.True(t, res.Intent.IsActive)

	rec := f.stored(t, res.RecordID)
	assert.Equal(t, alice.ID, rec.PrincipalID)
	assert.Equal(t, models.Amount(100000), rec.Amount)
	assert.NotEmpty(t, rec.Envelope)
	assert.NotContains(t, string(rec.Envelope), "4111")

	key := f.deriver.Derive(alice.ID, alice.Email)
	assert.Equal(t, cryptox.KeyHash(key), rec.KeyHash)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntentsCreated.WithLabelValues("credit_card", "IDR")))
}

func TestCreateIntent_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateIntentInput)
		p      models.Principal
	}{
		{"zero amount", func(in *CreateIntentInput) { in.Amount = 0 }, alice},
		{"negative amount", func(in *CreateIntentInput) { in.Amount = -5 }, alice},
		{"amount over ceiling", func(in *CreateIntentInput) { in.Amount = models.MustAmount("1000000.01") }, alice},
		{"bad currency", func(in *CreateIntentInput) { in.Currency = "rupiah" }, alice},
		{"unknown method", func(in *CreateIntentInput) { in.Method = "cash" }, alice},
		{"missing payload", func(in *CreateIntentInput) { in.Payload = nil }, alice},
		{"missing card number", func(in *CreateIntentInput) { in.Payload.CardNumber = "" }, alice},
		{"missing account number", func(in *CreateIntentInput) { in.Method = "bank_transfer" }, alice},
		{"anonymous principal", func(in *CreateIntentInput) {}, models.Principal{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := cardInput()
			tt.mutate(&in)
			_, err := f.svc.CreateIntent(context.Background(), tt.p, in)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}

	_, total, err := f.repo.FindByPrincipal(context.Background(), alice.ID, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, total, "nothing is stored for rejected input")
}

func TestScenarioA_CreateAdvanceSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, alice)

	view, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, view.Status)

	// the settlement is not due before the configured delay
	w := f.worker(t)
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(f.cfg.Settlement.Delay)
	n, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetIntentStatus(ctx, res.RecordID, alice)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.ExternalReference)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AdvanceResults.WithLabelValues("processing")))
}

func TestTransitionsCarryRequestOrigin(t *testing.T) {
	f := newFixture(t)
	origin := models.NewRequestInfo("198.51.100.7", "checkout-ios/5.0")
	ctx := models.ContextWithRequestInfo(context.Background(), origin)

	res, err := f.svc.CreateIntent(ctx, alice, cardInput())
	require.NoError(t, err)
	_, err = f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	require.NoError(t, err)

	f.clock.Advance(f.cfg.Settlement.Delay)
	_, err = f.worker(t).Poll(context.Background())
	require.NoError(t, err)

	trail, err := f.repo.Transitions(context.Background(), res.RecordID)
	require.NoError(t, err)

	want := []models.Transition{
		{To: models.StatusPending, ClientIP: "198.51.100.7", UserAgent: "checkout-ios/5.0", At: start},
		{From: models.StatusPending, To: models.StatusProcessing, ClientIP: "198.51.100.7", UserAgent: "checkout-ios/5.0", At: start},
		{From: models.StatusProcessing, To: models.StatusCompleted, At: start.Add(f.cfg.Settlement.Delay)},
	}
	assert.Empty(t, cmp.Diff(want, trail))
	assert.Empty(t, f.stored(t, res.RecordID).Origin, "origin is not part of the intent")
}

func TestScenarioB_ExpiredIntentStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, alice)
	f.clock.Advance(15*time.Minute + time.Nanosecond)

	_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrExpired)

	assert.Equal(t, models.StatusPending, f.stored(t, res.RecordID).Status)

	view, err := f.svc.GetIntentStatus(ctx, res.RecordID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, view.Status)
	assert.False(t, view.IsActive)
}

func TestAdvance_RecordExpiryCheckedEvenWithLongLivedToken(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *IntentDeps) {
		cfg.Security.TokenValidity = time.Hour
	})
	ctx := context.Background()

	res := f.create(t, alice)
	f.clock.Advance(20 * time.Minute)

	_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrExpired)
	assert.Equal(t, models.StatusPending, f.stored(t, res.RecordID).Status)
}

func TestScenarioC_TamperedEnvelopeFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, alice)
	f.repo.tamper[res.RecordID] = true

	_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrIntegrity)

	rec := f.stored(t, res.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, ReasonIntegrity, rec.FailureReason)
	assert.NotContains(t, rec.FailureReason, "byte")

	pending, _ := f.queue.Len()
	assert.Zero(t, pending, "nothing is scheduled for a failed intent")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntegrityFailures))
}

func TestAdvance_TokenBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, alice)
	second := f.create(t, alice)

	_, err := f.svc.AdvanceIntent(ctx, first.RecordID, first.Token, bob)
	assert.ErrorIs(t, err, common.ErrPrincipalMismatch)

	_, err = f.svc.AdvanceIntent(ctx, first.RecordID, second.Token, alice)
	assert.ErrorIs(t, err, common.ErrTokenIntentMismatch)

	_, err = f.svc.AdvanceIntent(ctx, first.RecordID, "not-a-token", alice)
	assert.ErrorIs(t, err, common.ErrMalformedToken)

	assert.Equal(t, models.StatusPending, f.stored(t, first.RecordID).Status)
}

func TestAdvance_ForeignOrMissingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, alice)

	_, err := f.svc.GetIntentStatus(ctx, res.RecordID, bob)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	token, err := f.svc.tokenizer.Issue(alice.ID, "missing")
	require.NoError(t, err)
	_, err = f.svc.AdvanceIntent(ctx, "missing", token, alice)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestAdvance_NoDoubleAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, alice)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, common.ErrInvalidState):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, invalid)

	pending, _ := f.queue.Len()
	assert.Equal(t, 1, pending, "exactly one settlement is scheduled")
}

func TestAdvance_TerminalIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.create(t, alice)
	_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	require.NoError(t, err)

	f.clock.Advance(f.cfg.Settlement.Delay)
	_, err = f.worker(t).Poll(ctx)
	require.NoError(t, err)

	before := f.stored(t, res.RecordID)
	require.True(t, before.Status.IsTerminal())

	_, err = f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	after := f.stored(t, res.RecordID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("terminal record changed (-before +after):\n%s", diff)
	}
}

func TestAdvance_EnqueueFailureFailsIntent(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *IntentDeps) {
		d.Queue = brokenQueue{}
	})
	ctx := context.Background()

	res := f.create(t, alice)
	_, err := f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.NotErrorIs(t, err, common.ErrStorage)
	assert.Equal(t, common.KindInternal, common.KindOf(err))
	assert.False(t, common.Retryable(err), "the intent is already failed, retrying cannot help")

	rec := f.stored(t, res.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, settlement.ReasonInternal, rec.FailureReason)
	assert.NotContains(t, rec.FailureReason, "redis")

	_, err = f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestListIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t, alice).RecordID)
		f.clock.Advance(time.Second)
	}
	f.create(t, bob)

	page, err := f.svc.ListIntents(ctx, alice, models.Page{Number: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, int64(2), page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID, "newest first")

	page, err = f.svc.ListIntents(ctx, alice, models.Page{Number: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)
}

func TestReceiptURL(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *IntentDeps) {
		d.Archive = urlArchive{url: "https://receipts.local/r.json"}
	})
	ctx := context.Background()

	res := f.create(t, alice)
	_, err := f.svc.ReceiptURL(ctx, res.RecordID, alice)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = f.svc.AdvanceIntent(ctx, res.RecordID, res.Token, alice)
	require.NoError(t, err)
	f.clock.Advance(f.cfg.Settlement.Delay)
	_, err = f.worker(t).Poll(ctx)
	require.NoError(t, err)

	url, err := f.svc.ReceiptURL(ctx, res.RecordID, alice)
	require.NoError(t, err)
	assert.Equal(t, "https://receipts.local/r.json", url)

	_, err = f.svc.ReceiptURL(ctx, res.RecordID, bob)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestSpansRecordErrorKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetIntentStatus(context.Background(), "missing", alice)
	require.Error(t, err)

	ended := f.spans.Ended()
	require.NotEmpty(t, ended)
	last := ended[len(ended)-1]
	assert.Equal(t, "IntentService.GetIntentStatus", last.Name())
	assert.Equal(t, codes.Error, last.Status().Code)
	assert.Equal(t, string(common.KindNotFound), last.Status().Description)
}

func TestNewIntentService_MissingDeps(t *testing.T) {
	_, err := NewIntentService(IntentDeps{}, testConfig())
	assert.ErrorIs(t, err, common.ErrorInternal)
}
