// Package services contains server-side business logic. This file implements
// IntentService, which owns the payment intent lifecycle: sealing payloads,
// issuing advance tokens, the guarded PENDING to PROCESSING step and handing
// settlement to the queue.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"github.com/dmitrijs2005/paykeeper/internal/server/archive"
	"github.com/dmitrijs2005/paykeeper/internal/server/auth"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/events"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"github.com/dmitrijs2005/paykeeper/internal/server/settlement"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReasonIntegrity is the failure reason stored when an envelope does not
// verify at advance time.
const ReasonIntegrity = settlement.ReasonIntegrity

// CreateIntentInput is what a caller submits to open an intent.
type CreateIntentInput struct {
	Amount          models.Amount
	Currency        string
	Method          string
	MerchantID      string
	MerchantOrderID string
	Description     string
	Payload         *models.PaymentPayload
}

// CreateIntentResult carries the token needed to advance the new intent.
// The token is returned once and never stored.
type CreateIntentResult struct {
	RecordID  string             `json:"recordId"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Intent    *models.IntentView `json:"intent"`
}

// IntentDeps are the collaborators of IntentService. Events, Archive,
// Metrics, Clock, Logger and Tracer fall back to no-op or default
// implementations when nil.
type IntentDeps struct {
	Repo      intents.Repository
	Queue     settlement.Queue
	Deriver   *cryptox.Deriver
	Tokenizer *auth.IntentTokenizer
	Events    events.Publisher
	Archive   archive.Archive
	Metrics   *metrics.Metrics
	Clock     timex.Clock
	Logger    logging.Logger
	Tracer    trace.Tracer
}

// IntentService is the only component that mutates intent records on the
// request path. Every mutation is a conditional save on the status it read.
type IntentService struct {
	repo      intents.Repository
	queue     settlement.Queue
	deriver   *cryptox.Deriver
	tokenizer *auth.IntentTokenizer
	events    events.Publisher
	archive   archive.Archive
	metrics   *metrics.Metrics
	clock     timex.Clock
	logger    logging.Logger
	tracer    trace.Tracer

	ttl         time.Duration
	maxAmount   models.Amount
	settleDelay time.Duration
}

// NewIntentService wires the service from its collaborators and the
// intent and settlement settings in cfg.
func NewIntentService(d IntentDeps, cfg *config.Config) (*IntentService, error) {
	if d.Repo == nil || d.Queue == nil || d.Deriver == nil || d.Tokenizer == nil {
		return nil, fmt.Errorf("%w: intent service is missing a dependency", common.ErrorInternal)
	}
	maxAmount, err := cfg.MaxAmount()
	if err != nil {
		return nil, err
	}

	s := &IntentService{
		repo:        d.Repo,
		queue:       d.Queue,
		deriver:     d.Deriver,
		tokenizer:   d.Tokenizer,
		events:      d.Events,
		archive:     d.Archive,
		metrics:     d.Metrics,
		clock:       d.Clock,
		logger:      d.Logger,
		tracer:      d.Tracer,
		ttl:         cfg.Intents.TTL,
		maxAmount:   maxAmount,
		settleDelay: cfg.Settlement.Delay,
	}
	if s.events == nil {
		s.events = events.Nop()
	}
	if s.archive == nil {
		s.archive = archive.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.clock == nil {
		s.clock = timex.SystemClock()
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("paykeeper/services")
	}
	if s.ttl <= 0 {
		s.ttl = common.DefaultIntentTTL
	}
	return s, nil
}

// CreateIntent validates the request, seals the payload under the
// principal's key and stores a PENDING record.
func (s *IntentService) CreateIntent(ctx context.Context, p models.Principal, in CreateIntentInput) (res *CreateIntentResult, err error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.CreateIntent",
		trace.WithAttributes(attribute.String("principal.id", p.ID)))
	defer func() { endSpan(span, err) }()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, common.NewValidationError("amount", "must be positive")
	}
	if in.Amount > s.maxAmount {
		return nil, common.NewValidationError("amount", "exceeds the allowed maximum")
	}
	currency, err := models.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	method, err := models.ParseMethod(in.Method)
	if err != nil {
		return nil, err
	}
	if err := in.Payload.Validate(method); err != nil {
		return nil, err
	}

	env, err := s.seal(p, in.Payload)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rec := &models.IntentRecord{
		ID:              uuid.NewString(),
		PrincipalID:     p.ID,
		MerchantID:      in.MerchantID,
		MerchantOrderID: in.MerchantOrderID,
		Description:     in.Description,
		Amount:          in.Amount,
		Currency:        currency,
		Method:          method,
		Status:          models.StatusPending,
		Envelope:        env.Ciphertext,
		KeyHash:         env.KeyHash,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
		Origin:          models.RequestInfoFrom(ctx),
	}
	span.SetAttributes(attribute.String("intent.id", rec.ID))

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, storageErr(err)
	}

	token, err := s.tokenizer.Issue(p.ID, rec.ID)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreated(string(method), currency)
	s.logger.Info(ctx, "intent created", "intent_id", rec.ID, "principal_id", p.ID,
		"amount", rec.Amount.String(), "currency", currency)
	s.publish(ctx, events.TypeCreated, rec, now)

	return &CreateIntentResult{
		RecordID:  rec.ID,
		Token:     token,
		ExpiresAt: rec.ExpiresAt,
		Intent:    rec.View(now),
	}, nil
}

func (s *IntentService) seal(p models.Principal, payload *models.PaymentPayload) (*cryptox.Envelope, error) {
	key := s.deriver.Derive(p.ID, p.Email)
	defer cryptox.Wipe(key)

	return cryptox.Seal(payload, key, []byte(p.ID))
}

// AdvanceIntent moves a PENDING intent to PROCESSING and schedules its
// settlement. Of several concurrent calls for the same intent exactly one
// succeeds; the others get common.ErrInvalidState.
func (s *IntentService) AdvanceIntent(ctx context.Context, recordID, token string, caller models.Principal) (view *models.IntentView, err error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.AdvanceIntent", trace.WithAttributes(
		attribute.String("intent.id", recordID),
		attribute.String("principal.id", caller.ID),
	))
	defer func() {
		s.metrics.RecordAdvance(advanceResult(err))
		endSpan(span, err)
	}()

	intentID, err := s.tokenizer.Verify(token, caller.ID)
	if err != nil {
		return nil, err
	}
	if intentID != recordID {
		return nil, common.ErrTokenIntentMismatch
	}

	rec, err := s.load(ctx, recordID, caller)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch {
	case rec.Status != models.StatusPending:
		return nil, fmt.Errorf("%w: intent is %s", common.ErrInvalidState, rec.Status)
	case rec.IsExpired(now):
		return nil, common.ErrExpired
	}

	next := rec.Clone()
	next.Status = models.StatusProcessing
	next.UpdatedAt = now
	next.Origin = models.RequestInfoFrom(ctx)
	if err := s.repo.Save(ctx, next, models.StatusPending); err != nil {
		if errors.Is(err, common.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: intent is already being processed", common.ErrInvalidState)
		}
		return nil, storageErr(err)
	}

	if err := s.verifyEnvelope(next, caller); err != nil {
		s.metrics.RecordIntegrityFailure()
		s.logger.Error(ctx, "envelope failed verification", "intent_id", rec.ID, "principal_id", caller.ID)
		s.fail(ctx, next, ReasonIntegrity)
		return nil, err
	}

	job := models.SettlementJob{
		IntentID:       next.ID,
		PrincipalID:    caller.ID,
		PrincipalEmail: caller.Email,
		DueAt:          now.Add(s.settleDelay),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error(ctx, "settlement could not be scheduled", "intent_id", rec.ID, "error", err)
		s.fail(ctx, next, settlement.ReasonInternal)
		// the record already left PENDING, so a retry cannot succeed
		return nil, fmt.Errorf("%w: settlement could not be scheduled", common.ErrorInternal)
	}

	s.logger.Info(ctx, "intent processing", "intent_id", rec.ID, "principal_id", caller.ID,
		"settle_at", job.DueAt)
	s.publish(ctx, events.TypeProcessing, next, now)

	return next.View(now), nil
}

// verifyEnvelope opens the envelope once so a corrupted one fails the
// advance instead of a background job. The plaintext is dropped at once.
func (s *IntentService) verifyEnvelope(rec *models.IntentRecord, caller models.Principal) error {
	key := s.deriver.Derive(caller.ID, caller.Email)
	defer cryptox.Wipe(key)

	var payload models.PaymentPayload
	env := &cryptox.Envelope{Ciphertext: rec.Envelope, KeyHash: rec.KeyHash}
	if err := cryptox.Open(env, key, []byte(caller.ID), &payload); err != nil {
		if errors.Is(err, common.ErrFormat) {
			return fmt.Errorf("%w: %w", common.ErrIntegrity, err)
		}
		return err
	}
	payload.Wipe()
	return nil
}

// fail moves a PROCESSING record to FAILED with a generic reason.
func (s *IntentService) fail(ctx context.Context, rec *models.IntentRecord, reason string) {
	now := s.clock.Now()
	next := rec.Clone()
	next.Status = models.StatusFailed
	next.FailureReason = reason
	next.ProcessedAt = &now
	next.UpdatedAt = now

	if err := s.repo.Save(ctx, next, models.StatusProcessing); err != nil {
		s.logger.Error(ctx, "intent could not be failed, left processing",
			"intent_id", rec.ID, "error_kind", common.KindOf(err))
		return
	}
	s.metrics.RecordSettlement(string(models.StatusFailed), now.Sub(rec.UpdatedAt))
	s.publish(ctx, events.TypeFailed, next, now)
}

// GetIntentStatus returns the redacted view of one of the caller's intents.
func (s *IntentService) GetIntentStatus(ctx context.Context, recordID string, caller models.Principal) (view *models.IntentView, err error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.GetIntentStatus",
		trace.WithAttributes(attribute.String("intent.id", recordID)))
	defer func() { endSpan(span, err) }()

	rec, err := s.load(ctx, recordID, caller)
	if err != nil {
		return nil, err
	}
	return rec.View(s.clock.Now()), nil
}

// ListIntents returns the caller's payment history, newest first.
func (s *IntentService) ListIntents(ctx context.Context, caller models.Principal, page models.Page) (res *models.IntentPage, err error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.ListIntents",
		trace.WithAttributes(attribute.String("principal.id", caller.ID)))
	defer func() { endSpan(span, err) }()

	if err := caller.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()

	recs, total, err := s.repo.FindByPrincipal(ctx, caller.ID, page)
	if err != nil {
		return nil, storageErr(err)
	}

	now := s.clock.Now()
	items := make([]*models.IntentView, 0, len(recs))
	for _, r := range recs {
		items = append(items, r.View(now))
	}
	return models.NewIntentPage(items, page, total), nil
}

// ReceiptURL returns a short-lived link to the archived receipt of a
// settled intent.
func (s *IntentService) ReceiptURL(ctx context.Context, recordID string, caller models.Principal) (url string, err error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.ReceiptURL",
		trace.WithAttributes(attribute.String("intent.id", recordID)))
	defer func() { endSpan(span, err) }()

	rec, err := s.load(ctx, recordID, caller)
	if err != nil {
		return "", err
	}
	if !rec.Status.IsTerminal() {
		return "", fmt.Errorf("%w: intent is not settled", common.ErrInvalidState)
	}
	return s.archive.URL(ctx, rec.ID)
}

// load fetches a record owned by caller. Records of other principals are
// reported as not found so their existence does not leak.
func (s *IntentService) load(ctx context.Context, id string, caller models.Principal) (*models.IntentRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if rec.PrincipalID != caller.ID {
		return nil, common.ErrorNotFound
	}
	return rec, nil
}

func (s *IntentService) publish(ctx context.Context, t events.Type, rec *models.IntentRecord, at time.Time) {
	if err := s.events.Publish(ctx, events.FromRecord(t, rec, at)); err != nil {
		s.metrics.RecordEventPublishError()
		s.logger.Warn(ctx, "event publish failed", "intent_id", rec.ID, "error", err)
	}
}

func storageErr(err error) error {
	if errors.Is(err, common.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrStorage, err)
}

func advanceResult(err error) string {
	if err == nil {
		return string(models.StatusProcessing)
	}
	return string(common.KindOf(err))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(common.KindOf(err)))
	}
	span.End()
}
