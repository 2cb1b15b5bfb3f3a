package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"github.com/dmitrijs2005/paykeeper/internal/server/archive"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/events"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
)

// Generic failure reasons stored on the record. They never say which check
// failed or carry error text.
const (
	ReasonIntegrity = "Payment data failed verification"
	ReasonInternal  = "Payment could not be processed"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = time.Second
)

// Deps are the collaborators shared by Worker and Janitor.
type Deps struct {
	Repo    intents.Repository
	Queue   Queue
	Deriver *cryptox.Deriver
	Decider Decider
	Events  events.Publisher
	Archive archive.Archive
	Metrics *metrics.Metrics
	Clock   timex.Clock
	Logger  logging.Logger
}

func (d *Deps) setDefaults() {
	if d.Events == nil {
		d.Events = events.Nop()
	}
	if d.Archive == nil {
		d.Archive = archive.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Clock == nil {
		d.Clock = timex.SystemClock()
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
}

// Worker claims due jobs and moves their intents from PROCESSING to a
// terminal status. Several workers may share a queue and a repository.
type Worker struct {
	deps         Deps
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryBackoff time.Duration
}

func NewWorker(deps Deps, cfg config.SettlementConfig) *Worker {
	deps.setDefaults()

	w := &Worker{
		deps:         deps,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 250 * time.Millisecond
	}
	if w.batchSize <= 0 {
		w.batchSize = 16
	}
	return w
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.deps.Logger.Warn(ctx, "settlement poll failed", "error", err)
			}
		}
	}
}

// Poll claims one batch of due jobs and processes it. It returns how many
// jobs were claimed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	jobs, err := w.deps.Queue.Claim(ctx, w.deps.Clock.Now(), w.batchSize)
	for _, job := range jobs {
		if perr := w.Process(ctx, job); perr != nil {
			w.deps.Logger.Warn(ctx, "settlement job not completed",
				"intent_id", job.IntentID, "attempt", job.Attempt, "error", perr)
		}
	}
	return len(jobs), err
}

// Process resolves one job. Every path either lands a terminal status,
// reschedules the job, or logs the intent as an anomaly.
func (w *Worker) Process(ctx context.Context, job models.SettlementJob) (err error) {
	log := w.deps.Logger.With("intent_id", job.IntentID, "principal_id", job.PrincipalID)

	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "settlement panicked")
			err = w.failAfterError(ctx, job, ReasonInternal)
			if err == nil {
				err = fmt.Errorf("%w: settlement panicked", common.ErrorInternal)
			}
		}
	}()

	rec, err := w.deps.Repo.Get(ctx, job.IntentID)
	if errors.Is(err, common.ErrorNotFound) {
		log.Warn(ctx, "settlement job for unknown intent dropped")
		return w.deps.Queue.Ack(ctx, job.IntentID)
	}
	if err != nil {
		return w.retry(ctx, job, err)
	}
	if rec.Status != models.StatusProcessing {
		log.Debug(ctx, "intent already settled", "status", rec.Status)
		return w.deps.Queue.Ack(ctx, job.IntentID)
	}

	decision, err := w.decide(ctx, rec, job)
	switch {
	case errors.Is(err, common.ErrIntegrity), errors.Is(err, common.ErrFormat):
		w.deps.Metrics.RecordIntegrityFailure()
		log.Error(ctx, "envelope failed verification during settlement")
		decision = models.Decision{DeclineReason: ReasonIntegrity}
	case err != nil:
		log.Error(ctx, "settlement decision failed", "error_kind", common.KindOf(err))
		decision = models.Decision{DeclineReason: ReasonInternal}
	}

	return w.resolve(ctx, rec, job, decision)
}

// decide opens the envelope and asks the decider. The key and plaintext do
// not outlive this call.
func (w *Worker) decide(ctx context.Context, rec *models.IntentRecord, job models.SettlementJob) (models.Decision, error) {
	key := w.deps.Deriver.Derive(rec.PrincipalID, job.PrincipalEmail)
	defer cryptox.Wipe(key)

	var payload models.PaymentPayload
	env := &cryptox.Envelope{Ciphertext: rec.Envelope, KeyHash: rec.KeyHash}
	if err := cryptox.Open(env, key, []byte(rec.PrincipalID), &payload); err != nil {
		return models.Decision{}, err
	}
	defer payload.Wipe()

	return w.deps.Decider.Decide(ctx, &payload, rec)
}

func (w *Worker) resolve(ctx context.Context, rec *models.IntentRecord, job models.SettlementJob, d models.Decision) error {
	now := w.deps.Clock.Now()

	next := rec.Clone()
	if d.Accepted {
		next.Status = models.StatusCompleted
		next.ExternalReference = d.ExternalReference
	} else {
		next.Status = models.StatusFailed
		next.FailureReason = d.DeclineReason
		if next.FailureReason == "" {
			next.FailureReason = ReasonInternal
		}
	}
	if len(d.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(d.Metadata))
		}
		for k, v := range d.Metadata {
			next.Metadata[k] = v
		}
	}
	next.ProcessedAt = &now
	next.UpdatedAt = now

	err := w.deps.Repo.Save(ctx, next, models.StatusProcessing)
	if errors.Is(err, common.ErrStatusConflict) {
		w.deps.Logger.Info(ctx, "intent settled elsewhere", "intent_id", rec.ID)
		return w.deps.Queue.Ack(ctx, job.IntentID)
	}
	if err != nil {
		return w.retry(ctx, job, err)
	}

	if err := w.deps.Queue.Ack(ctx, job.IntentID); err != nil {
		w.deps.Logger.Warn(ctx, "settlement ack failed", "intent_id", rec.ID, "error", err)
	}

	w.deps.Metrics.RecordSettlement(string(next.Status), now.Sub(rec.UpdatedAt))
	w.deps.Logger.Info(ctx, "intent settled",
		"intent_id", rec.ID, "status", next.Status, "reference", next.ExternalReference)

	w.announce(ctx, next, now)
	return nil
}

// announce publishes the lifecycle event and archives the receipt. Neither
// can undo the transition, so failures are only logged.
func (w *Worker) announce(ctx context.Context, rec *models.IntentRecord, at time.Time) {
	ev := events.FromRecord(events.TypeForStatus(rec.Status), rec, at)
	if err := w.deps.Events.Publish(ctx, ev); err != nil {
		w.deps.Metrics.RecordEventPublishError()
		w.deps.Logger.Warn(ctx, "event publish failed", "intent_id", rec.ID, "error", err)
	}
	if err := w.deps.Archive.Store(ctx, archive.ReceiptFromRecord(rec)); err != nil {
		w.deps.Logger.Warn(ctx, "receipt archive failed", "intent_id", rec.ID, "error", err)
	}
}

// retry reschedules a job after a transient failure. Once attempts run out
// the intent is left PROCESSING and reported; the janitor keeps reporting
// it as stuck.
func (w *Worker) retry(ctx context.Context, job models.SettlementJob, cause error) error {
	next := job
	next.Attempt++
	if next.Attempt >= w.maxAttempts {
		w.deps.Logger.Error(ctx, "settlement abandoned, intent left processing",
			"intent_id", job.IntentID, "attempts", next.Attempt, "error_kind", common.KindOf(cause))
		if err := w.deps.Queue.Ack(ctx, job.IntentID); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	next.DueAt = w.deps.Clock.Now().Add(time.Duration(next.Attempt) * w.retryBackoff)
	if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
		w.deps.Logger.Error(ctx, "settlement retry could not be scheduled",
			"intent_id", job.IntentID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// failAfterError forces the intent to FAILED after an unexpected error
// inside Process.
func (w *Worker) failAfterError(ctx context.Context, job models.SettlementJob, reason string) error {
	rec, err := w.deps.Repo.Get(ctx, job.IntentID)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusProcessing {
		return w.deps.Queue.Ack(ctx, job.IntentID)
	}
	return w.resolve(ctx, rec, job, models.Decision{DeclineReason: reason})
}
