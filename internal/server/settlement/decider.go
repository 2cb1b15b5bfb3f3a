// Package settlement resolves PROCESSING intents out of band: a queue of
// delayed jobs, workers that decide each one, and a janitor that sweeps
// expired and stuck records.
package settlement

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"github.com/google/uuid"
)

// Decline reasons. They are shown to callers, so they stay generic.
const (
	ReasonDeclined          = "Card declined"
	ReasonInvalidInstrument = "Invalid payment instrument"
	ReasonInvalidCVV        = "Invalid verification code"
)

const (
	minCardIdentifier    = 12
	minAccountIdentifier = 6
	minCVV               = 3
)

// Decider turns a decrypted payload into an outcome. A real deployment would
// call an issuer; the payload must not outlive the call.
type Decider interface {
	Decide(ctx context.Context, payload *models.PaymentPayload, rec *models.IntentRecord) (models.Decision, error)
}

// SimulatedDecider checks the payload shape and then accepts with a fixed
// probability.
type SimulatedDecider struct {
	rate  float64
	clock timex.Clock

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedDecider builds a decider. rnd may be nil, in which case a
// randomly seeded source is used.
func NewSimulatedDecider(rate float64, clock timex.Clock, rnd *rand.Rand) (*SimulatedDecider, error) {
	if rate < 0 || rate > 1 {
		return nil, common.NewValidationError("acceptance_rate", "must be within [0, 1]")
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if clock == nil {
		clock = timex.SystemClock()
	}
	return &SimulatedDecider{rate: rate, clock: clock, rnd: rnd}, nil
}

func (d *SimulatedDecider) Decide(ctx context.Context, payload *models.PaymentPayload, rec *models.IntentRecord) (models.Decision, error) {
	if payload == nil || rec == nil {
		return models.Decision{}, common.ErrFormat
	}

	id := payload.Identifier()
	if rec.Method.IsCard() {
		if len(id) < minCardIdentifier {
			return decline(ReasonInvalidInstrument), nil
		}
		if len(payload.CVV) < minCVV {
			return decline(ReasonInvalidCVV), nil
		}
	} else if len(id) < minAccountIdentifier {
		return decline(ReasonInvalidInstrument), nil
	}

	if !d.draw() {
		return decline(ReasonDeclined), nil
	}

	return models.Decision{
		Accepted:          true,
		ExternalReference: "EXT_" + uuid.NewString(),
		Metadata: map[string]string{
			"authorizationCode": fmt.Sprintf("AUTH_%d", d.clock.Now().UnixMilli()),
			"processorResponse": "SUCCESS",
		},
	}, nil
}

func (d *SimulatedDecider) draw() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Float64() < d.rate
}

func decline(reason string) models.Decision {
	return models.Decision{
		DeclineReason: reason,
		Metadata:      map[string]string{"processorResponse": "DECLINED"},
	}
}
