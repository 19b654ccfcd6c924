// Package orchestrator drives operations that charge a card through the
// payment gateway and then still have work to do.  Once the gateway has
// returned a reference the charge is real; if a later step fails the
// orchestrator issues one reversal for that reference before handing the
// original error back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/gateway"
	"github.com/iliyamo/paylink/internal/metrics"
)

const compensationTimeout = 30 * time.Second

// Gateway is the part of the payment gateway the orchestrator drives.
type Gateway interface {
	Pay(ctx context.Context, p gateway.PayRequest) (*gateway.Payment, error)
	Reverse(ctx context.Context, refNum string) error
}

// Intent lives for one orchestrated call chain and is never persisted.
type Intent struct {
	ExternalRef          string
	Amount               int64
	SourceToken          string
	DestinationToken     string
	CompensationRequired bool
}

// NewIntent returns an intent with a fresh external reference.
func NewIntent(amount int64, source, destination string) Intent {
	return Intent{
		ExternalRef:      uuid.NewString(),
		Amount:           amount,
		SourceToken:      source,
		DestinationToken: destination,
	}
}

// Step runs after the charge; payment is the gateway's receipt.
type Step struct {
	Name string
	Run  func(ctx context.Context, payment *gateway.Payment) error
}

// CompensatedError is returned when a step failed after the charge.  It
// unwraps to the step's error; the reversal outcome is diagnostic only.
type CompensatedError struct {
	Err             error
	Step            string
	Ref             string
	CompensationErr error
}

func (e *CompensatedError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("%s failed after charge %s (reversal failed: %v): %v", e.Step, e.Ref, e.CompensationErr, e.Err)
	}
	return fmt.Sprintf("%s failed after charge %s (reversed): %v", e.Step, e.Ref, e.Err)
}

func (e *CompensatedError) Unwrap() error { return e.Err }

// Reversed reports whether the compensating reversal went through.
func (e *CompensatedError) Reversed() bool { return e.CompensationErr == nil }

// Orchestrator runs charge-then-steps sequences.
type Orchestrator struct {
	gw      Gateway
	metrics *metrics.Metrics
}

// New returns an Orchestrator.
func New(gw Gateway, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{gw: gw, metrics: m}
}

// Run charges the intent's source and then runs steps in order.  A failure
// of the charge itself is returned as is.  A failure of any step triggers
// exactly one reversal and yields a *CompensatedError.
//
// The chain is detached from ctx cancellation: a client that goes away
// does not abort a charge half way.
func (o *Orchestrator) Run(ctx context.Context, in *Intent, steps ...Step) (*gateway.Payment, error) {
	ctx = context.WithoutCancel(ctx)
	logger := log.With().Str("component", "orchestrator").Str("ext_ref", in.ExternalRef).Logger()

	payment, err := o.gw.Pay(ctx, gateway.PayRequest{
		ExtID:       in.ExternalRef,
		CardToken:   in.SourceToken,
		Amount:      in.Amount,
		Destination: in.DestinationToken,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("charge failed")
		return nil, err
	}
	if payment.RefNum == "" {
		// nothing to reverse by; treat as a gateway fault
		return nil, fmt.Errorf("%w: charge returned no reference", gateway.ErrProtocol)
	}
	in.CompensationRequired = true
	logger = logger.With().Str("ref", payment.RefNum).Logger()

	for _, step := range steps {
		if err := step.Run(ctx, payment); err != nil {
			logger.Warn().Err(err).Str("step", step.Name).Msg("step failed after charge, reversing")
			return payment, o.compensate(ctx, payment.RefNum, step.Name, err)
		}
	}
	in.CompensationRequired = false
	return payment, nil
}

func (o *Orchestrator) compensate(ctx context.Context, ref, step string, cause error) error {
	cctx, cancel := context.WithTimeout(ctx, compensationTimeout)
	defer cancel()

	cerr := o.gw.Reverse(cctx, ref)
	if cerr != nil {
		o.metrics.RecordCompensation("failed")
		log.Error().Err(cerr).Str("component", "orchestrator").Str("ref", ref).Str("step", step).
			AnErr("cause", cause).Msg("CRITICAL: reversal failed, manual reconciliation required")
	} else {
		o.metrics.RecordCompensation("ok")
		log.Info().Str("component", "orchestrator").Str("ref", ref).Str("step", step).Msg("charge reversed")
	}
	return &CompensatedError{Err: cause, Step: step, Ref: ref, CompensationErr: cerr}
}

// AsCompensated extracts a *CompensatedError from err's chain.
func AsCompensated(err error) (*CompensatedError, bool) {
	var ce *CompensatedError
	ok := errors.As(err, &ce)
	return ce, ok
}
