// Package gateway provides the mobile-money payment gateway client. The only
// implementation is a simulation of an STK push: initiation sleeps for a
// configured delay and returns a request token, and one designated payee
// handle always fails.
package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/groupfinance/txengine/internal/infra/observability"
	"github.com/sirupsen/logrus"
)

// FailureNote is recorded on payments rejected by the simulation.
const FailureNote = "SIMULATED_FAILURE: Insufficient funds"

// Config tunes the simulation.
type Config struct {
	FailureHandle   string        // payee handle whose payments always fail
	InitiationDelay time.Duration // simulated provider round-trip
}

// DefaultConfig returns the reference simulation settings.
func DefaultConfig() Config {
	return Config{
		FailureHandle:   "254700000000",
		InitiationDelay: time.Second,
	}
}

// Simulated is an in-process stand-in for the provider API.
type Simulated struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time
}

var _ domain.PaymentGateway = (*Simulated)(nil)

// NewSimulated creates a simulated gateway.
func NewSimulated(cfg Config, log *logrus.Entry) *Simulated {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Simulated{cfg: cfg, log: log, now: time.Now}
}

// Initiate waits out the simulated round-trip and returns a request token.
// It fails only when ctx ends first.
func (g *Simulated) Initiate(ctx context.Context, req domain.InitiationRequest) (string, error) {
	start := time.Now()

	if g.cfg.InitiationDelay > 0 {
		t := time.NewTimer(g.cfg.InitiationDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			observability.GatewayInitiation.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return "", fmt.Errorf("stk push: %w", ctx.Err())
		case <-t.C:
		}
	}

	token := fmt.Sprintf("REQ_%d_%d", g.now().UnixMilli(), rand.IntN(1000))
	observability.GatewayInitiation.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	g.log.WithFields(logrus.Fields{
		"payee":         req.PayeeHandle,
		"amount":        req.Amount.String(),
		"reference":     req.Reference,
		"request_token": token,
	}).Info("stk push sent, waiting for confirmation on phone")
	return token, nil
}

// QueryOutcome reports an immediate failure for the configured failure
// handle and pending for everything else.
func (g *Simulated) QueryOutcome(_ context.Context, _ string, req domain.InitiationRequest) (domain.Outcome, error) {
	if g.cfg.FailureHandle != "" && req.PayeeHandle == g.cfg.FailureHandle {
		return domain.Outcome{State: domain.OutcomeFailed, Note: FailureNote}, nil
	}
	return domain.Outcome{State: domain.OutcomePending}, nil
}

// NewReceipt returns a provider-style receipt number.
func (g *Simulated) NewReceipt() string {
	return fmt.Sprintf("MPE%dA%d", g.now().UnixMilli(), rand.IntN(1000))
}
