package gateway

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestGateway(delay time.Duration) *Simulated {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewSimulated(Config{FailureHandle: "254700000000", InitiationDelay: delay}, logrus.NewEntry(l))
}

func request(payee string) domain.InitiationRequest {
	return domain.InitiationRequest{
		PayeeHandle: payee,
		Amount:      decimal.NewFromInt(500),
		Description: "monthly contribution",
		Reference:   "tx-1",
	}
}

func TestInitiate_ReturnsRequestToken(t *testing.T) {
	g := newTestGateway(0)
	token, err := g.Initiate(context.Background(), request("254712345678"))
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if !regexp.MustCompile(`^REQ_\d+_\d{1,3}$`).MatchString(token) {
		t.Errorf("token = %q, want REQ_<millis>_<n>", token)
	}
}

func TestInitiate_HonoursContext(t *testing.T) {
	g := newTestGateway(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.Initiate(ctx, request("254712345678"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Initiate() error = %v, want deadline exceeded", err)
	}
}

func TestQueryOutcome(t *testing.T) {
	g := newTestGateway(0)
	tests := []struct {
		payee string
		want  domain.OutcomeState
	}{
		{"254712345678", domain.OutcomePending},
		{"254700000000", domain.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.payee, func(t *testing.T) {
			out, err := g.QueryOutcome(context.Background(), "REQ_1_1", request(tt.payee))
			if err != nil {
				t.Fatalf("QueryOutcome() error: %v", err)
			}
			if out.State != tt.want {
				t.Errorf("state = %v, want %v", out.State, tt.want)
			}
			if tt.want == domain.OutcomeFailed && out.Note != FailureNote {
				t.Errorf("note = %q, want %q", out.Note, FailureNote)
			}
		})
	}
}

func TestNewReceipt_Format(t *testing.T) {
	g := newTestGateway(0)
	g.now = func() time.Time { return time.UnixMilli(1700000000123) }
	r := g.NewReceipt()
	if !regexp.MustCompile(`^MPE1700000000123A\d{1,3}$`).MatchString(r) {
		t.Errorf("receipt = %q", r)
	}
}
