package gateways

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SandboxGateway is an in-process gateway for local runs. Every initiated
// payment is considered paid unless it was declined through Decline.
type SandboxGateway struct {
	baseURL string

	mu       sync.Mutex
	amounts  map[string]decimal.Decimal
	declined map[string]bool
}

func NewSandboxGateway(baseURL string) *SandboxGateway {
	return &SandboxGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		amounts:  make(map[string]decimal.Decimal),
		declined: make(map[string]bool),
	}
}

func (g *SandboxGateway) Name() string { return "sandbox" }

func (g *SandboxGateway) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentInitiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("sandbox: amount must be positive, got %s", req.Amount)
	}
	authority := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.mu.Lock()
	g.amounts[authority] = req.Amount
	g.mu.Unlock()
	return &PaymentInitiation{
		PaymentURL: g.baseURL + "/sandbox/pay/" + authority,
		Authority:  authority,
	}, nil
}

func (g *SandboxGateway) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*PaymentVerification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	expected, ok := g.amounts[authority]
	switch {
	case !ok:
		return &PaymentVerification{Status: "unknown_authority"}, nil
	case g.declined[authority]:
		return &PaymentVerification{Status: "declined"}, nil
	case !expected.Equal(amount):
		return &PaymentVerification{Status: "amount_mismatch"}, nil
	}
	return &PaymentVerification{
		Paid:     true,
		RefID:    fmt.Sprintf("%d", 100000000+rand.IntN(900000000)),
		CardMask: "**** 4242",
		Status:   "paid",
	}, nil
}

// Decline makes the next verification of authority fail.
func (g *SandboxGateway) Decline(authority string) {
	g.mu.Lock()
	g.declined[authority] = true
	g.mu.Unlock()
}
