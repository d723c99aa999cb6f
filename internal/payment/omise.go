package payment

import (
	"context"
	"fmt"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseGateway implements Gateway against Omise. An authorization is an
// uncaptured charge; capture and cancel map to charge capture and reversal.
type OmiseGateway struct {
	client *omise.Client
}

func NewOmiseGateway(publicKey, secretKey string) (*OmiseGateway, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	return &OmiseGateway{client: c}, nil
}

func (g *OmiseGateway) Authorize(ctx context.Context, amount int64, currency, method, idempotencyKey string) (string, error) {
	charge := &omise.Charge{}
	req := &operations.CreateCharge{
		Amount:      amount,
		Currency:    currency,
		Card:        method,
		DontCapture: true,
		Metadata:    map[string]interface{}{"idempotency_key": idempotencyKey},
	}
	if err := g.client.Do(charge, req); err != nil {
		return "", classifyOmise(err)
	}
	if !charge.Authorized || string(charge.Status) == "failed" {
		return "", Declined(fmt.Errorf("charge %s not authorized: %s", charge.ID, failureMessage(charge)))
	}
	return charge.ID, nil
}

func (g *OmiseGateway) Capture(ctx context.Context, externalRef, idempotencyKey string) error {
	charge := &omise.Charge{}
	if err := g.client.Do(charge, &operations.CaptureCharge{ChargeID: externalRef}); err != nil {
		return g.classifyByState(externalRef, err, stateWantCaptured)
	}
	if !charge.Paid {
		return Declined(fmt.Errorf("charge %s not captured: %s", charge.ID, failureMessage(charge)))
	}
	return nil
}

func (g *OmiseGateway) Cancel(ctx context.Context, externalRef, idempotencyKey string) error {
	charge := &omise.Charge{}
	if err := g.client.Do(charge, &operations.ReverseCharge{ChargeID: externalRef}); err != nil {
		return g.classifyByState(externalRef, err, stateWantReversed)
	}
	return nil
}

type wantState int

const (
	stateWantCaptured wantState = iota
	stateWantReversed
)

// classifyByState re-reads the charge after a capture/reverse error: if the
// desired end state already holds the error collapses to AlreadyFinalized.
func (g *OmiseGateway) classifyByState(chargeID string, opErr error, want wantState) error {
	if _, ok := opErr.(*omise.Error); !ok {
		return Transient(opErr)
	}

	charge := &omise.Charge{}
	if err := g.client.Do(charge, &operations.RetrieveCharge{ChargeID: chargeID}); err != nil {
		return Transient(fmt.Errorf("retrieve after %v: %w", opErr, err))
	}
	switch want {
	case stateWantCaptured:
		if charge.Paid {
			return AlreadyFinalized(opErr)
		}
	case stateWantReversed:
		if charge.Reversed {
			return AlreadyFinalized(opErr)
		}
	}
	return Declined(opErr)
}

func classifyOmise(err error) error {
	if _, ok := err.(*omise.Error); ok {
		return Declined(err)
	}
	return Transient(err)
}

func failureMessage(charge *omise.Charge) string {
	if charge.FailureMessage != nil {
		return *charge.FailureMessage
	}
	if charge.FailureCode != nil {
		return *charge.FailureCode
	}
	return string(charge.Status)
}
