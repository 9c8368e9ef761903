package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/balancetransaction"

	"github.com/frahmantamala/payment-connector/internal/core/events"
)

type BalanceTransactionSource interface {
	BalanceTransactionsForPayout(ctx context.Context, apiKey, payoutID, connectAccountID string) ([]*stripe.BalanceTransaction, error)
}

// StripeBalanceTransactions lists balance transactions through stripe-go. The
// API key is chosen per call because test and live accounts share a worker.
type StripeBalanceTransactions struct {
	backend stripe.Backend
}

// NewStripeBackend returns the stripe-go API backend, pointed at baseURL when
// one is configured.
func NewStripeBackend(baseURL string) stripe.Backend {
	if baseURL == "" {
		return stripe.GetBackend(stripe.APIBackend)
	}
	return stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(baseURL),
	})
}

func NewStripeBalanceTransactions(backend stripe.Backend) *StripeBalanceTransactions {
	return &StripeBalanceTransactions{backend: backend}
}

func (s *StripeBalanceTransactions) BalanceTransactionsForPayout(ctx context.Context, apiKey, payoutID, connectAccountID string) ([]*stripe.BalanceTransaction, error) {
	params := &stripe.BalanceTransactionListParams{
		Payout: stripe.String(payoutID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.SetStripeAccount(connectAccountID)
	params.AddExpand("data.source")
	params.AddExpand("data.source.source_transfer")

	client := balancetransaction.Client{B: s.backend, Key: apiKey}
	iter := client.List(params)

	var transactions []*stripe.BalanceTransaction
	for iter.Next() {
		transactions = append(transactions, iter.BalanceTransaction())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list balance transactions for payout %s: %w", payoutID, err)
	}
	return transactions, nil
}

// PayoutInfoFrom copies the fields events carry from a Stripe payout.
func PayoutInfoFrom(p *stripe.Payout) events.PayoutInfo {
	return events.PayoutInfo{
		ID:                  p.ID,
		Amount:              p.Amount,
		ArrivalDate:         time.Unix(p.ArrivalDate, 0).UTC(),
		Created:             time.Unix(p.Created, 0).UTC(),
		Status:              string(p.Status),
		Type:                string(p.Type),
		StatementDescriptor: p.StatementDescriptor,
		FailureCode:         string(p.FailureCode),
		FailureMessage:      p.FailureMessage,
	}
}
