package payout_test

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stripe/stripe-go/v76"

	"github.com/frahmantamala/payment-connector/internal/payout"
)

const balanceTransactionsBody = `{
  "object": "list",
  "url": "/v1/balance_transactions",
  "has_more": false,
  "data": [
    {
      "id": "txn_1",
      "object": "balance_transaction",
      "type": "payment",
      "amount": 2000,
      "source": {
        "id": "py_1",
        "object": "charge",
        "source_transfer": {
          "id": "tr_1",
          "object": "transfer",
          "metadata": {"transaction_external_id": "charge-1"}
        }
      }
    },
    {
      "id": "txn_2",
      "object": "balance_transaction",
      "type": "payout",
      "amount": -2000,
      "source": {
        "id": "po_1",
        "object": "payout",
        "amount": 2000,
        "status": "paid",
        "type": "bank_account",
        "created": 1772445600,
        "arrival_date": 1772618400
      }
    }
  ]
}`

var _ = Describe("StripeBalanceTransactions", func() {
	var (
		server  *httptest.Server
		request *http.Request
	)

	BeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			request = r.Clone(context.Background())
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(balanceTransactionsBody))
		}))
		DeferCleanup(server.Close)
	})

	It("should list the payout's balance transactions on the connected account", func() {
		// Given
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(server.URL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		source := payout.NewStripeBalanceTransactions(backend)

		// When
		transactions, err := source.BalanceTransactionsForPayout(context.Background(), "sk_test", "po_1", "acct_test")

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(request.URL.Path).To(Equal("/v1/balance_transactions"))
		Expect(request.URL.Query().Get("payout")).To(Equal("po_1"))
		Expect(request.URL.RawQuery).To(ContainSubstring("data.source.source_transfer"))
		Expect(request.Header.Get("Stripe-Account")).To(Equal("acct_test"))
		Expect(request.Header.Get("Authorization")).To(Equal("Bearer sk_test"))

		Expect(transactions).To(HaveLen(2))
		Expect(transactions[0].Source.Charge.SourceTransfer.Metadata).To(HaveKeyWithValue("transaction_external_id", "charge-1"))
		Expect(transactions[1].Source.Payout.Status).To(Equal(stripe.PayoutStatusPaid))
	})

	It("should fail when Stripe rejects the request", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`))
		}))
		DeferCleanup(failing.Close)
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(failing.URL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})

		_, err := payout.NewStripeBalanceTransactions(backend).BalanceTransactionsForPayout(context.Background(), "sk_bad", "po_1", "acct_test")

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("PayoutInfoFrom", func() {
	It("should copy the payout fields events carry", func() {
		info := payout.PayoutInfoFrom(&stripe.Payout{
			ID:                  "po_1",
			Amount:              2000,
			Status:              stripe.PayoutStatusFailed,
			Type:                stripe.PayoutTypeBank,
			StatementDescriptor: "GOV.UK",
			FailureCode:         stripe.PayoutFailureCodeAccountClosed,
			FailureMessage:      "closed",
			Created:             payoutCreated.Unix(),
			ArrivalDate:         payoutCreated.Unix(),
		})

		Expect(info.ID).To(Equal("po_1"))
		Expect(info.Status).To(Equal("failed"))
		Expect(info.Type).To(Equal("bank_account"))
		Expect(info.FailureCode).To(Equal("account_closed"))
		Expect(info.Created).To(Equal(payoutCreated))
	})
})
