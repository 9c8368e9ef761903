package payout_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stripe/stripe-go/v76"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	stripegw "github.com/frahmantamala/payment-connector/internal/gateway/stripe"
	"github.com/frahmantamala/payment-connector/internal/payout"
	"github.com/frahmantamala/payment-connector/internal/queue"
)

var payoutCreated = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func payoutMessage(id, payoutID, connectAccountID string, receiveCount int) queue.Message {
	body, err := json.Marshal(payout.ReconcileMessage{
		GatewayPayoutID:  payoutID,
		ConnectAccountID: connectAccountID,
		CreatedDate:      payoutCreated,
	})
	Expect(err).NotTo(HaveOccurred())
	return queue.Message{ID: id, ReceiptHandle: "rh-" + id, Body: string(body), ReceiveCount: receiveCount}
}

func paymentTransaction(id, paymentExternalID string) *stripe.BalanceTransaction {
	return &stripe.BalanceTransaction{
		ID:   id,
		Type: stripe.BalanceTransactionTypePayment,
		Source: &stripe.BalanceTransactionSource{
			Charge: &stripe.Charge{
				ID: "py_" + id,
				SourceTransfer: &stripe.Transfer{
					ID:       "tr_" + id,
					Metadata: map[string]string{stripegw.MetadataTransactionExternalID: paymentExternalID},
				},
			},
		},
	}
}

func transferTransaction(id, transactionExternalID, reason string) *stripe.BalanceTransaction {
	metadata := map[string]string{stripegw.MetadataTransactionExternalID: transactionExternalID}
	if reason != "" {
		metadata[stripegw.MetadataReason] = reason
	}
	return &stripe.BalanceTransaction{
		ID:   id,
		Type: stripe.BalanceTransactionTypeTransfer,
		Source: &stripe.BalanceTransactionSource{
			Transfer: &stripe.Transfer{ID: "tr_" + id, Metadata: metadata},
		},
	}
}

func payoutTransaction(id, payoutID string, status stripe.PayoutStatus) *stripe.BalanceTransaction {
	return &stripe.BalanceTransaction{
		ID:   id,
		Type: stripe.BalanceTransactionTypePayout,
		Source: &stripe.BalanceTransactionSource{
			Payout: &stripe.Payout{
				ID:          payoutID,
				Amount:      4000,
				Status:      status,
				Type:        stripe.PayoutTypeBank,
				Created:     payoutCreated.Unix(),
				ArrivalDate: payoutCreated.Add(48 * time.Hour).Unix(),
			},
		},
	}
}

var _ = Describe("ReconcileProcess", func() {
	var (
		q            *mockQueue
		transactions *mockTransactions
		accounts     *mockAccounts
		emitter      *recordingEmitter
		deadLetter   *mockDeadLetter
		cfg          payout.Config
		ctx          context.Context
	)

	newProcess := func() *payout.ReconcileProcess {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		return payout.NewReconcileProcess(payout.NewReconcileQueue(q, log), transactions, accounts, emitter, deadLetter, cfg, log)
	}

	BeforeEach(func() {
		q = &mockQueue{}
		transactions = &mockTransactions{
			byPayout: map[string][]*stripe.BalanceTransaction{},
			err:      map[string]error{},
		}
		accounts = &mockAccounts{accounts: map[string]*gatewayaccount.GatewayAccount{
			"acct_test": {ID: 1, ExternalID: "account-test", Type: gatewayaccount.TypeTest},
			"acct_live": {ID: 2, ExternalID: "account-live", Type: gatewayaccount.TypeLive},
		}}
		emitter = &recordingEmitter{}
		deadLetter = &mockDeadLetter{max: 5}
		cfg = payout.Config{
			Stripe: internal.StripeConfig{
				TestAuthToken: "sk_test",
				LiveAuthToken: "sk_live",
			},
			EmitEvents: true,
		}
		ctx = context.Background()
	})

	It("should emit events for payments and the payout and acknowledge the message", func() {
		// Given
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			paymentTransaction("txn_1", "charge-1"),
			transferTransaction("txn_2", "charge-2", stripegw.ReasonTransferFeeForFailedPayment),
			payoutTransaction("txn_3", "po_1", stripe.PayoutStatusInTransit),
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		// When
		err := newProcess().ProcessPayouts(ctx)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(emitter.kinds()).To(Equal([]events.Kind{
			events.KindPaymentIncludedInPayout,
			events.KindPaymentIncludedInPayout,
			events.KindPayoutCreated,
		}))
		Expect(emitter.events[0].ResourceExternalID).To(Equal("charge-1"))
		Expect(emitter.events[0].Timestamp).To(BeTemporally("==", payoutCreated))
		Expect(emitter.events[0].Details).To(Equal(events.PayoutInclusionDetails{GatewayPayoutID: "po_1"}))
		Expect(emitter.events[1].ResourceExternalID).To(Equal("charge-2"))
		Expect(emitter.events[2].ResourceExternalID).To(Equal("po_1"))
		Expect(q.deleted).To(Equal([]string{"m-1"}))
		Expect(transactions.keys).To(Equal([]string{"sk_test"}))
	})

	It("should emit a terminal event for a paid payout", func() {
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			paymentTransaction("txn_1", "charge-1"),
			payoutTransaction("txn_2", "po_1", stripe.PayoutStatusPaid),
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(emitter.kinds()).To(Equal([]events.Kind{
			events.KindPaymentIncludedInPayout,
			events.KindPayoutCreated,
			events.KindPayoutPaid,
		}))
	})

	It("should treat other transfers as refunds", func() {
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			transferTransaction("txn_1", "refund-1", stripegw.ReasonTransferRefundAmount),
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].Kind).To(Equal(events.KindRefundIncludedInPayout))
		Expect(emitter.events[0].ResourceType).To(Equal(events.ResourceTypeRefund))
		Expect(emitter.events[0].ResourceExternalID).To(Equal("refund-1"))
		Expect(q.deleted).To(Equal([]string{"m-1"}))
	})

	It("should leave a payout with nothing to reconcile for investigation", func() {
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			payoutTransaction("txn_1", "po_1", stripe.PayoutStatusInTransit),
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(q.deleted).To(BeEmpty())
		Expect(deadLetter.deadLettered).To(BeEmpty())
	})

	It("should dead-letter the payout once redelivery is exhausted", func() {
		q.messages = []queue.Message{payoutMessage("m-1", "po_empty", "acct_test", 5)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(q.deleted).To(BeEmpty())
		Expect(deadLetter.deadLettered).To(Equal([]string{"m-1"}))
	})

	It("should not acknowledge a payout with a transaction missing metadata", func() {
		broken := paymentTransaction("txn_2", "")
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			paymentTransaction("txn_1", "charge-1"),
			broken,
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].ResourceExternalID).To(Equal("charge-1"))
		Expect(q.deleted).To(BeEmpty())
	})

	It("should isolate a payout whose transactions cannot be fetched", func() {
		transactions.err["po_1"] = errBoom
		transactions.byPayout["po_2"] = []*stripe.BalanceTransaction{paymentTransaction("txn_1", "charge-1")}
		q.messages = []queue.Message{
			payoutMessage("m-1", "po_1", "acct_test", 1),
			payoutMessage("m-2", "po_2", "acct_test", 1),
		}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(q.deleted).To(Equal([]string{"m-2"}))
	})

	It("should not acknowledge a payout for an unknown account", func() {
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_unknown", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(transactions.keys).To(BeEmpty())
		Expect(q.deleted).To(BeEmpty())
	})

	It("should use the live key for live accounts", func() {
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{paymentTransaction("txn_1", "charge-1")}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_live", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(transactions.keys).To(Equal([]string{"sk_live"}))
	})

	It("should not acknowledge when events cannot be emitted", func() {
		emitter.err = errBoom
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{paymentTransaction("txn_1", "charge-1")}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(q.deleted).To(BeEmpty())
	})

	It("should acknowledge without emitting when payout events are off", func() {
		cfg.EmitEvents = false
		transactions.byPayout["po_1"] = []*stripe.BalanceTransaction{
			paymentTransaction("txn_1", "charge-1"),
			payoutTransaction("txn_2", "po_1", stripe.PayoutStatusPaid),
		}
		q.messages = []queue.Message{payoutMessage("m-1", "po_1", "acct_test", 1)}

		Expect(newProcess().ProcessPayouts(ctx)).To(Succeed())

		Expect(emitter.events).To(BeEmpty())
		Expect(q.deleted).To(Equal([]string{"m-1"}))
	})
})

var _ = Describe("ReconcileQueue", func() {
	It("should send payouts grouped by connect account", func() {
		q := &mockQueue{}
		reconcileQueue := payout.NewReconcileQueue(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

		err := reconcileQueue.SendPayout(context.Background(), payout.ReconcileMessage{
			GatewayPayoutID:  "po_1",
			ConnectAccountID: "acct_test",
			CreatedDate:      payoutCreated,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(q.sent).To(HaveLen(1))
		Expect(q.sent[0].GroupID).To(Equal("acct_test"))
		Expect(q.sent[0].DeduplicationID).To(Equal("po_1"))
		Expect(q.sent[0].Body).To(MatchJSON(`{
			"gateway_payout_id": "po_1",
			"connect_account_id": "acct_test",
			"created_date": "2026-03-02T10:00:00Z"
		}`))
	})

	It("should discard messages without a payout id", func() {
		q := &mockQueue{messages: []queue.Message{
			{ID: "m-1", Body: `{"connect_account_id":"acct_test"}`},
			{ID: "m-2", Body: "{"},
		}}
		reconcileQueue := payout.NewReconcileQueue(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

		messages, err := reconcileQueue.RetrievePayoutMessages(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(messages).To(BeEmpty())
		Expect(q.deleted).To(Equal([]string{"m-1", "m-2"}))
	})
})
