package notification_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/notification"
	"github.com/frahmantamala/payment-connector/internal/transport"
)

const (
	testWebhookSecret = "whsec_test"
	liveWebhookSecret = "whsec_live"
)

func stripeEvent(eventType, object string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"account": "acct_connected",
		"api_version": "2023-10-16",
		"created": 1772445600,
		"data": {"object": %s}
	}`, eventType, object)
}

func sign(payload, secret string) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

var _ = Describe("StripeHandler", func() {
	var (
		charges  *mockCharges
		accounts *mockAccounts
		emitter  *recordingEmitter
		payouts  *mockPayouts
		cfg      notification.StripeConfig
	)

	post := func(payload, signature string) *httptest.ResponseRecorder {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		handler := notification.NewStripeHandler(transport.NewBaseHandler(log), charges, accounts, emitter, payouts, cfg, log)
		req := httptest.NewRequest(http.MethodPost, "/v1/api/notifications/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		handler.HandleWebhook(rec, req)
		return rec
	}

	BeforeEach(func() {
		charges = &mockCharges{byTransaction: map[string]*charge.Charge{
			"pi_1": {ExternalID: "charge-1", GatewayAccountID: 4, Status: charge.StatusCaptured},
		}}
		accounts = &mockAccounts{accounts: map[int64]*gatewayaccount.GatewayAccount{
			4: {ID: 4, ExternalID: "account-4", ServiceID: "service-4", Type: gatewayaccount.TypeLive},
		}}
		emitter = &recordingEmitter{}
		payouts = &mockPayouts{}
		cfg = notification.StripeConfig{
			Stripe: internal.StripeConfig{
				TestWebhookSecret: testWebhookSecret,
				LiveWebhookSecret: liveWebhookSecret,
			},
			EmitPayoutEvents: true,
		}
	})

	It("should authorise a charge once its payment intent is capturable", func() {
		// Given
		payload := stripeEvent("payment_intent.amount_capturable_updated", `{"id":"pi_1","object":"payment_intent"}`)

		// When
		rec := post(payload, sign(payload, testWebhookSecret))

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(charges.applied).To(Equal([]appliedNotification{{
			provider:     "stripe",
			notification: chargesvc.Notification{TransactionID: "pi_1", Status: chargesvc.NotificationAuthorised},
		}}))
	})

	It("should accept payloads signed with the live secret", func() {
		payload := stripeEvent("payment_intent.payment_failed", `{"id":"pi_1","object":"payment_intent"}`)

		rec := post(payload, sign(payload, liveWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(charges.applied[0].notification.Status).To(Equal(chargesvc.NotificationRejected))
	})

	It("should reject payloads with a bad signature", func() {
		payload := stripeEvent("payment_intent.payment_failed", `{"id":"pi_1","object":"payment_intent"}`)

		rec := post(payload, sign(payload, "whsec_other"))

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(charges.applied).To(BeEmpty())
	})

	It("should emit DISPUTE_CREATED for the disputed charge", func() {
		payload := stripeEvent("charge.dispute.created", `{
			"id": "du_1",
			"object": "dispute",
			"amount": 2000,
			"reason": "fraudulent",
			"created": 1772445600,
			"payment_intent": "pi_1",
			"evidence_details": {"due_by": 1773050400},
			"balance_transactions": [{"id": "txn_d", "object": "balance_transaction", "fee": 1500, "net": -3500}]
		}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(emitter.events).To(HaveLen(1))
		event := emitter.events[0]
		Expect(event.Kind).To(Equal(events.KindDisputeCreated))
		Expect(event.ResourceExternalID).To(Equal("du_1"))
		Expect(event.ParentResourceExternalID).To(Equal("charge-1"))
		Expect(event.ServiceID).To(Equal("service-4"))
		Expect(event.Live).To(HaveValue(BeTrue()))
		details, ok := event.Details.(events.DisputeDetails)
		Expect(ok).To(BeTrue())
		Expect(details.Fee).To(Equal(int64(1500)))
		Expect(details.NetAmount).To(Equal(int64(-3500)))
		Expect(details.Reason).To(Equal("fraudulent"))
	})

	It("should acknowledge disputes for unknown charges", func() {
		payload := stripeEvent("charge.dispute.created", `{"id":"du_2","object":"dispute","payment_intent":"pi_unknown"}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(emitter.events).To(BeEmpty())
	})

	It("should queue paid payouts for reconciliation", func() {
		payload := stripeEvent("payout.paid", `{
			"id": "po_1",
			"object": "payout",
			"amount": 4000,
			"status": "paid",
			"type": "bank_account",
			"created": 1772445600,
			"arrival_date": 1772618400
		}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(payouts.sent).To(HaveLen(1))
		Expect(payouts.sent[0].GatewayPayoutID).To(Equal("po_1"))
		Expect(payouts.sent[0].ConnectAccountID).To(Equal("acct_connected"))
		Expect(payouts.sent[0].CreatedDate).To(Equal(time.Unix(1772445600, 0).UTC()))
		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].Kind).To(Equal(events.KindPayoutPaid))
	})

	It("should report created payouts without queueing them", func() {
		payload := stripeEvent("payout.created", `{"id":"po_2","object":"payout","status":"pending","created":1772445600}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(payouts.sent).To(BeEmpty())
		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].Kind).To(Equal(events.KindPayoutCreated))
	})

	It("should not emit payout events when they are turned off", func() {
		cfg.EmitPayoutEvents = false
		payload := stripeEvent("payout.failed", `{"id":"po_3","object":"payout","status":"failed","created":1772445600}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(emitter.events).To(BeEmpty())
	})

	It("should ask for redelivery when the charge update fails", func() {
		charges.applyErr = errBoom
		payload := stripeEvent("payment_intent.amount_capturable_updated", `{"id":"pi_1","object":"payment_intent"}`)

		rec := post(payload, sign(payload, testWebhookSecret))

		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
	})
})
