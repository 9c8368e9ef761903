package notification_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/gatewayaccount"
	"github.com/frahmantamala/payment-connector/internal/notification"
	"github.com/frahmantamala/payment-connector/internal/transport"
)

func smartpayBody(eventCode, pspReference, originalReference, success string) string {
	return `{"live":"false","notificationItems":[{"NotificationRequestItem":{` +
		`"eventCode":"` + eventCode + `",` +
		`"pspReference":"` + pspReference + `",` +
		`"originalReference":"` + originalReference + `",` +
		`"success":"` + success + `"}}]}`
}

var _ = Describe("SmartpayHandler", func() {
	var (
		charges  *mockCharges
		accounts *mockAccounts
		handler  *notification.SmartpayHandler
	)

	post := func(body, username, password string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/api/notifications/smartpay", strings.NewReader(body))
		if username != "" {
			req.SetBasicAuth(username, password)
		}
		rec := httptest.NewRecorder()
		handler.HandleNotification(rec, req)
		return rec
	}

	BeforeEach(func() {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		charges = &mockCharges{byTransaction: map[string]*charge.Charge{
			"psp-1": {ExternalID: "charge-1", GatewayAccountID: 3, Status: charge.StatusCaptureSubmitted},
		}}
		accounts = &mockAccounts{accounts: map[int64]*gatewayaccount.GatewayAccount{
			3: {ID: 3, ExternalID: "account-3", NotificationUsername: strPtr("notify")},
		}}
		handler = notification.NewSmartpayHandler(transport.NewBaseHandler(log), charges, accounts, log)
	})

	It("should apply a capture against the original reference", func() {
		// When
		rec := post(smartpayBody("CAPTURE", "psp-capture", "psp-1", "true"), "notify", "s3cret")

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("[accepted]"))
		Expect(charges.applied).To(Equal([]appliedNotification{{
			provider:     "smartpay",
			notification: chargesvc.Notification{TransactionID: "psp-1", Status: chargesvc.NotificationCaptured},
		}}))
	})

	It("should apply a refund against the refund reference", func() {
		rec := post(smartpayBody("REFUND", "psp-refund", "psp-1", "false"), "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(charges.applied).To(HaveLen(1))
		Expect(charges.applied[0].notification).To(Equal(chargesvc.Notification{
			TransactionID: "psp-refund",
			Status:        chargesvc.NotificationRefundFailed,
		}))
	})

	It("should reject wrong notification credentials", func() {
		rec := post(smartpayBody("AUTHORISATION", "psp-1", "", "true"), "notify", "wrong")

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(charges.applied).To(BeEmpty())
	})

	It("should reject requests without basic auth", func() {
		rec := post(smartpayBody("AUTHORISATION", "psp-1", "", "true"), "", "")

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("should accept notifications for unknown charges", func() {
		rec := post(smartpayBody("AUTHORISATION", "psp-unknown", "", "true"), "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(charges.applied).To(BeEmpty())
	})

	It("should ignore event codes it does not act on", func() {
		rec := post(smartpayBody("REPORT_AVAILABLE", "psp-1", "", "true"), "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(charges.applied).To(BeEmpty())
	})

	It("should accept notifications that no longer apply", func() {
		charges.applyErr = internal.NewIllegalStateError("charge charge-1 cannot move to CAPTURED")

		rec := post(smartpayBody("CAPTURE", "psp-capture", "psp-1", "true"), "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("should ask for redelivery when applying fails", func() {
		charges.applyErr = errBoom

		rec := post(smartpayBody("CAPTURE", "psp-capture", "psp-1", "true"), "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
	})

	It("should reject malformed bodies", func() {
		rec := post("{", "notify", "s3cret")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
