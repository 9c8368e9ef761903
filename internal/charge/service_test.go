package charge_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

var _ = Describe("Charge Service", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		fake := newFakeProvider()
		env = newTestEnv(fake, fake)
		ctx = context.Background()
	})

	Describe("Create", func() {
		It("should persist a CREATED charge against the account's usable credential", func() {
			c := env.createCharge(2000)

			Expect(c.Status).To(Equal(charge.StatusCreated))
			Expect(c.Version).To(Equal(int64(1)))
			Expect(c.PaymentProvider).To(Equal(string(fakeProviderName)))
			Expect(c.CredentialExternalID).To(Equal(env.account.Credentials[0].ExternalID))
			Expect(c.Language).To(Equal("en"))
			Expect(env.emitter.Kinds(c.ExternalID)).To(Equal([]events.Kind{events.KindPaymentCreated}))
		})

		It("should reject invalid requests before touching the account", func() {
			_, err := env.service.Create(ctx, chargesvc.CreateChargeDTO{
				GatewayAccountID: env.account.ID,
				Amount:           0,
				Description:      "x",
				Reference:        "y",
			})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeValidationFailed))
		})

		It("should fail for an unknown gateway account", func() {
			_, err := env.service.Create(ctx, chargesvc.CreateChargeDTO{
				GatewayAccountID: 999,
				Amount:           100,
				Description:      "x",
				Reference:        "y",
			})
			Expect(err).To(MatchError(internal.ErrGatewayAccountNotFound))
		})
	})

	Describe("StartCardEntry", func() {
		It("should move CREATED to ENTERING_CARD_DETAILS and emit PAYMENT_STARTED", func() {
			c := env.createCharge(2000)

			started, err := env.service.StartCardEntry(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(started.Status).To(Equal(charge.StatusEnteringCardDetails))
			Expect(started.Version).To(Equal(int64(2)))
			Expect(env.emitter.Kinds(c.ExternalID)).To(ContainElement(events.KindPaymentStarted))
		})

		It("should refuse charges that are past card entry", func() {
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			_, err := env.service.StartCardEntry(ctx, c.ExternalID)

			Expect(err).To(MatchError(internal.ErrIllegalState))
		})
	})

	Describe("Authorise", func() {
		DescribeTable("guards the starting status",
			func(status charge.Status, expected error) {
				c := env.chargeIn(status, "")

				_, err := env.service.Authorise(ctx, c.ExternalID, testCard())

				Expect(err).To(MatchError(expected))
				Expect(env.provider.Calls("authorise")).To(Equal(0))
				Expect(env.reload(c.ExternalID).Status).To(Equal(status))
			},
			Entry("authorisation in flight", charge.StatusAuthorisationReady, internal.ErrOperationAlreadyInProgress),
			Entry("not yet started", charge.StatusCreated, internal.ErrIllegalState),
			Entry("already authorised", charge.StatusAuthorisationSuccess, internal.ErrIllegalState),
			Entry("captured", charge.StatusCaptured, internal.ErrIllegalState),
			Entry("cancelled", charge.StatusUserCancelled, internal.ErrIllegalState),
		)

		It("should lock, call the provider and record the outcome", func() {
			// Given
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")
			before := c.Version

			// When
			authorised, err := env.service.Authorise(ctx, c.ExternalID, testCard())

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(authorised.Status).To(Equal(charge.StatusAuthorisationSuccess))
			Expect(authorised.TransactionID()).To(Equal("tx-auth"))
			Expect(*authorised.LastDigitsCardNumber).To(Equal("1111"))
			Expect(*authorised.CardBrand).To(Equal("visa"))
			Expect(authorised.Version).To(Equal(before + 2))
			Expect(env.provider.Calls("authorise")).To(Equal(1))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindAuthorisationSucceeded))
		})

		It("should hand a pre-allocated transaction id to providers that generate one", func() {
			env.provider.generateID = true
			var seen string
			env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				seen = req.TransactionID
				return &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusAuthorised, TransactionID: req.TransactionID}, nil
			}
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			authorised, err := env.service.Authorise(ctx, c.ExternalID, testCard())

			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal("tx-pre"))
			Expect(authorised.TransactionID()).To(Equal("tx-pre"))
		})

		DescribeTable("advances the charge when the provider fails",
			func(providerErr error, expected charge.Status, kind events.Kind) {
				env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
					return nil, providerErr
				}
				c := env.chargeIn(charge.StatusEnteringCardDetails, "")

				result, err := env.service.Authorise(ctx, c.ExternalID, testCard())

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Status).To(Equal(expected))
				Expect(env.reload(c.ExternalID).Status).To(Equal(expected))
				Expect(env.emitter.Last().Kind).To(Equal(kind))
			},
			Entry("timeout", gateway.NewConnectionTimeoutError("timed out", context.DeadlineExceeded),
				charge.StatusAuthorisationTimeout, events.KindGatewayTimeoutDuringAuth),
			Entry("gateway error", gateway.NewGatewayError("bad request", 400, "<error/>"),
				charge.StatusAuthorisationError, events.KindGatewayErrorDuringAuthorisation),
			Entry("unreadable response", gateway.NewGenericError("parse failure", errors.New("eof")),
				charge.StatusAuthorisationUnexpectedError, events.KindUnexpectedGatewayError),
			Entry("non gateway error", errors.New("boom"),
				charge.StatusAuthorisationUnexpectedError, events.KindUnexpectedGatewayError),
		)

		It("should still record the outcome when the caller goes away during the gateway call", func() {
			callerCtx, cancel := context.WithCancel(ctx)
			env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				cancel()
				return &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusRejected, TransactionID: "tx-r"}, nil
			}
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.Authorise(callerCtx, c.ExternalID, testCard())

			Expect(err).NotTo(HaveOccurred())
			Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusAuthorisationRejected))
		})

		It("should store 3DS details when the issuer asks for authentication", func() {
			env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				return &gateway.AuthorisationOutcome{
					Status:        gateway.AuthoriseStatusRequires3ds,
					TransactionID: "tx-3ds",
					Auth3dsRequired: &gateway.Auth3dsRequired{
						IssuerURL:      "https://issuer.example/acs",
						PaRequest:      "pareq",
						ThreeDsVersion: "2.1.0",
					},
				}, nil
			}
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			result, err := env.service.Authorise(ctx, c.ExternalID, testCard())

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusAuthorisation3dsRequired))
			Expect(*result.IssuerURL3ds).To(Equal("https://issuer.example/acs"))
			Expect(*result.Version3ds).To(Equal("2.1.0"))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindAuthorisation3dsRequired))
		})

		It("should let exactly one of two concurrent authorisations through", func() {
			// Given
			release := make(chan struct{})
			env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				<-release
				return &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusAuthorised, TransactionID: "tx-1"}, nil
			}
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			// When
			results := make(chan error, 2)
			for i := 0; i < 2; i++ {
				go func() {
					defer GinkgoRecover()
					_, err := env.service.Authorise(ctx, c.ExternalID, testCard())
					results <- err
				}()
			}

			// Then
			var loser error
			Eventually(results).Should(Receive(&loser))
			Expect(loser).To(HaveOccurred())
			Expect(errors.Is(loser, internal.ErrConflict) || errors.Is(loser, internal.ErrOperationAlreadyInProgress)).To(BeTrue())

			close(release)
			var winner error
			Eventually(results).Should(Receive(&winner))
			Expect(winner).NotTo(HaveOccurred())
			Expect(env.provider.Calls("authorise")).To(Equal(1))
			Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusAuthorisationSuccess))
		})

		It("should enqueue fee collection when a fee-collecting provider rejects", func() {
			fake := newFakeProvider()
			fake.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				return &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusRejected, TransactionID: "pi_1"}, nil
			}
			env = newTestEnv(feeCollectingProvider{fake}, fake)
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.Authorise(ctx, c.ExternalID, testCard())

			Expect(err).NotTo(HaveOccurred())
			Expect(env.feeTasks.Charges()).To(Equal([]string{c.ExternalID}))
		})

		It("should not enqueue fee collection for providers that do not bill failures", func() {
			env.provider.authorise = func(ctx context.Context, req *gateway.CardAuthorisationRequest) (*gateway.AuthorisationOutcome, error) {
				return &gateway.AuthorisationOutcome{Status: gateway.AuthoriseStatusRejected}, nil
			}
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.Authorise(ctx, c.ExternalID, testCard())

			Expect(err).NotTo(HaveOccurred())
			Expect(env.feeTasks.Charges()).To(BeEmpty())
		})
	})

	Describe("AuthoriseWallet", func() {
		It("should reject providers without wallet support before mutating the charge", func() {
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.AuthoriseWallet(ctx, c.ExternalID, chargesvc.WalletDetails{
				WalletType:   "APPLE_PAY",
				PaymentToken: "token",
			})

			Expect(err).To(MatchError(internal.ErrUnsupportedCapability))
			stored := env.reload(c.ExternalID)
			Expect(stored.Status).To(Equal(charge.StatusEnteringCardDetails))
			Expect(stored.Version).To(Equal(c.Version))
		})

		It("should authorise through the wallet call when supported", func() {
			env.provider.capabilities |= gateway.CapabilityWallet
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			result, err := env.service.AuthoriseWallet(ctx, c.ExternalID, chargesvc.WalletDetails{
				WalletType:   "GOOGLE_PAY",
				PaymentToken: "token",
				LastDigits:   "4242",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusAuthorisationSuccess))
			Expect(*result.WalletType).To(Equal("GOOGLE_PAY"))
			Expect(env.provider.Calls("wallet")).To(Equal(1))
		})
	})

	Describe("Authorise3DS", func() {
		It("should leave the charge waiting when the issuer reported no outcome", func() {
			c := env.chargeIn(charge.StatusAuthorisation3dsRequired, "tx-3ds")
			emitted := len(env.emitter.Kinds(c.ExternalID))

			result, err := env.service.Authorise3DS(ctx, c.ExternalID, gateway.Auth3dsResult{})

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusAuthorisation3dsReady))
			Expect(env.emitter.Kinds(c.ExternalID)).To(HaveLen(emitted))
		})

		DescribeTable("maps the issuer outcome",
			func(outcome gateway.Auth3dsOutcome, expected charge.Status) {
				c := env.chargeIn(charge.StatusAuthorisation3dsRequired, "tx-3ds")

				result, err := env.service.Authorise3DS(ctx, c.ExternalID, gateway.Auth3dsResult{Outcome: outcome})

				Expect(err).NotTo(HaveOccurred())
				Expect(result.Status).To(Equal(expected))
			},
			Entry("authorised", gateway.Auth3dsOutcomeAuthorised, charge.StatusAuthorisationSuccess),
			Entry("declined", gateway.Auth3dsOutcomeDeclined, charge.StatusAuthorisationRejected),
			Entry("canceled", gateway.Auth3dsOutcomeCanceled, charge.StatusAuthorisationCancelled),
			Entry("error", gateway.Auth3dsOutcomeError, charge.StatusAuthorisationError),
		)

		It("should report a 3DS response already being processed", func() {
			c := env.chargeIn(charge.StatusAuthorisation3dsReady, "tx-3ds")

			_, err := env.service.Authorise3DS(ctx, c.ExternalID, gateway.Auth3dsResult{Outcome: gateway.Auth3dsOutcomeAuthorised})

			Expect(err).To(MatchError(internal.ErrOperationAlreadyInProgress))
		})

		It("should refuse charges that never asked for 3DS", func() {
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.Authorise3DS(ctx, c.ExternalID, gateway.Auth3dsResult{})

			Expect(err).To(MatchError(internal.ErrIllegalState))
		})
	})

	Describe("Capture", func() {
		It("should submit the capture", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			result, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusCaptureSubmitted))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindCaptureSubmitted))
		})

		It("should move to CAPTURE_UNKNOWN when the capture call fails", func() {
			env.provider.capture = func(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
				return nil, gateway.NewConnectionTimeoutError("timed out", context.DeadlineExceeded)
			}
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			result, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusCaptureUnknown))
			Expect(env.provider.Calls("capture")).To(Equal(1))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindCaptureErrored))
		})

		It("should record the platform fee deducted at capture", func() {
			fee := int64(8)
			env.provider.capture = func(ctx context.Context, req *gateway.CaptureRequest) (*gateway.CaptureOutcome, error) {
				return &gateway.CaptureOutcome{TransactionID: req.TransactionID, FeeAmount: &fee}, nil
			}
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			_, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			fees, err := env.repo.ListFees(ctx, c.ExternalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(fees).To(HaveLen(1))
			Expect(fees[0].FeeType).To(Equal(charge.FeeTypeTransaction))
			details, ok := env.emitter.Last().Details.(events.PaymentDetails)
			Expect(ok).To(BeTrue())
			Expect(*details.Fee).To(Equal(int64(8)))
			Expect(*details.NetAmount).To(Equal(int64(1992)))
		})

		It("should only capture authorised charges", func() {
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			_, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).To(MatchError(internal.ErrIllegalState))
			Expect(env.provider.Calls("capture")).To(Equal(0))
		})

		It("should report a capture already in progress", func() {
			c := env.chargeIn(charge.StatusCaptureReady, "tx-1")

			_, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).To(MatchError(internal.ErrOperationAlreadyInProgress))
		})
	})

	Describe("Cancel", func() {
		It("should cancel charges that never reached the gateway locally", func() {
			c := env.createCharge(2000)

			result, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID, charge.CancelledByUser)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusUserCancelled))
			Expect(env.provider.Calls("cancel")).To(Equal(0))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindCancelledByUser))
		})

		It("should cancel authorised charges at the gateway", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			result, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID, charge.CancelledBySystem)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusSystemCancelled))
			Expect(env.provider.Calls("cancel")).To(Equal(1))
		})

		It("should cancel a charge approved for delayed capture at the gateway", func() {
			c := env.chargeIn(charge.StatusReadyForCapture, "tx-1")

			result, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID, charge.CancelledBySystem)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusSystemCancelled))
			Expect(env.provider.Calls("cancel")).To(Equal(1))
		})

		It("should leave the charge untouched when the gateway cancel fails", func() {
			env.provider.cancel = func(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelOutcome, error) {
				return nil, gateway.NewGatewayError("cancel refused", 500, "")
			}
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			_, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID, charge.CancelledBySystem)

			Expect(err).To(MatchError(internal.ErrGatewayFailure))
			Expect(errors.Is(err, gateway.ErrGateway)).To(BeTrue())
			stored := env.reload(c.ExternalID)
			Expect(stored.Status).To(Equal(charge.StatusAuthorisationSuccess))
			Expect(stored.Version).To(Equal(c.Version))
		})

		It("should hide charges of other accounts", func() {
			c := env.createCharge(2000)

			_, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID+1, charge.CancelledByUser)

			Expect(err).To(MatchError(internal.ErrChargeNotFound))
		})

		It("should refuse charges that are no longer cancellable", func() {
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			_, err := env.service.Cancel(ctx, c.ExternalID, env.account.ID, charge.CancelledByUser)

			Expect(err).To(MatchError(internal.ErrIllegalState))
		})
	})

	Describe("Refund", func() {
		It("should never refund more than the charge amount", func() {
			// Given a captured charge of 2000
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			// When 1500 is refunded
			first, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 1500, "user-1")

			// Then it succeeds
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(charge.RefundStatusRefunded))
			Expect(env.provider.Calls("refund")).To(Equal(1))

			// When a further 600 is requested
			_, err = env.service.Refund(ctx, c.ExternalID, env.account.ID, 600, "user-1")

			// Then it is rejected before the provider is called
			Expect(err).To(MatchError(internal.ErrRefundAmountExceeded))
			Expect(env.provider.Calls("refund")).To(Equal(1))
			refunds, err := env.service.Refunds(ctx, c.ExternalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(gateway.RefundedAmount(refunds)).To(Equal(int64(1500)))
		})

		It("should emit the refund lifecycle with the charge as parent", func() {
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 500, "")

			Expect(err).NotTo(HaveOccurred())
			Expect(env.emitter.Kinds(refund.ExternalID)).To(Equal([]events.Kind{
				events.KindRefundCreatedByUser, events.KindRefundSucceeded,
			}))
			Expect(env.emitter.Last().ParentResourceExternalID).To(Equal(c.ExternalID))
		})

		It("should refuse refunds of charges that are not captured", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			_, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 100, "")

			Expect(err).To(MatchError(internal.ErrRefundNotAvailable))
		})

		It("should mark the refund errored when the gateway fails", func() {
			env.provider.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
				return nil, gateway.NewGatewayError("refund refused", 422, "")
			}
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 100, "")

			Expect(err).To(MatchError(internal.ErrGatewayFailure))
			Expect(refund.Status).To(Equal(charge.RefundStatusError))
			refunds, _ := env.service.Refunds(ctx, c.ExternalID)
			Expect(gateway.RefundedAmount(refunds)).To(BeZero())
		})

		It("should keep a timed out refund spent", func() {
			// Given
			env.provider.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
				return nil, gateway.NewConnectionTimeoutError("refund timed out", context.DeadlineExceeded)
			}
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			// When
			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 2000, "")

			// Then
			Expect(err).To(MatchError(internal.ErrGatewayFailure))
			Expect(refund.Status).To(Equal(charge.RefundStatusUnknown))

			_, err = env.service.Refund(ctx, c.ExternalID, env.account.ID, 1, "")
			Expect(err).To(MatchError(internal.ErrRefundAmountExceeded))
			Expect(env.provider.Calls("refund")).To(Equal(1))
		})

		It("should keep a refund spent when the acquirer fails on its side", func() {
			env.provider.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
				return nil, gateway.NewGatewayError("upstream failure", 500, "")
			}
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 100, "")

			Expect(err).To(MatchError(internal.ErrGatewayFailure))
			Expect(refund.Status).To(Equal(charge.RefundStatusUnknown))
			refunds, _ := env.service.Refunds(ctx, c.ExternalID)
			Expect(gateway.RefundedAmount(refunds)).To(Equal(int64(100)))
		})

		It("should leave pending refunds submitted", func() {
			env.provider.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
				return &gateway.RefundOutcome{Status: gateway.RefundOutcomePending, Reference: "ref-pending"}, nil
			}
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 100, "")

			Expect(err).NotTo(HaveOccurred())
			Expect(refund.Status).To(Equal(charge.RefundStatusSubmitted))
			Expect(*refund.GatewayTransactionID).To(Equal("ref-pending"))
		})
	})

	Describe("ApplyNotification", func() {
		It("should confirm a submitted capture and ignore repeats", func() {
			c := env.chargeIn(charge.StatusCaptureSubmitted, "tx-cap")
			notification := chargesvc.Notification{TransactionID: "tx-cap", Status: chargesvc.NotificationCaptured}

			Expect(env.service.ApplyNotification(ctx, string(fakeProviderName), notification)).To(Succeed())
			Expect(env.service.ApplyNotification(ctx, string(fakeProviderName), notification)).To(Succeed())

			stored := env.reload(c.ExternalID)
			Expect(stored.Status).To(Equal(charge.StatusCaptured))
			Expect(stored.CapturedAt).NotTo(BeNil())
			Expect(env.emitter.Kinds(c.ExternalID)).To(HaveLen(2))
		})

		It("should complete a 3DS authorisation reported asynchronously", func() {
			c := env.chargeIn(charge.StatusAuthorisation3dsRequired, "pi_3ds")

			err := env.service.ApplyNotification(ctx, string(fakeProviderName),
				chargesvc.Notification{TransactionID: "pi_3ds", Status: chargesvc.NotificationAuthorised})

			Expect(err).NotTo(HaveOccurred())
			Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusAuthorisationSuccess))
		})

		It("should settle a submitted refund", func() {
			env.provider.refund = func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundOutcome, error) {
				return &gateway.RefundOutcome{Status: gateway.RefundOutcomePending, Reference: "ref-async"}, nil
			}
			c := env.chargeIn(charge.StatusCaptured, "tx-1")
			refund, err := env.service.Refund(ctx, c.ExternalID, env.account.ID, 100, "")
			Expect(err).NotTo(HaveOccurred())

			err = env.service.ApplyNotification(ctx, string(fakeProviderName),
				chargesvc.Notification{TransactionID: "ref-async", Status: chargesvc.NotificationRefunded})

			Expect(err).NotTo(HaveOccurred())
			Expect(env.emitter.Kinds(refund.ExternalID)).To(ContainElement(events.KindRefundSucceeded))
		})

		It("should reject notifications for unknown transactions", func() {
			err := env.service.ApplyNotification(ctx, string(fakeProviderName),
				chargesvc.Notification{TransactionID: "nope", Status: chargesvc.NotificationCaptured})

			Expect(err).To(MatchError(internal.ErrChargeNotFound))
		})

		It("should refuse transitions outside the graph", func() {
			env.chargeIn(charge.StatusCreated, "tx-early")

			err := env.service.ApplyNotification(ctx, string(fakeProviderName),
				chargesvc.Notification{TransactionID: "tx-early", Status: chargesvc.NotificationCaptured})

			Expect(err).To(MatchError(internal.ErrIllegalState))
		})
	})

	Describe("QueryGatewayStatus", func() {
		It("should not call providers that cannot report status", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			status, err := env.service.QueryGatewayStatus(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(status.Queried).To(BeFalse())
			Expect(env.provider.Calls("query")).To(Equal(0))
		})

		It("should flag a mismatch between the gateway and the charge", func() {
			env.provider.canQuery = true
			c := env.chargeIn(charge.StatusAuthorisationError, "tx-1")

			status, err := env.service.QueryGatewayStatus(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(status.Queried).To(BeTrue())
			Expect(status.MappedStatus).To(Equal(charge.StatusAuthorisationSuccess))
			Expect(status.StatusMismatch).To(BeTrue())
		})
	})

	Describe("Expire", func() {
		It("should expire charges abandoned before authorisation", func() {
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")

			result, err := env.service.Expire(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(charge.StatusExpired))
			Expect(env.emitter.Last().Kind).To(Equal(events.KindPaymentExpired))
		})

		It("should release authorised charges at the gateway before expiring them", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")

			_, err := env.service.Expire(ctx, c.ExternalID)

			Expect(err).NotTo(HaveOccurred())
			Expect(env.provider.Calls("cancel")).To(Equal(1))
		})

		It("should refuse terminal charges", func() {
			c := env.chargeIn(charge.StatusCaptured, "tx-1")

			_, err := env.service.Expire(ctx, c.ExternalID)

			Expect(err).To(MatchError(internal.ErrIllegalState))
		})
	})

	Describe("event emission failures", func() {
		It("should return the persisted charge together with the emission error", func() {
			c := env.chargeIn(charge.StatusAuthorisationSuccess, "tx-1")
			env.emitter.err = errors.New("sink unavailable")

			result, err := env.service.Capture(ctx, c.ExternalID)

			Expect(err).To(MatchError(internal.ErrEventEmission))
			Expect(result).NotTo(BeNil())
			Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusCaptureSubmitted))
		})
	})

	Describe("optimistic locking", func() {
		It("should fail with a conflict when the charge changed since it was read", func() {
			c := env.chargeIn(charge.StatusEnteringCardDetails, "")
			stale := *c
			Expect(env.repo.SaveWithVersion(ctx, c)).To(Succeed())

			stale.Status = charge.StatusUserCancelled
			err := env.repo.SaveWithVersion(ctx, &stale)

			Expect(err).To(MatchError(chargesvc.ErrVersionConflict))
			Expect(env.reload(c.ExternalID).Status).To(Equal(charge.StatusEnteringCardDetails))
		})
	})
})
