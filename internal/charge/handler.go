package charge

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/gateway"
	"github.com/frahmantamala/payment-connector/internal/transport"
	"github.com/frahmantamala/payment-connector/pkg/logger"
)

type ServiceAPI interface {
	Create(ctx context.Context, dto CreateChargeDTO) (*charge.Charge, error)
	GetForAccount(ctx context.Context, externalID string, accountID int64) (*charge.Charge, error)
	Get(ctx context.Context, externalID string) (*charge.Charge, error)
	Refunds(ctx context.Context, externalID string) ([]charge.Refund, error)
	StartCardEntry(ctx context.Context, externalID string) (*charge.Charge, error)
	Authorise(ctx context.Context, externalID string, card gateway.CardDetails) (*charge.Charge, error)
	AuthoriseWallet(ctx context.Context, externalID string, wallet WalletDetails) (*charge.Charge, error)
	Authorise3DS(ctx context.Context, externalID string, result gateway.Auth3dsResult) (*charge.Charge, error)
	Capture(ctx context.Context, externalID string) (*charge.Charge, error)
	Cancel(ctx context.Context, externalID string, accountID int64, by charge.CancelledBy) (*charge.Charge, error)
	Refund(ctx context.Context, externalID string, accountID int64, amount int64, userExternalID string) (*charge.Refund, error)
	QueryGatewayStatus(ctx context.Context, externalID string) (*GatewayStatus, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var dto CreateChargeDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	dto.GatewayAccountID = accountID

	c, err := h.Service.Create(r.Context(), dto)
	h.writeCharge(w, r, c, err, http.StatusCreated)
}

func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	c, err := h.Service.GetForAccount(r.Context(), chi.URLParam(r, "chargeId"), accountID)
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) CancelCharge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	c, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "chargeId"), accountID, charge.CancelledBySystem)
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) RefundCharge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var dto RefundDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}

	refund, err := h.Service.Refund(r.Context(), chi.URLParam(r, "chargeId"), accountID, dto.Amount, dto.UserExternalID)
	if err != nil && (refund == nil || !errors.Is(err, internal.ErrEventEmission)) {
		h.WriteAppError(w, err)
		return
	}
	if err != nil {
		h.Logger.Warn("refund persisted but events were not emitted",
			"refund_external_id", refund.ExternalID,
			"error", err)
	}
	h.WriteJSON(w, http.StatusAccepted, ToRefundResponse(refund))
}

func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	chargeID := chi.URLParam(r, "chargeId")
	if _, err := h.Service.GetForAccount(r.Context(), chargeID, accountID); err != nil {
		h.WriteAppError(w, err)
		return
	}

	refunds, err := h.Service.Refunds(r.Context(), chargeID)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	resp := make([]RefundResponse, 0, len(refunds))
	for i := range refunds {
		resp = append(resp, ToRefundResponse(&refunds[i]))
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"refunds": resp})
}

func (h *Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	chargeID := chi.URLParam(r, "chargeId")
	if _, err := h.Service.GetForAccount(r.Context(), chargeID, accountID); err != nil {
		h.WriteAppError(w, err)
		return
	}

	status, err := h.Service.QueryGatewayStatus(r.Context(), chargeID)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, status)
}

// Frontend operations address the charge by external id only; the payer
// holds no account context.

func (h *Handler) GetFrontendCharge(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Get(r.Context(), chi.URLParam(r, "chargeId"))
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) StartCardEntry(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.StartCardEntry(r.Context(), chi.URLParam(r, "chargeId"))
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) AuthoriseCard(w http.ResponseWriter, r *http.Request) {
	var dto AuthoriseCardDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	if err := dto.Validate(); err != nil {
		h.WriteAppError(w, err)
		return
	}

	c, err := h.Service.Authorise(r.Context(), chi.URLParam(r, "chargeId"), dto.ToCardDetails())
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) AuthoriseWallet(w http.ResponseWriter, r *http.Request) {
	var dto WalletDetails
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	if err := dto.Validate(); err != nil {
		h.WriteAppError(w, err)
		return
	}

	c, err := h.Service.AuthoriseWallet(r.Context(), chi.URLParam(r, "chargeId"), dto)
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) Authorise3DS(w http.ResponseWriter, r *http.Request) {
	var dto Auth3dsDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	c, err := h.Service.Authorise3DS(r.Context(), chi.URLParam(r, "chargeId"), dto.ToResult())
	h.writeCharge(w, r, c, err, http.StatusOK)
}

// CancelByUser is the payer abandoning the payment page.
func (h *Handler) CancelByUser(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Get(r.Context(), chi.URLParam(r, "chargeId"))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	c, err = h.Service.Cancel(r.Context(), c.ExternalID, c.GatewayAccountID, charge.CancelledByUser)
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) CaptureCharge(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Capture(r.Context(), chi.URLParam(r, "chargeId"))
	h.writeCharge(w, r, c, err, http.StatusOK)
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "accountId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.Logger.Error("invalid gateway account id", "id", raw)
		h.WriteError(w, http.StatusBadRequest, "invalid gateway account id")
		return 0, false
	}
	return id, true
}

// writeCharge reports a charge whose state was persisted even when its events
// could not be emitted.
func (h *Handler) writeCharge(w http.ResponseWriter, r *http.Request, c *charge.Charge, err error, status int) {
	if err != nil {
		if c == nil || !errors.Is(err, internal.ErrEventEmission) {
			h.WriteAppError(w, err)
			return
		}
		logger.FromOr(r.Context(), h.Logger).Warn("charge persisted but events were not emitted",
			"charge_external_id", c.ExternalID,
			"error", err)
	}
	h.WriteJSON(w, status, ToChargeResponse(c))
}
