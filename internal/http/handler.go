package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"MarketEscrow/internal/models"
	"MarketEscrow/internal/services"
	"MarketEscrow/internal/settlement"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
)

type Handler struct {
	Offers   *services.OfferService
	Orders   *services.OrderService
	validate *validator.Validate
}

func NewHandler(offers *services.OfferService, orders *services.OrderService) *Handler {
	return &Handler{
		Offers:   offers,
		Orders:   orders,
		validate: validator.New(),
	}
}

type createOfferRequest struct {
	ListingID string `json:"listingId" validate:"required"`
	SellerID  string `json:"sellerId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Message   string `json:"message"`
	FeeTier   string `json:"feeTier" validate:"omitempty,oneof=standard premium exclusive hype"`
}

type createOrderRequest struct {
	ListingID string `json:"listingId" validate:"required"`
	SellerID  string `json:"sellerId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	FeeTier   string `json:"feeTier" validate:"omitempty,oneof=standard premium exclusive hype"`
}

type deliverRequest struct {
	Message string `json:"message" validate:"required"`
}

type revisionRequest struct {
	Message string `json:"message"`
}

type disputeRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type adminCancelRequest struct {
	Reason string `json:"reason"`
}

type offerResponse struct {
	OfferID   string `json:"offerId"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	Amount    int64  `json:"amount"`
	Message   string `json:"message,omitempty"`
	FeeTier   string `json:"feeTier"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt"`
	CreatedAt string `json:"createdAt"`
}

type orderResponse struct {
	OrderID         string  `json:"orderId"`
	BuyerID         string  `json:"buyerId"`
	SellerID        string  `json:"sellerId"`
	ListingID       string  `json:"listingId"`
	OfferID         *string `json:"offerId,omitempty"`
	Amount          int64   `json:"amount"`
	PlatformFee     int64   `json:"platformFee"`
	SellerAmount    int64   `json:"sellerAmount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	Revisions       int     `json:"revisions"`
	MaxRevisions    int     `json:"maxRevisions"`
	PaymentReleased bool    `json:"paymentReleased"`
	CreatedAt       string  `json:"createdAt"`
	PaidAt          string  `json:"paidAt,omitempty"`
	DeliveredAt     string  `json:"deliveredAt,omitempty"`
	CompletedAt     string  `json:"completedAt,omitempty"`
	CancelledAt     string  `json:"cancelledAt,omitempty"`
}

type timelineEventResponse struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	PerformedBy string          `json:"performedBy"`
	EventData   json.RawMessage `json:"eventData"`
	CreatedAt   string          `json:"createdAt"`
}

func toOfferResponse(offer *models.Offer) offerResponse {
	return offerResponse{
		OfferID:   offer.OfferID,
		ListingID: offer.ListingID,
		BuyerID:   offer.BuyerID,
		SellerID:  offer.SellerID,
		Amount:    offer.Amount,
		Message:   offer.Message,
		FeeTier:   string(offer.FeeTier),
		Status:    string(offer.Status),
		ExpiresAt: offer.ExpiresAt.Format(time.RFC3339),
		CreatedAt: offer.CreatedAt.Format(time.RFC3339),
	}
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:         order.OrderID,
		BuyerID:         order.BuyerID,
		SellerID:        order.SellerID,
		ListingID:       order.ListingID,
		OfferID:         order.OfferID,
		Amount:          order.Amount,
		PlatformFee:     order.PlatformFee,
		SellerAmount:    order.SellerAmount,
		Currency:        order.Currency,
		Status:          string(order.Status),
		Revisions:       order.Revisions,
		MaxRevisions:    order.MaxRevisions,
		PaymentReleased: order.PaymentReleased,
		CreatedAt:       order.CreatedAt.Format(time.RFC3339),
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.Format(time.RFC3339)
	}
	if order.DeliveredAt != nil {
		resp.DeliveredAt = order.DeliveredAt.Format(time.RFC3339)
	}
	if order.CompletedAt != nil {
		resp.CompletedAt = order.CompletedAt.Format(time.RFC3339)
	}
	if order.CancelledAt != nil {
		resp.CancelledAt = order.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-User-Id")
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return "", false
	}
	return actor, true
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createOfferRequest
	if !h.bind(w, r, &req) {
		return
	}

	offer, err := h.Offers.CreateOffer(r.Context(), actor, services.CreateOfferInput{
		ListingID: req.ListingID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Message:   req.Message,
		FeeTier:   models.FeeTier(req.FeeTier),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferResponse(offer))
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Offers.GetOffer(r.Context(), chi.URLParam(r, "offerId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) PayOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, err := h.Offers.PayOffer(r.Context(), chi.URLParam(r, "offerId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, order, err := h.Offers.AcceptOffer(r.Context(), chi.URLParam(r, "offerId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offer": toOfferResponse(offer),
		"order": toOrderResponse(order),
	})
}

func (h *Handler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, err := h.Offers.RejectOffer(r.Context(), chi.URLParam(r, "offerId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, err := h.Offers.CancelOffer(r.Context(), chi.URLParam(r, "offerId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !h.bind(w, r, &req) {
		return
	}
	tier := models.FeeTier(req.FeeTier)
	if tier == "" {
		tier = models.TierStandard
	}

	order, err := h.Orders.CreateDirect(r.Context(), actor, req.SellerID, req.ListingID, req.Amount, tier)
	if err != nil {
		// An authorization failure still created the order; return it so the
		// buyer can retry payment against the same order id.
		if order != nil && errors.Is(err, settlement.ErrAuthorizationFailed) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error": err.Error(),
				"order": toOrderResponse(order),
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.Orders.PayOrder(r.Context(), chi.URLParam(r, "orderId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) StartWork(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.Orders.StartWork(r.Context(), chi.URLParam(r, "orderId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if !h.bind(w, r, &req) {
		return
	}
	order, err := h.Orders.Deliver(r.Context(), chi.URLParam(r, "orderId"), actor, req.Message)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) AcceptDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.Orders.AcceptDelivery(r.Context(), chi.URLParam(r, "orderId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) RequestRevision(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req revisionRequest
	if !h.bind(w, r, &req) {
		return
	}
	order, err := h.Orders.RequestRevision(r.Context(), chi.URLParam(r, "orderId"), actor, req.Message)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "orderId"), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if !h.bind(w, r, &req) {
		return
	}
	order, err := h.Orders.OpenDispute(r.Context(), chi.URLParam(r, "orderId"), actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) AdminCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req adminCancelRequest
	if r.ContentLength > 0 {
		if !h.bind(w, r, &req) {
			return
		}
	}
	order, err := h.Orders.AdminCancel(r.Context(), chi.URLParam(r, "orderId"), req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.Orders.Timeline(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		data := json.RawMessage(ev.EventData)
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		out = append(out, timelineEventResponse{
			EventID:     ev.EventID,
			EventType:   string(ev.EventType),
			PerformedBy: ev.PerformedBy,
			EventData:   data,
			CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) VerifyTimeline(w http.ResponseWriter, r *http.Request) {
	err := h.Orders.VerifyTimeline(r.Context(), chi.URLParam(r, "orderId"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"consistent": true})
	case errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"consistent": false, "detail": err.Error()})
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, services.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidAmount), errors.Is(err, services.ErrEmptyDelivery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOfferExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, services.ErrRevisionLimitExceeded),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrAuthorizationFailed):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, settlement.ErrReconciliationAmbiguous):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
