package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"
	"time"

	"barbershop/queue-service/internal/automation"
	"barbershop/queue-service/internal/hub"
	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Automation is the part of the automation engine the HTTP layer drives.
type Automation interface {
	View() automation.View
	StartItem(ctx context.Context, id string) (models.QueueItem, error)
	FinalizeItem(ctx context.Context, req automation.FinalizeRequest) (automation.FinalizeResult, error)
}

type Handler struct {
	store        store.QueueStore
	engine       Automation
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

type Options struct {
	// AllowedOrigins limits websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
	PingInterval   time.Duration
}

type createItemRequest struct {
	CustomerID               string                 `json:"customer_id"`
	CustomerName             string                 `json:"customer_name"`
	CustomerEmail            string                 `json:"customer_email"`
	CustomerPhone            string                 `json:"customer_phone"`
	ServiceName              string                 `json:"service_name"`
	ServiceCategory          string                 `json:"service_category"`
	Room                     string                 `json:"room"`
	PriceCents               int64                  `json:"price_cents"`
	Status                   string                 `json:"status"`
	EstimatedDurationMinutes int                    `json:"estimated_duration_minutes"`
	ScheduledAt              *time.Time             `json:"scheduled_at"`
	Present                  bool                   `json:"present"`
	AssignedStaffName        string                 `json:"assigned_staff_name"`
	PaymentMethodLabel       string                 `json:"payment_method_label"`
	PartialPayment           *partialPaymentRequest `json:"partial_payment"`
}

type partialPaymentRequest struct {
	Method      string `json:"method"`
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
}

type cutRequest struct {
	Cut           models.CutSpecification `json:"cut_specification"`
	DiscountCents *int64                  `json:"discount_cents"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

type loyaltyResponse struct {
	CustomerID string `json:"customer_id"`
	Points     int    `json:"points"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(st store.QueueStore, engine Automation, h *hub.Hub, options Options) *Handler {
	ping := options.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Handler{
		store:        st,
		engine:       engine,
		hub:          h,
		upgrader:     newUpgrader(options.AllowedOrigins),
		pingInterval: ping,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/countdown", h.handleCountdown)
	mux.HandleFunc("/api/queue/items", h.handleCreateItem)
	mux.HandleFunc("/api/queue/items/", h.handleItemActions)
	mux.HandleFunc("/api/customers/", h.handleLoyalty)
	mux.HandleFunc("/ws/queue", h.handleWebsocket)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view := h.engine.View()
	if !view.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:   "degraded",
			Error:    view.SubscriptionError,
			Guidance: view.Guidance,
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view := h.engine.View()
	if room := strings.TrimSpace(r.URL.Query().Get("room")); room != "" {
		writeJSON(w, http.StatusOK, hub.BuildRoomView(view, room))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCountdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	countdown := h.engine.View().Countdown
	if countdown == nil {
		countdown = map[string]*int{}
	}
	writeJSON(w, http.StatusOK, countdown)
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	var req createItemRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.ServiceName = strings.TrimSpace(req.ServiceName)
	req.ServiceCategory = strings.TrimSpace(req.ServiceCategory)
	req.Room = strings.TrimSpace(req.Room)
	req.Status = strings.TrimSpace(req.Status)

	if req.CustomerName == "" || req.ServiceName == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "customer_name and service_name are required")
		return
	}
	if req.Room == "" && req.ServiceCategory == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "room or service_category is required")
		return
	}
	if req.Status == "" {
		req.Status = models.StatusScheduled
	}
	if req.Status != models.StatusScheduled && req.Status != models.StatusConfirmed {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "status must be scheduled or confirmed")
		return
	}
	if req.PriceCents < 0 || req.EstimatedDurationMinutes < 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "price_cents and estimated_duration_minutes must not be negative")
		return
	}
	if req.CustomerPhone != "" && !isValidPhone(req.CustomerPhone) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "customer_phone must be 8-16 digits")
		return
	}

	input := store.CreateItemInput{
		CustomerID:               req.CustomerID,
		CustomerName:             req.CustomerName,
		CustomerEmail:            req.CustomerEmail,
		CustomerPhone:            req.CustomerPhone,
		ServiceName:              req.ServiceName,
		ServiceCategory:          req.ServiceCategory,
		Room:                     req.Room,
		PriceCents:               req.PriceCents,
		Status:                   req.Status,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		ScheduledAt:              req.ScheduledAt,
		Present:                  req.Present,
		AssignedStaffName:        strings.TrimSpace(req.AssignedStaffName),
		PaymentMethodLabel:       strings.TrimSpace(req.PaymentMethodLabel),
		CreatedAt:                time.Now().UTC(),
	}
	if p := req.PartialPayment; p != nil {
		if strings.TrimSpace(p.Method) == "" || p.AmountCents <= 0 {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "partial_payment needs a method and a positive amount_cents")
			return
		}
		input.PartialPayment = &models.PartialPayment{
			Method:      strings.TrimSpace(p.Method),
			PaymentID:   strings.TrimSpace(p.PaymentID),
			Status:      models.PaymentPending,
			AmountCents: p.AmountCents,
		}
	}

	item, err := h.store.CreateItem(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleItemActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queue/items/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	itemID := parts[0]
	action := strings.Join(parts[1:], "/")
	if !isValidUUID(itemID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "item id must be a UUID")
		return
	}

	switch action {
	case "checkin":
		h.handleCheckin(w, r, itemID)
	case "start":
		h.handleStart(w, r, itemID)
	case "cut":
		h.handleRecordCut(w, r, itemID)
	case "finalize":
		h.handleFinalize(w, r, itemID)
	case "partial-payment/settle":
		h.handleSettlePayment(w, r, itemID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	item, err := h.store.GetItem(r.Context(), itemID)
	if err == nil && !store.ValidTransition("checkin", item.Status) {
		err = store.ErrInvalidState
	}
	if err == nil {
		present := true
		err = h.store.UpdateItem(r.Context(), itemID, store.ItemUpdate{Present: &present})
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	item.Present = true
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request, itemID string) {
	item, err := h.engine.StartItem(r.Context(), itemID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleRecordCut(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	var req cutRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Cut == nil && req.DiscountCents == nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "cut_specification or discount_cents is required")
		return
	}
	if req.DiscountCents != nil && *req.DiscountCents < 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "discount_cents must not be negative")
		return
	}

	item, err := h.store.GetItem(r.Context(), itemID)
	if err == nil && !store.ValidTransition("record_cut", item.Status) {
		err = store.ErrInvalidState
	}
	if err == nil {
		err = h.store.UpdateItem(r.Context(), itemID, store.ItemUpdate{
			PendingCut:           req.Cut,
			PendingDiscountCents: req.DiscountCents,
		})
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if req.Cut != nil {
		item.PendingCut = req.Cut
	}
	if req.DiscountCents != nil {
		item.PendingDiscountCents = *req.DiscountCents
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	var req cutRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.DiscountCents != nil && *req.DiscountCents < 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "discount_cents must not be negative")
		return
	}

	result, err := h.engine.FinalizeItem(r.Context(), automation.FinalizeRequest{
		ItemID:        itemID,
		Cut:           req.Cut,
		DiscountCents: req.DiscountCents,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	status := http.StatusOK
	if result.Outcome == automation.OutcomeHeld {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleSettlePayment(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	item, err := h.store.GetItem(r.Context(), itemID)
	if err == nil && item.PartialPayment == nil {
		err = store.ErrInvalidState
	}
	if err == nil {
		err = h.store.UpdateItem(r.Context(), itemID, store.ItemUpdate{
			PartialPaymentStatus: store.StringPtr(models.PaymentPaid),
		})
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	item.PartialPayment.Status = models.PaymentPaid
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleLoyalty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/customers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "loyalty" || strings.TrimSpace(parts[0]) == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	customerID := strings.TrimSpace(parts[0])

	points, err := h.store.GetLoyaltyPoints(r.Context(), customerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, loyaltyResponse{CustomerID: customerID, Points: points})
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	value = strings.TrimPrefix(value, "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// decodeBody decodes a JSON body into target. When optional is set an empty
// body leaves target untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}, optional bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found", "queue item not found"
	case errors.Is(err, store.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "customer not found"
	case errors.Is(err, store.ErrRoomOccupied):
		return http.StatusConflict, "room_occupied", "another visit is in service in this room"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "queue item state does not allow this action"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
