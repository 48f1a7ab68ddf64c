package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/store"
)

// Service is the queue surface the HTTP adapter drives. *queue.Service
// satisfies it.
type Service interface {
	IssueTicket(ctx context.Context, req queue.IssueRequest) (models.Ticket, error)
	PullNext(ctx context.Context, counterCode string) (models.Ticket, error)
	Complete(ctx context.Context, ref models.TicketRef) (models.Ticket, error)
	QueryStatus(ctx context.Context, ref models.TicketRef, counterCode string) (queue.TicketStatus, error)
	Snapshot(ctx context.Context, counterCode string) (queue.Snapshot, error)
	TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	Counters(ctx context.Context) ([]models.Counter, error)
	OutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error)
}

type Handler struct {
	service  Service
	validate *validator.Validate
	health   func(ctx context.Context) error
	logger   *zap.Logger
}

type issueTicketRequest struct {
	RequestID   string          `json:"request_id" validate:"omitempty,uuid"`
	ServiceDay  string          `json:"service_day" validate:"omitempty,datetime=2006-01-02"`
	CounterCode string          `json:"counter_code" validate:"omitempty,max=16"`
	Customer    customerRequest `json:"customer"`
}

type customerRequest struct {
	Name    string `json:"name" validate:"max=120"`
	Phone   string `json:"phone" validate:"omitempty,numeric,min=8,max=16"`
	Address string `json:"address" validate:"max=255"`
}

type callNextRequest struct {
	RequestID   string `json:"request_id" validate:"omitempty,uuid"`
	CounterCode string `json:"counter_code" validate:"required,max=16"`
}

type ticketActionRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid"`
}

type completeByNumberRequest struct {
	RequestID     string `json:"request_id" validate:"omitempty,uuid"`
	ServiceDay    string `json:"service_day" validate:"omitempty,datetime=2006-01-02"`
	DisplayNumber string `json:"display_number" validate:"required,max=32"`
}

type ticketStatusResponse struct {
	models.Ticket
	QueuePosition        *int `json:"queue_position"`
	EstimatedWaitMinutes *int `json:"estimated_wait_minutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	// Health reports backing store readiness for /healthz. Nil means always healthy.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

func NewHandler(service Service, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:  service,
		validate: newValidator(),
		health:   options.Health,
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/actions/complete", h.handleCompleteByNumber)
	mux.HandleFunc("/api/tickets/lookup", h.handleLookup)
	mux.HandleFunc("/api/tickets/", h.handleTicketResource)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, "", http.StatusServiceUnavailable, "unavailable", "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)

	input := queue.IssueRequest{
		ServiceDay:  models.ServiceDay(req.ServiceDay),
		CounterCode: strings.TrimSpace(req.CounterCode),
		RequestID:   req.RequestID,
		Customer: models.Customer{
			Name:    strings.TrimSpace(req.Customer.Name),
			Phone:   req.Customer.Phone,
			Address: strings.TrimSpace(req.Customer.Address),
		},
	}

	ticket, err := h.service.IssueTicket(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	ticket, err := h.service.PullNext(r.Context(), strings.TrimSpace(req.CounterCode))
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, req.RequestID), err)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCompleteByNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req completeByNumberRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	ref := models.RefByNumber(models.ServiceDay(req.ServiceDay), strings.TrimSpace(req.DisplayNumber))
	ticket, err := h.service.Complete(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, req.RequestID), err)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r, "")

	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "number is required")
		return
	}
	var day models.ServiceDay
	if raw := strings.TrimSpace(r.URL.Query().Get("service_day")); raw != "" {
		parsed, err := models.ParseServiceDay(raw)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "service_day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	h.writeTicketStatus(w, r, requestID, models.RefByNumber(day, number))
}

// handleTicketResource serves /api/tickets/{id}, /api/tickets/{id}/events and
// /api/tickets/{id}/actions/complete.
func (h *Handler) handleTicketResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.writeTicketStatus(w, r, requestIDFrom(r, ""), models.RefByID(ticketID))
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketEvents(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCompleteTicket(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) writeTicketStatus(w http.ResponseWriter, r *http.Request, requestID string, ref models.TicketRef) {
	counter := strings.TrimSpace(r.URL.Query().Get("counter"))
	status, err := h.service.QueryStatus(r.Context(), ref, counter)
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketStatusResponse{
		Ticket:               status.Ticket,
		QueuePosition:        status.QueuePosition,
		EstimatedWaitMinutes: status.EstimatedWaitMinutes,
	})
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	events, err := h.service.TicketEvents(r.Context(), ticketID)
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleCompleteTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req ticketActionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	ticket, err := h.service.Complete(r.Context(), models.RefByID(ticketID))
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, req.RequestID), err)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counter := strings.TrimSpace(r.URL.Query().Get("counter"))
	snapshot, err := h.service.Snapshot(r.Context(), counter)
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.service.Counters(r.Context())
	if err != nil {
		h.writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}

	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after int64
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := strconv.ParseInt(afterRaw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be a non-negative event seq")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be an integer between 1 and 1000")
			return
		}
		limit = parsed
	}

	events, err := h.service.OutboxEvents(r.Context(), after, limit)
	if err != nil {
		h.writeServiceError(w, "", err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// decodeRequest decodes and validates a JSON body. An empty body decodes to
// the zero value so required-field checks still apply.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "invalid request payload"
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func requestIDFrom(r *http.Request, bodyID string) string {
	if bodyID = strings.TrimSpace(bodyID); bodyID != "" {
		return bodyID
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	var qerr *queue.Error
	if errors.As(err, &qerr) {
		msg := qerr.Message
		if msg == "" {
			msg = strings.ReplaceAll(string(qerr.Kind), "_", " ")
		}
		switch qerr.Kind {
		case queue.KindAllocationExhausted:
			return http.StatusServiceUnavailable, string(qerr.Kind), msg
		case queue.KindNoEligibleTickets:
			return http.StatusNotFound, string(qerr.Kind), msg
		case queue.KindInvalidTransition:
			return http.StatusConflict, string(qerr.Kind), msg
		case queue.KindUnknownCounter, queue.KindTicketNotFound:
			return http.StatusNotFound, string(qerr.Kind), msg
		}
	}
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, string(queue.KindTicketNotFound), "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, string(queue.KindUnknownCounter), "counter not found"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrUniqueViolation):
		return http.StatusServiceUnavailable, "conflict", "ticket store is busy, retry the request"
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
