package folio

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/folio/internal/billing"
	"github.com/odyssey-erp/folio/internal/platform/httpx"
	"github.com/odyssey-erp/folio/internal/reservation"
	"github.com/odyssey-erp/folio/internal/shared"
)

const (
	// ActorHeader names the acting user recorded in activity and audit logs.
	ActorHeader = "X-Actor"
	// IdempotencyHeader carries the client supplied replay key.
	IdempotencyHeader = "Idempotency-Key"
)

// Handler serves the billing JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Handler{logger: logger, service: service, validate: v}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(actorMiddleware)
		r.Post("/reservations", h.createReservation)
		r.Route("/reservations/{id}", func(r chi.Router) {
			r.Get("/", h.getReservation)
			r.Get("/items", h.listItems)
			r.Post("/invoices", h.createInvoice)
			r.Route("/invoices/{invoiceID}", func(r chi.Router) {
				r.Delete("/", h.deleteProforma)
				r.Post("/credit", h.creditInvoice)
				r.Post("/amend", h.amendInvoice)
				r.Post("/finalize", h.finalizeProforma)
				r.Post("/export", h.requestExport)
				r.Get("/balance", h.balance)
				r.Get("/document", h.document)
			})
			r.Put("/payments/{paymentID}/link", h.linkPayment)
			r.Delete("/payments/{paymentID}/link", h.unlinkPayment)
		})
	})
}

type createInvoiceRequest struct {
	Type       billing.InvoiceType    `json:"type" validate:"required,oneof=standard proforma"`
	Keys       []string               `json:"keys" validate:"required,min=1,dive,required"`
	Labels     map[string]string      `json:"labels" validate:"omitempty,dive,max=200"`
	Recipient  *billing.Recipient     `json:"recipient" validate:"-"`
	Reference  string                 `json:"reference" validate:"max=120"`
	Linking    billing.PaymentLinking `json:"payment_linking" validate:"omitempty,oneof=none quick explicit"`
	PaymentIDs []string               `json:"payment_ids" validate:"required_if=Linking explicit,dive,required"`
	Checkout   bool                   `json:"checkout"`
}

type amendInvoiceRequest struct {
	Recipient *billing.Recipient `json:"recipient" validate:"-"`
	Reference string             `json:"reference" validate:"max=120"`
}

type linkPaymentRequest struct {
	InvoiceID int64 `json:"invoice_id" validate:"required,gt=0"`
}

type exportRequest struct {
	Format string `json:"format" validate:"omitempty,oneof=text pdf"`
}

func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	var req billing.Reservation
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		h.fail(w, fmt.Errorf("%w: id required", httpx.ErrValidation))
		return
	}
	created, err := h.service.CreateReservation(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Reservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	items, err := h.service.Items(r.Context(), chi.URLParam(r, "id"), all)
	if err != nil {
		h.fail(w, err)
		return
	}
	if items == nil {
		items = []billing.BillableItem{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": billing.Total(items)})
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader), billing.CreateInvoiceInput{
		Type:       req.Type,
		Keys:       req.Keys,
		Labels:     req.Labels,
		Recipient:  req.Recipient,
		Reference:  req.Reference,
		Linking:    req.Linking,
		PaymentIDs: req.PaymentIDs,
		Checkout:   req.Checkout,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) creditInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	credit, err := h.service.CreditInvoice(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader), invoiceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, credit)
}

func (h *Handler) amendInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req amendInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.AmendInvoice(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader), billing.AmendInvoiceInput{
		InvoiceID: invoiceID,
		Recipient: req.Recipient,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) finalizeProforma(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.FinalizeProforma(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader), invoiceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) deleteProforma(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteProforma(r.Context(), chi.URLParam(r, "id"), invoiceID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) linkPayment(w http.ResponseWriter, r *http.Request) {
	var req linkPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.LinkPayment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "paymentID"), req.InvoiceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) unlinkPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.UnlinkPayment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	bal, err := h.service.Balance(r.Context(), chi.URLParam(r, "id"), invoiceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) document(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Document(r.Context(), chi.URLParam(r, "id"), invoiceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		httpx.JSON(w, http.StatusOK, doc)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc.Body))
}

func (h *Handler) requestExport(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Format == "" {
		req.Format = "pdf"
	}
	taskID, err := h.service.RequestExport(r.Context(), chi.URLParam(r, "id"), invoiceID, req.Format)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "format": req.Format})
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "invoiceID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return 0, false
	}
	return id, true
}

// decode reads and validates a JSON body. An empty body is accepted for
// requests whose fields are all optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, dst); err != nil {
			h.fail(w, fmt.Errorf("%w: malformed JSON body", httpx.ErrValidation))
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			h.fail(w, fmt.Errorf("%w: field %s: %s", httpx.ErrValidation, verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		h.fail(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	mapped := httpError(err)
	if mapped == nil {
		if !errors.Is(err, httpx.ErrValidation) {
			h.logger.Error("billing request failed", slog.Any("error", err))
		}
		mapped = err
	}
	httpx.RespondError(w, mapped)
}

// httpError tags domain errors with the httpx sentinel that selects the
// status. It returns nil for errors it does not recognise.
func httpError(err error) error {
	switch {
	case errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrPaymentNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, billing.ErrMissingRecipientField),
		errors.Is(err, billing.ErrInvalidInvoiceType),
		errors.Is(err, billing.ErrLinkMismatch):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case billing.IsPrecondition(err),
		errors.Is(err, reservation.ErrVersionConflict),
		errors.Is(err, reservation.ErrExists),
		errors.Is(err, shared.ErrIdempotencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, reservation.ErrLocked):
		return fmt.Errorf("%w: %w", httpx.ErrLocked, err)
	case errors.Is(err, ErrExportsDisabled):
		return fmt.Errorf("%w: %w", httpx.ErrServiceUnavail, err)
	}
	return nil
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
