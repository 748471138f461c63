// Package folio exposes the billing engine as a service: it serialises writers
// per reservation, persists results and serves the JSON API.
package folio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/folio/internal/billing"
	"github.com/odyssey-erp/folio/internal/observability"
	"github.com/odyssey-erp/folio/internal/reservation"
	"github.com/odyssey-erp/folio/internal/shared"
)

// ErrExportsDisabled indicates no export queue is configured.
var ErrExportsDisabled = errors.New("folio: document export not configured")

// AuditPort records business events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort rejects replayed requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ExportQueue schedules asynchronous document exports.
type ExportQueue interface {
	EnqueueInvoiceExport(ctx context.Context, reservationID string, invoiceID int64, format string) (string, error)
}

// Document is a rendered billing document.
type Document struct {
	ReservationID string              `json:"reservation_id"`
	InvoiceID     int64               `json:"invoice_id"`
	Number        string              `json:"number"`
	Type          billing.InvoiceType `json:"type"`
	Body          string              `json:"body"`
}

// AmendResult carries both documents produced by an amendment.
type AmendResult struct {
	Credit  billing.Invoice `json:"credit"`
	Invoice billing.Invoice `json:"invoice"`
}

// Service coordinates billing operations against stored reservations.
type Service struct {
	engine  *billing.Engine
	store   reservation.Store
	locker  reservation.Locker
	audit   AuditPort
	idem    IdempotencyPort
	exports ExportQueue
	metrics *observability.Metrics
	logger  *slog.Logger
	docs    singleflight.Group
	now     func() time.Time
}

// NewService builds a Service. audit may be nil.
func NewService(engine *billing.Engine, store reservation.Store, locker reservation.Locker, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, store: store, locker: locker, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock used for audit records.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithIdempotency enables Idempotency-Key handling.
func (s *Service) WithIdempotency(idem IdempotencyPort) {
	s.idem = idem
}

// WithExports enables document export requests.
func (s *Service) WithExports(exports ExportQueue) {
	s.exports = exports
}

// WithMetrics enables operation counters.
func (s *Service) WithMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Reservation returns the stored reservation.
func (s *Service) Reservation(ctx context.Context, id string) (billing.Reservation, error) {
	return s.store.Get(ctx, id)
}

// CreateReservation stores a new reservation after checking its payment links.
func (s *Service) CreateReservation(ctx context.Context, r billing.Reservation) (billing.Reservation, error) {
	if err := billing.CheckLinks(r); err != nil {
		return billing.Reservation{}, err
	}
	created, err := s.store.Create(ctx, r)
	s.metrics.RecordOperation("create_reservation", outcome(err))
	return created, err
}

// Items lists uninvoiced items, or every billable item when all is set.
func (s *Service) Items(ctx context.Context, id string, all bool) ([]billing.BillableItem, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if all {
		return s.engine.DeriveBillableItems(r)
	}
	return s.engine.UninvoicedItems(r)
}

// CreateInvoice issues a standard invoice or proforma.
func (s *Service) CreateInvoice(ctx context.Context, id, idemKey string, in billing.CreateInvoiceInput) (billing.Invoice, error) {
	var inv billing.Invoice
	_, err := s.mutate(ctx, "create_invoice", id, idemKey, func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		in.Actor = actor
		created, next, err := s.engine.CreateInvoice(ctx, r, in)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		inv = created
		return next, invoiceAudit("invoice.create", created, map[string]any{
			"amount":          created.Amount.String(),
			"items":           len(created.Items),
			"linked_payments": created.LinkedPayments,
			"checkout":        in.Checkout,
		}), nil
	})
	if err == nil {
		s.metrics.RecordDocument(string(inv.Type))
	}
	return inv, err
}

// CreditInvoice reverses an invoice with a credit note.
func (s *Service) CreditInvoice(ctx context.Context, id, idemKey string, invoiceID int64) (billing.Invoice, error) {
	var credit billing.Invoice
	_, err := s.mutate(ctx, "credit_invoice", id, idemKey, func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		note, next, err := s.engine.CreditInvoice(ctx, r, invoiceID, actor)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		credit = note
		return next, invoiceAudit("invoice.credit", note, map[string]any{"credit_for": note.CreditFor}), nil
	})
	if err == nil {
		s.metrics.RecordDocument(string(credit.Type))
	}
	return credit, err
}

// AmendInvoice credits and reissues an invoice.
func (s *Service) AmendInvoice(ctx context.Context, id, idemKey string, in billing.AmendInvoiceInput) (AmendResult, error) {
	var result AmendResult
	_, err := s.mutate(ctx, "amend_invoice", id, idemKey, func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		in.Actor = actor
		res, err := s.engine.AmendInvoice(ctx, r, in)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		result = AmendResult{Credit: res.Credit, Invoice: res.Invoice}
		return res.Reservation, invoiceAudit("invoice.amend", res.Invoice, map[string]any{
			"amends":      res.Invoice.AmendsInvoice,
			"credit_note": res.Credit.Number,
			"recipient":   res.Invoice.Recipient.Name,
		}), nil
	})
	if err == nil {
		s.metrics.RecordDocument(string(result.Credit.Type))
		s.metrics.RecordDocument(string(result.Invoice.Type))
	}
	return result, err
}

// FinalizeProforma converts a proforma into a standard invoice.
func (s *Service) FinalizeProforma(ctx context.Context, id, idemKey string, invoiceID int64) (billing.Invoice, error) {
	var inv billing.Invoice
	_, err := s.mutate(ctx, "finalize_proforma", id, idemKey, func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		created, next, err := s.engine.FinalizeProforma(ctx, r, invoiceID, actor)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		inv = created
		return next, invoiceAudit("proforma.finalize", created, map[string]any{"from_proforma": created.FromProforma}), nil
	})
	if err == nil {
		s.metrics.RecordDocument(string(inv.Type))
	}
	return inv, err
}

// DeleteProforma removes an unfinalized proforma.
func (s *Service) DeleteProforma(ctx context.Context, id string, invoiceID int64) error {
	_, err := s.mutate(ctx, "delete_proforma", id, "", func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		next, err := s.engine.DeleteProforma(r, invoiceID, actor)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		return next, shared.AuditLog{
			Action:   "proforma.delete",
			Entity:   "invoice",
			EntityID: strconv.FormatInt(invoiceID, 10),
		}, nil
	})
	return err
}

// LinkPayment links a payment to an invoice.
func (s *Service) LinkPayment(ctx context.Context, id, paymentID string, invoiceID int64) (billing.Reservation, error) {
	return s.mutate(ctx, "link_payment", id, "", func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		next, err := s.engine.LinkPayment(r, paymentID, invoiceID, actor)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		return next, shared.AuditLog{
			Action:   "payment.link",
			Entity:   "payment",
			EntityID: paymentID,
			Meta:     map[string]any{"invoice_id": invoiceID},
		}, nil
	})
}

// UnlinkPayment returns a payment to the unlinked pool.
func (s *Service) UnlinkPayment(ctx context.Context, id, paymentID string) (billing.Reservation, error) {
	return s.mutate(ctx, "unlink_payment", id, "", func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error) {
		next, err := s.engine.UnlinkPayment(r, paymentID, actor)
		if err != nil {
			return billing.Reservation{}, shared.AuditLog{}, err
		}
		return next, shared.AuditLog{Action: "payment.unlink", Entity: "payment", EntityID: paymentID}, nil
	})
}

// Balance reports the due amount of an invoice.
func (s *Service) Balance(ctx context.Context, id string, invoiceID int64) (billing.Balance, error) {
	r, inv, err := s.invoice(ctx, id, invoiceID)
	if err != nil {
		return billing.Balance{}, err
	}
	return billing.DueAmount(inv, r.Payments), nil
}

// Document renders an invoice. Concurrent renders of the same reservation
// version share one result.
func (s *Service) Document(ctx context.Context, id string, invoiceID int64) (Document, error) {
	r, inv, err := s.invoice(ctx, id, invoiceID)
	if err != nil {
		return Document{}, err
	}
	key := fmt.Sprintf("%s:%d:%d", id, invoiceID, r.Version)
	ch := s.docs.DoChan(key, func() (interface{}, error) {
		return s.engine.RenderDocument(inv, r)
	})
	select {
	case <-ctx.Done():
		return Document{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Document{}, res.Err
		}
		return Document{
			ReservationID: id,
			InvoiceID:     inv.ID,
			Number:        inv.Number,
			Type:          inv.Type,
			Body:          res.Val.(string),
		}, nil
	}
}

// RequestExport queues an export of an invoice document and returns the task id.
func (s *Service) RequestExport(ctx context.Context, id string, invoiceID int64, format string) (string, error) {
	if s.exports == nil {
		return "", ErrExportsDisabled
	}
	if _, _, err := s.invoice(ctx, id, invoiceID); err != nil {
		return "", err
	}
	taskID, err := s.exports.EnqueueInvoiceExport(ctx, id, invoiceID, format)
	s.metrics.RecordOperation("request_export", outcome(err))
	if err != nil {
		return "", fmt.Errorf("folio: enqueue export: %w", err)
	}
	return taskID, nil
}

func (s *Service) invoice(ctx context.Context, id string, invoiceID int64) (billing.Reservation, billing.Invoice, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return billing.Reservation{}, billing.Invoice{}, err
	}
	for _, inv := range r.Invoices {
		if inv.ID == invoiceID {
			return r, inv, nil
		}
	}
	return billing.Reservation{}, billing.Invoice{}, billing.ErrInvoiceNotFound
}

type applyFunc func(r billing.Reservation, actor string) (billing.Reservation, shared.AuditLog, error)

// mutate runs apply under the reservation lock and persists its result.
// A non-empty idemKey is claimed first and released again on failure.
func (s *Service) mutate(ctx context.Context, op, id, idemKey string, apply applyFunc) (billing.Reservation, error) {
	if idemKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idemKey, "folio."+op); err != nil {
			s.metrics.RecordOperation(op, "duplicate")
			return billing.Reservation{}, err
		}
	}
	saved, err := s.mutateLocked(ctx, op, id, apply)
	if err != nil && idemKey != "" && s.idem != nil {
		if delErr := s.idem.Delete(context.WithoutCancel(ctx), idemKey); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("op", op), slog.Any("error", delErr))
		}
	}
	s.metrics.RecordOperation(op, outcome(err))
	return saved, err
}

func (s *Service) mutateLocked(ctx context.Context, op, id string, apply applyFunc) (billing.Reservation, error) {
	start := time.Now()
	release, err := s.locker.Acquire(ctx, shared.ReservationLockKey(id))
	if err != nil {
		return billing.Reservation{}, err
	}
	s.metrics.ObserveLockWait(time.Since(start))
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release reservation lock", slog.String("reservation", id), slog.Any("error", err))
		}
	}()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return billing.Reservation{}, err
	}
	actor := shared.ActorFromContext(ctx)
	if actor == "" {
		actor = billing.SystemUser
	}
	next, entry, err := apply(current, actor)
	if err != nil {
		return billing.Reservation{}, err
	}
	if err := billing.CheckLinks(next); err != nil {
		s.logger.Error("refusing to persist inconsistent links", slog.String("op", op), slog.String("reservation", id), slog.Any("error", err))
		return billing.Reservation{}, err
	}
	next.Version = current.Version
	saved, err := s.store.Save(ctx, next)
	if err != nil {
		return billing.Reservation{}, err
	}

	if s.audit != nil {
		entry.Actor = actor
		entry.At = s.now()
		if entry.Meta == nil {
			entry.Meta = map[string]any{}
		}
		entry.Meta["reservation_id"] = id
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record", slog.String("op", op), slog.Any("error", err))
		}
	}
	s.logger.Info("billing operation", slog.String("op", op), slog.String("reservation", id), slog.String("actor", actor), slog.Int64("version", saved.Version))
	return saved, nil
}

func invoiceAudit(action string, inv billing.Invoice, meta map[string]any) shared.AuditLog {
	meta["number"] = inv.Number
	meta["type"] = string(inv.Type)
	return shared.AuditLog{
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(inv.ID, 10),
		Meta:     meta,
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case billing.IsPrecondition(err), errors.Is(err, billing.ErrMissingRecipientField):
		return "rejected"
	default:
		return "error"
	}
}
