// Package billing implements the reservation billing ledger: deriving
// billable items, issuing standard, proforma and credit documents, and
// keeping payment links consistent with them.
//
// Every operation takes a Reservation value and returns a new one; inputs are
// never mutated and nothing is persisted here. Callers must serialise
// operations per reservation (single writer); running two operations against
// the same reservation concurrently and saving both results is undefined.
package billing

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/folio/internal/numbering"
)

// SystemUser is recorded in the activity log when no actor is supplied.
const SystemUser = "system"

// NumberSource issues document numbers. Implementations must be atomic per
// tenant and kind.
type NumberSource interface {
	Next(ctx context.Context, kind numbering.Kind) (string, error)
}

// Config carries hotel catalog settings used during derivation and rendering.
type Config struct {
	RoomVATRate decimal.Decimal
	Currency    string
	Locale      language.Tag
}

// Engine applies billing operations to reservation snapshots.
type Engine struct {
	cfg      Config
	numbers  NumberSource
	validate *validator.Validate
	fmt      formatter
	now      func() time.Time
	newID    func() string
}

// NewEngine builds an Engine.
func NewEngine(cfg Config, numbers NumberSource) *Engine {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Engine{
		cfg:      cfg,
		numbers:  numbers,
		validate: v,
		fmt:      newFormatter(cfg),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithNow overrides the clock.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithIDs overrides the activity log id generator.
func (e *Engine) WithIDs(newID func() string) {
	if newID != nil {
		e.newID = newID
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) appendLog(r *Reservation, actor, action string) {
	if actor == "" {
		actor = SystemUser
	}
	r.ActivityLog = append(r.ActivityLog, ActivityLogEntry{
		ID:        e.newID(),
		Timestamp: e.now(),
		Action:    action,
		User:      actor,
	})
}

func (e *Engine) nextNumber(ctx context.Context, kind numbering.Kind) (string, error) {
	if e.numbers == nil {
		return "", errors.New("billing: number source not configured")
	}
	return e.numbers.Next(ctx, kind)
}

// resolveRecipient picks override, then the reservation's billing recipient,
// then the booker, and validates the result.
func (e *Engine) resolveRecipient(r Reservation, override *Recipient) (Recipient, error) {
	switch {
	case override != nil:
		return e.checkRecipient(*override)
	case r.BillingRecipient != nil:
		return e.checkRecipient(*r.BillingRecipient)
	default:
		return e.checkRecipient(bookerRecipient(r.Booker))
	}
}

func (e *Engine) checkRecipient(rec Recipient) (Recipient, error) {
	if rec.Kind == "" {
		rec.Kind = RecipientIndividual
	}
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Kind == RecipientIndividual {
		rec.VATNumber = ""
		rec.PeppolID = ""
	}
	if err := e.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Recipient{}, &FieldError{Field: "recipient." + verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return Recipient{}, err
	}
	return rec, nil
}

func bookerRecipient(g Guest) Recipient {
	return Recipient{
		Kind:       RecipientIndividual,
		Name:       strings.TrimSpace(g.FirstName + " " + g.LastName),
		Email:      g.Email,
		Street:     g.Street,
		PostalCode: g.PostalCode,
		City:       g.City,
		Country:    g.Country,
	}
}

func nextInvoiceID(invoices []Invoice) int64 {
	var last int64
	for _, inv := range invoices {
		if inv.ID > last {
			last = inv.ID
		}
	}
	return last + 1
}

func findInvoice(invoices []Invoice, id int64) int {
	for idx, inv := range invoices {
		if inv.ID == id {
			return idx
		}
	}
	return -1
}

func findInvoiceByNumber(invoices []Invoice, number string) int {
	for idx, inv := range invoices {
		if inv.Number == number {
			return idx
		}
	}
	return -1
}

func findPayment(payments []Payment, id string) int {
	for idx, p := range payments {
		if p.ID == id {
			return idx
		}
	}
	return -1
}
