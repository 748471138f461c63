package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is the settlement view of one invoice.
type Balance struct {
	Total    decimal.Decimal `json:"total"`
	Paid     decimal.Decimal `json:"paid"`
	Expected decimal.Decimal `json:"expected"`
	Due      decimal.Decimal `json:"due"`
	Void     bool            `json:"void"`
}

// LinkPayment attaches a completed payment to a standard invoice, moving it
// off any invoice it was linked to before.
func (e *Engine) LinkPayment(r Reservation, paymentID string, invoiceID int64, actor string) (Reservation, error) {
	pi := findPayment(r.Payments, paymentID)
	if pi < 0 {
		return Reservation{}, ErrPaymentNotFound
	}
	ii := findInvoice(r.Invoices, invoiceID)
	if ii < 0 {
		return Reservation{}, ErrInvoiceNotFound
	}
	p, inv := r.Payments[pi], r.Invoices[ii]
	if p.Status != PaymentCompleted {
		return Reservation{}, fmt.Errorf("%w: payment %s is %s", ErrNotLinkable, p.ID, p.Status)
	}
	if inv.Frozen() {
		return Reservation{}, fmt.Errorf("%w: invoice %s is %s", ErrNotLinkable, inv.Number, inv.Status)
	}
	if inv.Type != InvoiceStandard {
		return Reservation{}, fmt.Errorf("%w: %s %s does not hold payments", ErrNotLinkable, inv.Type, inv.Number)
	}

	next := r.Clone()
	if p.LinkedInvoice == inv.Number {
		return next, nil
	}
	previous := p.LinkedInvoice
	if previous != "" {
		if pj := findInvoiceByNumber(next.Invoices, previous); pj >= 0 {
			next.Invoices[pj].LinkedPayments = without(next.Invoices[pj].LinkedPayments, p.ID)
		}
	}
	next.Payments[pi].LinkedInvoice = inv.Number
	next.Invoices[ii].LinkedPayments = append(without(next.Invoices[ii].LinkedPayments, p.ID), p.ID)

	action := fmt.Sprintf("Payment of %s (%s) linked to invoice %s", e.fmt.money(p.Amount), p.Method, inv.Number)
	if previous != "" {
		action += ", moved from " + previous
	}
	e.appendLog(&next, actor, action)
	return next, nil
}

// UnlinkPayment returns a payment to the unlinked pool. Unlinking a payment
// that holds no link is a no-op.
func (e *Engine) UnlinkPayment(r Reservation, paymentID string, actor string) (Reservation, error) {
	pi := findPayment(r.Payments, paymentID)
	if pi < 0 {
		return Reservation{}, ErrPaymentNotFound
	}
	p := r.Payments[pi]
	if p.Status != PaymentCompleted {
		return Reservation{}, fmt.Errorf("%w: payment %s is %s", ErrNotLinkable, p.ID, p.Status)
	}
	next := r.Clone()
	if p.LinkedInvoice == "" {
		return next, nil
	}
	if ii := findInvoiceByNumber(next.Invoices, p.LinkedInvoice); ii >= 0 {
		if inv := next.Invoices[ii]; inv.Frozen() {
			return Reservation{}, fmt.Errorf("%w: invoice %s is %s", ErrNotLinkable, inv.Number, inv.Status)
		}
		next.Invoices[ii].LinkedPayments = without(next.Invoices[ii].LinkedPayments, p.ID)
	}
	next.Payments[pi].LinkedInvoice = ""
	e.appendLog(&next, actor, fmt.Sprintf("Payment of %s (%s) unlinked from invoice %s", e.fmt.money(p.Amount), p.Method, p.LinkedInvoice))
	return next, nil
}

// DueAmount computes what is still owed on inv. Only completed payments linked
// to it count; unconfirmed bank transfers are reported as Expected and do not
// reduce Due. Credit notes, proformas and credited invoices owe nothing; a
// finalized proforma's charge is owed on the invoice minted from it.
func DueAmount(inv Invoice, payments []Payment) Balance {
	b := Balance{Total: inv.Amount, Paid: decimal.Zero, Expected: decimal.Zero, Due: decimal.Zero}
	if inv.Status == InvoiceCredited {
		b.Void = true
		return b
	}
	if inv.Type != InvoiceStandard {
		return b
	}
	for _, p := range linkedPayments(inv, payments) {
		if p.Expected() {
			b.Expected = b.Expected.Add(p.Amount)
			continue
		}
		b.Paid = b.Paid.Add(p.Amount)
	}
	b.Due = inv.Amount.Sub(b.Paid)
	return b
}

// CheckLinks verifies that payment and invoice link lists mirror each other.
func CheckLinks(r Reservation) error {
	byNumber := make(map[string]Invoice, len(r.Invoices))
	for _, inv := range r.Invoices {
		byNumber[inv.Number] = inv
	}
	byID := make(map[string]Payment, len(r.Payments))
	for _, p := range r.Payments {
		byID[p.ID] = p
		if p.LinkedInvoice == "" {
			continue
		}
		inv, ok := byNumber[p.LinkedInvoice]
		if !ok {
			return fmt.Errorf("%w: payment %s references unknown invoice %s", ErrLinkMismatch, p.ID, p.LinkedInvoice)
		}
		if !contains(inv.LinkedPayments, p.ID) {
			return fmt.Errorf("%w: invoice %s does not list payment %s", ErrLinkMismatch, inv.Number, p.ID)
		}
	}
	for _, inv := range r.Invoices {
		seen := make(map[string]struct{}, len(inv.LinkedPayments))
		for _, id := range inv.LinkedPayments {
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: invoice %s lists payment %s twice", ErrLinkMismatch, inv.Number, id)
			}
			seen[id] = struct{}{}
			p, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: invoice %s lists unknown payment %s", ErrLinkMismatch, inv.Number, id)
			}
			if p.LinkedInvoice != inv.Number {
				return fmt.Errorf("%w: payment %s is not linked to invoice %s", ErrLinkMismatch, id, inv.Number)
			}
		}
	}
	return nil
}

// linkedPayments returns the completed payments linked to inv in payment order.
func linkedPayments(inv Invoice, payments []Payment) []Payment {
	var out []Payment
	for _, p := range payments {
		if p.LinkedInvoice == "" || p.LinkedInvoice != inv.Number || p.Status != PaymentCompleted {
			continue
		}
		out = append(out, p)
	}
	return out
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
