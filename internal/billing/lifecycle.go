package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/folio/internal/numbering"
)

// PaymentLinking selects how CreateInvoice attaches payments.
type PaymentLinking string

const (
	// LinkNone leaves every payment untouched.
	LinkNone PaymentLinking = "none"
	// LinkQuick links every completed, unlinked payment.
	LinkQuick PaymentLinking = "quick"
	// LinkExplicit links only the listed payments that are completed and unlinked.
	LinkExplicit PaymentLinking = "explicit"
)

// CreateInvoiceInput describes a new standard invoice or proforma.
type CreateInvoiceInput struct {
	Type       InvoiceType
	Keys       []string
	Labels     map[string]string
	Recipient  *Recipient
	Reference  string
	Linking    PaymentLinking
	PaymentIDs []string
	Checkout   bool
	Actor      string
}

// AmendInvoiceInput describes the reissue of an invoice.
type AmendInvoiceInput struct {
	InvoiceID int64
	Recipient *Recipient
	Reference string
	Actor     string
}

// AmendResult groups the documents produced by an amendment.
type AmendResult struct {
	Credit      Invoice
	Invoice     Invoice
	Reservation Reservation
}

// CreateInvoice snapshots the selected uninvoiced items into a new standard
// invoice or proforma. Proformas never hold payment links.
func (e *Engine) CreateInvoice(ctx context.Context, r Reservation, in CreateInvoiceInput) (Invoice, Reservation, error) {
	kind, err := numberKind(in.Type)
	if err != nil {
		return Invoice{}, Reservation{}, err
	}
	available, err := e.UninvoicedItems(r)
	if err != nil {
		return Invoice{}, Reservation{}, err
	}
	wanted := make(map[string]struct{}, len(in.Keys))
	for _, key := range in.Keys {
		wanted[key] = struct{}{}
	}
	var items []BillableItem
	for _, item := range available {
		if _, ok := wanted[item.Key]; !ok {
			continue
		}
		if label := strings.TrimSpace(in.Labels[item.Key]); label != "" {
			item.Label = label
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return Invoice{}, Reservation{}, ErrEmptySelection
	}
	recipient, err := e.resolveRecipient(r, in.Recipient)
	if err != nil {
		return Invoice{}, Reservation{}, err
	}
	number, err := e.nextNumber(ctx, kind)
	if err != nil {
		return Invoice{}, Reservation{}, fmt.Errorf("billing: next %s number: %w", kind, err)
	}

	next := r.Clone()
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = r.Reference
	}
	inv := Invoice{
		ID:             nextInvoiceID(next.Invoices),
		Number:         number,
		Date:           e.now(),
		Amount:         Total(items),
		Type:           in.Type,
		Status:         InvoiceCreated,
		Items:          items,
		LinkedPayments: []string{},
		Recipient:      recipient,
		Reference:      reference,
	}
	if in.Type == InvoiceStandard {
		for _, idx := range selectPayments(next.Payments, in.Linking, in.PaymentIDs) {
			next.Payments[idx].LinkedInvoice = number
			inv.LinkedPayments = append(inv.LinkedPayments, next.Payments[idx].ID)
		}
	}
	next.Invoices = append(next.Invoices, inv)

	if in.Type == InvoiceProforma {
		e.appendLog(&next, in.Actor, fmt.Sprintf("Proforma %s created: %s, %s",
			number, e.fmt.money(inv.Amount), plural(len(items), "item")))
	} else {
		e.appendLog(&next, in.Actor, fmt.Sprintf("Invoice %s created: %s, %s, %s linked",
			number, e.fmt.money(inv.Amount), plural(len(items), "item"), plural(len(inv.LinkedPayments), "payment")))
	}
	if in.Checkout {
		for idx := range next.Rooms {
			next.Rooms[idx].Status = StayCheckedOut
		}
		next.Status = StayCheckedOut
		e.appendLog(&next, in.Actor, fmt.Sprintf("Checked out %s with invoice %s", plural(len(next.Rooms), "room"), number))
	}
	return inv.clone(), next, nil
}

// CreditInvoice reverses an invoice in full. The original's items become
// invoiceable again and its payments return to the unlinked pool.
func (e *Engine) CreditInvoice(ctx context.Context, r Reservation, invoiceID int64, actor string) (Invoice, Reservation, error) {
	idx := findInvoice(r.Invoices, invoiceID)
	if idx < 0 {
		return Invoice{}, Reservation{}, ErrInvoiceNotFound
	}
	orig := r.Invoices[idx]
	if err := creditable(orig); err != nil {
		return Invoice{}, Reservation{}, err
	}
	number, err := e.nextNumber(ctx, numbering.KindCredit)
	if err != nil {
		return Invoice{}, Reservation{}, fmt.Errorf("billing: next credit number: %w", err)
	}

	next := r.Clone()
	credit, _ := e.applyCredit(&next, idx, number)
	e.appendLog(&next, actor, fmt.Sprintf("Credit note %s for %s: items released", credit.Number, orig.Number))
	return credit.clone(), next, nil
}

// AmendInvoice credits an invoice and reissues the same items as a new
// standard invoice, moving the original's payments onto it.
func (e *Engine) AmendInvoice(ctx context.Context, r Reservation, in AmendInvoiceInput) (AmendResult, error) {
	idx := findInvoice(r.Invoices, in.InvoiceID)
	if idx < 0 {
		return AmendResult{}, ErrInvoiceNotFound
	}
	orig := r.Invoices[idx]
	if err := creditable(orig); err != nil {
		return AmendResult{}, err
	}
	recipient := orig.Recipient
	if in.Recipient != nil {
		checked, err := e.checkRecipient(*in.Recipient)
		if err != nil {
			return AmendResult{}, err
		}
		recipient = checked
	}
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = orig.Reference
	}
	creditNumber, err := e.nextNumber(ctx, numbering.KindCredit)
	if err != nil {
		return AmendResult{}, fmt.Errorf("billing: next credit number: %w", err)
	}
	invoiceNumber, err := e.nextNumber(ctx, numbering.KindInvoice)
	if err != nil {
		return AmendResult{}, fmt.Errorf("billing: next invoice number: %w", err)
	}

	next := r.Clone()
	credit, released := e.applyCredit(&next, idx, creditNumber)
	inv := Invoice{
		ID:             nextInvoiceID(next.Invoices),
		Number:         invoiceNumber,
		Date:           e.now(),
		Amount:         orig.Amount,
		Type:           InvoiceStandard,
		Status:         InvoiceCreated,
		Items:          append([]BillableItem(nil), orig.Items...),
		LinkedPayments: []string{},
		Recipient:      recipient,
		Reference:      reference,
		AmendsInvoice:  orig.Number,
	}
	for _, paymentID := range released {
		if pi := findPayment(next.Payments, paymentID); pi >= 0 {
			next.Payments[pi].LinkedInvoice = invoiceNumber
			inv.LinkedPayments = append(inv.LinkedPayments, paymentID)
		}
	}
	next.Invoices = append(next.Invoices, inv)

	action := fmt.Sprintf("Invoice %s amended: credit note %s, new invoice %s", orig.Number, creditNumber, invoiceNumber)
	if recipient != orig.Recipient {
		action += ", recipient " + recipient.Name
	}
	e.appendLog(&next, in.Actor, action)
	return AmendResult{Credit: credit.clone(), Invoice: inv.clone(), Reservation: next}, nil
}

// FinalizeProforma converts a proforma into a standard invoice. The items stay
// invoiced; payments are never linked automatically.
func (e *Engine) FinalizeProforma(ctx context.Context, r Reservation, invoiceID int64, actor string) (Invoice, Reservation, error) {
	idx := findInvoice(r.Invoices, invoiceID)
	if idx < 0 {
		return Invoice{}, Reservation{}, ErrInvoiceNotFound
	}
	proforma := r.Invoices[idx]
	if proforma.Type != InvoiceProforma {
		return Invoice{}, Reservation{}, ErrNotAProforma
	}
	if proforma.Status != InvoiceCreated {
		return Invoice{}, Reservation{}, ErrAlreadyFinalized
	}
	number, err := e.nextNumber(ctx, numbering.KindInvoice)
	if err != nil {
		return Invoice{}, Reservation{}, fmt.Errorf("billing: next invoice number: %w", err)
	}

	next := r.Clone()
	next.Invoices[idx].Status = InvoiceFinalized
	inv := Invoice{
		ID:             nextInvoiceID(next.Invoices),
		Number:         number,
		Date:           e.now(),
		Amount:         proforma.Amount,
		Type:           InvoiceStandard,
		Status:         InvoiceCreated,
		Items:          append([]BillableItem(nil), proforma.Items...),
		LinkedPayments: []string{},
		Recipient:      proforma.Recipient,
		Reference:      proforma.Reference,
		FromProforma:   proforma.Number,
	}
	next.Invoices = append(next.Invoices, inv)
	e.appendLog(&next, actor, fmt.Sprintf("Proforma %s finalized as invoice %s: %s",
		proforma.Number, number, e.fmt.money(inv.Amount)))
	return inv.clone(), next, nil
}

// DeleteProforma removes a proforma that has not been finalized. Its items
// are immediately invoiceable again.
func (e *Engine) DeleteProforma(r Reservation, invoiceID int64, actor string) (Reservation, error) {
	idx := findInvoice(r.Invoices, invoiceID)
	if idx < 0 {
		return Reservation{}, ErrInvoiceNotFound
	}
	proforma := r.Invoices[idx]
	if proforma.Type != InvoiceProforma {
		return Reservation{}, ErrNotAProforma
	}
	if proforma.Status != InvoiceCreated {
		return Reservation{}, ErrAlreadyFinalized
	}

	next := r.Clone()
	next.Invoices = append(next.Invoices[:idx], next.Invoices[idx+1:]...)
	e.appendLog(&next, actor, fmt.Sprintf("Proforma %s deleted: %s released",
		proforma.Number, plural(len(proforma.Items), "item")))
	return next, nil
}

// applyCredit marks invoice idx credited, releases its payments and appends
// the credit note. It returns the credit note and the released payment ids.
func (e *Engine) applyCredit(next *Reservation, idx int, number string) (Invoice, []string) {
	orig := next.Invoices[idx]
	released := linkedPaymentIDs(next.Payments, orig)
	for _, paymentID := range released {
		if pi := findPayment(next.Payments, paymentID); pi >= 0 {
			next.Payments[pi].LinkedInvoice = ""
		}
	}
	next.Invoices[idx].Status = InvoiceCredited
	next.Invoices[idx].LinkedPayments = []string{}

	credit := Invoice{
		ID:             nextInvoiceID(next.Invoices),
		Number:         number,
		Date:           e.now(),
		Amount:         orig.Amount,
		Type:           InvoiceCredit,
		Status:         InvoiceCreated,
		Items:          append([]BillableItem(nil), orig.Items...),
		LinkedPayments: []string{},
		Recipient:      orig.Recipient,
		Reference:      orig.Reference,
		CreditFor:      orig.Number,
	}
	next.Invoices = append(next.Invoices, credit)
	return credit, released
}

// linkedPaymentIDs lists payments linked to inv from either side of the link,
// in the invoice's order first.
func linkedPaymentIDs(payments []Payment, inv Invoice) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range inv.LinkedPayments {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, p := range payments {
		if p.LinkedInvoice != inv.Number {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		ids = append(ids, p.ID)
	}
	return ids
}

func creditable(inv Invoice) error {
	switch {
	case inv.Type == InvoiceProforma:
		return fmt.Errorf("%w: %s is a proforma", ErrNotCreditable, inv.Number)
	case inv.Type == InvoiceCredit:
		return fmt.Errorf("%w: %s is a credit note", ErrNotCreditable, inv.Number)
	case inv.Status == InvoiceCredited:
		return fmt.Errorf("%w: %s is already credited", ErrNotCreditable, inv.Number)
	}
	return nil
}

func numberKind(t InvoiceType) (numbering.Kind, error) {
	switch t {
	case InvoiceStandard:
		return numbering.KindInvoice, nil
	case InvoiceProforma:
		return numbering.KindProforma, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInvoiceType, t)
	}
}

// selectPayments returns indexes of completed, unlinked payments eligible
// under the linking mode.
func selectPayments(payments []Payment, mode PaymentLinking, ids []string) []int {
	var allowed map[string]struct{}
	switch mode {
	case LinkQuick:
	case LinkExplicit:
		allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
	default:
		return nil
	}
	var out []int
	for idx, p := range payments {
		if p.Status != PaymentCompleted || p.LinkedInvoice != "" {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[p.ID]; !ok {
				continue
			}
		}
		out = append(out, idx)
	}
	return out
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
