package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySelection indicates none of the requested items can be invoiced.
	ErrEmptySelection = errors.New("billing: no invoiceable items selected")
	// ErrNotCreditable indicates a credit or amend on a proforma, credit note or credited invoice.
	ErrNotCreditable = errors.New("billing: invoice cannot be credited")
	// ErrNotAProforma indicates a proforma-only operation on another document type.
	ErrNotAProforma = errors.New("billing: invoice is not a proforma")
	// ErrAlreadyFinalized indicates the proforma was already converted.
	ErrAlreadyFinalized = errors.New("billing: proforma already finalized")
	// ErrNotLinkable indicates the payment or invoice does not accept a link change.
	ErrNotLinkable = errors.New("billing: payment cannot be linked")
	// ErrMissingRecipientField indicates a required identity or VAT field is absent.
	ErrMissingRecipientField = errors.New("billing: required field missing")
	// ErrInvoiceNotFound indicates an unknown invoice id.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrPaymentNotFound indicates an unknown payment id.
	ErrPaymentNotFound = errors.New("billing: payment not found")
	// ErrInvalidInvoiceType indicates a type other than standard or proforma was requested.
	ErrInvalidInvoiceType = errors.New("billing: invalid invoice type")
	// ErrLinkMismatch indicates payment and invoice link lists disagree.
	ErrLinkMismatch = errors.New("billing: payment links out of sync")
)

// FieldError names the offending field of a validation failure.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("billing: field %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMissingRecipientField.
func (e *FieldError) Unwrap() error {
	return ErrMissingRecipientField
}

// IsPrecondition reports whether err is one of the recoverable precondition
// violations of the engine.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrEmptySelection) ||
		errors.Is(err, ErrNotCreditable) ||
		errors.Is(err, ErrNotAProforma) ||
		errors.Is(err, ErrAlreadyFinalized) ||
		errors.Is(err, ErrNotLinkable) ||
		errors.Is(err, ErrInvalidInvoiceType)
}
