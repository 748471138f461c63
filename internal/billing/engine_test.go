package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/folio/internal/numbering"
)

var testNow = time.Date(2026, 6, 4, 10, 0, 0, 0, time.UTC)

func newTestEngine(t testing.TB) *Engine {
	t.Helper()
	gen, err := numbering.NewGenerator("hotel", map[numbering.Kind]numbering.Format{
		numbering.KindInvoice:  {Prefix: "INV", Separator: "-", Digits: 4, YearlyReset: true},
		numbering.KindCredit:   {Prefix: "CN", Separator: "-", Digits: 4, YearlyReset: true},
		numbering.KindProforma: {Prefix: "PF", Separator: "-", Digits: 4, YearlyReset: true},
	}, numbering.NewMemoryCounter())
	require.NoError(t, err)
	gen.WithNow(func() time.Time { return testNow })

	e := NewEngine(Config{RoomVATRate: decimal.NewFromInt(9), Currency: "eur", Locale: language.English}, gen)
	e.WithNow(func() time.Time { return testNow })
	seq := 0
	e.WithIDs(func() string {
		seq++
		return fmt.Sprintf("log-%d", seq)
	})
	return e
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// sampleReservation has one room of 300 and two breakfasts of 15.
func sampleReservation() Reservation {
	return Reservation{
		ID:        "res-1",
		Reference: "BK-1001",
		Status:    StayCheckedIn,
		Booker: Guest{
			FirstName: "Anna",
			LastName:  "Jansen",
			Email:     "anna@example.com",
			City:      "Utrecht",
		},
		Rooms: []Room{{
			Number:     "101",
			Type:       "Double",
			CheckIn:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			CheckOut:   time.Date(2026, 6, 4, 0, 0, 0, 0, time.UTC),
			PriceType:  PriceFixed,
			FixedPrice: dec("300"),
			Status:     StayCheckedIn,
		}},
		Extras: []Extra{{
			ID:         7,
			Name:       "Breakfast",
			Quantity:   dec("2"),
			UnitPrice:  dec("15"),
			VATRate:    decimal.NewNullDecimal(dec("6")),
			RoomNumber: "101",
		}},
	}
}

func withPayments(r Reservation, payments ...Payment) Reservation {
	r.Payments = append(r.Payments, payments...)
	return r
}

func completed(id, amount string, method PaymentMethod) Payment {
	return Payment{
		ID:     id,
		Date:   testNow,
		Amount: dec(amount),
		Method: method,
		Status: PaymentCompleted,
	}
}

func allKeys(t *testing.T, e *Engine, r Reservation) []string {
	t.Helper()
	items, err := e.UninvoicedItems(r)
	require.NoError(t, err)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key)
	}
	return keys
}

func createStandard(t *testing.T, e *Engine, r Reservation, linking PaymentLinking) (Invoice, Reservation) {
	t.Helper()
	inv, next, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type:    InvoiceStandard,
		Keys:    allKeys(t, e, r),
		Linking: linking,
		Actor:   "frontdesk",
	})
	require.NoError(t, err)
	require.NoError(t, CheckLinks(next))
	return inv, next
}

func TestDeriveBillableItems(t *testing.T) {
	e := newTestEngine(t)
	items, err := e.DeriveBillableItems(sampleReservation())
	require.NoError(t, err)
	require.Len(t, items, 2)

	room := items[0]
	require.Equal(t, "room-0", room.Key)
	require.Equal(t, ItemRoom, room.Type)
	require.Equal(t, "Room 101", room.Label)
	require.Equal(t, "Double, 3 nights, 01-06-2026 – 04-06-2026", room.Detail)
	requireAmount(t, "300", room.Amount)
	requireAmount(t, "9", room.VATRate)

	extra := items[1]
	require.Equal(t, "extra-7", extra.Key)
	require.Equal(t, "Breakfast", extra.Label)
	require.Equal(t, "2 × EUR 15.00, room 101", extra.Detail)
	requireAmount(t, "30", extra.Amount)
	requireAmount(t, "6", extra.VATRate)

	requireAmount(t, "330", Total(items))
}

func TestDeriveBillableItemsNightlyAndZeroAmounts(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()
	r.Rooms[0].PriceType = PriceNightly
	r.Rooms[0].NightPrices = []NightPrice{
		{Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Amount: dec("95")},
		{Date: time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), Amount: dec("105.50")},
		{Date: time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC), Amount: dec("110")},
	}
	r.Rooms = append(r.Rooms, Room{Number: "102", Type: "Single", PriceType: PriceFixed, FixedPrice: decimal.Zero})
	r.Extras = append(r.Extras, Extra{ID: 8, Name: "Parking", Quantity: decimal.Zero, UnitPrice: dec("12"), VATRate: decimal.NewNullDecimal(dec("21"))})

	items, err := e.DeriveBillableItems(r)
	require.NoError(t, err)
	require.Len(t, items, 2)
	requireAmount(t, "310.50", items[0].Amount)
}

func TestDeriveBillableItemsCountsNightsInStayLocation(t *testing.T) {
	e := newTestEngine(t)
	kiritimati := time.FixedZone("LINT", 14*60*60)
	r := sampleReservation()
	r.Rooms[0].CheckIn = time.Date(2026, 6, 1, 15, 0, 0, 0, kiritimati)
	r.Rooms[0].CheckOut = time.Date(2026, 6, 4, 11, 0, 0, 0, kiritimati)

	items, err := e.DeriveBillableItems(r)
	require.NoError(t, err)
	require.Equal(t, "Double, 3 nights, 01-06-2026 – 04-06-2026", items[0].Detail)

	honolulu := time.FixedZone("HST", -10*60*60)
	r.Rooms[0].CheckIn = time.Date(2026, 6, 1, 20, 0, 0, 0, honolulu)
	r.Rooms[0].CheckOut = time.Date(2026, 6, 2, 9, 0, 0, 0, honolulu)
	items, err = e.DeriveBillableItems(r)
	require.NoError(t, err)
	require.Equal(t, "Double, 1 night, 01-06-2026 – 02-06-2026", items[0].Detail)
}

func TestDeriveBillableItemsRequiresExtraVATRate(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()
	r.Extras[0].VATRate = decimal.NullDecimal{}

	_, err := e.DeriveBillableItems(r)
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "vatRate", fieldErr.Field)
	require.ErrorIs(t, err, ErrMissingRecipientField)
}

func TestDeriveBillableItemsRejectsNegativeVATRate(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()
	r.Extras[0].VATRate = decimal.NewNullDecimal(dec("-100"))

	_, err := e.DeriveBillableItems(r)
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "vatRate", fieldErr.Field)

	_, _, err = e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0", "extra-7"}})
	require.ErrorIs(t, err, ErrMissingRecipientField)

	r.Extras[0].VATRate = decimal.NewNullDecimal(dec("6"))
	inv, _ := createStandard(t, e, r, LinkNone)
	require.Equal(t, "INV-2026-0001", inv.Number, "a refused invoice draws no number")

	negativeRoom := NewEngine(Config{RoomVATRate: dec("-9"), Currency: "EUR", Locale: language.English}, e.numbers)
	_, err = negativeRoom.DeriveBillableItems(sampleReservation())
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "roomVatRate", fieldErr.Field)
}

func TestCreateInvoiceSnapshotsSelectedItems(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	inv, next := createStandard(t, e, r, LinkNone)
	require.Equal(t, int64(1), inv.ID)
	require.Equal(t, "INV-2026-0001", inv.Number)
	require.Equal(t, InvoiceStandard, inv.Type)
	require.Equal(t, InvoiceCreated, inv.Status)
	require.Equal(t, testNow, inv.Date)
	require.Equal(t, "BK-1001", inv.Reference)
	require.Equal(t, "Anna Jansen", inv.Recipient.Name)
	require.Equal(t, RecipientIndividual, inv.Recipient.Kind)
	requireAmount(t, "330", inv.Amount)
	require.Len(t, inv.Items, 2)
	require.Empty(t, inv.LinkedPayments)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Empty(t, remaining)

	require.Len(t, next.ActivityLog, 1)
	require.Equal(t, "frontdesk", next.ActivityLog[0].User)
	require.Equal(t, "Invoice INV-2026-0001 created: EUR 330.00, 2 items, 0 payments linked", next.ActivityLog[0].Action)

	require.Empty(t, r.Invoices, "input reservation must not change")
	require.Empty(t, r.ActivityLog)
}

func TestInvoiceItemsSurviveReservationChanges(t *testing.T) {
	e := newTestEngine(t)
	inv, next := createStandard(t, e, sampleReservation(), LinkNone)

	next.Extras[0].Quantity = dec("5")
	next.Extras[0].UnitPrice = dec("20")
	next.Extras = append(next.Extras, Extra{ID: 8, Name: "Parking", Quantity: dec("1"), UnitPrice: dec("12"), VATRate: decimal.NewNullDecimal(dec("21"))})

	stored := next.Invoices[0]
	requireAmount(t, "330", stored.Amount)
	require.Equal(t, inv.Items, stored.Items)
	requireAmount(t, "330", Total(stored.Items))

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "extra-8", remaining[0].Key)
}

func TestCreateInvoicePartialSelectionAndLabels(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	inv, next, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type:   InvoiceStandard,
		Keys:   []string{"extra-7", "unknown-key"},
		Labels: map[string]string{"extra-7": "Breakfast buffet"},
	})
	require.NoError(t, err)
	require.Len(t, inv.Items, 1)
	require.Equal(t, "Breakfast buffet", inv.Items[0].Label)
	requireAmount(t, "30", inv.Amount)
	require.Equal(t, SystemUser, next.ActivityLog[0].User)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "room-0", remaining[0].Key)
}

func TestCreateInvoiceEmptySelectionDrawsNoNumber(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	_, _, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-9"}})
	require.ErrorIs(t, err, ErrEmptySelection)

	inv, next := createStandard(t, e, r, LinkNone)
	require.Equal(t, "INV-2026-0001", inv.Number)

	// every key is held now
	_, _, err = e.CreateInvoice(context.Background(), next, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0", "extra-7"}})
	require.ErrorIs(t, err, ErrEmptySelection)
	_, _, err = e.CreateInvoice(context.Background(), next, CreateInvoiceInput{Type: InvoiceProforma, Keys: []string{"room-0"}})
	require.ErrorIs(t, err, ErrEmptySelection)
}

func TestCreateInvoiceRejectsCreditType(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.CreateInvoice(context.Background(), sampleReservation(), CreateInvoiceInput{Type: InvoiceCredit, Keys: []string{"room-0"}})
	require.ErrorIs(t, err, ErrInvalidInvoiceType)
}

func TestCreateInvoiceRecipientValidation(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	_, _, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type: InvoiceStandard,
		Keys: []string{"room-0"},
		Recipient: &Recipient{
			Kind:       RecipientCompany,
			Name:       "Acme BV",
			Street:     "Main 1",
			PostalCode: "1234 AB",
			City:       "Utrecht",
			Country:    "NL",
		},
	})
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "recipient.vatNumber", fieldErr.Field)
	require.ErrorIs(t, err, ErrMissingRecipientField)

	company := &Recipient{
		Kind:       RecipientCompany,
		Name:       "Acme BV",
		Street:     "Main 1",
		PostalCode: "1234 AB",
		City:       "Utrecht",
		Country:    "NL",
		VATNumber:  "NL001234567B01",
		PeppolID:   "0106:12345678",
	}
	inv, _, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0"}, Recipient: company})
	require.NoError(t, err)
	require.Equal(t, *company, inv.Recipient)

	r.BillingRecipient = &Recipient{Name: "Bob", VATNumber: "ignored"}
	inv, _, err = e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0"}})
	require.NoError(t, err)
	require.Equal(t, "Bob", inv.Recipient.Name)
	require.Empty(t, inv.Recipient.VATNumber)

	r.BillingRecipient = nil
	r.Booker = Guest{}
	_, _, err = e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0"}})
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "recipient.name", fieldErr.Field)
}

func TestCreateInvoiceCheckout(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	_, next, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type:     InvoiceStandard,
		Keys:     []string{"room-0", "extra-7"},
		Checkout: true,
	})
	require.NoError(t, err)
	require.Equal(t, StayCheckedOut, next.Status)
	require.Equal(t, StayCheckedOut, next.Rooms[0].Status)
	require.Len(t, next.ActivityLog, 2)
	require.Equal(t, StayCheckedIn, r.Rooms[0].Status)
}

func TestCreditInvoiceReleasesItems(t *testing.T) {
	e := newTestEngine(t)
	inv, r := createStandard(t, e, sampleReservation(), LinkNone)

	credit, next, err := e.CreditInvoice(context.Background(), r, inv.ID, "manager")
	require.NoError(t, err)
	require.Equal(t, InvoiceCredit, credit.Type)
	require.Equal(t, "CN-2026-0001", credit.Number)
	require.Equal(t, inv.Number, credit.CreditFor)
	requireAmount(t, "330", credit.Amount)
	require.Len(t, credit.Items, 2)

	require.Equal(t, InvoiceCredited, next.Invoices[0].Status)
	require.Equal(t, InvoiceCreated, r.Invoices[0].Status)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	last := next.ActivityLog[len(next.ActivityLog)-1]
	require.Equal(t, "Credit note CN-2026-0001 for INV-2026-0001: items released", last.Action)
	require.Equal(t, "manager", last.User)

	again, _ := createStandard(t, e, next, LinkNone)
	require.Equal(t, "INV-2026-0002", again.Number)
}

func TestPaymentLinkedThenCredited(t *testing.T) {
	e := newTestEngine(t)
	r := withPayments(sampleReservation(), completed("pay-1", "100", MethodCard))

	inv, next := createStandard(t, e, r, LinkQuick)
	require.Equal(t, []string{"pay-1"}, inv.LinkedPayments)
	require.Equal(t, inv.Number, next.Payments[0].LinkedInvoice)

	balance := DueAmount(next.Invoices[0], next.Payments)
	requireAmount(t, "230", balance.Due)
	requireAmount(t, "100", balance.Paid)
	require.False(t, balance.Void)

	_, credited, err := e.CreditInvoice(context.Background(), next, inv.ID, "")
	require.NoError(t, err)
	require.Empty(t, credited.Payments[0].LinkedInvoice)
	require.Empty(t, credited.Invoices[0].LinkedPayments)
	require.Len(t, credited.Payments, 1, "payments are never deleted")
	require.NoError(t, CheckLinks(credited))

	void := DueAmount(credited.Invoices[0], credited.Payments)
	require.True(t, void.Void)
	require.True(t, void.Due.IsZero())
}

func TestCreditInvoicePreconditions(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	proforma, r, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceProforma, Keys: []string{"room-0"}})
	require.NoError(t, err)
	_, _, err = e.CreditInvoice(context.Background(), r, proforma.ID, "")
	require.ErrorIs(t, err, ErrNotCreditable)

	inv, r, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"extra-7"}})
	require.NoError(t, err)
	credit, r, err := e.CreditInvoice(context.Background(), r, inv.ID, "")
	require.NoError(t, err)

	_, _, err = e.CreditInvoice(context.Background(), r, inv.ID, "")
	require.ErrorIs(t, err, ErrNotCreditable)
	_, _, err = e.CreditInvoice(context.Background(), r, credit.ID, "")
	require.ErrorIs(t, err, ErrNotCreditable)
	_, _, err = e.CreditInvoice(context.Background(), r, 99, "")
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	// failed credits drew no credit numbers
	reissued, r, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"extra-7"}})
	require.NoError(t, err)
	second, _, err := e.CreditInvoice(context.Background(), r, reissued.ID, "")
	require.NoError(t, err)
	require.Equal(t, "CN-2026-0002", second.Number)
}

func TestExplicitLinkingFiltersIneligiblePayments(t *testing.T) {
	e := newTestEngine(t)
	pending := completed("pay-2", "50", MethodCard)
	pending.Status = PaymentPending
	r := withPayments(sampleReservation(),
		completed("pay-1", "100", MethodCash),
		pending,
		completed("pay-3", "40", MethodCard),
	)

	inv, next, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type:       InvoiceStandard,
		Keys:       []string{"room-0", "extra-7"},
		Linking:    LinkExplicit,
		PaymentIDs: []string{"pay-1", "pay-2", "missing"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pay-1"}, inv.LinkedPayments)
	require.Empty(t, next.Payments[1].LinkedInvoice)
	require.Empty(t, next.Payments[2].LinkedInvoice)
	require.NoError(t, CheckLinks(next))
}

func TestProformaNeverLinksPayments(t *testing.T) {
	e := newTestEngine(t)
	r := withPayments(sampleReservation(), completed("pay-1", "100", MethodCard))

	proforma, next, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{
		Type:    InvoiceProforma,
		Keys:    []string{"room-0", "extra-7"},
		Linking: LinkQuick,
	})
	require.NoError(t, err)
	require.Equal(t, "PF-2026-0001", proforma.Number)
	require.Empty(t, proforma.LinkedPayments)
	require.Empty(t, next.Payments[0].LinkedInvoice)

	_, err = e.LinkPayment(next, "pay-1", proforma.ID, "")
	require.ErrorIs(t, err, ErrNotLinkable)
}

func TestFinalizeProforma(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	proforma, r, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceProforma, Keys: allKeys(t, e, r)})
	require.NoError(t, err)
	requireAmount(t, "330", proforma.Amount)

	inv, next, err := e.FinalizeProforma(context.Background(), r, proforma.ID, "")
	require.NoError(t, err)
	require.Equal(t, InvoiceStandard, inv.Type)
	require.Equal(t, "INV-2026-0001", inv.Number)
	require.Equal(t, proforma.Number, inv.FromProforma)
	requireAmount(t, "330", inv.Amount)
	require.Empty(t, inv.LinkedPayments)
	require.Equal(t, InvoiceFinalized, next.Invoices[0].Status)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Empty(t, remaining)

	_, _, err = e.FinalizeProforma(context.Background(), next, proforma.ID, "")
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	_, _, err = e.FinalizeProforma(context.Background(), next, inv.ID, "")
	require.ErrorIs(t, err, ErrNotAProforma)
	_, _, err = e.CreditInvoice(context.Background(), next, proforma.ID, "")
	require.ErrorIs(t, err, ErrNotCreditable)

	// crediting the finalized invoice releases the items again
	_, credited, err := e.CreditInvoice(context.Background(), next, inv.ID, "")
	require.NoError(t, err)
	remaining, err = e.UninvoicedItems(credited)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestDeleteProforma(t *testing.T) {
	e := newTestEngine(t)
	r := sampleReservation()

	proforma, r, err := e.CreateInvoice(context.Background(), r, CreateInvoiceInput{Type: InvoiceProforma, Keys: []string{"room-0"}})
	require.NoError(t, err)

	next, err := e.DeleteProforma(r, proforma.ID, "frontdesk")
	require.NoError(t, err)
	require.Empty(t, next.Invoices)
	require.Len(t, r.Invoices, 1)
	require.Equal(t, "Proforma PF-2026-0001 deleted: 1 item released", next.ActivityLog[len(next.ActivityLog)-1].Action)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	inv, withInvoice := createStandard(t, e, next, LinkNone)
	_, err = e.DeleteProforma(withInvoice, inv.ID, "")
	require.ErrorIs(t, err, ErrNotAProforma)
	_, err = e.DeleteProforma(withInvoice, 42, "")
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestDeleteFinalizedProformaFails(t *testing.T) {
	e := newTestEngine(t)
	proforma, r, err := e.CreateInvoice(context.Background(), sampleReservation(), CreateInvoiceInput{Type: InvoiceProforma, Keys: []string{"room-0"}})
	require.NoError(t, err)
	_, r, err = e.FinalizeProforma(context.Background(), r, proforma.ID, "")
	require.NoError(t, err)

	_, err = e.DeleteProforma(r, proforma.ID, "")
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestAmendInvoiceConservesAmountsAndLinks(t *testing.T) {
	e := newTestEngine(t)
	r := withPayments(sampleReservation(),
		completed("pay-1", "100", MethodCard),
		completed("pay-2", "50", MethodCash),
	)
	orig, r := createStandard(t, e, r, LinkQuick)
	require.Len(t, orig.LinkedPayments, 2)

	company := &Recipient{
		Kind:       RecipientCompany,
		Name:       "Acme BV",
		Street:     "Main 1",
		PostalCode: "1234 AB",
		City:       "Utrecht",
		Country:    "NL",
		VATNumber:  "NL001234567B01",
	}
	res, err := e.AmendInvoice(context.Background(), r, AmendInvoiceInput{InvoiceID: orig.ID, Recipient: company, Reference: "PO-77"})
	require.NoError(t, err)

	require.Equal(t, "CN-2026-0001", res.Credit.Number)
	require.Equal(t, orig.Number, res.Credit.CreditFor)
	require.Equal(t, "INV-2026-0002", res.Invoice.Number)
	require.Equal(t, orig.Number, res.Invoice.AmendsInvoice)
	require.Equal(t, "Acme BV", res.Invoice.Recipient.Name)
	require.Equal(t, "PO-77", res.Invoice.Reference)
	require.Equal(t, orig.Recipient, res.Credit.Recipient)

	requireAmount(t, orig.Amount.String(), res.Credit.Amount)
	requireAmount(t, orig.Amount.String(), res.Invoice.Amount)
	require.ElementsMatch(t, orig.LinkedPayments, res.Invoice.LinkedPayments)

	next := res.Reservation
	require.NoError(t, CheckLinks(next))
	require.Equal(t, InvoiceCredited, next.Invoices[0].Status)
	for _, p := range next.Payments {
		require.Equal(t, res.Invoice.Number, p.LinkedInvoice)
	}
	requireAmount(t, "180", DueAmount(res.Invoice, next.Payments).Due)

	remaining, err := e.UninvoicedItems(next)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Len(t, next.ActivityLog, 2)

	_, err = e.AmendInvoice(context.Background(), next, AmendInvoiceInput{InvoiceID: orig.ID})
	require.ErrorIs(t, err, ErrNotCreditable)
}

func TestAmendInvoiceRejectsInvalidRecipientBeforeNumbering(t *testing.T) {
	e := newTestEngine(t)
	orig, r := createStandard(t, e, sampleReservation(), LinkNone)

	_, err := e.AmendInvoice(context.Background(), r, AmendInvoiceInput{
		InvoiceID: orig.ID,
		Recipient: &Recipient{Kind: RecipientIndividual, Name: "Bob", Email: "not-an-email"},
	})
	var fieldErr *FieldError
	require.ErrorAs(t, err, &fieldErr)
	require.Equal(t, "recipient.email", fieldErr.Field)

	credit, _, err := e.CreditInvoice(context.Background(), r, orig.ID, "")
	require.NoError(t, err)
	require.Equal(t, "CN-2026-0001", credit.Number)
}

func TestFailedOperationsLeaveReservationUntouched(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	pending := Payment{ID: "pay-2", Date: testNow, Amount: dec("50"), Method: MethodBankTransfer, Status: PaymentPending}
	r := withPayments(sampleReservation(), completed("pay-1", "100", MethodCard), pending)

	// 1 credited invoice, 2 credit note, 3 finalized proforma, 4 invoice from the proforma
	orig, r := createStandard(t, e, r, LinkQuick)
	_, r, err := e.CreditInvoice(ctx, r, orig.ID, "")
	require.NoError(t, err)
	pf, r, err := e.CreateInvoice(ctx, r, CreateInvoiceInput{Type: InvoiceProforma, Keys: allKeys(t, e, r)})
	require.NoError(t, err)
	minted, r, err := e.FinalizeProforma(ctx, r, pf.ID, "")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, []int64{r.Invoices[0].ID, r.Invoices[1].ID, pf.ID, minted.ID})

	incomplete := &Recipient{Kind: RecipientCompany, Name: "Acme BV"}
	cases := []struct {
		name string
		op   func(Reservation) error
		want error
	}{
		{"credit proforma", func(r Reservation) error { _, _, err := e.CreditInvoice(ctx, r, 3, ""); return err }, ErrNotCreditable},
		{"credit credit note", func(r Reservation) error { _, _, err := e.CreditInvoice(ctx, r, 2, ""); return err }, ErrNotCreditable},
		{"credit twice", func(r Reservation) error { _, _, err := e.CreditInvoice(ctx, r, 1, ""); return err }, ErrNotCreditable},
		{"credit unknown", func(r Reservation) error { _, _, err := e.CreditInvoice(ctx, r, 99, ""); return err }, ErrInvoiceNotFound},
		{"amend credited", func(r Reservation) error {
			_, err := e.AmendInvoice(ctx, r, AmendInvoiceInput{InvoiceID: 1})
			return err
		}, ErrNotCreditable},
		{"amend incomplete recipient", func(r Reservation) error {
			_, err := e.AmendInvoice(ctx, r, AmendInvoiceInput{InvoiceID: 4, Recipient: incomplete})
			return err
		}, ErrMissingRecipientField},
		{"finalize standard", func(r Reservation) error { _, _, err := e.FinalizeProforma(ctx, r, 4, ""); return err }, ErrNotAProforma},
		{"finalize twice", func(r Reservation) error { _, _, err := e.FinalizeProforma(ctx, r, 3, ""); return err }, ErrAlreadyFinalized},
		{"delete finalized", func(r Reservation) error { _, err := e.DeleteProforma(r, 3, ""); return err }, ErrAlreadyFinalized},
		{"delete standard", func(r Reservation) error { _, err := e.DeleteProforma(r, 4, ""); return err }, ErrNotAProforma},
		{"link to credited", func(r Reservation) error { _, err := e.LinkPayment(r, "pay-1", 1, ""); return err }, ErrNotLinkable},
		{"link to proforma", func(r Reservation) error { _, err := e.LinkPayment(r, "pay-1", 3, ""); return err }, ErrNotLinkable},
		{"link pending", func(r Reservation) error { _, err := e.LinkPayment(r, "pay-2", 4, ""); return err }, ErrNotLinkable},
		{"link unknown", func(r Reservation) error { _, err := e.LinkPayment(r, "pay-9", 4, ""); return err }, ErrPaymentNotFound},
		{"unlink pending", func(r Reservation) error { _, err := e.UnlinkPayment(r, "pay-2", ""); return err }, ErrNotLinkable},
		{"unlink unknown", func(r Reservation) error { _, err := e.UnlinkPayment(r, "pay-9", ""); return err }, ErrPaymentNotFound},
		{"create held items", func(r Reservation) error {
			_, _, err := e.CreateInvoice(ctx, r, CreateInvoiceInput{Type: InvoiceStandard, Keys: []string{"room-0", "extra-7"}})
			return err
		}, ErrEmptySelection},
		{"create credit type", func(r Reservation) error {
			_, _, err := e.CreateInvoice(ctx, r, CreateInvoiceInput{Type: InvoiceCredit, Keys: []string{"room-0"}})
			return err
		}, ErrInvalidInvoiceType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before, err := json.Marshal(r)
			require.NoError(t, err)

			require.ErrorIs(t, tc.op(r), tc.want)

			after, err := json.Marshal(r)
			require.NoError(t, err)
			require.JSONEq(t, string(before), string(after))
		})
	}

	credit, _, err := e.CreditInvoice(ctx, r, minted.ID, "")
	require.NoError(t, err)
	require.Equal(t, "CN-2026-0002", credit.Number, "failed operations draw no numbers")
}
