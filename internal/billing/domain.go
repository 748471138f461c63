package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemType distinguishes room stays from extras.
type ItemType string

const (
	ItemRoom  ItemType = "room"
	ItemExtra ItemType = "extra"
)

// InvoiceType enumerates billing document types.
type InvoiceType string

const (
	InvoiceStandard InvoiceType = "standard"
	InvoiceProforma InvoiceType = "proforma"
	InvoiceCredit   InvoiceType = "credit"
)

// InvoiceStatus enumerates billing document statuses.
type InvoiceStatus string

const (
	InvoiceCreated   InvoiceStatus = "created"
	InvoiceCredited  InvoiceStatus = "credited"
	InvoiceFinalized InvoiceStatus = "finalized"
)

// PaymentStatus enumerates payment statuses.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentRequestSent PaymentStatus = "request-sent"
	PaymentCompleted   PaymentStatus = "completed"
)

// PaymentMethod names how a payment was made. Only bank transfers need confirmation.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPaymentLink  PaymentMethod = "payment_link"
)

// PriceType selects how a room stay is priced.
type PriceType string

const (
	PriceFixed   PriceType = "fixed"
	PriceNightly PriceType = "nightly"
)

// StayStatus is shared by rooms and reservations.
type StayStatus string

const (
	StayConfirmed  StayStatus = "confirmed"
	StayCheckedIn  StayStatus = "checked-in"
	StayCheckedOut StayStatus = "checked-out"
	StayCancelled  StayStatus = "cancelled"
)

// RecipientKind distinguishes company from individual billing parties.
type RecipientKind string

const (
	RecipientCompany    RecipientKind = "company"
	RecipientIndividual RecipientKind = "individual"
)

// Reservation is the aggregate the engine operates on. It is owned by the
// reservation store; the engine only ever returns modified copies.
type Reservation struct {
	ID               string             `json:"id"`
	Reference        string             `json:"reference,omitempty"`
	Status           StayStatus         `json:"status"`
	Booker           Guest              `json:"booker"`
	BillingRecipient *Recipient         `json:"billingRecipient,omitempty"`
	Rooms            []Room             `json:"rooms"`
	Extras           []Extra            `json:"extras"`
	Payments         []Payment          `json:"payments"`
	Invoices         []Invoice          `json:"invoices"`
	ActivityLog      []ActivityLogEntry `json:"activityLog"`
	Version          int64              `json:"version"`
}

// Guest identifies the person who made the booking.
type Guest struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Room is a single room stay within a reservation.
type Room struct {
	Number      string          `json:"roomNumber"`
	Type        string          `json:"roomType"`
	CheckIn     time.Time       `json:"checkin"`
	CheckOut    time.Time       `json:"checkout"`
	PriceType   PriceType       `json:"priceType"`
	FixedPrice  decimal.Decimal `json:"fixedPrice"`
	NightPrices []NightPrice    `json:"nightPrices,omitempty"`
	Status      StayStatus      `json:"status"`
}

// NightPrice is the rate charged for one night.
type NightPrice struct {
	Date   time.Time       `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// Extra is an additional charge (breakfast, parking, ...).
type Extra struct {
	ID         int64               `json:"id"`
	Name       string              `json:"name"`
	Quantity   decimal.Decimal     `json:"quantity"`
	UnitPrice  decimal.Decimal     `json:"unitPrice"`
	VATRate    decimal.NullDecimal `json:"vatRate"`
	RoomNumber string              `json:"room,omitempty"`
}

// BillableItem is a derived charge line. It is recomputed on every read and
// only persisted as a snapshot inside an invoice.
type BillableItem struct {
	Key        string          `json:"key"`
	Type       ItemType        `json:"type"`
	RoomNumber string          `json:"roomNumber,omitempty"`
	Label      string          `json:"label"`
	Detail     string          `json:"detail"`
	Amount     decimal.Decimal `json:"amount"`
	VATRate    decimal.Decimal `json:"vatRate"`
}

// Recipient is the billing party printed on a document.
type Recipient struct {
	Kind       RecipientKind `json:"type" validate:"required,oneof=company individual"`
	Name       string        `json:"name" validate:"required"`
	Contact    string        `json:"contact,omitempty"`
	Email      string        `json:"email,omitempty" validate:"omitempty,email"`
	Street     string        `json:"street,omitempty" validate:"required_if=Kind company"`
	PostalCode string        `json:"postalCode,omitempty" validate:"required_if=Kind company"`
	City       string        `json:"city,omitempty" validate:"required_if=Kind company"`
	Country    string        `json:"country,omitempty" validate:"required_if=Kind company"`
	VATNumber  string        `json:"vatNumber,omitempty" validate:"required_if=Kind company"`
	PeppolID   string        `json:"peppolId,omitempty"`
}

// Invoice is a billing document. Items and Amount are fixed at creation.
type Invoice struct {
	ID             int64           `json:"id"`
	Number         string          `json:"number"`
	Date           time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Type           InvoiceType     `json:"type"`
	Status         InvoiceStatus   `json:"status"`
	Items          []BillableItem  `json:"items"`
	LinkedPayments []string        `json:"linkedPayments"`
	Recipient      Recipient       `json:"recipient"`
	Reference      string          `json:"reference,omitempty"`
	CreditFor      string          `json:"creditFor,omitempty"`
	AmendsInvoice  string          `json:"amendsInvoice,omitempty"`
	FromProforma   string          `json:"fromProforma,omitempty"`
}

// Payment is money received (or requested) for a reservation.
type Payment struct {
	ID            string          `json:"id"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	Status        PaymentStatus   `json:"status"`
	Confirmed     bool            `json:"confirmed,omitempty"`
	ConfirmedDate *time.Time      `json:"confirmedDate,omitempty"`
	LinkedInvoice string          `json:"linkedInvoice,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// Expected reports whether the payment is a bank transfer still awaiting
// confirmation. Expected payments never reduce the amount due.
func (p Payment) Expected() bool {
	return p.Method == MethodBankTransfer && !p.Confirmed
}

// ActivityLogEntry is one line of the reservation audit trail.
type ActivityLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	User      string    `json:"user"`
}

// Active reports whether the invoice still holds its items. A finalized
// proforma hands its items to the invoice it was finalized into.
func (inv Invoice) Active() bool {
	return inv.Type != InvoiceCredit && inv.Status == InvoiceCreated
}

// Frozen reports whether the invoice no longer accepts payment links.
func (inv Invoice) Frozen() bool {
	return inv.Status == InvoiceCredited || inv.Status == InvoiceFinalized
}

// Total sums item amounts.
func Total(items []BillableItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}
