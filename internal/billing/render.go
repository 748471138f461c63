package billing

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/shopspring/decimal"
)

var documentTemplate = template.Must(template.New("document").Parse(`{{.Title}} {{.Number}}
{{- if .Void}} (CREDITED){{end}}
Date:      {{.Date}}
{{- if .Reference}}
Reference: {{.Reference}}
{{- end}}
{{- range .Related}}
{{.}}
{{- end}}

Bill to:
  {{.Recipient.Name}}
{{- with .Recipient.Contact}}
  Attn. {{.}}
{{- end}}
{{- with .Recipient.Street}}
  {{.}}
{{- end}}
{{- if or .Recipient.PostalCode .Recipient.City}}
  {{.Recipient.PostalCode}} {{.Recipient.City}}
{{- end}}
{{- with .Recipient.Country}}
  {{.}}
{{- end}}
{{- with .Recipient.VATNumber}}
  VAT: {{.}}
{{- end}}
{{- with .Recipient.PeppolID}}
  Peppol: {{.}}
{{- end}}

{{range .Lines -}}
{{printf "%-40s %6s %14s" .Label .VAT .Amount}}
{{- with .Detail}}
  {{.}}
{{- end}}
{{end}}
{{printf "%-10s %14s %14s %14s" "VAT" "Net" "VAT amount" "Gross"}}
{{- range .Buckets}}
{{printf "%-10s %14s %14s %14s" .Rate .Net .VAT .Gross}}
{{- end}}
{{printf "%-10s %14s %14s %14s" "Total" .Net .VAT .Total}}
{{- if .Payments}}

Payments:
{{- range .Payments}}
  {{.Date}}  {{printf "%-14s %14s" .Method .Amount}}
{{- end}}
{{- end}}
{{- if .Expected}}

Expected (bank transfer, unconfirmed):
{{- range .Expected}}
  {{.Date}}  {{printf "%-14s %14s" .Method .Amount}}
{{- end}}
{{- end}}
{{- if .Due}}

{{printf "%-40s %21s" "Amount due" .Due}}
{{- end}}
`))

type documentView struct {
	Title     string
	Number    string
	Date      string
	Reference string
	Related   []string
	Recipient Recipient
	Void      bool
	Lines     []lineView
	Buckets   []bucketView
	Net       string
	VAT       string
	Total     string
	Payments  []paymentView
	Expected  []paymentView
	Due       string
}

type lineView struct {
	Label  string
	Detail string
	VAT    string
	Amount string
}

type bucketView struct {
	Rate  string
	Net   string
	VAT   string
	Gross string
}

type paymentView struct {
	Date   string
	Method string
	Amount string
}

// VATBucket is the net/VAT split of all items sharing one rate.
type VATBucket struct {
	Rate  decimal.Decimal
	Net   decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

// VATBuckets groups items by VAT rate in ascending rate order. Amounts are
// VAT inclusive; net is gross/(1+rate/100) rounded to cents. A rate of -100
// or below cannot be split and is reported as all net.
func VATBuckets(items []BillableItem) []VATBucket {
	gross := make(map[string]decimal.Decimal)
	rates := make(map[string]decimal.Decimal)
	for _, item := range items {
		key := item.VATRate.String()
		rates[key] = item.VATRate
		if sum, ok := gross[key]; ok {
			gross[key] = sum.Add(item.Amount)
		} else {
			gross[key] = item.Amount
		}
	}
	buckets := make([]VATBucket, 0, len(gross))
	hundred := decimal.NewFromInt(100)
	for key, g := range gross {
		rate := rates[key]
		net := g
		if divisor := decimal.NewFromInt(1).Add(rate.Div(hundred)); divisor.IsPositive() {
			net = g.Div(divisor).Round(2)
		}
		buckets = append(buckets, VATBucket{Rate: rate, Net: net, VAT: g.Sub(net), Gross: g})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Rate.LessThan(buckets[j].Rate) })
	return buckets
}

// RenderDocument prints inv as a plain text document. It reads payments from r
// and never modifies either argument.
func (e *Engine) RenderDocument(inv Invoice, r Reservation) (string, error) {
	view := documentView{
		Title:     documentTitle(inv.Type),
		Number:    inv.Number,
		Date:      formatDate(inv.Date),
		Reference: inv.Reference,
		Recipient: inv.Recipient,
		Void:      inv.Status == InvoiceCredited,
		Total:     e.fmt.money(inv.Amount),
	}
	if view.Reference == "" {
		view.Reference = r.Reference
	}
	if inv.CreditFor != "" {
		view.Related = append(view.Related, "Credit note for invoice "+inv.CreditFor)
	}
	if inv.AmendsInvoice != "" {
		view.Related = append(view.Related, "Replaces invoice "+inv.AmendsInvoice)
	}
	if inv.FromProforma != "" {
		view.Related = append(view.Related, "Based on proforma "+inv.FromProforma)
	}
	if inv.Status == InvoiceFinalized {
		view.Related = append(view.Related, "Finalized")
	}

	for _, item := range inv.Items {
		view.Lines = append(view.Lines, lineView{
			Label:  item.Label,
			Detail: item.Detail,
			VAT:    item.VATRate.String() + "%",
			Amount: e.fmt.money(item.Amount),
		})
	}
	net, vat := decimal.Zero, decimal.Zero
	for _, b := range VATBuckets(inv.Items) {
		net = net.Add(b.Net)
		vat = vat.Add(b.VAT)
		view.Buckets = append(view.Buckets, bucketView{
			Rate:  b.Rate.String() + "%",
			Net:   e.fmt.amount(b.Net),
			VAT:   e.fmt.amount(b.VAT),
			Gross: e.fmt.amount(b.Gross),
		})
	}
	view.Net = e.fmt.amount(net)
	view.VAT = e.fmt.amount(vat)

	if inv.Type != InvoiceCredit && inv.Status == InvoiceCreated {
		for _, p := range linkedPayments(inv, r.Payments) {
			pv := paymentView{Date: formatDate(p.Date), Method: string(p.Method), Amount: e.fmt.money(p.Amount)}
			if p.Expected() {
				view.Expected = append(view.Expected, pv)
				continue
			}
			view.Payments = append(view.Payments, pv)
		}
		if due := DueAmount(inv, r.Payments).Due; due.IsPositive() {
			view.Due = e.fmt.money(due)
		}
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("billing: render %s: %w", inv.Number, err)
	}
	return buf.String(), nil
}

func documentTitle(t InvoiceType) string {
	switch t {
	case InvoiceProforma:
		return "PROFORMA INVOICE"
	case InvoiceCredit:
		return "CREDIT NOTE"
	default:
		return "INVOICE"
	}
}
