package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const dateLayout = "02-01-2006"

// formatter renders amounts the way the hotel's locale writes them.
type formatter struct {
	printer  *message.Printer
	point    string
	group    string
	currency string
}

func newFormatter(cfg Config) formatter {
	tag := cfg.Locale
	if tag == language.Und {
		tag = language.English
	}
	p := message.NewPrinter(tag)
	// x/text formats only machine numbers, so read the locale's symbols off
	// sample values and apply them to the exact decimal digits.
	point := strings.TrimSuffix(strings.TrimPrefix(p.Sprint(number.Decimal(1.5, number.Scale(1))), "1"), "5")
	group := strings.TrimSuffix(strings.TrimPrefix(p.Sprint(number.Decimal(1000)), "1"), "000")
	return formatter{printer: p, point: point, group: group, currency: strings.ToUpper(cfg.Currency)}
}

// amount prints d with two fraction digits and locale grouping. The digits
// come from the decimal itself, never from a float.
func (f formatter) amount(d decimal.Decimal) string {
	digits := d.Round(2).Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(digits, ".")

	var grouped string
	if n, err := strconv.ParseInt(whole, 10, 64); err == nil {
		grouped = f.printer.Sprint(number.Decimal(n))
	} else {
		grouped = groupDigits(whole, f.group)
	}
	sign := ""
	if d.Round(2).IsNegative() {
		sign = "-"
	}
	return sign + grouped + f.point + frac
}

// groupDigits inserts sep every three digits from the right.
func groupDigits(whole, sep string) string {
	if len(whole) <= 3 || sep == "" {
		return whole
	}
	var b strings.Builder
	lead := len(whole) % 3
	if lead > 0 {
		b.WriteString(whole[:lead])
	}
	for i := lead; i < len(whole); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(whole[i : i+3])
	}
	return b.String()
}

// money prefixes amount with the currency code.
func (f formatter) money(d decimal.Decimal) string {
	if f.currency == "" {
		return f.amount(d)
	}
	return f.currency + " " + f.amount(d)
}

// quantity prints a quantity without trailing zeros.
func (f formatter) quantity(d decimal.Decimal) string {
	return d.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(dateLayout)
}
