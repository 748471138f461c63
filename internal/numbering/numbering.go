// Package numbering issues gapless, human readable document numbers per
// tenant and document kind.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind names an independent number sequence.
type Kind string

const (
	KindInvoice  Kind = "invoice"
	KindCredit   Kind = "credit"
	KindProforma Kind = "proforma"
)

var (
	// ErrUnknownKind indicates no format is configured for the kind.
	ErrUnknownKind = errors.New("numbering: unknown kind")
	// ErrInvalidFormat indicates an unusable number format.
	ErrInvalidFormat = errors.New("numbering: invalid format")
)

// Format describes how a sequence value is printed, e.g. INV-2026-0001.
type Format struct {
	Prefix      string
	Separator   string
	Digits      int
	YearlyReset bool
}

// Validate checks the format is printable.
func (f Format) Validate() error {
	if strings.TrimSpace(f.Prefix) == "" {
		return fmt.Errorf("%w: prefix required", ErrInvalidFormat)
	}
	if f.Digits < 1 || f.Digits > 12 {
		return fmt.Errorf("%w: digits must be between 1 and 12", ErrInvalidFormat)
	}
	return nil
}

// Render prints seq. The year is included only for yearly reset sequences.
func (f Format) Render(year int, seq int64) string {
	var b strings.Builder
	b.WriteString(f.Prefix)
	if f.YearlyReset {
		b.WriteString(f.Separator)
		b.WriteString(strconv.Itoa(year))
	}
	b.WriteString(f.Separator)
	b.WriteString(fmt.Sprintf("%0*d", f.Digits, seq))
	return b.String()
}

// Counter atomically increments and returns the value stored under key.
// The first call for a key returns 1.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// Generator issues numbers for one tenant.
type Generator struct {
	tenant  string
	formats map[Kind]Format
	counter Counter
	now     func() time.Time
}

// NewGenerator validates formats and builds a Generator.
func NewGenerator(tenant string, formats map[Kind]Format, counter Counter) (*Generator, error) {
	if counter == nil {
		return nil, errors.New("numbering: counter required")
	}
	if tenant == "" {
		tenant = "default"
	}
	if err := ValidateFormats(formats); err != nil {
		return nil, err
	}
	copied := make(map[Kind]Format, len(formats))
	for kind, f := range formats {
		copied[kind] = f
	}
	return &Generator{tenant: tenant, formats: copied, counter: counter, now: time.Now}, nil
}

// ValidateFormats checks every format and that no two kinds share a prefix.
// Sequences run independently per kind, so a shared prefix would issue the
// same number twice.
func ValidateFormats(formats map[Kind]Format) error {
	kinds := make([]Kind, 0, len(formats))
	for kind := range formats {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	owner := make(map[string]Kind, len(formats))
	for _, kind := range kinds {
		f := formats[kind]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		if other, ok := owner[f.Prefix]; ok {
			return fmt.Errorf("%w: %s and %s share prefix %q", ErrInvalidFormat, other, kind, f.Prefix)
		}
		owner[f.Prefix] = kind
	}
	return nil
}

// WithNow overrides the clock used to pick the sequence year.
func (g *Generator) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Next draws the next number of kind.
func (g *Generator) Next(ctx context.Context, kind Kind) (string, error) {
	f, ok := g.formats[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	year := g.now().Year()
	seq, err := g.counter.Increment(ctx, Key(g.tenant, kind, year, f.YearlyReset))
	if err != nil {
		return "", fmt.Errorf("numbering: increment %s: %w", kind, err)
	}
	return f.Render(year, seq), nil
}

// Key builds the counter key of a sequence.
func Key(tenant string, kind Kind, year int, yearly bool) string {
	if yearly {
		return fmt.Sprintf("numbering:%s:%s:%d", tenant, kind, year)
	}
	return fmt.Sprintf("numbering:%s:%s", tenant, kind)
}
