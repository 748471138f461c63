package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/folio/internal/billing"
	"github.com/odyssey-erp/folio/internal/folio"
	jobmetrics "github.com/odyssey-erp/folio/internal/jobs"
	"github.com/odyssey-erp/folio/internal/reservation"
)

// DocumentSource renders billing documents.
type DocumentSource interface {
	Document(ctx context.Context, reservationID string, invoiceID int64) (folio.Document, error)
}

// PDFRenderer converts HTML into PDF.
type PDFRenderer interface {
	Enabled() bool
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// InvoiceExportJob writes rendered invoice documents below Dir.
type InvoiceExportJob struct {
	Documents DocumentSource
	PDF       PDFRenderer
	Dir       string
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	// HTML wraps document text for PDF conversion.
	HTML func(title, text string) string
}

// Handle processes TaskInvoiceExport tasks.
func (j *InvoiceExportJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Documents == nil {
		return errors.New("invoice export: handler not configured")
	}
	var payload InvoiceExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invoice export: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invoice export: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskInvoiceExport)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(
		slog.String("reservation", payload.ReservationID),
		slog.Int64("invoice_id", payload.InvoiceID),
		slog.String("format", payload.Format),
	)

	doc, err := j.Documents.Document(ctx, payload.ReservationID, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, reservation.ErrNotFound) || errors.Is(err, billing.ErrInvoiceNotFound) {
			logger.Warn("export target missing", slog.Any("error", err))
			return fmt.Errorf("invoice export: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("invoice export: render: %w", err)
	}

	var (
		data []byte
		ext  string
	)
	switch payload.Format {
	case FormatPDF:
		if j.PDF == nil || !j.PDF.Enabled() {
			return fmt.Errorf("invoice export: pdf conversion disabled: %w", asynq.SkipRetry)
		}
		wrap := j.HTML
		if wrap == nil {
			return errors.New("invoice export: html wrapper not configured")
		}
		data, err = j.PDF.RenderHTML(ctx, wrap(doc.Number, doc.Body))
		if err != nil {
			return fmt.Errorf("invoice export: pdf: %w", err)
		}
		ext = ".pdf"
	default:
		data = []byte(doc.Body)
		ext = ".txt"
	}

	path, err := j.write(payload.ReservationID, doc.Number+ext, data)
	if err != nil {
		return err
	}
	j.Metrics.AddExport(payload.Format, string(doc.Type))
	logger.Info("invoice document exported", slog.String("number", doc.Number), slog.String("path", path))
	return nil
}

// write stores data atomically as <Dir>/<reservation>/<name>.
func (j *InvoiceExportJob) write(reservationID, name string, data []byte) (string, error) {
	dir := filepath.Join(j.Dir, safeName(reservationID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("invoice export: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("invoice export: temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("invoice export: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("invoice export: close: %w", err)
	}
	path := filepath.Join(dir, safeName(name))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("invoice export: rename: %w", err)
	}
	return path, nil
}

func (j *InvoiceExportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// safeName keeps document numbers and reservation ids usable as file names.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
