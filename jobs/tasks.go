package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceExport renders an invoice document to the export directory.
	TaskInvoiceExport = "folio:invoice.export"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "folio:idempotency.cleanup"
)

// Export formats.
const (
	FormatText = "text"
	FormatPDF  = "pdf"
)

// InvoiceExportPayload identifies the document to export.
type InvoiceExportPayload struct {
	ReservationID string `json:"reservation_id"`
	InvoiceID     int64  `json:"invoice_id"`
	Format        string `json:"format"`
}

// Validate checks the payload is processable.
func (p InvoiceExportPayload) Validate() error {
	if strings.TrimSpace(p.ReservationID) == "" {
		return errors.New("reservation_id required")
	}
	if p.InvoiceID <= 0 {
		return errors.New("invoice_id must be positive")
	}
	switch p.Format {
	case FormatText, FormatPDF:
		return nil
	default:
		return fmt.Errorf("unsupported format %q", p.Format)
	}
}

// NewInvoiceExportTask constructs an export task.
func NewInvoiceExportTask(payload InvoiceExportPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceExport, data, asynq.MaxRetry(5), asynq.Timeout(2*time.Minute)), nil
}

// IdempotencyCleanupPayload carries the key retention.
type IdempotencyCleanupPayload struct {
	Retention string `json:"retention"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
