// Package printer renders tickets and receipts as ESC/POS and prints them
// over a device link.
package printer

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

// Kind selects the document layout
type Kind string

const (
	KindEntryTicket Kind = "ENTRY_TICKET"
	KindExitReceipt Kind = "EXIT_RECEIPT"
)

const (
	DefaultRetryAttempts = 3
	DefaultPrintDelay    = time.Second
	DefaultPaperWidth    = 48

	dateLayout = "02-01-2006 15:04:05"
)

// Job is one document to print. Session and Rate are snapshots.
type Job struct {
	Kind      Kind
	Session   model.Session
	Rate      *model.Rate
	PrintedAt time.Time
}

// Layout controls how jobs are rendered
type Layout struct {
	PaperWidth      int
	Header          []string
	Footer          []string
	Currency        string
	MinorUnitDigits int32
	Location        *time.Location
}

// Options configures a Service
type Options struct {
	Layout        Layout
	RetryAttempts int
	PrintDelay    time.Duration
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// PrintError is returned when every attempt of a job failed
type PrintError struct {
	Kind     Kind
	TicketID string
	Attempts int
	Err      error
}

func (e *PrintError) Error() string {
	return fmt.Sprintf("print %s for ticket %s failed after %d attempts: %v", e.Kind, e.TicketID, e.Attempts, e.Err)
}

func (e *PrintError) Unwrap() error { return e.Err }

// Service prints jobs on one printer link
type Service struct {
	link   protocol.Link
	opts   Options
	logger *zap.Logger
}

// New creates a printer service
func New(link protocol.Link, opts Options) *Service {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.PrintDelay <= 0 {
		opts.PrintDelay = DefaultPrintDelay
	}
	if opts.Layout.PaperWidth <= 0 {
		opts.Layout.PaperWidth = DefaultPaperWidth
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		link:   link,
		opts:   opts,
		logger: opts.Logger.With(zap.String("device_id", link.DeviceID())),
	}
}

// Print renders job and writes it as one batch, retrying a failed batch up to
// RetryAttempts times with PrintDelay in between
func (s *Service) Print(ctx context.Context, job Job) error {
	if job.PrintedAt.IsZero() {
		job.PrintedAt = s.opts.Clock.Now()
	}
	data := Render(job, s.opts.Layout)

	var lastErr error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &PrintError{Kind: job.Kind, TicketID: job.Session.ID, Attempts: attempt - 1, Err: ctx.Err()}
			case <-s.opts.Clock.After(s.opts.PrintDelay):
			}
		}

		ack, err := s.link.SendRaw(ctx, data)
		if err == nil {
			s.logger.Info("Printed document",
				zap.String("kind", string(job.Kind)),
				zap.String("ticket_id", job.Session.ID),
				zap.Int("bytes", len(data)),
				zap.Int("attempt", attempt),
				zap.Duration("duration", ack.Duration),
			)
			return nil
		}

		lastErr = err
		s.logger.Warn("Print attempt failed",
			zap.String("kind", string(job.Kind)),
			zap.String("ticket_id", job.Session.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.RetryAttempts),
			zap.Error(err),
		)
	}

	return &PrintError{Kind: job.Kind, TicketID: job.Session.ID, Attempts: s.opts.RetryAttempts, Err: lastErr}
}

// Render produces the ESC/POS bytes for job. The output depends only on its
// arguments.
func Render(job Job, layout Layout) []byte {
	if layout.PaperWidth <= 0 {
		layout.PaperWidth = DefaultPaperWidth
	}
	loc := layout.Location
	if loc == nil {
		loc = time.UTC
	}

	doc := newDocument(layout.PaperWidth)
	doc.center()
	for _, h := range layout.Header {
		doc.bold(h)
	}
	doc.rule("=")

	session := job.Session
	switch job.Kind {
	case KindExitReceipt:
		doc.title("PAYMENT RECEIPT")
		doc.rule("=").left()
		doc.field("Ticket", session.ID)
		doc.field("Date", job.PrintedAt.In(loc).Format(dateLayout))
		doc.field("Plate", session.PlateNumber)
		doc.field("Type", string(session.VehicleType))
		doc.rule("-")
		doc.field("Entry", session.EntryTime.In(loc).Format(dateLayout))
		if session.ExitTime != nil {
			doc.field("Exit", session.ExitTime.In(loc).Format(dateLayout))
			doc.field("Duration", FormatDuration(session.ExitTime.Sub(session.EntryTime)))
		}
		if job.Rate != nil {
			doc.field("First hour", FormatMoney(job.Rate.BaseRate, layout.Currency, layout.MinorUnitDigits))
			doc.field("Per hour", FormatMoney(job.Rate.HourlyRate, layout.Currency, layout.MinorUnitDigits))
		}
		doc.rule("-")
		var fee int64
		if session.Fee != nil {
			fee = *session.Fee
		}
		doc.bold(padRight("Total", labelWidth) + ": " + FormatMoney(fee, layout.Currency, layout.MinorUnitDigits))
	default:
		doc.title("PARKING TICKET")
		doc.rule("=").left()
		doc.field("Ticket", session.ID)
		doc.field("Date", session.EntryTime.In(loc).Format(dateLayout))
		doc.field("Plate", session.PlateNumber)
		doc.field("Type", string(session.VehicleType))
	}

	doc.rule("=").center()
	for _, f := range layout.Footer {
		doc.line(f)
	}
	return doc.cut(4)
}

// FormatMoney renders an amount in minor units, e.g. 7000 with 0 digits as
// "Rp 7,000" and 12345 with 2 digits as "$ 123.45"
func FormatMoney(amount int64, currency string, digits int32) string {
	value := decimal.New(amount, -digits)
	text := groupThousands(value.Truncate(0).Abs().String())
	if digits > 0 {
		frac := value.Abs().Sub(value.Abs().Truncate(0)).StringFixed(digits)
		text += frac[1:]
	}
	if value.IsNegative() {
		text = "-" + text
	}
	if currency == "" {
		return text
	}
	return currency + " " + text
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head := len(digits) % 3
	if head == 0 {
		head = 3
	}
	out := digits[:head]
	for i := head; i < len(digits); i += 3 {
		out += "," + digits[i:i+3]
	}
	return out
}

// FormatDuration renders a parking duration as "2h 05m"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
}
