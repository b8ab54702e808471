// Package invoice reconstructs invoice state: amount due, payments applied
// and the derived status.
package invoice

import (
	"github.com/google/uuid"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/internal/fields"
)

const (
	EventIssued         = "InvoiceIssued"
	EventPaymentApplied = "PaymentAppliedToInvoice"
	EventAdjusted       = "InvoiceAdjusted"
	EventCancelled      = "InvoiceCancelled"
)

type Status string

const (
	StatusIssued        Status = "issued"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusCancelled     Status = "cancelled"
)

type (
	// Issued also accepts the camelCase keys of older producers.
	Issued struct {
		AmountDue        *fields.Amount `json:"amount_due,omitempty"`
		RepresentativeID string         `json:"representative_id,omitempty"`
		DueDate          string         `json:"due_date,omitempty"`

		LegacyAmountDue        *fields.Amount `json:"amountDue,omitempty"`
		LegacyRepresentativeID string         `json:"representativeId,omitempty"`
	}

	PaymentApplied struct {
		Amount    *fields.Amount `json:"amount"`
		PaymentID string         `json:"payment_id,omitempty"`
	}

	Adjusted struct {
		AmountDue *fields.Amount `json:"amount_due"`
		Reason    string         `json:"reason,omitempty"`
	}

	Cancelled struct {
		Reason string `json:"reason,omitempty"`
	}
)

type State struct {
	RepresentativeID   string `json:"representative_id,omitempty"`
	AmountDue          int64  `json:"amount_due"`
	AmountPaid         int64  `json:"amount_paid"`
	OutstandingBalance int64  `json:"outstanding_balance"`
	Status             Status `json:"status,omitempty"`
	DueDate            string `json:"due_date,omitempty"`
	Payments           int    `json:"payments"`
	CancelReason       string `json:"cancel_reason,omitempty"`
}

// settle recomputes the derived fields. A cancelled invoice stays cancelled.
func (s State) settle(ev es.Event) (State, error) {
	outstanding, ok := fields.Sub(s.AmountDue, s.AmountPaid)
	if !ok {
		return s, es.Invalid(ev, "amount", "overflows outstanding balance")
	}
	s.OutstandingBalance = outstanding
	switch {
	case s.Status == StatusCancelled:
	case s.OutstandingBalance <= 0:
		s.Status = StatusPaid
	case s.AmountPaid > 0:
		s.Status = StatusPartiallyPaid
	default:
		s.Status = StatusIssued
	}
	return s, nil
}

// NewID returns a fresh invoice id.
func NewID() string { return uuid.NewString() }

// NewReducer returns the invoice reducer. Malformed events stop
// reconstruction with a ValidationError.
func NewReducer() *es.TypedReducer[State] {
	return es.NewReducer(
		es.EntityInvoice,
		func() State { return State{} },
		map[string]es.Handler[State]{
			EventIssued:         issued,
			EventPaymentApplied: paymentApplied,
			EventAdjusted:       adjusted,
			EventCancelled:      cancelled,
		},
	)
}

func issued(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Issued](ev)
	if err != nil {
		return s, err
	}
	amountDue := fields.First(e.AmountDue, e.LegacyAmountDue)
	if amountDue == nil {
		return s, es.Invalid(ev, "amount_due", "is required")
	}
	if amountDue.Int64() < 0 {
		return s, es.Invalid(ev, "amount_due", "must not be negative")
	}
	s.AmountDue = amountDue.Int64()
	s.RepresentativeID = e.RepresentativeID
	if s.RepresentativeID == "" {
		s.RepresentativeID = e.LegacyRepresentativeID
	}
	s.DueDate = e.DueDate
	s.Status = StatusIssued
	return s.settle(ev)
}

func paymentApplied(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[PaymentApplied](ev)
	if err != nil {
		return s, err
	}
	if e.Amount == nil {
		return s, es.Invalid(ev, "amount", "is required")
	}
	paid, ok := fields.Add(s.AmountPaid, e.Amount.Int64())
	if !ok {
		return s, es.Invalid(ev, "amount", "overflows amount paid")
	}
	s.AmountPaid = paid
	s.Payments++
	return s.settle(ev)
}

func adjusted(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Adjusted](ev)
	if err != nil {
		return s, err
	}
	if e.AmountDue == nil {
		return s, es.Invalid(ev, "amount_due", "is required")
	}
	s.AmountDue = e.AmountDue.Int64()
	return s.settle(ev)
}

func cancelled(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Cancelled](ev)
	if err != nil {
		return s, err
	}
	s.Status = StatusCancelled
	s.CancelReason = e.Reason
	return s.settle(ev)
}

// === Commands ===

func newEvent(id, eventType string, data any) es.NewEvent {
	return es.NewEvent{EntityType: es.EntityInvoice, EntityID: id, Type: eventType, Data: data}
}

func amount(v int64) *fields.Amount {
	a := fields.Amount(v)
	return &a
}

func Issue(id, representativeID string, amountDue int64) es.NewEvent {
	return newEvent(id, EventIssued, Issued{AmountDue: amount(amountDue), RepresentativeID: representativeID})
}

func ApplyPayment(id string, amt int64, paymentID string) es.NewEvent {
	return newEvent(id, EventPaymentApplied, PaymentApplied{Amount: amount(amt), PaymentID: paymentID})
}

func Adjust(id string, amountDue int64, reason string) es.NewEvent {
	return newEvent(id, EventAdjusted, Adjusted{AmountDue: amount(amountDue), Reason: reason})
}

func Cancel(id, reason string) es.NewEvent {
	return newEvent(id, EventCancelled, Cancelled{Reason: reason})
}
