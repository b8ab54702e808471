// Package representative reconstructs the state of a sales representative:
// identity, assigned sales partner and running balance.
//
// The balance follows one of two sign conventions. Under Additive every
// amount and adjustment is added as signed, so payments raise the balance.
// Under Receivable the balance is what the representative owes: payments
// lower it while invoices and adjustments raise it.
package representative

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/internal/fields"
)

type Convention int

const (
	Additive Convention = iota
	Receivable
)

type State struct {
	Name           string `json:"name"`
	TelegramID     string `json:"telegram_id"`
	SalesPartnerID string `json:"sales_partner_id,omitempty"`
	CurrentBalance int64  `json:"current_balance"`
	TotalPaid      int64  `json:"total_paid"`
	InvoiceCount   int    `json:"invoice_count"`
	Active         bool   `json:"is_active"`
}

// NewID returns a fresh representative id.
func NewID() string { return uuid.NewString() }

type reducer struct {
	convention Convention
}

type Option func(*reducer)

func WithConvention(c Convention) Option { return func(r *reducer) { r.convention = c } }

// NewReducer returns the representative reducer. Malformed events stop
// reconstruction with a ValidationError.
func NewReducer(opts ...Option) *es.TypedReducer[State] {
	r := &reducer{convention: Additive}
	for _, opt := range opts {
		opt(r)
	}
	return es.NewReducer(
		es.EntityRepresentative,
		func() State { return State{} },
		map[string]es.Handler[State]{
			EventCreated:         r.created,
			EventUpdated:         r.updated,
			EventDeactivated:     r.deactivated,
			EventPaymentReceived: r.paymentReceived,
			EventBalanceAdjusted: r.balanceAdjusted,
			EventInvoiceIssued:   r.invoiceIssued,
		},
		es.WithValidationPolicy(es.FailOnInvalid),
	)
}

func (r *reducer) created(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Created](ev)
	if err != nil {
		return s, err
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return s, es.Invalid(ev, "name", "is required")
	}
	s.Name = name
	s.TelegramID = e.TelegramID.String()
	s.SalesPartnerID = e.SalesPartnerID
	s.CurrentBalance = 0
	if e.InitialBalance != nil {
		s.CurrentBalance = e.InitialBalance.Int64()
	}
	s.Active = true
	return s, nil
}

func (r *reducer) updated(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Updated](ev)
	if err != nil {
		return s, err
	}
	if e.Name != nil {
		name := strings.TrimSpace(*e.Name)
		if name == "" {
			return s, es.Invalid(ev, "name", "must not be empty")
		}
		s.Name = name
	}
	if e.TelegramID != nil {
		s.TelegramID = e.TelegramID.String()
	}
	if e.SalesPartnerID != nil {
		s.SalesPartnerID = *e.SalesPartnerID
	}
	return s, nil
}

func (r *reducer) deactivated(s State, ev es.Event) (State, error) {
	if _, err := es.DecodeData[Deactivated](ev); err != nil {
		return s, err
	}
	s.Active = false
	return s, nil
}

func (r *reducer) paymentReceived(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[PaymentReceived](ev)
	if err != nil {
		return s, err
	}
	if e.Amount == nil {
		return s, es.Invalid(ev, "amount", "is required")
	}
	amt := e.Amount.Int64()
	paid, ok := fields.Add(s.TotalPaid, amt)
	if !ok {
		return s, es.Invalid(ev, "amount", "overflows total paid")
	}
	if r.convention == Receivable {
		s, err = r.shift(s, ev, "amount", -amt, amt == math.MinInt64)
	} else {
		s, err = r.shift(s, ev, "amount", amt, false)
	}
	if err != nil {
		return s, err
	}
	s.TotalPaid = paid
	return s, nil
}

// shift moves the balance by delta. negOverflow marks a delta that is the
// negation of math.MinInt64 and so cannot be represented.
func (r *reducer) shift(s State, ev es.Event, field string, delta int64, negOverflow bool) (State, error) {
	balance, ok := fields.Add(s.CurrentBalance, delta)
	if negOverflow || !ok {
		return s, es.Invalid(ev, field, "overflows balance")
	}
	s.CurrentBalance = balance
	return s, nil
}

func (r *reducer) balanceAdjusted(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[BalanceAdjusted](ev)
	if err != nil {
		return s, err
	}
	if e.Adjustment == nil {
		return s, es.Invalid(ev, "adjustment", "is required")
	}
	return r.shift(s, ev, "adjustment", e.Adjustment.Int64(), false)
}

func (r *reducer) invoiceIssued(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[InvoiceIssued](ev)
	if err != nil {
		return s, err
	}
	switch {
	case e.Adjustment != nil:
		s, err = r.shift(s, ev, "adjustment", e.Adjustment.Int64(), false)
	case e.AmountDue != nil:
		// an invoice consumes credit, or adds to what is owed
		due := e.AmountDue.Int64()
		if r.convention == Receivable {
			s, err = r.shift(s, ev, "amount_due", due, false)
		} else {
			s, err = r.shift(s, ev, "amount_due", -due, due == math.MinInt64)
		}
	default:
		return s, es.Invalid(ev, "adjustment", "or amount_due is required")
	}
	if err != nil {
		return s, err
	}
	s.InvoiceCount++
	return s, nil
}
