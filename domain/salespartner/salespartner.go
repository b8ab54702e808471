// Package salespartner reconstructs sales partner state: identity,
// commission rate and the commission earned so far.
//
// The reducer is lenient: an event with malformed data is logged and
// skipped, so a single bad record never hides a partner's commission
// history.
package salespartner

import (
	"strings"

	"github.com/google/uuid"

	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/internal/fields"
)

const (
	EventCreated          = "SalesPartnerCreated"
	EventUpdated          = "SalesPartnerUpdated"
	EventCommissionEarned = "CommissionEarned"
	EventDeleted          = "SalesPartnerDeleted"

	MaxCommissionRate = 100
)

type (
	Created struct {
		Name           string      `json:"name"`
		TelegramID     fields.Text `json:"telegram_id"`
		CommissionRate *float64    `json:"commission_rate"`
	}

	Updated struct {
		Name           *string      `json:"name,omitempty"`
		TelegramID     *fields.Text `json:"telegram_id,omitempty"`
		CommissionRate *float64     `json:"commission_rate,omitempty"`
	}

	CommissionEarned struct {
		Amount           *fields.Amount `json:"amount"`
		RepresentativeID string         `json:"representative_id,omitempty"`
		InvoiceID        string         `json:"invoice_id,omitempty"`
	}

	Deleted struct{}
)

type State struct {
	Name                  string  `json:"name"`
	TelegramID            string  `json:"telegram_id"`
	CommissionRate        float64 `json:"commission_rate"`
	TotalEarnedCommission int64   `json:"total_earned_commission"`
	Deleted               bool    `json:"deleted,omitempty"`
}

// NewID returns a fresh sales partner id.
func NewID() string { return uuid.NewString() }

// NewReducer returns the sales partner reducer. Malformed events are
// skipped with a warning.
func NewReducer() *es.TypedReducer[State] {
	return es.NewReducer(
		es.EntitySalesPartner,
		func() State { return State{} },
		map[string]es.Handler[State]{
			EventCreated:          created,
			EventUpdated:          updated,
			EventCommissionEarned: commissionEarned,
			EventDeleted:          deleted,
		},
		es.WithValidationPolicy(es.SkipInvalid),
	)
}

func validRate(ev es.Event, rate float64) error {
	if rate < 0 || rate > MaxCommissionRate {
		return es.Invalid(ev, "commission_rate", "must be between 0 and 100")
	}
	return nil
}

func created(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Created](ev)
	if err != nil {
		return s, err
	}
	name := strings.TrimSpace(e.Name)
	switch {
	case name == "":
		return s, es.Invalid(ev, "name", "is required")
	case e.TelegramID == "":
		return s, es.Invalid(ev, "telegram_id", "is required")
	case e.CommissionRate == nil:
		return s, es.Invalid(ev, "commission_rate", "is required")
	}
	if err := validRate(ev, *e.CommissionRate); err != nil {
		return s, err
	}
	s.Name = name
	s.TelegramID = e.TelegramID.String()
	s.CommissionRate = *e.CommissionRate
	return s, nil
}

func updated(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[Updated](ev)
	if err != nil {
		return s, err
	}
	if e.Name == nil && e.TelegramID == nil && e.CommissionRate == nil {
		return s, es.Invalid(ev, "", "no fields to update")
	}
	if e.CommissionRate != nil {
		if err := validRate(ev, *e.CommissionRate); err != nil {
			return s, err
		}
		s.CommissionRate = *e.CommissionRate
	}
	if e.Name != nil {
		s.Name = strings.TrimSpace(*e.Name)
	}
	if e.TelegramID != nil {
		s.TelegramID = e.TelegramID.String()
	}
	return s, nil
}

func commissionEarned(s State, ev es.Event) (State, error) {
	e, err := es.DecodeData[CommissionEarned](ev)
	if err != nil {
		return s, err
	}
	if e.Amount == nil {
		return s, es.Invalid(ev, "amount", "is required")
	}
	total, ok := fields.Add(s.TotalEarnedCommission, e.Amount.Int64())
	if !ok {
		return s, es.Invalid(ev, "amount", "overflows earned commission")
	}
	s.TotalEarnedCommission = total
	return s, nil
}

func deleted(s State, _ es.Event) (State, error) {
	s.Deleted = true
	return s, nil
}

// === Commands ===

func newEvent(id, eventType string, data any) es.NewEvent {
	return es.NewEvent{EntityType: es.EntitySalesPartner, EntityID: id, Type: eventType, Data: data}
}

func Create(id, name, telegramID string, rate float64) es.NewEvent {
	return newEvent(id, EventCreated, Created{Name: name, TelegramID: fields.Text(telegramID), CommissionRate: &rate})
}

func Update(id string, u Updated) es.NewEvent { return newEvent(id, EventUpdated, u) }

func EarnCommission(id string, amt int64, representativeID string) es.NewEvent {
	a := fields.Amount(amt)
	return newEvent(id, EventCommissionEarned, CommissionEarned{Amount: &a, RepresentativeID: representativeID})
}

func Delete(id string) es.NewEvent { return newEvent(id, EventDeleted, Deleted{}) }
