package representative

import (
	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/internal/fields"
)

const (
	EventCreated         = "RepresentativeCreated"
	EventUpdated         = "RepresentativeUpdated"
	EventDeactivated     = "RepresentativeDeactivated"
	EventPaymentReceived = "PaymentReceived"
	EventBalanceAdjusted = "BalanceAdjusted"
	EventInvoiceIssued   = "InvoiceIssued"
)

type (
	Created struct {
		Name           string         `json:"name"`
		TelegramID     fields.Text    `json:"telegram_id"`
		InitialBalance *fields.Amount `json:"initial_balance,omitempty"`
		SalesPartnerID string         `json:"sales_partner_id,omitempty"`
	}

	Updated struct {
		Name           *string      `json:"name,omitempty"`
		TelegramID     *fields.Text `json:"telegram_id,omitempty"`
		SalesPartnerID *string      `json:"sales_partner_id,omitempty"`
	}

	Deactivated struct {
		Reason string `json:"reason,omitempty"`
	}

	PaymentReceived struct {
		Amount        *fields.Amount `json:"amount"`
		PaymentID     string         `json:"payment_id,omitempty"`
		PaymentMethod string         `json:"payment_method,omitempty"`
		Notes         string         `json:"notes,omitempty"`
	}

	BalanceAdjusted struct {
		Adjustment *fields.Amount `json:"adjustment"`
		InvoiceID  string         `json:"invoice_id,omitempty"`
		Reason     string         `json:"reason,omitempty"`
	}

	// InvoiceIssued is the representative side of an issued invoice. It
	// carries either an explicit adjustment or the invoice amount due.
	InvoiceIssued struct {
		Adjustment *fields.Amount `json:"adjustment,omitempty"`
		AmountDue  *fields.Amount `json:"amount_due,omitempty"`
		InvoiceID  string         `json:"invoice_id,omitempty"`
	}
)

func newEvent(id, eventType string, data any) es.NewEvent {
	return es.NewEvent{
		EntityType: es.EntityRepresentative,
		EntityID:   id,
		Type:       eventType,
		Data:       data,
	}
}

func amount(v int64) *fields.Amount {
	a := fields.Amount(v)
	return &a
}

func Create(id, name, telegramID string, initialBalance int64) es.NewEvent {
	return newEvent(id, EventCreated, Created{
		Name:           name,
		TelegramID:     fields.Text(telegramID),
		InitialBalance: amount(initialBalance),
	})
}

func Update(id string, u Updated) es.NewEvent { return newEvent(id, EventUpdated, u) }

func Deactivate(id, reason string) es.NewEvent {
	return newEvent(id, EventDeactivated, Deactivated{Reason: reason})
}

func ReceivePayment(id string, amt int64, paymentID string) es.NewEvent {
	return newEvent(id, EventPaymentReceived, PaymentReceived{Amount: amount(amt), PaymentID: paymentID})
}

func AdjustBalance(id string, adjustment int64, reason string) es.NewEvent {
	return newEvent(id, EventBalanceAdjusted, BalanceAdjusted{Adjustment: amount(adjustment), Reason: reason})
}

func IssueInvoice(id, invoiceID string, amountDue int64) es.NewEvent {
	return newEvent(id, EventInvoiceIssued, InvoiceIssued{AmountDue: amount(amountDue), InvoiceID: invoiceID})
}
