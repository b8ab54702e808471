package representative

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Iscgrou/roboinv/core/es"
)

var testNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func TestScenario_PaymentRaisesBalance(t *testing.T) {
	te := es.StartTestEnv(t, es.WithReducers(NewReducer()))
	id := NewID()

	ev := te.MustAppend(t.Context(), Create(id, "Ali", "100200300", 0))
	require.Equal(t, es.Version(1), ev.Version)
	ev = te.MustAppend(t.Context(), ReceivePayment(id, 500, "pay-1"))
	require.Equal(t, es.Version(2), ev.Version)

	state, err := te.GetState(t.Context(), es.EntityRepresentative, id)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), state.Version)

	rep, err := es.StateValue[State](state)
	require.NoError(t, err)
	require.Equal(t, int64(500), rep.CurrentBalance)
	require.Equal(t, int64(500), rep.TotalPaid)
	require.Equal(t, "Ali", rep.Name)
	require.True(t, rep.Active)
}

func TestScenario_PaymentSettlesReceivable(t *testing.T) {
	te := es.StartTestEnv(t, es.WithReducers(NewReducer(WithConvention(Receivable))))
	id := NewID()

	te.MustRecord(t.Context(), AdjustBalance(id, 1000, "invoice inv-1"))
	state := te.MustRecord(t.Context(), ReceivePayment(id, 400, "pay-1"))

	require.Equal(t, es.Version(2), state.Version)
	rep, err := es.StateValue[State](state)
	require.NoError(t, err)
	require.Equal(t, int64(600), rep.CurrentBalance)
}

func TestReducer_Lifecycle(t *testing.T) {
	r := NewReducer()
	spID := "sp-1"
	newName := "  Reza  "

	events := []es.NewEvent{
		Create("rep-1", "Reza", "@reza", 200),
		IssueInvoice("rep-1", "inv-1", 150),
		AdjustBalance("rep-1", -20, "discount"),
		Update("rep-1", Updated{Name: &newName, SalesPartnerID: &spID}),
		Deactivate("rep-1", "left"),
	}
	s := r.Initial().(State)
	for i, req := range events {
		ev, err := req.Build(es.NewID, testNow)
		require.NoError(t, err)
		ev.Version = es.Version(i + 1)
		s, err = r.Apply(s, ev)
		require.NoError(t, err)
	}

	require.Equal(t, State{
		Name:           "Reza",
		TelegramID:     "@reza",
		SalesPartnerID: "sp-1",
		CurrentBalance: 30,
		InvoiceCount:   1,
		Active:         false,
	}, s)
}

func TestReducer_InvoiceIssuedConventions(t *testing.T) {
	ev := rawEvent(EventInvoiceIssued, `{"amount_due":300}`)

	s, err := NewReducer().Apply(State{CurrentBalance: 1000}, ev)
	require.NoError(t, err)
	require.Equal(t, int64(700), s.CurrentBalance)

	s, err = NewReducer(WithConvention(Receivable)).Apply(State{CurrentBalance: 1000}, ev)
	require.NoError(t, err)
	require.Equal(t, int64(1300), s.CurrentBalance)

	// an explicit adjustment is applied as is under both conventions
	ev = rawEvent(EventInvoiceIssued, `{"adjustment":-50,"amount_due":300}`)
	for _, c := range []Convention{Additive, Receivable} {
		s, err = NewReducer(WithConvention(c)).Apply(State{CurrentBalance: 1000}, ev)
		require.NoError(t, err)
		require.Equal(t, int64(950), s.CurrentBalance)
	}
}

func TestReducer_LegacyPayloads(t *testing.T) {
	r := NewReducer()

	s, err := r.Apply(State{}, rawEvent(EventCreated, `{"name":"Sara","telegram_id":987654,"initial_balance":"250"}`))
	require.NoError(t, err)
	require.Equal(t, "987654", s.TelegramID)
	require.Equal(t, int64(250), s.CurrentBalance)

	s, err = r.Apply(s, rawEvent(EventPaymentReceived, `{"amount":"100.00","payment_method":"card","notes":"x"}`))
	require.NoError(t, err)
	require.Equal(t, int64(350), s.CurrentBalance)
}

func TestReducer_Validation(t *testing.T) {
	r := NewReducer()
	for name, tc := range map[string]struct {
		eventType string
		data      string
		field     string
	}{
		"created without name":    {EventCreated, `{"telegram_id":"1"}`, "name"},
		"payment without amount":  {EventPaymentReceived, `{"payment_id":"p"}`, "amount"},
		"adjustment missing":      {EventBalanceAdjusted, `{}`, "adjustment"},
		"invoice without amounts": {EventInvoiceIssued, `{"invoice_id":"i"}`, "adjustment"},
		"empty rename":            {EventUpdated, `{"name":" "}`, "name"},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := r.Apply(State{CurrentBalance: 5}, rawEvent(tc.eventType, tc.data))
			require.ErrorIs(t, err, es.ErrValidation)
			var verr *es.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
			require.Equal(t, State{CurrentBalance: 5}, s)
		})
	}

	_, err := r.Apply(State{}, rawEvent(EventPaymentReceived, `{"amount":"lots"}`))
	require.ErrorIs(t, err, es.ErrValidation)
}

func TestReducer_UnknownEvent(t *testing.T) {
	s, err := NewReducer().Apply(State{CurrentBalance: 5}, rawEvent("RepresentativeRenamed", `{}`))
	require.ErrorIs(t, err, es.ErrUnknownEventType)
	require.Equal(t, State{CurrentBalance: 5}, s)
}

func TestState_SnapshotRoundtrip(t *testing.T) {
	r := NewReducer()
	in := State{Name: "A", TelegramID: "1", CurrentBalance: -40, TotalPaid: 10, Active: true}
	data, err := r.EncodeState(in)
	require.NoError(t, err)
	out, err := r.DecodeState(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func rawEvent(eventType, data string) es.Event {
	return es.Event{
		ID:         "ev-1",
		EntityType: es.EntityRepresentative,
		EntityID:   "rep-1",
		Type:       eventType,
		Data:       json.RawMessage(data),
		Version:    1,
		OccurredAt: testNow,
	}
}

func TestReducer_Overflow(t *testing.T) {
	for name, tc := range map[string]struct {
		convention Convention
		start      State
		eventType  string
		data       string
		field      string
	}{
		"payment past max":      {Additive, State{CurrentBalance: math.MaxInt64}, EventPaymentReceived, `{"amount":1}`, "amount"},
		"total paid past max":   {Receivable, State{TotalPaid: math.MaxInt64}, EventPaymentReceived, `{"amount":1}`, "amount"},
		"receivable min amount": {Receivable, State{}, EventPaymentReceived, `{"amount":"-9223372036854775808"}`, "amount"},
		"adjustment past min":   {Additive, State{CurrentBalance: math.MinInt64}, EventBalanceAdjusted, `{"adjustment":-1}`, "adjustment"},
		"invoice past min":      {Additive, State{CurrentBalance: -10}, EventInvoiceIssued, `{"amount_due":9223372036854775807}`, "amount_due"},
		"invoice past max":      {Receivable, State{CurrentBalance: 10}, EventInvoiceIssued, `{"amount_due":9223372036854775807}`, "amount_due"},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := NewReducer(WithConvention(tc.convention)).Apply(tc.start, rawEvent(tc.eventType, tc.data))
			var verr *es.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
			require.Contains(t, verr.Error(), "overflows")
			require.Equal(t, tc.start, s)
		})
	}
}
