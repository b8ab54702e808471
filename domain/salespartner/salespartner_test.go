package salespartner

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Iscgrou/roboinv/core/es"
)

func TestSalesPartner_Flow(t *testing.T) {
	te := es.StartTestEnv(t, es.WithReducers(NewReducer()))
	ctx := t.Context()
	id := NewID()
	rate := 12.5
	name := " Sepehr Co "

	te.MustAppend(ctx, Create(id, "Sepehr", "5550001", 10))
	te.MustAppend(ctx, EarnCommission(id, 300, "rep-1"))
	te.MustAppend(ctx, Update(id, Updated{CommissionRate: &rate, Name: &name}))
	te.MustAppend(ctx, EarnCommission(id, 200, "rep-2"))

	te.Assert().State(ctx, es.EntitySalesPartner, id, 4, State{
		Name:                  "Sepehr Co",
		TelegramID:            "5550001",
		CommissionRate:        12.5,
		TotalEarnedCommission: 500,
	})

	te.MustAppend(ctx, Delete(id))
	state, err := te.GetState(ctx, es.EntitySalesPartner, id)
	require.NoError(t, err)
	sp, err := es.StateValue[State](state)
	require.NoError(t, err)
	require.True(t, sp.Deleted)

	// the history is kept
	te.Assert().Versions(ctx, id, 5)
}

func TestSalesPartner_InvalidEventsAreSkipped(t *testing.T) {
	te := es.StartTestEnv(t, es.WithReducers(NewReducer()))
	ctx := t.Context()
	id := NewID()
	badRate := 150.0

	te.MustAppend(ctx, Create(id, "Nima", "42", 5))
	te.MustAppend(ctx, Update(id, Updated{CommissionRate: &badRate}))
	te.MustAppend(ctx, Update(id, Updated{}))
	te.MustAppend(ctx, es.NewEvent{
		EntityType: es.EntitySalesPartner, EntityID: id, Type: EventCommissionEarned,
		Data: map[string]any{"amount": "a lot"},
	})
	state := te.MustRecord(ctx, EarnCommission(id, 70, "rep-1"))

	require.Equal(t, es.Version(5), state.Version)
	require.Equal(t, State{
		Name:                  "Nima",
		TelegramID:            "42",
		CommissionRate:        5,
		TotalEarnedCommission: 70,
	}, state.Value)
}

func TestReducer_CommissionOverflow(t *testing.T) {
	ev, err := EarnCommission("sp-1", 1, "rep-1").Build(es.NewID, time.Now())
	require.NoError(t, err)
	ev.Version = 2

	start := State{Name: "Nima", TotalEarnedCommission: math.MaxInt64}
	s, err := NewReducer().Apply(start, ev)
	require.ErrorIs(t, err, es.ErrValidation)
	require.Equal(t, start, s)
}

func TestReducer_CreatedValidation(t *testing.T) {
	r := NewReducer()
	for _, req := range []es.NewEvent{
		Create("sp", "", "1", 1),
		Create("sp", "n", "", 1),
		Create("sp", "n", "1", -1),
		newEvent("sp", EventCreated, map[string]any{"name": "n", "telegram_id": "1"}),
	} {
		ev, err := req.Build(es.NewID, testNow())
		require.NoError(t, err)
		ev.Version = 1
		s, err := r.Apply(State{}, ev)
		require.ErrorIs(t, err, es.ErrEventSkipped)
		require.ErrorIs(t, err, es.ErrValidation)
		require.Equal(t, State{}, s)
	}
}

func testNow() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) }
