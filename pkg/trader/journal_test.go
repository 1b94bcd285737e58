package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/notify"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/gregtusar/pairs/pkg/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) kinds() map[notify.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[notify.Kind]int)
	for _, e := range r.events {
		out[e.Kind]++
	}
	return out
}

func TestJournalPersistsTransitions(t *testing.T) {
	store, err := storage.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	notes := &recordingNotifier{}
	journal := NewJournal(store, notes, newTestLogger())

	pair := models.CandidatePair{A: "KO", B: "PEP", HedgeRatio: 0.4}
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	open := models.PairPosition{Pair: pair, State: models.StateShortSpreadOpen, QtyA: 1, QtyB: 1, OpenedAt: now, UpdatedAt: now}
	orders := []models.OrderIntent{
		{Symbol: "KO", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Qty: 1},
		{Symbol: "PEP", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 1},
	}
	acks := []models.Ack{{OrderID: "o1"}, {OrderID: "o2"}}

	journal.TransitionCommitted(position.Transition{
		PairID:   pair.ID(),
		From:     models.StateFlat,
		To:       models.StateShortSpreadOpen,
		Signal:   models.SignalShortSpread,
		Quote:    position.Quote{PriceA: 60, PriceB: 170, Z: 1.9, Time: now},
		Orders:   orders,
		Acks:     acks,
		Position: open,
	})

	ctx := context.Background()
	positions, err := store.LoadPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].State != models.StateShortSpreadOpen {
		t.Fatalf("positions after entry = %+v", positions)
	}

	journal.TransitionCommitted(position.Transition{
		PairID:   pair.ID(),
		From:     models.StateShortSpreadOpen,
		To:       models.StateFlat,
		Signal:   models.SignalExit,
		Quote:    position.Quote{PriceA: 59, PriceB: 171, Z: 0.1, Time: now.Add(time.Hour)},
		Orders:   orders,
		Acks:     acks,
		Position: models.PairPosition{Pair: pair, State: models.StateFlat, QtyA: 1, QtyB: 1},
	})
	journal.TransitionFailed(position.Failure{PairID: pair.ID(), Signal: models.SignalLongSpread, Err: errors.New("rejected")})

	positions, err = store.LoadPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Errorf("positions after exit = %+v", positions)
	}

	trades, err := store.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	actions := map[string]bool{}
	for _, tr := range trades {
		actions[tr.Action] = true
		if len(tr.OrderIDs) != 2 {
			t.Errorf("trade %s order ids = %v", tr.Action, tr.OrderIDs)
		}
	}
	if !actions["entry"] || !actions["exit"] {
		t.Errorf("actions = %v", actions)
	}

	kinds := notes.kinds()
	if kinds[notify.KindEntry] != 1 || kinds[notify.KindExit] != 1 || kinds[notify.KindOrder] != 4 || kinds[notify.KindError] != 1 {
		t.Errorf("notification kinds = %v", kinds)
	}
}
