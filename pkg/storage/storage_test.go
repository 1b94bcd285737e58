package storage

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPosition(a, b string, state models.PositionState, at time.Time) models.PairPosition {
	return models.PairPosition{
		Pair:      models.CandidatePair{A: a, B: b, HedgeRatio: 1.25, PValue: 0.01, SelectedAt: at},
		State:     state,
		QtyA:      3,
		QtyB:      4,
		EntryA:    101.5,
		EntryB:    80.25,
		EntryZ:    -1.8,
		OpenedAt:  at,
		UpdatedAt: at,
	}
}

func TestStore_SaveLoadPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	if err := s.SavePosition(ctx, testPosition("MSFT", "AAPL", models.StateLongSpreadOpen, now)); err != nil {
		t.Fatalf("SavePosition() error = %v", err)
	}
	if err := s.SavePosition(ctx, testPosition("JPM", "BAC", models.StateShortSpreadOpen, now)); err != nil {
		t.Fatalf("SavePosition() error = %v", err)
	}

	got, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadPositions() len = %d, want 2", len(got))
	}
	if got[0].Pair.ID() != "JPM/BAC" || got[0].State != models.StateShortSpreadOpen {
		t.Errorf("first position = %+v", got[0])
	}
	if got[1].Pair.HedgeRatio != 1.25 || got[1].EntryB != 80.25 || !got[1].OpenedAt.Equal(now) {
		t.Errorf("second position = %+v", got[1])
	}
}

func TestStore_SavePositionUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := testPosition("MSFT", "AAPL", models.StateLongSpreadOpen, now)
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition() error = %v", err)
	}
	p.State = models.StateShortSpreadOpen
	p.QtyA = 9
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition() update error = %v", err)
	}

	got, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions() error = %v", err)
	}
	if len(got) != 1 || got[0].State != models.StateShortSpreadOpen || got[0].QtyA != 9 {
		t.Errorf("LoadPositions() = %+v", got)
	}
}

func TestStore_DeletePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SavePosition(ctx, testPosition("MSFT", "AAPL", models.StateLongSpreadOpen, time.Now())); err != nil {
		t.Fatalf("SavePosition() error = %v", err)
	}
	if err := s.DeletePosition(ctx, "MSFT/AAPL"); err != nil {
		t.Fatalf("DeletePosition() error = %v", err)
	}
	if err := s.DeletePosition(ctx, "NOPE/NADA"); err != nil {
		t.Fatalf("DeletePosition() missing error = %v", err)
	}
	got, _ := s.LoadPositions(ctx)
	if len(got) != 0 {
		t.Errorf("positions after delete = %v", got)
	}
}

func TestStore_RecordAndListTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, action := range []string{"entry", "exit", "entry"} {
		err := s.RecordTrade(ctx, models.TradeRecord{
			ID:        "t" + string(rune('1'+i)),
			PairID:    "MSFT/AAPL",
			Action:    action,
			From:      models.StateFlat,
			To:        models.StateLongSpreadOpen,
			Signal:    models.SignalLongSpread,
			Z:         -2.1,
			OrderIDs:  []string{"a", "b"},
			PriceA:    100,
			PriceB:    50,
			QtyA:      1,
			QtyB:      2,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("RecordTrade() error = %v", err)
		}
	}

	got, err := s.ListTrades(ctx, 2)
	if err != nil {
		t.Fatalf("ListTrades() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTrades() len = %d, want 2", len(got))
	}
	if got[0].ID != "t3" || got[1].ID != "t2" {
		t.Errorf("ListTrades() order = %s, %s", got[0].ID, got[1].ID)
	}
	if len(got[0].OrderIDs) != 2 || got[0].Signal != models.SignalLongSpread {
		t.Errorf("trade = %+v", got[0])
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind() = %q", got)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("Open() error = nil, want unsupported driver")
	}
}
