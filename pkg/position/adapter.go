package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrInFlight     = errors.New("order already in flight for pair")
	ErrInvalidPrice = errors.New("invalid quote price")
)

// Executor submits single orders to a broker. Retries, if any, are its own
// business.
type Executor interface {
	Submit(ctx context.Context, intent models.OrderIntent) (models.Ack, error)
	Cancel(ctx context.Context, orderID string) error
}

// Quote carries the prices a decision is made at.
type Quote struct {
	PriceA float64
	PriceB float64
	Z      float64
	Time   time.Time
}

type Transition struct {
	PairID   string
	From     models.PositionState
	To       models.PositionState
	Signal   models.Signal
	Quote    Quote
	Orders   []models.OrderIntent
	Acks     []models.Ack
	Position models.PairPosition
}

// Entry reports whether the transition opened a position.
func (t Transition) Entry() bool { return t.From == models.StateFlat }

type Failure struct {
	PairID string
	Signal models.Signal
	Orders []models.OrderIntent
	Err    error
}

// Observer is told about every committed transition and every failed one.
// Calls happen after the pair lock is released.
type Observer interface {
	TransitionCommitted(Transition)
	TransitionFailed(Failure)
}

type slot struct {
	mu       sync.Mutex
	inFlight bool
	pos      models.PairPosition
}

// Adapter owns the position state of every traded pair. Different pairs
// proceed in parallel; a pair never has two transitions in flight.
type Adapter struct {
	cfg       Config
	exec      Executor
	logger    *logrus.Logger
	observers []Observer

	mu    sync.Mutex
	slots map[string]*slot

	now   func() time.Time
	newID func() string
}

func NewAdapter(cfg Config, exec Executor, logger *logrus.Logger, observers ...Observer) *Adapter {
	return &Adapter{
		cfg:       cfg,
		exec:      exec,
		logger:    logger,
		observers: observers,
		slots:     make(map[string]*slot),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (a *Adapter) slot(pairID string) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[pairID]
	if !ok {
		s = &slot{pos: models.PairPosition{State: models.StateFlat}}
		a.slots[pairID] = s
	}
	return s
}

// Apply feeds a signal for pair. It returns nil, nil when the signal causes
// no transition. The new state is committed only after every leg has been
// acknowledged.
func (a *Adapter) Apply(ctx context.Context, pair models.CandidatePair, sig models.Signal, q Quote) (*Transition, error) {
	return a.transition(ctx, pair.ID(), &pair, sig, q)
}

// CloseOut exits whatever position is open for pairID using the pair
// definition it was opened with.
func (a *Adapter) CloseOut(ctx context.Context, pairID string, q Quote) (*Transition, error) {
	return a.transition(ctx, pairID, nil, models.SignalExit, q)
}

func (a *Adapter) transition(ctx context.Context, pairID string, pair *models.CandidatePair, sig models.Signal, q Quote) (*Transition, error) {
	s := a.slot(pairID)

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	from := s.pos.State
	to, changed := from.Next(sig)
	if !changed {
		s.mu.Unlock()
		return nil, nil
	}
	if err := validateQuote(q); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var orders []models.OrderIntent
	if from == models.StateFlat {
		orders = a.entryOrders(*pair, to, q)
	} else {
		orders = a.exitOrders(s.pos, q)
	}
	current := s.pos
	s.inFlight = true
	s.mu.Unlock()

	acks, err := a.submit(ctx, orders)

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.mu.Unlock()
		f := Failure{PairID: pairID, Signal: sig, Orders: orders, Err: err}
		for _, o := range a.observers {
			o.TransitionFailed(f)
		}
		return nil, err
	}

	now := a.now().UTC()
	next := models.PairPosition{State: models.StateFlat, UpdatedAt: now}
	if to.Open() {
		next = models.PairPosition{
			Pair:      *pair,
			State:     to,
			QtyA:      orders[0].Qty,
			QtyB:      orders[1].Qty,
			EntryA:    fillPrice(acks[0], q.PriceA),
			EntryB:    fillPrice(acks[1], q.PriceB),
			EntryZ:    q.Z,
			OpenedAt:  now,
			UpdatedAt: now,
		}
	} else {
		next.Pair = current.Pair
	}
	s.pos = next
	s.mu.Unlock()

	t := &Transition{
		PairID:   pairID,
		From:     from,
		To:       to,
		Signal:   sig,
		Quote:    q,
		Orders:   orders,
		Acks:     acks,
		Position: next,
	}
	if !to.Open() {
		// keep the closed quantities on the record
		t.Position.QtyA, t.Position.QtyB = current.QtyA, current.QtyB
		t.Position.EntryA, t.Position.EntryB = current.EntryA, current.EntryB
	}

	a.logger.WithFields(logrus.Fields{
		"pair":   pairID,
		"from":   from,
		"to":     to,
		"signal": sig,
		"z":      q.Z,
	}).Info("Position transition committed")

	for _, o := range a.observers {
		o.TransitionCommitted(*t)
	}
	return t, nil
}

// submit sends legs in order. If a leg fails, legs already acknowledged are
// cancelled, or flattened when they can no longer be cancelled.
func (a *Adapter) submit(ctx context.Context, orders []models.OrderIntent) ([]models.Ack, error) {
	acks := make([]models.Ack, 0, len(orders))
	for i, intent := range orders {
		ack, err := a.exec.Submit(ctx, intent)
		if err != nil {
			a.logger.WithError(err).WithFields(logrus.Fields{
				"pair":   intent.PairID,
				"symbol": intent.Symbol,
				"side":   intent.Side,
			}).Error("Failed to place order leg")
			a.unwind(ctx, orders[:i], acks)
			return nil, fmt.Errorf("leg %s %s: %w", intent.Side, intent.Symbol, err)
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

func (a *Adapter) unwind(ctx context.Context, placed []models.OrderIntent, acks []models.Ack) {
	for i, ack := range acks {
		err := a.exec.Cancel(ctx, ack.OrderID)
		if err == nil {
			a.logger.WithField("order_id", ack.OrderID).Warn("Cancelled leg after partial failure")
			continue
		}

		offset := placed[i]
		offset.ClientOrderID = a.newID()
		offset.Side = offset.Side.Opposite()
		offset.Type = models.OrderTypeMarket
		offset.LimitPrice = 0
		if _, ferr := a.exec.Submit(ctx, offset); ferr != nil {
			a.logger.WithError(ferr).WithField("order_id", ack.OrderID).Error("Failed to flatten leg after partial failure")
			continue
		}
		a.logger.WithField("order_id", ack.OrderID).Warn("Flattened filled leg after partial failure")
	}
}

func fillPrice(ack models.Ack, fallback float64) float64 {
	if ack.FilledPrice > 0 {
		return ack.FilledPrice
	}
	return fallback
}

// State returns the committed state for a pair.
func (a *Adapter) State(pairID string) models.PositionState {
	s := a.slot(pairID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.State
}

// Positions returns all open positions ordered by pair ID.
func (a *Adapter) Positions() []models.PairPosition {
	a.mu.Lock()
	slots := make([]*slot, 0, len(a.slots))
	for _, s := range a.slots {
		slots = append(slots, s)
	}
	a.mu.Unlock()

	var out []models.PairPosition
	for _, s := range slots {
		s.mu.Lock()
		if s.pos.State.Open() {
			out = append(out, s.pos)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.ID() < out[j].Pair.ID() })
	return out
}

// Restore seeds open positions, typically loaded from storage at startup.
func (a *Adapter) Restore(positions []models.PairPosition) {
	for _, p := range positions {
		if !p.State.Open() {
			continue
		}
		s := a.slot(p.Pair.ID())
		s.mu.Lock()
		s.pos = p
		s.mu.Unlock()
	}
}

// Forget drops a flat pair's slot. Open or in-flight pairs are kept.
func (a *Adapter) Forget(pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[pairID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFlight && !s.pos.State.Open() {
		delete(a.slots, pairID)
	}
}

// Definition returns the pair definition a position was opened with.
func (a *Adapter) Definition(pairID string) (models.CandidatePair, bool) {
	s := a.slot(pairID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Pair, s.pos.State.Open()
}
