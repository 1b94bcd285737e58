package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/pairs/pkg/metrics"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/notify"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/gregtusar/pairs/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Journal records every adapter outcome: open positions and the trade log
// go to storage, counters to prometheus and a message to the notifier.
type Journal struct {
	store    *storage.Store
	notifier notify.Notifier
	logger   *logrus.Logger
	timeout  time.Duration
}

var _ position.Observer = (*Journal)(nil)

// NewJournal accepts a nil store for sessions that keep nothing on disk.
func NewJournal(store *storage.Store, notifier notify.Notifier, logger *logrus.Logger) *Journal {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Journal{store: store, notifier: notifier, logger: logger, timeout: 10 * time.Second}
}

func (j *Journal) TransitionCommitted(t position.Transition) {
	for _, o := range t.Orders {
		metrics.OrdersAttempted.WithLabelValues(o.Symbol, string(o.Side)).Inc()
	}

	action := "exit"
	kind := notify.KindExit
	if t.Entry() {
		action = "entry"
		kind = notify.KindEntry
		metrics.TradesOpened.WithLabelValues(t.PairID, string(t.To)).Inc()
	} else {
		metrics.TradesClosed.WithLabelValues(t.PairID).Inc()
	}

	record := models.TradeRecord{
		ID:        uuid.NewString(),
		PairID:    t.PairID,
		Action:    action,
		From:      t.From,
		To:        t.To,
		Signal:    t.Signal,
		Z:         t.Quote.Z,
		PriceA:    t.Quote.PriceA,
		PriceB:    t.Quote.PriceB,
		QtyA:      t.Position.QtyA,
		QtyB:      t.Position.QtyB,
		CreatedAt: t.Quote.Time,
	}
	for _, ack := range t.Acks {
		record.OrderIDs = append(record.OrderIDs, ack.OrderID)
	}

	if j.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if err := j.persist(ctx, t, record); err != nil {
			j.logger.WithError(err).WithField("pair", t.PairID).Error("Failed to persist transition")
		}
	}

	for i, o := range t.Orders {
		fields := map[string]string{
			"side": string(o.Side),
			"qty":  fmt.Sprintf("%g", o.Qty),
			"type": string(o.Type),
		}
		if i < len(t.Acks) {
			fields["order_id"] = t.Acks[i].OrderID
		}
		j.notifier.Notify(notify.Event{
			Kind:    notify.KindOrder,
			Pair:    t.PairID,
			Message: "order placed for " + o.Symbol,
			Fields:  fields,
			Time:    t.Quote.Time,
		})
	}
	j.notifier.Notify(notify.Event{
		Kind:    kind,
		Pair:    t.PairID,
		Message: fmt.Sprintf("%s -> %s", t.From, t.To),
		Fields: map[string]string{
			"signal":  string(t.Signal),
			"z":       fmt.Sprintf("%.2f", t.Quote.Z),
			"price_a": fmt.Sprintf("%.2f", t.Quote.PriceA),
			"price_b": fmt.Sprintf("%.2f", t.Quote.PriceB),
		},
		Time: t.Quote.Time,
	})
}

func (j *Journal) persist(ctx context.Context, t position.Transition, record models.TradeRecord) error {
	if t.To.Open() {
		if err := j.store.SavePosition(ctx, t.Position); err != nil {
			return err
		}
	} else if err := j.store.DeletePosition(ctx, t.PairID); err != nil {
		return err
	}
	return j.store.RecordTrade(ctx, record)
}

func (j *Journal) TransitionFailed(f position.Failure) {
	metrics.TradeErrors.WithLabelValues("submit").Inc()
	j.notifier.Notify(notify.Event{
		Kind:    notify.KindError,
		Pair:    f.PairID,
		Message: fmt.Sprintf("%s not executed: %v", f.Signal, f.Err),
		Time:    time.Now().UTC(),
	})
}
