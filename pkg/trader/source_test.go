package trader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
)

func TestHistoricalSourceOrdersAndUnions(t *testing.T) {
	a := makeSeries("AAA", []float64{1, 2, 3})
	b := makeSeries("BBB", []float64{10, 20})
	src := NewHistoricalSource([]models.PriceSeries{b, a})

	var got []models.BarSet
	for {
		bs, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, bs)
	}

	if len(got) != 3 {
		t.Fatalf("bars = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Time.After(got[i-1].Time) {
			t.Errorf("bar %d not after bar %d", i, i-1)
		}
	}
	if len(got[2].Prices) != 1 || got[2].Prices["AAA"] != 3 {
		t.Errorf("last bar = %+v, want only AAA", got[2].Prices)
	}
}

// rangeProvider serves the slice of each stored series inside [start, end].
type rangeProvider struct {
	mu     sync.Mutex
	series []models.PriceSeries
	calls  int
}

func (p *rangeProvider) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []models.PriceSeries
	for _, s := range p.series {
		if !want[s.Symbol] {
			continue
		}
		cut := models.PriceSeries{Symbol: s.Symbol}
		for _, pt := range s.Points {
			if !pt.Time.Before(start) && !pt.Time.After(end) {
				cut.Points = append(cut.Points, pt)
			}
		}
		out = append(out, cut)
	}
	return out, nil
}

func makeHourly(symbol string, prices []float64) models.PriceSeries {
	s := models.PriceSeries{Symbol: symbol}
	for i, p := range prices {
		s.Points = append(s.Points, models.PricePoint{Time: day0.Add(time.Duration(i) * time.Hour), Price: p})
	}
	return s
}

// steppingClock advances by step on every reading.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func TestPollingSourceEmitsClosedBarsOnce(t *testing.T) {
	provider := &rangeProvider{series: []models.PriceSeries{
		makeHourly("AAA", []float64{1, 2, 3, 4, 5, 6, 7, 8}),
		makeHourly("BBB", []float64{10, 20, 30, 40, 50, 60, 70, 80}),
	}}
	src := NewPollingSource(provider, []string{"AAA", "BBB", "GONE"}, models.TimeframeHour, time.Millisecond, day0.Add(2*time.Hour), newTestLogger())
	src.now = steppingClock(day0.Add(5*time.Hour+10*time.Minute), 5*time.Minute)

	ctx := context.Background()
	var got []models.BarSet
	for len(got) < 3 {
		bs, err := src.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, bs)
	}

	for i, want := range []time.Duration{3 * time.Hour, 4 * time.Hour, 5 * time.Hour} {
		if !got[i].Time.Equal(day0.Add(want)) {
			t.Errorf("bar %d at %v, want %v", i, got[i].Time, day0.Add(want))
		}
	}
	if len(got[0].Prices) != 2 || got[0].Prices["AAA"] != 4 || got[0].Prices["BBB"] != 40 {
		t.Errorf("first bar prices = %v", got[0].Prices)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(cctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() after cancel = %v", err)
	}
}

func TestPollingSourceStartsAtLatestClosedBar(t *testing.T) {
	provider := &rangeProvider{series: []models.PriceSeries{makeHourly("AAA", []float64{1, 2, 3, 4})}}
	src := NewPollingSource(provider, []string{"AAA"}, models.TimeframeHour, time.Millisecond, time.Time{}, newTestLogger())
	src.now = steppingClock(day0.Add(3*time.Hour+30*time.Minute), time.Minute)

	bs, err := src.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bs.Time.Equal(day0.Add(2*time.Hour)) || bs.Prices["AAA"] != 3 {
		t.Errorf("first bar = %+v, want the 02:00 bar", bs)
	}
}

func TestDropOpenBars(t *testing.T) {
	series := []models.PriceSeries{makeHourly("AAA", []float64{1, 2, 3})}
	got := DropOpenBars(series, models.TimeframeHour, day0.Add(2*time.Hour+30*time.Minute))
	if got[0].Len() != 2 {
		t.Errorf("kept %d bars, want 2", got[0].Len())
	}
	if series[0].Len() != 3 {
		t.Error("input series modified")
	}
}

func TestStreamSourceRollsUpMinuteBars(t *testing.T) {
	at := func(h, m int) time.Time { return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	bars := make(chan models.Bar, 16)
	for _, b := range []models.Bar{
		{Symbol: "AAA", Close: 1, Timestamp: at(1, 5)},
		{Symbol: "BBB", Close: 2, Timestamp: at(1, 20)},
		{Symbol: "AAA", Close: 3, Timestamp: at(1, 59)},
		{Symbol: "XYZ", Close: 9, Timestamp: at(1, 59)}, // not subscribed
		{Symbol: "BBB", Close: 4, Timestamp: at(1, 59)}, // completes 01:00
		{Symbol: "AAA", Close: 5, Timestamp: at(2, 30)},
		{Symbol: "AAA", Close: 6, Timestamp: at(3, 1)},  // releases partial 02:00
		{Symbol: "BBB", Close: 7, Timestamp: at(2, 45)}, // late
		{Symbol: "AAA", Close: 8, Timestamp: at(0, 30)}, // inside the warm-up bar
	} {
		bars <- b
	}
	close(bars)

	src := NewStreamSource(bars, []string{"AAA", "BBB"}, models.TimeframeHour, day0, newTestLogger())
	ctx := context.Background()

	bs, err := src.Next(ctx)
	if err != nil || !bs.Time.Equal(at(1, 0)) || len(bs.Prices) != 2 || bs.Prices["AAA"] != 3 || bs.Prices["BBB"] != 4 {
		t.Fatalf("first set = %+v, %v", bs, err)
	}
	bs, err = src.Next(ctx)
	if err != nil || !bs.Time.Equal(at(2, 0)) || len(bs.Prices) != 1 || bs.Prices["AAA"] != 5 {
		t.Fatalf("second set = %+v, %v", bs, err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() on closed stream = %v, want EOF", err)
	}
}

func TestStreamSourceMinuteTimeframe(t *testing.T) {
	t1 := day0.Add(time.Minute)
	t2 := day0.Add(2 * time.Minute)

	bars := make(chan models.Bar, 4)
	bars <- models.Bar{Symbol: "AAA", Close: 1, Timestamp: t1}
	bars <- models.Bar{Symbol: "BBB", Close: 2, Timestamp: t1}
	bars <- models.Bar{Symbol: "AAA", Close: 3, Timestamp: t2}
	close(bars)

	src := NewStreamSource(bars, []string{"AAA", "BBB"}, models.TimeframeMin, time.Time{}, newTestLogger())
	bs, err := src.Next(context.Background())
	if err != nil || !bs.Time.Equal(t1) || len(bs.Prices) != 2 {
		t.Fatalf("first set = %+v, %v", bs, err)
	}
}
