package trader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gregtusar/pairs/pkg/cache"
	"github.com/gregtusar/pairs/pkg/models"
)

func TestCachedBarsFetchesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	bc, err := cache.New(mr.Addr(), "", 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bc.Close() })

	upstream := &staticProvider{series: []models.PriceSeries{
		makeSeries("AAA", []float64{1, 2, 3}),
		makeSeries("BBB", []float64{4, 5, 6}),
	}}
	provider := NewCachedBars(upstream, bc, newTestLogger())

	ctx := context.Background()
	start := day0.Add(3 * time.Hour)
	end := day0.AddDate(0, 0, 3).Add(5 * time.Hour)

	first, err := provider.GetBars(ctx, []string{"AAA", "BBB", "MISSING"}, models.TimeframeDay, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Symbol != "AAA" || first[1].Symbol != "BBB" {
		t.Fatalf("first = %+v", first)
	}

	second, err := provider.GetBars(ctx, []string{"AAA", "BBB"}, models.TimeframeDay, start.Add(time.Hour), end)
	if err != nil {
		t.Fatal(err)
	}
	if upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", upstream.calls)
	}
	if len(second) != 2 || second[1].Len() != 3 {
		t.Errorf("second = %+v", second)
	}
}
