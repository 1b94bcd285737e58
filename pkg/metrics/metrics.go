package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TradesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_opened_total", Help: "Pair positions opened"},
		[]string{"pair", "direction"},
	)
	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_closed_total", Help: "Pair positions closed"},
		[]string{"pair"},
	)
	TradeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trade_errors_total", Help: "Failed transitions and data errors"},
		[]string{"kind"},
	)
	OrdersAttempted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_attempted_total", Help: "Order legs submitted to the broker"},
		[]string{"symbol", "side"},
	)
	CyclesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trades_processed_total", Help: "Evaluation cycles run"},
	)
	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Non-hold signals emitted"},
		[]string{"signal"},
	)
	PairsSelected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pairs_selected", Help: "Pairs in the current selection"},
	)
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "equity_value", Help: "Marked-to-market equity of the paper account"},
	)
)

func init() {
	prometheus.MustRegister(TradesOpened, TradesClosed, TradeErrors, OrdersAttempted, CyclesProcessed, Signals, PairsSelected, Equity)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
