package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_autotrader/internal/domain"
)

const namespace = "autotrader"

// Recorder implements domain.Metrics on a private Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	exposure      prometheus.Gauge
	openPositions prometheus.Gauge
	dailyPnL      prometheus.Gauge
	killSwitch    prometheus.Gauge
	tradesClosed  *prometheus.CounterVec
	realizedPnL   prometheus.Counter
	gatewayErrors *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Trading cycles executed",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one trading cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exposure_quote",
			Help:      "Aggregate notional of open positions",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open positions",
		}),
		dailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_quote",
			Help:      "Realized profit and loss since start",
		}),
		killSwitch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kill_switch",
			Help:      "1 once the kill switch has been triggered",
		}),
		tradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_closed_total",
			Help:      "Closed trades by exit reason",
		}, []string{"reason"}),
		realizedPnL: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_profit_quote_total",
			Help:      "Sum of positive realized pnl",
		}),
		gatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Failed exchange calls by operation",
		}, []string{"op"}),
	}
}

func (r *Recorder) ObserveCycle(d time.Duration) {
	r.cycles.Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) SetRisk(s domain.RiskSnapshot) {
	r.exposure.Set(s.Exposure)
	r.openPositions.Set(float64(s.OpenPositions))
	r.dailyPnL.Set(s.DailyPnL)
	if s.KillSwitch {
		r.killSwitch.Set(1)
	} else {
		r.killSwitch.Set(0)
	}
}

func (r *Recorder) TradeClosed(reason domain.ExitReason, pnl float64) {
	r.tradesClosed.WithLabelValues(string(reason)).Inc()
	if pnl > 0 {
		r.realizedPnL.Add(pnl)
	}
}

func (r *Recorder) GatewayError(op string) {
	r.gatewayErrors.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
