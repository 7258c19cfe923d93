package agreement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jayantna/Contractly/settlement"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	stakedValue prometheus.Counter
	released    *prometheus.CounterVec
	forfeited   prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "agreement",
			Name:      "transitions_total",
			Help:      "Number of agreements entering each status",
		}, []string{"status"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "agreement",
			Name:      "failures_total",
			Help:      "Number of failed engine operations by error kind",
		}, []string{"op", "kind"}),
		stakedValue: f.NewCounter(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "custody",
			Name:      "staked_total",
			Help:      "Value moved into escrow",
		}),
		released: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "custody",
			Name:      "released_total",
			Help:      "Value released from escrow by payout reason",
		}, []string{"reason"}),
		forfeited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "contractly",
			Subsystem: "custody",
			Name:      "forfeited_total",
			Help:      "Breach rounding remainder left in escrow",
		}),
	}
}

func (m *Metrics) transition(s Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) failure(op string, kind Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op, string(kind)).Inc()
}

func (m *Metrics) staked(amount uint64) {
	if m == nil {
		return
	}
	m.stakedValue.Add(float64(amount))
}

func (m *Metrics) settled(plan settlement.Plan) {
	if m == nil {
		return
	}
	for _, p := range plan.Payouts {
		m.released.WithLabelValues(string(p.Reason)).Add(float64(p.Amount))
	}
	m.forfeited.Add(float64(plan.Forfeited))
}
