package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vaultlottery/internal/models"
)

// Metrics holds the Prometheus collectors of the lottery service.
type Metrics struct {
	Instructions *prometheus.CounterVec
	Events       *prometheus.CounterVec
	Deposited    prometheus.Counter
	PaidOut      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Instructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_instructions_total",
			Help: "Instructions applied to vaults, by operation and outcome",
		}, []string{"op", "outcome"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_events_total",
			Help: "Domain events emitted, by kind",
		}, []string{"kind"}),
		Deposited: f.NewCounter(prometheus.CounterOpts{
			Name: "lottery_deposited_units_total",
			Help: "Units escrowed by deposits",
		}),
		PaidOut: f.NewCounter(prometheus.CounterOpts{
			Name: "lottery_paid_out_units_total",
			Help: "Units paid to winners, storage reservations included",
		}),
	}
}

// ObserveInstruction counts one instruction. outcome is "ok" or the name
// of the error class reported by classify.
func (m *Metrics) ObserveInstruction(op string, err error, classify func(error) string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if classify != nil {
			outcome = classify(err)
		}
	}
	m.Instructions.WithLabelValues(op, outcome).Inc()
}

// ObserveEvent counts one emitted event and the funds it moved.
func (m *Metrics) ObserveEvent(ev models.Event) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case models.EventDeposited:
		m.Deposited.Add(float64(ev.Amount))
	case models.EventWinnerClaimed:
		m.PaidOut.Add(float64(ev.Amount))
	}
}
