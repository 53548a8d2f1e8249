// Package metrics holds the Prometheus collectors of an oracle node. Every
// method is safe to call on a nil *Metrics so components can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "witnz_oracle"

const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
	OutcomeSkipped  = "skipped"
	OutcomeReverted = "reverted"
	OutcomeTimeout  = "timeout"
)

type Metrics struct {
	consensusRounds   *prometheus.CounterVec
	consensusYield    prometheus.Gauge
	signatures        prometheus.Gauge
	validatorFailures *prometheus.CounterVec
	validatorLiveness *prometheus.GaugeVec
	dispatches        *prometheus.CounterVec
	cancellations     *prometheus.CounterVec
	walletBalance     *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		consensusRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds by outcome.",
		}, []string{"outcome"}),
		consensusYield: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_yield_ratio",
			Help:      "Keys in the last round divided by keys attempted in the first round.",
		}),
		signatures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_signatures",
			Help:      "Accepted signatures in the last round.",
		}),
		validatorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_failures_total",
			Help:      "Remote validator responses that contributed no signature.",
		}, []string{"validator", "reason"}),
		validatorLiveness: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validator_alive",
			Help:      "1 if the last liveness check of the validator succeeded.",
		}, []string{"validator"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts per chain by outcome.",
		}, []string{"chain", "outcome"}),
		cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Cancellation transactions per chain by outcome.",
		}, []string{"chain", "outcome"}),
		walletBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_balance",
			Help:      "Wallet balance in native units.",
		}, []string{"chain"}),
	}
}

func (m *Metrics) ObserveRound(outcome string) {
	if m == nil {
		return
	}
	m.consensusRounds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveYield(yield float64, signatures int) {
	if m == nil {
		return
	}
	m.consensusYield.Set(yield)
	m.signatures.Set(float64(signatures))
}

func (m *Metrics) ValidatorFailed(validator, reason string) {
	if m == nil {
		return
	}
	m.validatorFailures.WithLabelValues(validator, reason).Inc()
}

func (m *Metrics) ValidatorLiveness(validator string, alive bool) {
	if m == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1
	}
	m.validatorLiveness.WithLabelValues(validator).Set(v)
}

func (m *Metrics) ObserveDispatch(chain, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) ObserveCancellation(chain, outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) SetBalance(chain string, balance float64) {
	if m == nil {
		return
	}
	m.walletBalance.WithLabelValues(chain).Set(balance)
}
