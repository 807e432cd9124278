// Package metrics holds the Prometheus collectors for the marketplace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentwork"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	BidsSubmitted        prometheus.Counter
	BidsAccepted         prometheus.Counter
	EscrowDeposits       prometheus.Counter
	MicroUSDCReleased    prometheus.Counter
	MicroUSDCRefunded    prometheus.Counter
	PlatformFees         prometheus.Counter
	Payouts              *prometheus.CounterVec
	DisputesRaised       *prometheus.CounterVec
	DisputesResolved     *prometheus.CounterVec
	SweepActions         *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	RateLimitRejections  *prometheus.CounterVec
	WorkflowTransitions  *prometheus.CounterVec
	NotifyQueueDepth     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BidsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_submitted_total", Help: "Bids accepted into the ledger.",
		}),
		BidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_accepted_total", Help: "Bids chosen by a poster.",
		}),
		EscrowDeposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escrow_deposits_total", Help: "Verified escrow deposits.",
		}),
		MicroUSDCReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escrow_released_micro_usdc_total", Help: "Micro-USDC released to agents.",
		}),
		MicroUSDCRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escrow_refunded_micro_usdc_total", Help: "Micro-USDC refunded to posters.",
		}),
		PlatformFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "platform_fees_micro_usdc_total", Help: "Micro-USDC retained as platform fees.",
		}),
		Payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payouts_total", Help: "Payout dispatch attempts by outcome.",
		}, []string{"type", "outcome"}),
		DisputesRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disputes_raised_total", Help: "Disputes raised by reason.",
		}, []string{"reason"}),
		DisputesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disputes_resolved_total", Help: "Disputes resolved by resolution and resolver.",
		}, []string{"resolution", "resolver"}),
		SweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_actions_total", Help: "Auto-resolution sweep actions.",
		}, []string{"action"}),
		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_failures_total", Help: "Undelivered notifications by channel.",
		}, []string{"channel"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejections_total", Help: "Calls rejected by a quota.",
		}, []string{"scope"}),
		WorkflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflow_transitions_total", Help: "Workflow status changes.",
		}, []string{"status"}),
		NotifyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "notify_queue_depth", Help: "Messages waiting in the notifier queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BidsSubmitted, m.BidsAccepted, m.EscrowDeposits, m.MicroUSDCReleased, m.MicroUSDCRefunded,
			m.PlatformFees, m.Payouts, m.DisputesRaised, m.DisputesResolved, m.SweepActions,
			m.NotificationFailures, m.RateLimitRejections, m.WorkflowTransitions, m.NotifyQueueDepth,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) BidSubmitted() {
	if m != nil {
		m.BidsSubmitted.Inc()
	}
}

func (m *Metrics) BidAccepted() {
	if m != nil {
		m.BidsAccepted.Inc()
	}
}

func (m *Metrics) EscrowDeposited() {
	if m != nil {
		m.EscrowDeposits.Inc()
	}
}

// Released records an agent payout and the fee withheld from it, in micro-USDC.
func (m *Metrics) Released(payout, fee int64) {
	if m == nil {
		return
	}
	if payout > 0 {
		m.MicroUSDCReleased.Add(float64(payout))
	}
	if fee > 0 {
		m.PlatformFees.Add(float64(fee))
	}
}

func (m *Metrics) Refunded(amount int64) {
	if m != nil && amount > 0 {
		m.MicroUSDCRefunded.Add(float64(amount))
	}
}

func (m *Metrics) Payout(txType, outcome string) {
	if m != nil {
		m.Payouts.WithLabelValues(txType, outcome).Inc()
	}
}

func (m *Metrics) DisputeRaised(reason string) {
	if m != nil {
		m.DisputesRaised.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DisputeResolved(resolution, resolver string) {
	if m != nil {
		m.DisputesResolved.WithLabelValues(resolution, resolver).Inc()
	}
}

func (m *Metrics) Sweep(action string, n int) {
	if m != nil && n > 0 {
		m.SweepActions.WithLabelValues(action).Add(float64(n))
	}
}

func (m *Metrics) NotificationFailed(channel string) {
	if m != nil {
		m.NotificationFailures.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) RateLimited(scope string) {
	if m != nil {
		m.RateLimitRejections.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) WorkflowTransition(status string) {
	if m != nil {
		m.WorkflowTransitions.WithLabelValues(status).Inc()
	}
}

// SetQueueDepth records the notifier backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.NotifyQueueDepth.Set(float64(n))
	}
}
