// Package metrics exposes crowdsale activity as Prometheus metrics. The
// Collector is fed by domain events, by command rejections and by the event
// bus handler timings.
package metrics

import (
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

const namespace = "tempus_crowdsale"

// Collector holds every crowdsale metric.
type Collector struct {
	contributions     *prometheus.CounterVec
	valueRaised       prometheus.Counter
	tokensIssued      prometheus.Counter
	rejections        *prometheus.CounterVec
	roundAdvances     *prometheus.CounterVec
	membershipChanges *prometheus.CounterVec
	currentRound      prometheus.Gauge
	handlerDuration   *prometheus.HistogramVec
	handlerFailures   *prometheus.CounterVec
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_total",
			Help:      "Settled contributions by round.",
		}, []string{"round"}),
		valueRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "value_raised_base_units_total",
			Help:      "Contributed value in base units.",
		}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_base_units_total",
			Help:      "Tokens minted to contributors in base units.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Operations refused by a business rule.",
		}, []string{"operation", "reason"}),
		roundAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_advances_total",
			Help:      "Round switches by trigger.",
		}, []string{"trigger"}),
		membershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Beneficiary and administrator list changes.",
		}, []string{"event_type"}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "Index of the active round.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_handler_duration_seconds",
			Help:      "Event handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"event_type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_failures_total",
			Help:      "Event handler executions that returned an error.",
		}, []string{"event_type"}),
	}

	for _, col := range []prometheus.Collector{
		c.contributions, c.valueRaised, c.tokensIssued, c.rejections,
		c.roundAdvances, c.membershipChanges, c.currentRound,
		c.handlerDuration, c.handlerFailures,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetCurrentRound records the active round, used at startup before any
// event arrives.
func (c *Collector) SetCurrentRound(id int) {
	c.currentRound.Set(float64(id))
}

// HandleEvent is a shared.EventHandler updating counters from domain events.
func (c *Collector) HandleEvent(event shared.Event) error {
	switch e := event.(type) {
	case shared.PurchaseSettledEvent:
		c.contributions.WithLabelValues(roundLabel(e.RoundID)).Inc()
		c.valueRaised.Add(amountToFloat(e.Value))
		c.tokensIssued.Add(amountToFloat(e.Tokens))
	case shared.RoundAdvancedEvent:
		c.roundAdvances.WithLabelValues(string(e.Trigger)).Inc()
		c.currentRound.Set(float64(e.NewRoundID))
	case shared.MembershipChangedEvent:
		c.membershipChanges.WithLabelValues(string(e.EventType())).Inc()
	}
	return nil
}

// ObserveRejection implements command.RejectionObserver.
func (c *Collector) ObserveRejection(operation string, err error) {
	c.rejections.WithLabelValues(operation, Reason(err)).Inc()
}

// ObserveHandler implements messaging.HandlerObserver.
func (c *Collector) ObserveHandler(eventType shared.EventType, duration time.Duration, err error) {
	c.handlerDuration.WithLabelValues(string(eventType)).Observe(duration.Seconds())
	if err != nil {
		c.handlerFailures.WithLabelValues(string(eventType)).Inc()
	}
}

// Reason maps an error onto a low-cardinality label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, shared.ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, shared.ErrBelowMinimumDeposit):
		return "below_minimum_deposit"
	case errors.Is(err, shared.ErrNoBeneficiaries):
		return "no_beneficiaries"
	case errors.Is(err, shared.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, shared.ErrLastAdministrator):
		return "last_administrator"
	case shared.IsUnauthorized(err):
		return "unauthorized"
	case shared.IsAlreadyExists(err):
		return "already_exists"
	case shared.IsNotFound(err):
		return "not_found"
	case shared.IsValidation(err):
		return "invalid"
	default:
		return "other"
	}
}

func roundLabel(id int) string {
	return strconv.Itoa(id)
}

// amountToFloat loses precision above 2^53.
func amountToFloat(a shared.Amount) float64 {
	f, _ := new(big.Float).SetInt(a.ToBig()).Float64()
	return f
}
