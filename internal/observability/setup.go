package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var (
	// Global logger instance
	Logger *zap.Logger

	// Metrics
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbot_decisions_total",
			Help: "Moderation decisions by resulting action",
		},
		[]string{"action"},
	)

	floodViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbot_flood_violations_total",
			Help: "Messages that tripped the flood limit",
		},
	)

	captchaOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbot_captcha_outcomes_total",
			Help: "Join challenge outcomes",
		},
		[]string{"outcome"},
	)

	gbanEnforcementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbot_gban_enforcements_total",
			Help: "Per-chat global ban enforcement results",
		},
		[]string{"result"},
	)

	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shieldbot_decision_duration_seconds",
			Help:    "Time spent deciding on one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
)

func Init(ctx context.Context, metricsAddr string) error {
	var err error
	Logger, err = zap.NewProduction()
	if err != nil {
		return err
	}

	prometheus.MustRegister(
		decisionsTotal,
		floodViolationsTotal,
		captchaOutcomesTotal,
		gbanEnforcementsTotal,
		decisionDuration,
	)

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

// Tracer returns the engine tracer.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("shieldbot")
}

// RecordDecision counts a decision by its resulting action.
func RecordDecision(action string) {
	decisionsTotal.WithLabelValues(action).Inc()
}

// StartDecision returns a closure that records the decision duration
// under the final action label.
func StartDecision() func(action string) {
	timer := prometheus.NewTimer(nil)
	return func(action string) {
		decisionDuration.WithLabelValues(action).Observe(timer.ObserveDuration().Seconds())
	}
}

func RecordFloodViolation() {
	floodViolationsTotal.Inc()
}

func RecordCaptchaOutcome(outcome string) {
	captchaOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordGbanEnforcement(result string) {
	gbanEnforcementsTotal.WithLabelValues(result).Inc()
}
