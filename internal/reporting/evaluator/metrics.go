package evaluator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

var (
	metricsMu          sync.Mutex
	metricsInitialized bool
	metricsError       error

	cacheHitCounter   *prometheus.CounterVec
	cacheMissCounter  *prometheus.CounterVec
	evaluateHistogram *prometheus.HistogramVec
	batchHistogram    *prometheus.HistogramVec
)

// SetupMetrics registers the evaluation metrics. Registration happens once;
// later calls return the first outcome.
func SetupMetrics(reg prometheus.Registerer) error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsInitialized {
		return metricsError
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_reporting_cache_hits_total",
		Help: "Number of column group totals served from cache.",
	}, []string{"report"})
	cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_reporting_cache_miss_total",
		Help: "Number of column group totals computed from the ledger.",
	}, []string{"report"})
	evaluateHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_reporting_evaluation_duration_seconds",
		Help:    "Duration of a full report evaluation across column groups.",
		Buckets: prometheus.DefBuckets,
	}, []string{"report"})
	batchHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_reporting_batch_duration_seconds",
		Help:    "Duration of one engine batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	collectors := []prometheus.Collector{cacheHitCounter, cacheMissCounter, evaluateHistogram, batchHistogram}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				metricsError = err
				cacheHitCounter, cacheMissCounter, evaluateHistogram, batchHistogram = nil, nil, nil, nil
				metricsInitialized = true
				return metricsError
			}
			switch c := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if i == 0 {
					cacheHitCounter = c
				} else {
					cacheMissCounter = c
				}
			case *prometheus.HistogramVec:
				if i == 2 {
					evaluateHistogram = c
				} else {
					batchHistogram = c
				}
			default:
				metricsError = fmt.Errorf("reporting metrics: unexpected collector type %T", c)
			}
		}
	}
	metricsInitialized = true
	return metricsError
}

// ObserveBatch is an engines.WithObserver callback.
func ObserveBatch(engine reporting.Engine, _ int, took time.Duration) {
	if batchHistogram == nil {
		return
	}
	batchHistogram.WithLabelValues(string(engine)).Observe(took.Seconds())
}

func recordCacheHit(report string) {
	if cacheHitCounter == nil {
		return
	}
	cacheHitCounter.WithLabelValues(report).Inc()
}

func recordCacheMiss(report string) {
	if cacheMissCounter == nil {
		return
	}
	cacheMissCounter.WithLabelValues(report).Inc()
}

func observeEvaluation(report string, took time.Duration) {
	if evaluateHistogram == nil {
		return
	}
	evaluateHistogram.WithLabelValues(report).Observe(took.Seconds())
}
