package nso

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the conversion collectors. A nil *Metrics records nothing.
type Metrics struct {
	conversions  *prometheus.CounterVec
	segmentBytes *prometheus.CounterVec
	duration     prometheus.Histogram
}

// NewMetrics creates the conversion collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		conversions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "elf2nso",
			Name:      "conversions_total",
			Help:      "Total number of ELF to NSO conversions by result.",
		}, []string{"result"}),
		segmentBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "elf2nso",
			Name:      "segment_bytes_total",
			Help:      "Total number of segment bytes processed, before and after compression.",
		}, []string{"segment", "stage"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "elf2nso",
			Name:      "conversion_duration_seconds",
			Help:      "Time spent converting a single ELF file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) observeSegment(kind SegmentKind, uncompressed, compressed int) {
	if m == nil {
		return
	}
	m.segmentBytes.WithLabelValues(kind.String(), "uncompressed").Add(float64(uncompressed))
	m.segmentBytes.WithLabelValues(kind.String(), "compressed").Add(float64(compressed))
}

func (m *Metrics) observeConversion(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(ReasonOf(err))
	}
	m.conversions.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}
