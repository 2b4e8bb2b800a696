package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/hoard/pkg/object"
)

// Metrics counts writer activity. A nil *Metrics records nothing.
type Metrics struct {
	objectsWritten      *prometheus.CounterVec
	objectsDeduplicated *prometheus.CounterVec
	bytesWritten        prometheus.Counter
	packsFinalized      prometheus.Counter
}

// NewMetrics registers the store collectors with reg. A nil reg disables
// metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		objectsWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoard",
			Subsystem: "store",
			Name:      "objects_written_total",
			Help:      "Objects appended to packs, by object type",
		}, []string{"type"}),
		objectsDeduplicated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "hoard",
			Subsystem: "store",
			Name:      "objects_deduplicated_total",
			Help:      "Writes skipped because the object already existed, by object type",
		}, []string{"type"}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "hoard",
			Subsystem: "store",
			Name:      "bytes_written_total",
			Help:      "Encoded record bytes appended to packs",
		}),
		packsFinalized: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "hoard",
			Subsystem: "store",
			Name:      "packs_finalized_total",
			Help:      "Packs sealed by a writer",
		}),
	}
}

func (m *Metrics) written(t object.ObjectType, n int) {
	if m == nil {
		return
	}
	m.objectsWritten.WithLabelValues(string(t)).Inc()
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) deduplicated(t object.ObjectType) {
	if m == nil {
		return
	}
	m.objectsDeduplicated.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) packFinalized() {
	if m == nil {
		return
	}
	m.packsFinalized.Inc()
}
