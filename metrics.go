// Optional Prometheus instrumentation.
//
// A Metrics value is passed in through Config and may be shared by many
// containers. A nil *Metrics records nothing.
package quire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the container I/O counters.
type Metrics struct {
	BytesRead        prometheus.Counter
	BytesWritten     prometheus.Counter
	KeysWritten      prometheus.Counter
	KeysDeleted      prometheus.Counter
	CompressionRatio prometheus.Histogram
}

// NewMetrics creates the container metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quire",
			Name:      "bytes_read_total",
			Help:      "Total number of bytes read from containers",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quire",
			Name:      "bytes_written_total",
			Help:      "Total number of bytes written to containers",
		}),
		KeysWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quire",
			Name:      "keys_written_total",
			Help:      "Total number of keys written",
		}),
		KeysDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quire",
			Name:      "keys_deleted_total",
			Help:      "Total number of keys deleted",
		}),
		CompressionRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quire",
			Name:      "compression_ratio",
			Help:      "Uncompressed over stored size of compressed keys",
			Buckets:   []float64{1, 1.5, 2, 3, 4, 6, 8, 12, 16, 32},
		}),
	}
}

func (m *Metrics) read(n int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) wrote(k *Key) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(k.Keylen + k.Len))
	m.KeysWritten.Inc()
	if k.Compression != 0 {
		m.CompressionRatio.Observe(k.Ratio())
	}
}

func (m *Metrics) deleted() {
	if m == nil {
		return
	}
	m.KeysDeleted.Inc()
}
