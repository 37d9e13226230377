// Package metrics counts memory traffic, base resolutions and scans on a
// private Prometheus registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rostermem"

// Recorder owns the counters of one session.
type Recorder struct {
	reg *prometheus.Registry

	reads        prometheus.Counter
	readBytes    prometheus.Counter
	writes       prometheus.Counter
	writeBytes   prometheus.Counter
	accessErrors *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	scans        *prometheus.CounterVec
	lossy        *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reads_total",
			Help: "Memory reads issued.",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_bytes_total",
			Help: "Bytes returned by memory reads.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "writes_total",
			Help: "Memory writes issued.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_bytes_total",
			Help: "Bytes stored by memory writes.",
		}),
		accessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "access_errors_total",
			Help: "Failed memory transfers by operation.",
		}, []string{"op"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "base_resolutions_total",
			Help: "Table bases resolved, by entity and source.",
		}, []string{"entity", "source"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_total",
			Help: "Dynamic base scans, by entity and outcome.",
		}, []string{"entity", "outcome"}),
		lossy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lossy_decodes_total",
			Help: "Text fields decoded with replacement characters.",
		}, []string{"entity"}),
	}
	r.reg.MustRegister(r.reads, r.readBytes, r.writes, r.writeBytes,
		r.accessErrors, r.resolutions, r.scans, r.lossy)
	return r
}

// Registry exposes the recorder's registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) RecordRead(n int, err error) {
	if r == nil {
		return
	}
	r.reads.Inc()
	if err != nil {
		r.accessErrors.WithLabelValues("read").Inc()
		return
	}
	r.readBytes.Add(float64(n))
}

func (r *Recorder) RecordWrite(n int, err error) {
	if r == nil {
		return
	}
	r.writes.Inc()
	if err != nil {
		r.accessErrors.WithLabelValues("write").Inc()
		return
	}
	r.writeBytes.Add(float64(n))
}

func (r *Recorder) RecordResolution(entity, source string) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(entity, source).Inc()
}

func (r *Recorder) RecordScan(entity, outcome string) {
	if r == nil {
		return
	}
	r.scans.WithLabelValues(entity, outcome).Inc()
}

func (r *Recorder) RecordLossy(entity string) {
	if r == nil {
		return
	}
	r.lossy.WithLabelValues(entity).Inc()
}

// WriteTextfile writes every counter to path in the text exposition format,
// for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
