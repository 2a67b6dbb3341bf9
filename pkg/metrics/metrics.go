// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package metrics exposes the run's progress as Prometheus collectors,
// observed from outside the core pipeline so neither pkg/backup nor
// pkg/restore takes a hard dependency on it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudant-labs/couchbackup/pkg/events"
)

// Collectors groups every metric the CLI registers. A nil *Collectors is
// safe to call Record on: every method is a no-op, so callers that run
// without a metrics endpoint don't need to special-case it.
type Collectors struct {
	batchesTotal    *prometheus.CounterVec
	documentsTotal  *prometheus.CounterVec
	httpRetries     prometheus.Counter
	httpErrorsTotal *prometheus.CounterVec
}

// New builds a Collectors and registers it with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couchbackup_batches_total",
			Help: "Batches processed, by pipeline direction.",
		}, []string{"direction"}),
		documentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couchbackup_documents_total",
			Help: "Documents processed, by pipeline direction.",
		}, []string{"direction"}),
		httpRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "couchbackup_http_retries_total",
			Help: "Transient HTTP failures that were retried.",
		}),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couchbackup_http_errors_total",
			Help: "Fatal HTTP failures, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.batchesTotal, c.documentsTotal, c.httpRetries, c.httpErrorsTotal)
	return c
}

// IncRetry records one transient HTTP retry.
func (c *Collectors) IncRetry() {
	if c == nil {
		return
	}
	c.httpRetries.Inc()
}

// IncHTTPError records one fatal HTTP failure of the given kind name.
func (c *Collectors) IncHTTPError(kind string) {
	if c == nil {
		return
	}
	c.httpErrorsTotal.WithLabelValues(kind).Inc()
}

// Record updates batch and document counters for one event observed on a
// backup or restore run's event channel. direction is "backup" or
// "restore". Callers that also need to drive a progress bar or capture the
// terminal error call this once per event alongside their own switch,
// rather than handing the whole channel over.
func (c *Collectors) Record(direction string, e events.Event) {
	if c == nil {
		return
	}
	switch ev := e.(type) {
	case events.Changes:
		c.batchesTotal.WithLabelValues(direction).Inc()
		c.documentsTotal.WithLabelValues(direction).Add(float64(ev.Docs))
	case events.Written:
		// Changes already accounted for the batch; Written confirms
		// durability but does not double count documents.
	case events.Restored:
		c.batchesTotal.WithLabelValues(direction).Inc()
		c.documentsTotal.WithLabelValues(direction).Add(float64(ev.Documents))
	}
}
