// Package metrics implements dispatcher.MetricsRecorder on top of
// Prometheus, in the style of the donor's http package (promauto
// constructors registered once at package load, a promhttp handler
// exposed for scraping).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	associationsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomassoc_associations_opened_total",
		Help: "Total number of associations successfully established.",
	})

	associationsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomassoc_associations_closed_total",
		Help: "Total number of associations torn down, released or aborted.",
	})

	associationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomassoc_associations_rejected_total",
		Help: "Total number of A-ASSOCIATE-RQs rejected by the peer.",
	})

	requestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomassoc_requests_sent_total",
		Help: "Total number of DIMSE requests written to the wire.",
	})

	requestsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomassoc_requests_completed_total",
		Help: "Total number of DIMSE requests completed, by final status.",
	}, []string{"status"})

	requestsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomassoc_requests_timed_out_total",
		Help: "Total number of DIMSE requests abandoned by the per-request watchdog.",
	})
)

// Recorder implements dispatcher.MetricsRecorder by updating the
// package's Prometheus collectors. It carries no state of its own, so
// the zero value is ready to use and every Dispatcher sharing a
// process shares the same counters.
type Recorder struct{}

func (Recorder) AssociationOpened()   { associationsOpened.Inc() }
func (Recorder) AssociationClosed()   { associationsClosed.Inc() }
func (Recorder) AssociationRejected() { associationsRejected.Inc() }
func (Recorder) RequestSent()         { requestsSent.Inc() }

func (Recorder) RequestCompleted(status uint16) {
	requestsCompleted.WithLabelValues(statusLabel(status)).Inc()
}

func (Recorder) RequestTimedOut() { requestsTimedOut.Inc() }

// statusLabel buckets a DIMSE status code into a small, bounded label
// set so the completed-requests counter cannot accumulate one series
// per distinct status value seen in the wild.
func statusLabel(status uint16) string {
	switch {
	case status == 0x0000:
		return "success"
	case status&0xff00 == 0xff00:
		return "pending"
	case status&0xf000 == 0xa000 || status&0xf000 == 0xc000:
		return "failure"
	case status&0xf000 == 0xb000:
		return "warning"
	default:
		return "other"
	}
}

// Handler exposes the registered collectors for scraping, following
// the donor's /metrics registration in ListenAndServeDebug.
func Handler() http.Handler {
	return promhttp.Handler()
}
