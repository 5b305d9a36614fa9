package dispatcher

// MetricsRecorder is the narrow seam the dispatcher reports activity
// through; the metrics package's Prometheus-backed recorder is the
// production implementation, kept out of this package so dispatcher
// has no direct prometheus import.
type MetricsRecorder interface {
	AssociationOpened()
	AssociationClosed()
	AssociationRejected()
	RequestSent()
	RequestCompleted(status uint16)
	RequestTimedOut()
}

// NoopMetrics discards everything; the default when no recorder is
// configured.
type NoopMetrics struct{}

func (NoopMetrics) AssociationOpened()            {}
func (NoopMetrics) AssociationClosed()             {}
func (NoopMetrics) AssociationRejected()           {}
func (NoopMetrics) RequestSent()                   {}
func (NoopMetrics) RequestCompleted(status uint16) {}
func (NoopMetrics) RequestTimedOut()                {}
