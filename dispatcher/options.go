package dispatcher

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomassoc/dicomassoc/connection"
	"github.com/dicomassoc/dicomassoc/dimse"
	"github.com/dicomassoc/dicomassoc/pdu"
)

// Option configures a Dispatcher at construction time, mirroring the
// donor client package's WithLogger/WithReadTimeout functional-option
// style.
type Option func(*Dispatcher)

// WithCalledAETitle sets the AE title advertised as the association's
// called endpoint. Default "ANY-SCP".
func WithCalledAETitle(title string) Option {
	return func(d *Dispatcher) { d.calledAETitle = title }
}

// WithCallingAETitle sets the AE title advertised as the association's
// calling endpoint. Default "ANY-SCU".
func WithCallingAETitle(title string) Option {
	return func(d *Dispatcher) { d.callingAETitle = title }
}

// WithPresentationContexts sets the abstract/transfer syntax proposals
// sent in every A-ASSOCIATE-RQ this dispatcher issues.
func WithPresentationContexts(contexts []pdu.PresentationContextItem) Option {
	return func(d *Dispatcher) { d.presentationContexts = contexts }
}

// WithRequestTimeout sets the maximum inbound silence tolerated for an
// in-flight request before it is failed with RequestTimeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.requestTimeout = timeout }
}

// WithMaxPDULength sets the max PDU length advertised in A-ASSOCIATE-RQ.
func WithMaxPDULength(length uint32) Option {
	return func(d *Dispatcher) { d.maxPDULength = length }
}

// WithMaxRequestsPerAssociation caps how many requests a single
// association serves before the dispatcher releases and re-associates.
func WithMaxRequestsPerAssociation(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRequestsPerAssociation = n
		}
	}
}

// WithAsyncOpsInvoked sets the pipelining window: the maximum number
// of requests simultaneously in flight on one association. 0 or 1
// means no pipelining.
func WithAsyncOpsInvoked(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.asyncOpsInvoked = n
		}
	}
}

// WithAsyncOpsPerformed sets the maximum number of operations this
// dispatcher will accept simultaneously outstanding as performer,
// proposed to the peer during association negotiation alongside
// WithAsyncOpsInvoked. 0 or 1 means no pipelining accepted.
func WithAsyncOpsPerformed(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.asyncOpsPerformed = n
		}
	}
}

// WithLinger sets how long an established, idle association is kept
// open awaiting new requests before it is released.
func WithLinger(linger time.Duration) Option {
	return func(d *Dispatcher) { d.linger = linger }
}

// WithWriteTimeout bounds every individual PDU write; independent of
// request_timeout, which bounds inbound silence.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.writeTimeout = timeout }
}

// WithTLS enables TLS for the dialed connection.
func WithTLS(cfg *connection.TLSConfig) Option {
	return func(d *Dispatcher) { d.tlsConfig = cfg }
}

// WithDialer overrides the connection factory; used by tests to
// substitute an in-memory pipe for a real socket.
func WithDialer(dialer connection.Dialer) Option {
	return func(d *Dispatcher) { d.dialer = dialer }
}

// WithLogger overrides the dispatcher's logger. Default is
// logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithEventSink supplies the client-wide event observer. Default is
// NoopEventSink.
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) { d.eventSink = sink }
}

// WithMetrics supplies a MetricsRecorder. Default is NoopMetrics.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(d *Dispatcher) { d.metrics = recorder }
}

// WithDatasetCodec overrides the codec used to encode/decode data
// datasets. Default is dimse.NewDatasetCodec().
func WithDatasetCodec(codec dimse.DatasetCodec) Option {
	return func(d *Dispatcher) { d.datasetCodec = codec }
}
