// Package dispatcher implements the client-side orchestrator: a FIFO
// request queue, a pipelined per-association sender, a per-request
// timeout watchdog, and association batching/linger/re-association.
// It is the one component with no direct analogue in the donor
// package — the donor's client issues one request at a time and waits
// synchronously; Dispatcher generalizes that into a single cooperative
// goroutine driving many requests against a stream of associations.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dicomassoc/dicomassoc/assoc"
	"github.com/dicomassoc/dicomassoc/connection"
	"github.com/dicomassoc/dicomassoc/dimse"
	dicomerrors "github.com/dicomassoc/dicomassoc/errors"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// Dispatcher is a single-association-at-a-time client: it owns one
// TCP connection at a time, exclusively, for as long as it is useful,
// and serializes every read, write, and state transition onto one
// goroutine. Safe for concurrent AddRequest/Send calls from any
// goroutine.
type Dispatcher struct {
	addr                 string
	dialer               connection.Dialer
	connectTimeout       time.Duration
	tlsConfig            *connection.TLSConfig
	calledAETitle        string
	callingAETitle       string
	presentationContexts []pdu.PresentationContextItem

	requestTimeout            time.Duration
	maxPDULength              uint32
	maxRequestsPerAssociation int
	asyncOpsInvoked           int
	asyncOpsPerformed         int
	linger                    time.Duration
	writeTimeout              time.Duration

	logger       *logrus.Logger
	eventSink    EventSink
	metrics      MetricsRecorder
	datasetCodec dimse.DatasetCodec

	mu            sync.Mutex
	queue         []*types.DicomRequest
	running       bool
	doneCh        chan struct{}
	runErr        error
	cancelCurrent context.CancelFunc
	wake          chan struct{}
}

// New returns a Dispatcher targeting addr ("host:port"), unstarted.
func New(addr string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		addr:                      addr,
		connectTimeout:            10 * time.Second,
		calledAETitle:             "ANY-SCP",
		callingAETitle:            "ANY-SCU",
		requestTimeout:            30 * time.Second,
		maxPDULength:              16384,
		maxRequestsPerAssociation: 1,
		asyncOpsInvoked:           1,
		asyncOpsPerformed:         1,
		linger:                    5 * time.Second,
		writeTimeout:              10 * time.Second,
		logger:                    logrus.StandardLogger(),
		eventSink:                 NoopEventSink{},
		metrics:                   NoopMetrics{},
		datasetCodec:              dimse.NewDatasetCodec(),
		wake:                      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dialer == nil {
		d.dialer = connection.NewDialer(d.connectTimeout, d.tlsConfig)
	}
	return d
}

// AddRequest enqueues req. Legal before or after Send begins; a
// concurrently running Send will pick it up once it next looks at the
// queue.
func (d *Dispatcher) AddRequest(req *types.DicomRequest) {
	d.mu.Lock()
	d.queue = append(d.queue, req)
	d.mu.Unlock()
	d.notify()
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Send runs the dispatcher until the queue is drained and every
// request it admitted has reached a terminal state, or ctx is
// cancelled. A concurrent call while a run is already in progress
// joins that run instead of starting a second one.
func (d *Dispatcher) Send(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.running = true
		d.doneCh = make(chan struct{})
		runCtx, cancel := context.WithCancel(context.Background())
		d.cancelCurrent = cancel
		go d.run(runCtx)
	}
	doneCh := d.doneCh
	cancel := d.cancelCurrent
	d.mu.Unlock()

	linkStop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-linkStop:
		}
	}()
	defer close(linkStop)

	<-doneCh
	d.mu.Lock()
	err := d.runErr
	d.mu.Unlock()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Dispatcher) dequeueBatch() []*types.DicomRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.maxRequestsPerAssociation
	if n > len(d.queue) {
		n = len(d.queue)
	}
	batch := d.queue[:n]
	d.queue = d.queue[n:]
	return batch
}

func (d *Dispatcher) requeueFront(reqs []*types.DicomRequest) {
	if len(reqs) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(reqs, d.queue...)
	d.mu.Unlock()
}

func (d *Dispatcher) queueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// pumpEvent is what the pump goroutine forwards to run/runBatch: either
// a reassembled DIMSE message, a released=true once A-RELEASE-RP has
// been seen, or a terminal err (peer abort, protocol violation, or
// connection failure) after which the pump goroutine has already
// returned.
type pumpEvent struct {
	msg      *dimse.ReceivedMessage
	released bool
	err      error
}

// pump is the association's one and only reader for its entire
// lifetime, from just after Associate succeeds to the moment it sees
// A-RELEASE-RP, A-ABORT, or a read failure. Centralizing all reads
// here is what lets runBatch's response correlation and
// releaseAssociation's release confirmation share one connection
// without racing each other for its bytes.
func (d *Dispatcher) pump(a *assoc.Association, out chan<- pumpEvent) {
	reassembler := dimse.NewReassembler()
	for {
		pduType, body, err := a.ReadPDU()
		if err != nil {
			out <- pumpEvent{err: dicomerrors.Wrap(err, "reading PDU")}
			return
		}

		switch pduType {
		case types.TypePDataTF:
			pdtf, err := pdu.DecodePDataTF(body)
			if err != nil {
				out <- pumpEvent{err: dicomerrors.NewProtocolViolationError("malformed P-DATA-TF", err)}
				return
			}
			completed, err := reassembler.Feed(pdtf)
			if err != nil {
				out <- pumpEvent{err: dicomerrors.NewProtocolViolationError("malformed DIMSE fragment", err)}
				return
			}
			for _, m := range completed {
				out <- pumpEvent{msg: m}
			}

		case types.TypeReleaseRP:
			if err := pdu.DecodeReleaseRP(body); err != nil {
				out <- pumpEvent{err: dicomerrors.NewProtocolViolationError("malformed A-RELEASE-RP", err)}
				return
			}
			out <- pumpEvent{released: true}
			return

		case types.TypeAbort:
			ab, decErr := pdu.DecodeAbort(body)
			if decErr != nil {
				out <- pumpEvent{err: dicomerrors.NewAssociationAbortedError("peer sent malformed A-ABORT")}
				return
			}
			out <- pumpEvent{err: dicomerrors.NewAssociationAbortedError(
				fmt.Sprintf("peer aborted (source=%d, reason=%d)", ab.Source, ab.Reason))}
			return

		case types.TypeReleaseRQ:
			out <- pumpEvent{err: dicomerrors.NewAssociationAbortedError("peer initiated release mid-exchange")}
			return

		default:
			out <- pumpEvent{err: dicomerrors.NewProtocolViolationError(
				fmt.Sprintf("unexpected PDU type 0x%02x", pduType), nil)}
			return
		}
	}
}

// liveAssoc bundles a connected association with the single pump
// goroutine reading it and the transfer syntax index derived from its
// negotiated presentation contexts.
type liveAssoc struct {
	assoc  *assoc.Association
	pumpCh chan pumpEvent
	ctxTS  map[byte]string
}

// run is the single cooperative goroutine: it owns the current
// association (if any) and the in-flight correlation table for the
// lifetime of the Send call(s) that started it.
func (d *Dispatcher) run(ctx context.Context) {
	var finalErr error

	var current *liveAssoc

runLoop:
	for {
		if ctx.Err() != nil {
			finalErr = ctx.Err()
			break runLoop
		}

		if d.queueLen() == 0 {
			if current == nil {
				// Nothing queued and no association open: the run is
				// done. A later AddRequest simply starts a fresh run on
				// the next Send call.
				break runLoop
			}
			select {
			case <-d.wake:
				continue runLoop
			case <-time.After(d.linger):
				d.releaseAssociation(current)
				current = nil
				continue runLoop
			case <-ctx.Done():
				d.abortAssociation(current, "context cancelled")
				current = nil
				finalErr = ctx.Err()
				break runLoop
			}
		}

		batch := d.dequeueBatch()

		if current == nil {
			a, err := assoc.Associate(ctx, d.dialer, d.addr, assoc.Params{
				CalledAETitle:        d.calledAETitle,
				CallingAETitle:       d.callingAETitle,
				PresentationContexts: d.presentationContexts,
				MaxPDULength:         d.maxPDULength,
				WriteTimeout:         d.writeTimeout,
				Logger:               d.logger,
				AsyncOpsInvoked:      uint16(d.asyncOpsInvoked),
				AsyncOpsPerformed:    uint16(d.asyncOpsPerformed),
			})
			if err != nil {
				d.failBatch(batch, err)
				if rejErr, ok := err.(*dicomerrors.AssociationError); ok {
					d.eventSink.AssociationRejected(rejErr)
					d.metrics.AssociationRejected()
				}
				finalErr = err
				break runLoop
			}
			pumpCh := make(chan pumpEvent, 8)
			go d.pump(a, pumpCh)
			current = &liveAssoc{assoc: a, pumpCh: pumpCh, ctxTS: d.buildTransferSyntaxIndex(a)}
			d.eventSink.AssociationAccepted(d.calledAETitle)
			d.metrics.AssociationOpened()
		}

		aborted, err := d.runBatch(ctx, current, batch)
		if aborted {
			current = nil
			if err != nil && ctx.Err() != nil {
				finalErr = ctx.Err()
				break runLoop
			}
			continue runLoop
		}

		if d.queueLen() == 0 {
			continue runLoop
		}
		d.releaseAssociation(current)
		current = nil
	}

	if current != nil {
		d.releaseAssociation(current)
	}

	d.mu.Lock()
	d.running = false
	d.runErr = finalErr
	close(d.doneCh)
	d.mu.Unlock()
}

// runBatch drives one association through one batch of requests to
// completion: sends as many as the pipelining window allows, then
// waits for responses, timeouts, or cancellation until every request
// in the batch has reached a terminal state. Returns aborted=true if
// the association died mid-batch, in which case unsent requests are
// already back on the front of the queue and in-flight ones have
// already been failed.
func (d *Dispatcher) runBatch(ctx context.Context, current *liveAssoc, batch []*types.DicomRequest) (aborted bool, err error) {
	a := current.assoc
	contextTS := current.ctxTS

	inFlight := make(map[uint16]*types.DicomRequest)
	next := 0

	// sendNext fills the pipelining window. A request that cannot be
	// sent because no presentation context covers its abstract syntax
	// is a per-request protocol problem, not a connection failure: it
	// is failed in place and does not interrupt the batch. A write
	// error from the wire, by contrast, means the association itself
	// is no longer usable and is returned so the caller aborts it.
	sendNext := func() error {
		for next < len(batch) && len(inFlight) < d.asyncOpsInvoked {
			req := batch[next]
			next++

			contextID, transferSyntax, ok := a.PresentationContextFor(req.SOPClassUID)
			if !ok {
				req.Fail(dicomerrors.NewProtocolViolationError(
					fmt.Sprintf("no accepted presentation context for %s", req.SOPClassUID), nil))
				continue
			}

			var dataBytes []byte
			if req.DataDataset != nil {
				encoded, err := d.datasetCodec.Encode(req.DataDataset, transferSyntax)
				if err != nil {
					req.Fail(dicomerrors.Wrap(err, "encoding data dataset"))
					continue
				}
				dataBytes = encoded
			}

			req.MarkInFlight(time.Now())
			if err := dimse.SendMessage(a, contextID, req.Command, dataBytes); err != nil {
				req.Fail(dicomerrors.Wrap(err, "sending DIMSE request"))
				return err
			}
			req.Touch(time.Now())
			inFlight[req.Command.MessageID] = req
			d.metrics.RequestSent()
		}
		return nil
	}

	failRemaining := func(abortErr error) {
		for _, req := range inFlight {
			req.Fail(abortErr)
		}
		d.requeueFront(batch[next:])
	}

	if sendErr := sendNext(); sendErr != nil {
		d.abortAssociation(current, "write failure sending request")
		failRemaining(dicomerrors.Wrap(sendErr, "association aborted mid-batch"))
		return true, sendErr
	}

	for len(inFlight) > 0 || next < len(batch) {
		var timeoutCh <-chan time.Time
		if len(inFlight) > 0 {
			deadline := d.nearestDeadline(inFlight)
			timeoutCh = time.After(time.Until(deadline))
		}

		select {
		case ev := <-current.pumpCh:
			if ev.err != nil {
				d.abortAssociation(current, "read failure")
				failRemaining(dicomerrors.Wrap(ev.err, "association aborted mid-batch"))
				return true, ev.err
			}
			if ev.released {
				// Peer released while requests were still in flight;
				// the pump has already exited. Treat as abnormal.
				abnormal := dicomerrors.NewAssociationAbortedError("peer released mid-batch")
				d.abortAssociation(current, "peer released mid-batch")
				failRemaining(abnormal)
				return true, abnormal
			}
			d.handleInbound(ev.msg, inFlight, contextTS)
			if sendErr := sendNext(); sendErr != nil {
				d.abortAssociation(current, "write failure sending request")
				failRemaining(dicomerrors.Wrap(sendErr, "association aborted mid-batch"))
				return true, sendErr
			}

		case <-timeoutCh:
			now := time.Now()
			for id, req := range inFlight {
				if now.Sub(req.LastActivityAt()) >= d.requestTimeout {
					req.TimeOut(dicomerrors.NewRequestTimeoutError(id, d.requestTimeout))
					delete(inFlight, id)
					d.eventSink.RequestTimedOut(req, d.requestTimeout)
					d.metrics.RequestTimedOut()
				}
			}
			if sendErr := sendNext(); sendErr != nil {
				d.abortAssociation(current, "write failure sending request")
				failRemaining(dicomerrors.Wrap(sendErr, "association aborted mid-batch"))
				return true, sendErr
			}

		case <-ctx.Done():
			cancelErr := dicomerrors.NewCancelledError("send cancelled")
			d.abortAssociation(current, "context cancelled")
			failRemaining(cancelErr)
			return true, ctx.Err()
		}
	}

	return false, nil
}

func (d *Dispatcher) handleInbound(msg *dimse.ReceivedMessage, inFlight map[uint16]*types.DicomRequest, contextTS map[byte]string) {
	req, ok := inFlight[msg.Command.MessageIDBeingRespondedTo]
	if !ok || req.State() != types.RequestInFlight {
		d.logger.WithField("message_id", msg.Command.MessageIDBeingRespondedTo).Debug("dropping response for unknown or no-longer-in-flight request")
		return
	}

	transferSyntax := contextTS[msg.ContextID]
	dataset, err := d.datasetCodec.Decode(msg.DataBytes, transferSyntax)
	if err != nil {
		req.Fail(dicomerrors.NewProtocolViolationError("malformed response dataset", err))
		delete(inFlight, msg.Command.MessageIDBeingRespondedTo)
		return
	}

	resp := &types.DicomResponse{
		MessageID: msg.Command.MessageIDBeingRespondedTo,
		Status:    msg.Command.Status,
		Command:   msg.Command,
		Dataset:   dataset,
	}

	if !req.Deliver(resp) {
		return
	}

	if !resp.IsPending() {
		req.Complete()
		delete(inFlight, msg.Command.MessageIDBeingRespondedTo)
		d.eventSink.RequestCompleted(req, resp)
		d.metrics.RequestCompleted(resp.Status)
	}
}

func (d *Dispatcher) nearestDeadline(inFlight map[uint16]*types.DicomRequest) time.Time {
	var nearest time.Time
	for _, req := range inFlight {
		deadline := req.LastActivityAt().Add(d.requestTimeout)
		if nearest.IsZero() || deadline.Before(nearest) {
			nearest = deadline
		}
	}
	return nearest
}

func (d *Dispatcher) failBatch(batch []*types.DicomRequest, err error) {
	for _, req := range batch {
		req.Fail(err)
	}
}

func (d *Dispatcher) buildTransferSyntaxIndex(a *assoc.Association) map[byte]string {
	index := make(map[byte]string)
	for _, pc := range d.presentationContexts {
		if id, ts, ok := a.PresentationContextFor(pc.AbstractSyntax); ok {
			index[id] = ts
		}
	}
	return index
}

// releaseAssociation writes A-RELEASE-RQ and waits on the association's
// own pump for the matching A-RELEASE-RP, rather than reading the
// connection itself — the pump is the connection's only reader for its
// whole lifetime. Anything other than a clean RELEASE-RP (timeout,
// abort, read failure) falls back to Abort.
func (d *Dispatcher) releaseAssociation(current *liveAssoc) {
	if current == nil {
		return
	}
	a := current.assoc

	if err := a.RequestRelease(); err != nil {
		d.logger.WithError(err).Debug("release request failed, association already gone")
		d.eventSink.AssociationReleased()
		d.metrics.AssociationClosed()
		return
	}

	select {
	case ev := <-current.pumpCh:
		if ev.released {
			a.ConfirmReleased()
		} else {
			d.logger.WithError(ev.err).Debug("release did not complete cleanly, aborting instead")
			a.Abort("release not confirmed")
		}
	case <-time.After(d.writeTimeout):
		d.logger.Warn("timed out waiting for A-RELEASE-RP")
		a.Abort("release response timed out")
	}

	d.eventSink.AssociationReleased()
	d.metrics.AssociationClosed()
}

// abortAssociation tears down current, aggregating the reason it was
// aborted with any failure of the best-effort A-ABORT write itself so
// both land in one log line.
func (d *Dispatcher) abortAssociation(current *liveAssoc, reason string) {
	if current == nil {
		return
	}
	var merr *multierror.Error
	merr = multierror.Append(merr, fmt.Errorf("abort reason: %s", reason))
	if writeErr := current.assoc.Abort(reason); writeErr != nil {
		merr = multierror.Append(merr, fmt.Errorf("A-ABORT write: %w", writeErr))
	}
	d.logger.WithError(merr.ErrorOrNil()).Warn("DICOM association torn down")
	d.metrics.AssociationClosed()
}
