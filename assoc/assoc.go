// Package assoc implements the client-side DICOM upper-layer
// association state machine: Idle -> Requesting -> Established ->
// Releasing -> Closed, with Aborted and Rejected reachable as
// terminal states. It owns exactly one Connection and drives
// A-ASSOCIATE-RQ/AC/RJ, P-DATA-TF, A-RELEASE-RQ/RP, and A-ABORT.
package assoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomassoc/dicomassoc/connection"
	dicomerrors "github.com/dicomassoc/dicomassoc/errors"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// State is a position in the association lifecycle.
type State int

const (
	Idle State = iota
	Requesting
	Established
	Releasing
	Closed
	Rejected
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Established:
		return "established"
	case Releasing:
		return "releasing"
	case Closed:
		return "closed"
	case Rejected:
		return "rejected"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s State) live() bool {
	return s == Requesting || s == Established || s == Releasing
}

// NegotiatedContext is an accepted or rejected presentation context,
// as recorded after A-ASSOCIATE-AC.
type NegotiatedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// Params configures Associate.
type Params struct {
	CalledAETitle        string
	CallingAETitle       string
	PresentationContexts []pdu.PresentationContextItem
	MaxPDULength         uint32
	WriteTimeout         time.Duration
	Logger               *logrus.Logger
	// AsyncOpsInvoked and AsyncOpsPerformed propose the Asynchronous
	// Operations Window (PS3.7 Annex D.3.3.3): the maximum number of
	// operations this end will have simultaneously outstanding as
	// invoker, and will accept simultaneously outstanding as
	// performer. Both zero proposes no pipelining.
	AsyncOpsInvoked   uint16
	AsyncOpsPerformed uint16
}

// Association is a session object: peer endpoint, called/calling AE
// titles, negotiated presentation contexts, and the connection it
// exclusively owns. Destroys its connection on any terminal
// transition.
type Association struct {
	mu    sync.Mutex
	state State

	conn         connection.Conn
	writeTimeout time.Duration
	logger       *logrus.Logger

	calledAETitle     string
	callingAETitle    string
	maxPDULength      uint32
	asyncOpsInvoked   uint16
	asyncOpsPerformed uint16
	contexts          map[byte]*NegotiatedContext
	abstractIndex     map[string]byte
}

// Associate opens a connection via dial, sends A-ASSOCIATE-RQ, and
// blocks for the peer's response. On A-ASSOCIATE-AC the association
// is Established; on A-ASSOCIATE-RJ it is Rejected (terminal); on any
// other outcome it is Aborted, with the connection already closed in
// every non-Established case.
func Associate(ctx context.Context, dial connection.Dialer, address string, params Params) (*Association, error) {
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writeTimeout := params.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	maxPDULength := params.MaxPDULength
	if maxPDULength == 0 {
		maxPDULength = 16384
	}

	conn, err := dial(ctx, address)
	if err != nil {
		return nil, dicomerrors.Wrap(err, "dialing SCP")
	}

	a := &Association{
		state:             Requesting,
		conn:              conn,
		writeTimeout:      writeTimeout,
		logger:            logger,
		calledAETitle:     params.CalledAETitle,
		callingAETitle:    params.CallingAETitle,
		maxPDULength:      maxPDULength,
		asyncOpsInvoked:   1,
		asyncOpsPerformed: 1,
		contexts:          make(map[byte]*NegotiatedContext),
		abstractIndex:     make(map[string]byte),
	}

	rq := pdu.AssociateRQ{
		CalledAETitle:        params.CalledAETitle,
		CallingAETitle:       params.CallingAETitle,
		PresentationContexts: params.PresentationContexts,
		MaxPDULength:         maxPDULength,
		AsyncOpsInvoked:      params.AsyncOpsInvoked,
		AsyncOpsPerformed:    params.AsyncOpsPerformed,
	}
	for _, pc := range params.PresentationContexts {
		a.contexts[pc.ID] = &NegotiatedContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}
	}

	if err := conn.WritePDU(pdu.EncodeAssociateRQ(rq), time.Now().Add(writeTimeout)); err != nil {
		conn.Close()
		a.setState(Aborted)
		return nil, dicomerrors.Wrap(err, "sending A-ASSOCIATE-RQ")
	}

	pduType, body, err := conn.ReadPDU()
	if err != nil {
		conn.Close()
		a.setState(Aborted)
		return nil, dicomerrors.Wrap(err, "receiving association response")
	}

	switch pduType {
	case types.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(body)
		if err != nil {
			conn.Close()
			a.setState(Aborted)
			return nil, dicomerrors.NewProtocolViolationError("malformed A-ASSOCIATE-AC", err)
		}
		a.recordNegotiated(ac)
		a.setState(Established)
		logger.WithFields(logrus.Fields{
			"remote_addr": address,
			"calling_ae":  params.CallingAETitle,
			"called_ae":   params.CalledAETitle,
		}).Info("DICOM association established")
		return a, nil

	case types.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(body)
		conn.Close()
		a.setState(Rejected)
		if err != nil {
			return nil, dicomerrors.NewProtocolViolationError("malformed A-ASSOCIATE-RJ", err)
		}
		return nil, dicomerrors.NewAssociationError(
			dicomerrors.AssociationRejectSource(rj.Source),
			dicomerrors.AssociationRejectReason(rj.Reason),
			"peer rejected association",
		)

	default:
		conn.Close()
		a.setState(Aborted)
		return nil, dicomerrors.NewProtocolViolationError(
			fmt.Sprintf("unexpected PDU type 0x%02x while requesting association", pduType), nil)
	}
}

func (a *Association) recordNegotiated(ac pdu.AssociateAC) {
	a.maxPDULength = ac.MaxPDULength
	if ac.AsyncOpsInvoked != 0 {
		a.asyncOpsInvoked = ac.AsyncOpsInvoked
	}
	if ac.AsyncOpsPerformed != 0 {
		a.asyncOpsPerformed = ac.AsyncOpsPerformed
	}
	for _, pc := range ac.PresentationContexts {
		nc, ok := a.contexts[pc.ID]
		if !ok {
			nc = &NegotiatedContext{ID: pc.ID}
			a.contexts[pc.ID] = nc
		}
		nc.Accepted = pc.Result == pdu.ResultAcceptance
		if nc.Accepted {
			nc.TransferSyntax = pc.TransferSyntax
			a.abstractIndex[nc.AbstractSyntax] = pc.ID
		}
	}
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// State returns the association's current lifecycle state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MaxPDULength returns the peer-negotiated maximum PDU length.
func (a *Association) MaxPDULength() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxPDULength
}

// AsyncOpsInvoked returns the negotiated maximum number of operations
// this end may have simultaneously outstanding as invoker. 1 if the
// peer did not negotiate asynchronous operations.
func (a *Association) AsyncOpsInvoked() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asyncOpsInvoked
}

// AsyncOpsPerformed returns the negotiated maximum number of
// operations this end will accept simultaneously outstanding as
// performer. 1 if the peer did not negotiate asynchronous operations.
func (a *Association) AsyncOpsPerformed() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asyncOpsPerformed
}

// PresentationContextFor returns the accepted context ID and
// transfer syntax for an abstract syntax, or ok=false if no
// accepted context covers it.
func (a *Association) PresentationContextFor(abstractSyntax string) (id byte, transferSyntax string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctxID, found := a.abstractIndex[abstractSyntax]
	if !found {
		return 0, "", false
	}
	nc := a.contexts[ctxID]
	return nc.ID, nc.TransferSyntax, true
}

// SendPData writes a P-DATA-TF PDU while Established; returns
// ProtocolViolationError if called from any other state.
func (a *Association) SendPData(pdtf pdu.PDataTF) error {
	if a.State() != Established {
		return dicomerrors.NewProtocolViolationError("send_pdata outside Established", nil)
	}
	err := a.conn.WritePDU(pdu.EncodePDataTF(pdtf), time.Now().Add(a.writeTimeout))
	if err != nil {
		return dicomerrors.Wrap(err, "writing P-DATA-TF")
	}
	return nil
}

// ReadPDU blocks for the next inbound PDU. Established is the only
// state in which the caller should expect P-DATA-TF; Releasing
// expects A-RELEASE-RP; any state may instead see A-ABORT.
func (a *Association) ReadPDU() (pduType byte, body []byte, err error) {
	return a.conn.ReadPDU()
}

// Release sends A-RELEASE-RQ and waits for A-RELEASE-RP, transitioning
// Established -> Releasing -> Closed. The connection is closed in
// every case, including I/O failure while waiting for the response.
func (a *Association) Release() error {
	if a.State() != Established {
		return dicomerrors.NewProtocolViolationError("release outside Established", nil)
	}
	a.setState(Releasing)

	if err := a.conn.WritePDU(pdu.EncodeReleaseRQ(), time.Now().Add(a.writeTimeout)); err != nil {
		a.conn.Close()
		a.setState(Aborted)
		return dicomerrors.Wrap(err, "sending A-RELEASE-RQ")
	}

	pduType, body, err := a.conn.ReadPDU()
	a.conn.Close()
	if err != nil {
		a.setState(Aborted)
		return dicomerrors.Wrap(err, "receiving A-RELEASE-RP")
	}
	if pduType != types.TypeReleaseRP {
		a.setState(Aborted)
		return dicomerrors.NewProtocolViolationError(
			fmt.Sprintf("unexpected PDU type 0x%02x while releasing", pduType), nil)
	}
	if err := pdu.DecodeReleaseRP(body); err != nil {
		a.setState(Aborted)
		return dicomerrors.NewProtocolViolationError("malformed A-RELEASE-RP", err)
	}

	a.setState(Closed)
	a.logger.Debug("DICOM association released")
	return nil
}

// RequestRelease writes A-RELEASE-RQ and transitions to Releasing,
// without waiting for the response. It exists for callers that own a
// dedicated reader goroutine for the association's whole lifetime
// (the dispatcher) and therefore cannot have Release perform a second,
// concurrent read of the same connection; such callers pair this with
// ConfirmReleased once their reader observes A-RELEASE-RP.
func (a *Association) RequestRelease() error {
	if a.State() != Established {
		return dicomerrors.NewProtocolViolationError("release outside Established", nil)
	}
	a.setState(Releasing)
	if err := a.conn.WritePDU(pdu.EncodeReleaseRQ(), time.Now().Add(a.writeTimeout)); err != nil {
		a.conn.Close()
		a.setState(Aborted)
		return dicomerrors.Wrap(err, "sending A-RELEASE-RQ")
	}
	return nil
}

// ConfirmReleased closes the connection and transitions to Closed,
// called once a RequestRelease caller's own reader has observed
// A-RELEASE-RP.
func (a *Association) ConfirmReleased() {
	a.conn.Close()
	a.setState(Closed)
	a.logger.Debug("DICOM association released")
}

// Abort sends A-ABORT (best effort) and closes the connection,
// transitioning any live state to Aborted. Idempotent: a call on an
// already-terminal association is a silent no-op. The returned error,
// if any, is the best-effort A-ABORT write failing — the connection is
// closed regardless.
func (a *Association) Abort(reason string) error {
	a.mu.Lock()
	if !a.state.live() {
		a.mu.Unlock()
		return nil
	}
	a.state = Aborted
	a.mu.Unlock()

	writeErr := a.conn.WritePDU(pdu.EncodeAbort(pdu.Abort{Source: pdu.AbortSourceServiceUser}), time.Now().Add(a.writeTimeout))
	a.conn.Close()
	a.logger.WithField("reason", reason).Warn("DICOM association aborted")
	return writeErr
}
