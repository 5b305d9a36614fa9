package dimse

import (
	"fmt"

	"github.com/dicomassoc/dicomassoc/assoc"
	dicomerrors "github.com/dicomassoc/dicomassoc/errors"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// Receiver pulls whole DIMSE messages off an Association, hiding PDU
// and PDV framing from callers. Unlike the teacher's
// ReceiveDIMSEMessage (one call, one message, one connection), a
// Receiver is long-lived so a dispatcher's single read loop can
// demultiplex responses for several in-flight requests on the same
// association.
type Receiver struct {
	assoc       *assoc.Association
	reassembler *Reassembler
	queue       []*ReceivedMessage
}

// NewReceiver returns a Receiver reading from a.
func NewReceiver(a *assoc.Association) *Receiver {
	return &Receiver{assoc: a, reassembler: NewReassembler()}
}

// Next blocks until a complete DIMSE message is available, the peer
// releases or aborts the association, or a read fails.
func (r *Receiver) Next() (*ReceivedMessage, error) {
	for len(r.queue) == 0 {
		pduType, body, err := r.assoc.ReadPDU()
		if err != nil {
			return nil, dicomerrors.Wrap(err, "reading DIMSE message")
		}

		switch pduType {
		case types.TypePDataTF:
			pdtf, err := pdu.DecodePDataTF(body)
			if err != nil {
				return nil, dicomerrors.NewProtocolViolationError("malformed P-DATA-TF", err)
			}
			completed, err := r.reassembler.Feed(pdtf)
			if err != nil {
				return nil, dicomerrors.NewProtocolViolationError("malformed DIMSE command", err)
			}
			r.queue = append(r.queue, completed...)

		case types.TypeReleaseRQ:
			return nil, dicomerrors.NewAssociationAbortedError("peer initiated release mid-exchange")

		case types.TypeAbort:
			abort, decodeErr := pdu.DecodeAbort(body)
			if decodeErr != nil {
				return nil, dicomerrors.NewAssociationAbortedError("peer sent malformed A-ABORT")
			}
			return nil, dicomerrors.NewAssociationAbortedError(
				fmt.Sprintf("peer aborted (source=%d, reason=%d)", abort.Source, abort.Reason))

		default:
			return nil, dicomerrors.NewProtocolViolationError(
				fmt.Sprintf("unexpected PDU type 0x%02x while awaiting DIMSE response", pduType), nil)
		}
	}

	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}
