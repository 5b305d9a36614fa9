package dimse

import (
	"fmt"

	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// ReceivedMessage is a fully reassembled DIMSE command, plus its data
// dataset if one accompanied it, on the presentation context it arrived
// on.
type ReceivedMessage struct {
	ContextID byte
	Command   *types.Message
	DataBytes []byte
}

type pendingMessage struct {
	commandData     []byte
	command         *types.Message
	commandComplete bool
	datasetData     []byte
	datasetExpected bool
	datasetComplete bool
}

func (p *pendingMessage) complete() bool {
	return p.commandComplete && (!p.datasetExpected || p.datasetComplete)
}

// messageKey identifies a single in-flight DIMSE message on a
// presentation context. Responses are keyed by the request's
// MessageID (MessageIDBeingRespondedTo), not their own MessageID
// (which responses leave at zero), so that a pipelined dispatcher
// waiting on several outstanding requests over the same context
// demultiplexes replies by which request they answer rather than by
// context alone.
type messageKey struct {
	contextID byte
	messageID uint16
}

func resolveMessageID(cmd *types.Message) uint16 {
	if cmd.CommandField&0x8000 != 0 {
		return cmd.MessageIDBeingRespondedTo
	}
	return cmd.MessageID
}

// Reassembler accumulates P-DATA-TF PDVs into complete DIMSE messages.
// Unlike the teacher's ReceiveDIMSEMessage, which tracks exactly one
// in-flight message in local variables, a Reassembler is long-lived
// across an association and can reassemble several messages
// concurrently.
//
// A presentation context ID alone is not enough to demultiplex that
// traffic: async_ops_invoked lets a dispatcher pipeline several
// requests that share a presentation context (any two requests for
// the same abstract syntax resolve to the same context ID), and a
// peer may start a second message's command on that context before
// the first message's dataset has finished arriving. The pending
// table is therefore keyed by (context ID, message ID) once a
// command is fully decoded and its message ID is known; a command
// still being fragmented is held in a per-context provisional slot
// until it decodes, so that a second command beginning mid-context
// can't be spliced onto a first message's already-decoded buffers.
type Reassembler struct {
	provisional     map[byte]*pendingMessage
	pending         map[messageKey]*pendingMessage
	awaitingDataset map[byte]messageKey
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		provisional:     make(map[byte]*pendingMessage),
		pending:         make(map[messageKey]*pendingMessage),
		awaitingDataset: make(map[byte]messageKey),
	}
}

// Feed processes one P-DATA-TF PDU's worth of PDVs, returning every
// message that became complete as a result (almost always zero or one,
// but a single PDU could in principle close out more than one message
// if a peer packs PDVs for several of them into it).
func (r *Reassembler) Feed(pdtf pdu.PDataTF) ([]*ReceivedMessage, error) {
	var completed []*ReceivedMessage

	for _, pdv := range pdtf.PDVs {
		if pdv.IsCommand {
			p, ok := r.provisional[pdv.ContextID]
			if !ok {
				p = &pendingMessage{}
				r.provisional[pdv.ContextID] = p
			}
			p.commandData = append(p.commandData, pdv.Data...)
			if !pdv.IsLast {
				continue
			}

			delete(r.provisional, pdv.ContextID)
			cmd, err := DecodeCommand(p.commandData)
			if err != nil {
				return completed, err
			}
			p.command = cmd
			p.commandComplete = true
			p.datasetExpected = cmd.CommandDataSetType != 0x0101
			if !p.datasetExpected {
				p.datasetComplete = true
			}

			key := messageKey{contextID: pdv.ContextID, messageID: resolveMessageID(cmd)}
			if p.complete() {
				completed = append(completed, &ReceivedMessage{
					ContextID: pdv.ContextID,
					Command:   p.command,
					DataBytes: p.datasetData,
				})
				continue
			}
			r.pending[key] = p
			r.awaitingDataset[pdv.ContextID] = key
			continue
		}

		key, ok := r.awaitingDataset[pdv.ContextID]
		if !ok {
			return completed, fmt.Errorf("dimse: dataset PDV on context %d with no command awaiting one", pdv.ContextID)
		}
		p := r.pending[key]
		p.datasetData = append(p.datasetData, pdv.Data...)
		if pdv.IsLast {
			p.datasetComplete = true
		}

		if p.complete() {
			completed = append(completed, &ReceivedMessage{
				ContextID: pdv.ContextID,
				Command:   p.command,
				DataBytes: p.datasetData,
			})
			delete(r.pending, key)
			delete(r.awaitingDataset, pdv.ContextID)
		}
	}

	return completed, nil
}

// Pending reports how many messages currently have an incomplete
// command or dataset in flight. Used by the dispatcher to detect a
// peer that stalls mid-fragment.
func (r *Reassembler) Pending() int {
	return len(r.provisional) + len(r.pending)
}
