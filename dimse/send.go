package dimse

import (
	"github.com/dicomassoc/dicomassoc/assoc"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// SendMessage encodes command (and, if present, dataBytes) and writes
// them as one or more P-DATA-TF PDUs on the given presentation context,
// fragmenting each to the association's negotiated max PDU length. The
// command is always flushed as its own sequence of PDVs before the
// dataset's, per the upper-layer protocol.
func SendMessage(a *assoc.Association, contextID byte, command *types.Message, dataBytes []byte) error {
	commandData, err := EncodeCommand(command)
	if err != nil {
		return err
	}

	maxPDULength := a.MaxPDULength()
	if maxPDULength == 0 {
		maxPDULength = 16384
	}

	for _, pdv := range pdu.FragmentPDVs(contextID, commandData, true, true, maxPDULength) {
		if err := a.SendPData(pdu.PDataTF{PDVs: []pdu.PDV{pdv}}); err != nil {
			return err
		}
	}

	if len(dataBytes) == 0 {
		return nil
	}

	for _, pdv := range pdu.FragmentPDVs(contextID, dataBytes, false, true, maxPDULength) {
		if err := a.SendPData(pdu.PDataTF{PDVs: []pdu.PDV{pdv}}); err != nil {
			return err
		}
	}

	return nil
}
