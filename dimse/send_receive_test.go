package dimse

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dicomassoc/dicomassoc/assoc"
	"github.com/dicomassoc/dicomassoc/connection"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

// establish drives a minimal A-ASSOCIATE exchange over an in-memory
// pipe and returns the client-side Association plus the raw server
// end, so tests can script DIMSE traffic without a real SCP.
func establish(t *testing.T) (*assoc.Association, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	dialer := func(ctx context.Context, address string) (connection.Conn, error) {
		return connection.NewFakeConn(client, 0), nil
	}

	assocCh := make(chan *assoc.Association, 1)
	errCh := make(chan error, 1)
	go func() {
		a, err := assoc.Associate(context.Background(), dialer, "scp.example:104", assoc.Params{
			CalledAETitle:  "TEST_SCP",
			CallingAETitle: "TEST_SCU",
			MaxPDULength:   16384,
			WriteTimeout:   time.Second,
			PresentationContexts: []pdu.PresentationContextItem{
				{ID: 1, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
			},
		})
		if err != nil {
			errCh <- err
			return
		}
		assocCh <- a
	}()

	header := make([]byte, 6)
	readFullTest(t, server, header)
	_, length, err := pdu.DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	readFullTest(t, server, make([]byte, length))

	server.Write(pdu.EncodeAssociateAC(pdu.AssociateAC{
		CalledAETitle:  "TEST_SCP",
		CallingAETitle: "TEST_SCU",
		MaxPDULength:   16384,
		PresentationContexts: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian},
		},
	}))

	select {
	case a := <-assocCh:
		return a, server
	case err := <-errCh:
		t.Fatalf("Associate: %v", err)
	}
	return nil, nil
}

func readFullTest(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		total += n
	}
}

func TestSendMessageThenReceive(t *testing.T) {
	clientAssoc, server := establish(t)
	defer server.Close()

	cmd := echoCommand(5, false)

	sendDone := make(chan error, 1)
	go func() { sendDone <- SendMessage(clientAssoc, 1, cmd, nil) }()

	reassembler := NewReassembler()
	var completed []*ReceivedMessage
	for len(completed) == 0 {
		header := make([]byte, 6)
		readFullTest(t, server, header)
		_, length, err := pdu.DecodeHeader(header)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		body := make([]byte, length)
		readFullTest(t, server, body)
		pdtf, err := pdu.DecodePDataTF(body)
		if err != nil {
			t.Fatalf("DecodePDataTF: %v", err)
		}
		completed, err = reassembler.Feed(pdtf)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if err := <-sendDone; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if completed[0].Command.MessageID != 5 {
		t.Errorf("MessageID = %d, want 5", completed[0].Command.MessageID)
	}
}

func TestReceiverReadsAssembledMessage(t *testing.T) {
	clientAssoc, server := establish(t)
	defer server.Close()

	cmdData, _ := EncodeCommand(echoCommand(9, false))
	go func() {
		for _, pdv := range pdu.FragmentPDVs(1, cmdData, true, true, 16384) {
			server.Write(pdu.EncodePDataTF(pdu.PDataTF{PDVs: []pdu.PDV{pdv}}))
		}
	}()

	receiver := NewReceiver(clientAssoc)
	msg, err := receiver.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Command.MessageID != 9 {
		t.Errorf("MessageID = %d, want 9", msg.Command.MessageID)
	}
}
