package assoc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dicomassoc/dicomassoc/connection"
	"github.com/dicomassoc/dicomassoc/pdu"
)

func testParams() Params {
	return Params{
		CalledAETitle:  "TEST_SCP",
		CallingAETitle: "TEST_SCU",
		MaxPDULength:   16384,
		WriteTimeout:   time.Second,
		PresentationContexts: []pdu.PresentationContextItem{
			{ID: 1, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
		},
	}
}

// pipeDialer returns a Dialer wired to one end of an in-memory pipe,
// handing the caller the other end to play the SCP role.
func pipeDialer() (connection.Dialer, net.Conn) {
	client, server := net.Pipe()
	dialer := func(ctx context.Context, address string) (connection.Conn, error) {
		return connection.NewFakeConn(client, 0), nil
	}
	return dialer, server
}

func readHeader(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	header := make([]byte, 6)
	n := 0
	for n < len(header) {
		read, err := conn.Read(header[n:])
		if err != nil {
			t.Fatalf("reading header: %v", err)
		}
		n += read
	}
	pduType, length, err := pdu.DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	body := make([]byte, length)
	n = 0
	for n < len(body) {
		read, err := conn.Read(body[n:])
		if err != nil {
			t.Fatalf("reading body: %v", err)
		}
		n += read
	}
	return pduType, body
}

func TestAssociateAccepted(t *testing.T) {
	dialer, server := pipeDialer()
	defer server.Close()

	done := make(chan struct{})
	var assocResult *Association
	var assocErr error

	go func() {
		assocResult, assocErr = Associate(context.Background(), dialer, "scp.example:104", testParams())
		close(done)
	}()

	pduType, _ := readHeader(t, server)
	if pduType != 0x01 {
		t.Fatalf("got PDU type 0x%02x, want A-ASSOCIATE-RQ", pduType)
	}

	ac := pdu.AssociateAC{
		CalledAETitle:  "TEST_SCP",
		CallingAETitle: "TEST_SCU",
		MaxPDULength:   16384,
		PresentationContexts: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		},
	}
	if _, err := server.Write(pdu.EncodeAssociateAC(ac)); err != nil {
		t.Fatalf("writing A-ASSOCIATE-AC: %v", err)
	}

	<-done
	if assocErr != nil {
		t.Fatalf("Associate returned error: %v", assocErr)
	}
	if assocResult.State() != Established {
		t.Fatalf("state = %v, want Established", assocResult.State())
	}

	ctxID, ts, ok := assocResult.PresentationContextFor("1.2.840.10008.1.1")
	if !ok || ctxID != 1 || ts != "1.2.840.10008.1.2" {
		t.Errorf("PresentationContextFor = (%d, %q, %v), want (1, ..., true)", ctxID, ts, ok)
	}
}

func TestAssociateNegotiatesAsyncOpsWindow(t *testing.T) {
	dialer, server := pipeDialer()
	defer server.Close()

	params := testParams()
	params.AsyncOpsInvoked = 4
	params.AsyncOpsPerformed = 1

	done := make(chan struct{})
	var assocResult *Association
	var assocErr error
	go func() {
		assocResult, assocErr = Associate(context.Background(), dialer, "scp.example:104", params)
		close(done)
	}()

	pduType, body := readHeader(t, server)
	if pduType != 0x01 {
		t.Fatalf("got PDU type 0x%02x, want A-ASSOCIATE-RQ", pduType)
	}
	rq, err := pdu.DecodeAssociateRQ(body)
	if err != nil {
		t.Fatalf("DecodeAssociateRQ: %v", err)
	}
	if rq.AsyncOpsInvoked != 4 || rq.AsyncOpsPerformed != 1 {
		t.Errorf("proposed async ops = (%d, %d), want (4, 1)", rq.AsyncOpsInvoked, rq.AsyncOpsPerformed)
	}

	ac := pdu.AssociateAC{
		CalledAETitle:     "TEST_SCP",
		CallingAETitle:    "TEST_SCU",
		MaxPDULength:      16384,
		AsyncOpsInvoked:   2,
		AsyncOpsPerformed: 1,
		PresentationContexts: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		},
	}
	if _, err := server.Write(pdu.EncodeAssociateAC(ac)); err != nil {
		t.Fatalf("writing A-ASSOCIATE-AC: %v", err)
	}

	<-done
	if assocErr != nil {
		t.Fatalf("Associate returned error: %v", assocErr)
	}
	if got := assocResult.AsyncOpsInvoked(); got != 2 {
		t.Errorf("AsyncOpsInvoked() = %d, want 2", got)
	}
	if got := assocResult.AsyncOpsPerformed(); got != 1 {
		t.Errorf("AsyncOpsPerformed() = %d, want 1", got)
	}
}

func TestAssociateDefaultsAsyncOpsWindowWhenNotNegotiated(t *testing.T) {
	dialer, server := pipeDialer()
	defer server.Close()

	done := make(chan struct{})
	var assocResult *Association
	go func() {
		assocResult, _ = Associate(context.Background(), dialer, "scp.example:104", testParams())
		close(done)
	}()

	readHeader(t, server)
	ac := pdu.AssociateAC{
		CalledAETitle:  "TEST_SCP",
		CallingAETitle: "TEST_SCU",
		MaxPDULength:   16384,
		PresentationContexts: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		},
	}
	server.Write(pdu.EncodeAssociateAC(ac))
	<-done

	if got := assocResult.AsyncOpsInvoked(); got != 1 {
		t.Errorf("AsyncOpsInvoked() = %d, want 1 (no pipelining negotiated)", got)
	}
	if got := assocResult.AsyncOpsPerformed(); got != 1 {
		t.Errorf("AsyncOpsPerformed() = %d, want 1", got)
	}
}

func TestAssociateRejected(t *testing.T) {
	dialer, server := pipeDialer()
	defer server.Close()

	done := make(chan struct{})
	var assocErr error

	go func() {
		_, assocErr = Associate(context.Background(), dialer, "scp.example:104", testParams())
		close(done)
	}()

	readHeader(t, server)
	rj := pdu.AssociateRJ{Result: 0x01, Source: 0x01, Reason: 0x07}
	server.Write(pdu.EncodeAssociateRJ(rj))

	<-done
	if assocErr == nil {
		t.Fatal("expected rejection error")
	}
}

func TestReleaseLifecycle(t *testing.T) {
	dialer, server := pipeDialer()
	defer server.Close()

	assocCh := make(chan *Association, 1)
	go func() {
		a, err := Associate(context.Background(), dialer, "scp.example:104", testParams())
		if err != nil {
			t.Errorf("Associate: %v", err)
			return
		}
		assocCh <- a
	}()

	readHeader(t, server)
	ac := pdu.AssociateAC{
		CalledAETitle:  "TEST_SCP",
		CallingAETitle: "TEST_SCU",
		MaxPDULength:   16384,
		PresentationContexts: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		},
	}
	server.Write(pdu.EncodeAssociateAC(ac))
	a := <-assocCh

	releaseDone := make(chan error, 1)
	go func() { releaseDone <- a.Release() }()

	pduType, _ := readHeader(t, server)
	if pduType != 0x05 {
		t.Fatalf("got PDU type 0x%02x, want A-RELEASE-RQ", pduType)
	}
	server.Write(pdu.EncodeReleaseRP())

	if err := <-releaseDone; err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.State() != Closed {
		t.Fatalf("state = %v, want Closed", a.State())
	}
}
