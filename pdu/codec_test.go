package pdu

import (
	"bytes"
	"testing"
)

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := AssociateRQ{
		CalledAETitle:  "REMOTE_SCP",
		CallingAETitle: "LOCAL_SCU",
		PresentationContexts: []PresentationContextItem{
			{ID: 1, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}},
			{ID: 3, AbstractSyntax: "1.2.840.10008.5.1.4.1.2.2.1", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
		},
		MaxPDULength:              16384,
		ImplementationClassUID:    "1.2.840.10008.1.2.1",
		ImplementationVersionName: "TESTSUITE",
		AsyncOpsInvoked:           3,
		AsyncOpsPerformed:         1,
	}

	encoded := EncodeAssociateRQ(rq)

	pduType, length, err := DecodeHeader(encoded[:6])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if pduType != 0x01 {
		t.Fatalf("pduType = 0x%02x, want 0x01", pduType)
	}
	if int(length) != len(encoded)-6 {
		t.Fatalf("length = %d, want %d", length, len(encoded)-6)
	}

	decoded, err := DecodeAssociateRQ(encoded[6:])
	if err != nil {
		t.Fatalf("DecodeAssociateRQ: %v", err)
	}

	if decoded.CalledAETitle != rq.CalledAETitle {
		t.Errorf("CalledAETitle = %q, want %q", decoded.CalledAETitle, rq.CalledAETitle)
	}
	if decoded.CallingAETitle != rq.CallingAETitle {
		t.Errorf("CallingAETitle = %q, want %q", decoded.CallingAETitle, rq.CallingAETitle)
	}
	if decoded.MaxPDULength != rq.MaxPDULength {
		t.Errorf("MaxPDULength = %d, want %d", decoded.MaxPDULength, rq.MaxPDULength)
	}
	if decoded.AsyncOpsInvoked != rq.AsyncOpsInvoked || decoded.AsyncOpsPerformed != rq.AsyncOpsPerformed {
		t.Errorf("async ops = (%d, %d), want (%d, %d)", decoded.AsyncOpsInvoked, decoded.AsyncOpsPerformed,
			rq.AsyncOpsInvoked, rq.AsyncOpsPerformed)
	}
	if len(decoded.PresentationContexts) != len(rq.PresentationContexts) {
		t.Fatalf("got %d presentation contexts, want %d", len(decoded.PresentationContexts), len(rq.PresentationContexts))
	}
	for i, pc := range rq.PresentationContexts {
		got := decoded.PresentationContexts[i]
		if got.ID != pc.ID || got.AbstractSyntax != pc.AbstractSyntax {
			t.Errorf("presentation context %d = %+v, want %+v", i, got, pc)
		}
		if len(got.TransferSyntaxes) != len(pc.TransferSyntaxes) {
			t.Errorf("presentation context %d transfer syntaxes = %v, want %v", i, got.TransferSyntaxes, pc.TransferSyntaxes)
		}
	}

	reencoded := EncodeAssociateRQ(decoded)
	if !bytes.Equal(reencoded, encoded) {
		t.Error("decode(encode(rq)) did not re-encode identically")
	}
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := AssociateAC{
		CalledAETitle:     "REMOTE_SCP",
		CallingAETitle:    "LOCAL_SCU",
		MaxPDULength:      16384,
		AsyncOpsInvoked:   2,
		AsyncOpsPerformed: 2,
		PresentationContexts: []PresentationContextResult{
			{ID: 1, Result: ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2.1"},
			{ID: 3, Result: ResultRejectTransferSyntax},
		},
	}

	encoded := EncodeAssociateAC(ac)
	decoded, err := DecodeAssociateAC(encoded[6:])
	if err != nil {
		t.Fatalf("DecodeAssociateAC: %v", err)
	}

	if decoded.MaxPDULength != ac.MaxPDULength {
		t.Errorf("MaxPDULength = %d, want %d", decoded.MaxPDULength, ac.MaxPDULength)
	}
	if decoded.AsyncOpsInvoked != ac.AsyncOpsInvoked || decoded.AsyncOpsPerformed != ac.AsyncOpsPerformed {
		t.Errorf("async ops = (%d, %d), want (%d, %d)", decoded.AsyncOpsInvoked, decoded.AsyncOpsPerformed,
			ac.AsyncOpsInvoked, ac.AsyncOpsPerformed)
	}
	if len(decoded.PresentationContexts) != 2 {
		t.Fatalf("got %d presentation contexts, want 2", len(decoded.PresentationContexts))
	}
	if decoded.PresentationContexts[0].TransferSyntax != "1.2.840.10008.1.2.1" {
		t.Errorf("accepted transfer syntax = %q", decoded.PresentationContexts[0].TransferSyntax)
	}
	if decoded.PresentationContexts[1].Result != ResultRejectTransferSyntax {
		t.Errorf("rejected result = 0x%02x, want 0x%02x", decoded.PresentationContexts[1].Result, ResultRejectTransferSyntax)
	}
}

// TestAssociateRQOmitsAsyncOpsWhenUnset confirms a requestor that
// proposes no pipelining leaves the Asynchronous Operations Window
// Negotiation sub-item out of the wire encoding entirely, rather than
// writing a spurious 0/0.
func TestAssociateRQOmitsAsyncOpsWhenUnset(t *testing.T) {
	rq := AssociateRQ{
		CalledAETitle:  "REMOTE_SCP",
		CallingAETitle: "LOCAL_SCU",
		MaxPDULength:   16384,
	}
	encoded := EncodeAssociateRQ(rq)
	if bytes.Contains(encoded, []byte{0x53, 0x00, 0x00, 0x04}) {
		t.Error("async ops window sub-item present despite both fields being zero")
	}

	decoded, err := DecodeAssociateRQ(encoded[6:])
	if err != nil {
		t.Fatalf("DecodeAssociateRQ: %v", err)
	}
	if decoded.AsyncOpsInvoked != 0 || decoded.AsyncOpsPerformed != 0 {
		t.Errorf("async ops = (%d, %d), want (0, 0)", decoded.AsyncOpsInvoked, decoded.AsyncOpsPerformed)
	}
}

func TestAssociateRJRoundTrip(t *testing.T) {
	rj := AssociateRJ{Result: 0x01, Source: 0x01, Reason: 0x03}
	encoded := EncodeAssociateRJ(rj)

	decoded, err := DecodeAssociateRJ(encoded[6:])
	if err != nil {
		t.Fatalf("DecodeAssociateRJ: %v", err)
	}
	if decoded != rj {
		t.Errorf("decoded = %+v, want %+v", decoded, rj)
	}
}

func TestPDataTFRoundTripAndFragmentation(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)
	pdvs := FragmentPDVs(3, payload, false, true, 40) // small max_pdu_length forces multiple fragments

	if len(pdvs) < 2 {
		t.Fatalf("expected fragmentation into multiple PDVs, got %d", len(pdvs))
	}

	var reassembled []byte
	for i, pdv := range pdvs {
		if pdv.ContextID != 3 {
			t.Errorf("fragment %d context = %d, want 3", i, pdv.ContextID)
		}
		if pdv.IsCommand {
			t.Errorf("fragment %d should not be marked command", i)
		}
		isLastExpected := i == len(pdvs)-1
		if pdv.IsLast != isLastExpected {
			t.Errorf("fragment %d IsLast = %v, want %v", i, pdv.IsLast, isLastExpected)
		}
		reassembled = append(reassembled, pdv.Data...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled fragments did not reproduce original payload")
	}

	encoded := EncodePDataTF(PDataTF{PDVs: pdvs})
	decoded, err := DecodePDataTF(encoded[6:])
	if err != nil {
		t.Fatalf("DecodePDataTF: %v", err)
	}
	if len(decoded.PDVs) != len(pdvs) {
		t.Fatalf("decoded %d PDVs, want %d", len(decoded.PDVs), len(pdvs))
	}
	for i := range pdvs {
		if !bytes.Equal(decoded.PDVs[i].Data, pdvs[i].Data) {
			t.Errorf("PDV %d data mismatch after round trip", i)
		}
	}
}

func TestReleaseAndAbortRoundTrip(t *testing.T) {
	rq := EncodeReleaseRQ()
	if err := DecodeReleaseRQ(rq[6:]); err != nil {
		t.Errorf("DecodeReleaseRQ: %v", err)
	}

	rp := EncodeReleaseRP()
	if err := DecodeReleaseRP(rp[6:]); err != nil {
		t.Errorf("DecodeReleaseRP: %v", err)
	}

	abort := Abort{Source: AbortSourceServiceProvider, Reason: 0x01}
	encoded := EncodeAbort(abort)
	decoded, err := DecodeAbort(encoded[6:])
	if err != nil {
		t.Fatalf("DecodeAbort: %v", err)
	}
	if decoded != abort {
		t.Errorf("decoded = %+v, want %+v", decoded, abort)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x01, 0x00})
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
	if _, ok := err.(*MalformedPduError); !ok {
		t.Errorf("error type = %T, want *MalformedPduError", err)
	}
}
