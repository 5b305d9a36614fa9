package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dicomassoc/dicomassoc/types"
)

// headerSize is the fixed 6-octet PDU header: 1 type, 1 reserved, 4
// big-endian length.
const headerSize = 6

// pdvHeaderSize is the fixed 6-octet PDV header within P-DATA-TF: 4
// length, 1 presentation context ID, 1 message control header.
const pdvHeaderSize = 6

// EncodeHeader builds the 6-octet PDU header for a payload of the
// given length.
func EncodeHeader(pduType byte, payloadLength uint32) []byte {
	header := make([]byte, headerSize)
	header[0] = pduType
	header[1] = 0x00
	binary.BigEndian.PutUint32(header[2:6], payloadLength)
	return header
}

// DecodeHeader parses the 6-octet PDU header, returning the PDU type
// and the length of the payload that follows.
func DecodeHeader(header []byte) (pduType byte, length uint32, err error) {
	if len(header) < headerSize {
		return 0, 0, newMalformed("PDU header truncated")
	}
	return header[0], binary.BigEndian.Uint32(header[2:6]), nil
}

// MalformedPduError is returned on truncated input, reserved-field
// violations, or an unknown PDU type. The association layer reacts by
// sending A-ABORT.
type MalformedPduError struct {
	Msg string
}

func (e *MalformedPduError) Error() string {
	return fmt.Sprintf("malformed PDU: %s", e.Msg)
}

func newMalformed(msg string) error {
	return &MalformedPduError{Msg: msg}
}

// PresentationContextItem is a proposed presentation context carried
// in an A-ASSOCIATE-RQ: one abstract syntax and an ordered list of
// transfer syntaxes the caller is willing to use.
type PresentationContextItem struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextResult is a negotiated presentation context as
// returned in an A-ASSOCIATE-AC: one accepted (or rejected) transfer
// syntax per context ID.
type PresentationContextResult struct {
	ID             byte
	Result         byte // 0x00 accept, 0x03/0x04 reject
	TransferSyntax string
}

// Presentation context acceptance results (PS3.8 Table 9-18).
const (
	ResultAcceptance           byte = 0x00
	ResultRejectAbstractSyntax byte = 0x03
	ResultRejectTransferSyntax byte = 0x04
)

// AssociateRQ is the decoded/encoded form of an A-ASSOCIATE-RQ PDU
// payload (everything after the 6-octet PDU header).
type AssociateRQ struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContext        string
	PresentationContexts      []PresentationContextItem
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	// AsyncOpsInvoked and AsyncOpsPerformed carry the Asynchronous
	// Operations Window Negotiation sub-item (PS3.7 Annex D.3.3.3).
	// Both zero omits the sub-item entirely, which per the standard
	// means the requestor proposes no pipelining (1 invoked, 1
	// performed).
	AsyncOpsInvoked   uint16
	AsyncOpsPerformed uint16
}

const defaultApplicationContext = "1.2.840.10008.3.1.1.1"

// EncodeAssociateRQ encodes an A-ASSOCIATE-RQ PDU, header included.
func EncodeAssociateRQ(rq AssociateRQ) []byte {
	appContext := rq.ApplicationContext
	if appContext == "" {
		appContext = defaultApplicationContext
	}

	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00) // reserved

	buf = append(buf, padAETitle(rq.CalledAETitle)...)
	buf = append(buf, padAETitle(rq.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...) // reserved

	buf = appendItem(buf, 0x10, []byte(appContext))

	for _, pc := range rq.PresentationContexts {
		buf = appendPresentationContextItem(buf, pc)
	}

	buf = appendUserInformation(buf, rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersionName,
		rq.AsyncOpsInvoked, rq.AsyncOpsPerformed)

	return append(EncodeHeader(types.TypeAssociateRQ, uint32(len(buf))), buf...)
}

func padAETitle(title string) []byte {
	out := make([]byte, 16)
	copy(out, title)
	for i := len(title); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendPresentationContextItem(buf []byte, pc PresentationContextItem) []byte {
	start := len(buf)
	buf = append(buf, 0x20, 0x00, 0x00, 0x00) // item type, reserved, length placeholder
	buf = append(buf, pc.ID, 0x00, 0x00, 0x00) // context ID + reserved

	buf = appendItem(buf, 0x30, []byte(pc.AbstractSyntax))
	for _, ts := range pc.TransferSyntaxes {
		buf = appendItem(buf, 0x40, []byte(ts))
	}

	length := len(buf) - start - 4
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(length))
	return buf
}

func appendUserInformation(buf []byte, maxPDULength uint32, implClassUID, implVersion string, asyncOpsInvoked, asyncOpsPerformed uint16) []byte {
	if implClassUID == "" {
		implClassUID = "1.2.840.10008.1.2.1"
	}
	if implVersion == "" {
		implVersion = "DICOMASSOC-1.0"
	}

	start := len(buf)
	buf = append(buf, 0x50, 0x00, 0x00, 0x00) // item type, reserved, length placeholder

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	buf = appendItem(buf, 0x51, maxLen)
	buf = appendItem(buf, 0x52, []byte(implClassUID))
	if asyncOpsInvoked != 0 || asyncOpsPerformed != 0 {
		asyncOps := make([]byte, 4)
		binary.BigEndian.PutUint16(asyncOps[0:2], asyncOpsInvoked)
		binary.BigEndian.PutUint16(asyncOps[2:4], asyncOpsPerformed)
		buf = appendItem(buf, 0x53, asyncOps)
	}
	buf = appendItem(buf, 0x55, []byte(implVersion))

	length := len(buf) - start - 4
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(length))
	return buf
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ PDU payload (the bytes
// following the PDU header).
func DecodeAssociateRQ(body []byte) (AssociateRQ, error) {
	var rq AssociateRQ
	if len(body) < 68 {
		return rq, newMalformed("A-ASSOCIATE-RQ shorter than fixed fields")
	}

	rq.CalledAETitle = strings.TrimRight(string(body[4:20]), " ")
	rq.CallingAETitle = strings.TrimRight(string(body[20:36]), " ")

	offset := 68
	for offset+4 <= len(body) {
		itemType := body[offset]
		itemLength := binary.BigEndian.Uint16(body[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(body) {
			return rq, newMalformed("item length exceeds A-ASSOCIATE-RQ payload")
		}
		item := body[offset+4 : itemEnd]

		switch itemType {
		case 0x10:
			rq.ApplicationContext = strings.TrimRight(string(item), "\x00 ")
		case 0x20:
			pc, err := decodePresentationContextItem(item)
			if err != nil {
				return rq, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case 0x50:
			userInfo, err := decodeUserInformation(item)
			if err != nil {
				return rq, err
			}
			rq.MaxPDULength = userInfo.maxPDULength
			rq.ImplementationClassUID = userInfo.implClassUID
			rq.ImplementationVersionName = userInfo.implVersion
			rq.AsyncOpsInvoked = userInfo.asyncOpsInvoked
			rq.AsyncOpsPerformed = userInfo.asyncOpsPerformed
		}

		offset = itemEnd
	}

	return rq, nil
}

func decodePresentationContextItem(data []byte) (PresentationContextItem, error) {
	var pc PresentationContextItem
	if len(data) < 4 {
		return pc, newMalformed("presentation context item truncated")
	}
	pc.ID = data[0]

	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(data) {
			return pc, newMalformed("presentation context sub-item exceeds bounds")
		}
		value := strings.TrimRight(string(data[offset+4:subEnd]), "\x00 ")

		switch subType {
		case 0x30:
			pc.AbstractSyntax = value
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}

		offset = subEnd
	}

	return pc, nil
}

// userInformation holds every User Information sub-item this codec
// understands: MaxPDULength, Implementation Class UID/Version Name,
// and the Asynchronous Operations Window Negotiation sub-item.
type userInformation struct {
	maxPDULength      uint32
	implClassUID      string
	implVersion       string
	asyncOpsInvoked   uint16
	asyncOpsPerformed uint16
}

func decodeUserInformation(data []byte) (userInformation, error) {
	var info userInformation
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(data) {
			return userInformation{}, newMalformed("user information sub-item exceeds bounds")
		}
		value := data[offset+4 : subEnd]

		switch subType {
		case 0x51:
			if len(value) >= 4 {
				info.maxPDULength = binary.BigEndian.Uint32(value)
			}
		case 0x52:
			info.implClassUID = strings.TrimRight(string(value), "\x00 ")
		case 0x53:
			if len(value) >= 4 {
				info.asyncOpsInvoked = binary.BigEndian.Uint16(value[0:2])
				info.asyncOpsPerformed = binary.BigEndian.Uint16(value[2:4])
			}
		case 0x55:
			info.implVersion = strings.TrimRight(string(value), "\x00 ")
		}

		offset = subEnd
	}
	return info, nil
}

// AssociateAC is the decoded/encoded form of an A-ASSOCIATE-AC PDU
// payload.
type AssociateAC struct {
	CalledAETitle        string
	CallingAETitle       string
	PresentationContexts []PresentationContextResult
	MaxPDULength         uint32
	// AsyncOpsInvoked and AsyncOpsPerformed are the acceptor's answer
	// to the requestor's Asynchronous Operations Window Negotiation,
	// per PS3.7 Annex D.3.3.3. Both zero means the acceptor did not
	// negotiate pipelining and the association is limited to 1/1.
	AsyncOpsInvoked   uint16
	AsyncOpsPerformed uint16
}

// EncodeAssociateAC encodes an A-ASSOCIATE-AC PDU, header included.
func EncodeAssociateAC(ac AssociateAC) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(ac.CalledAETitle)...)
	buf = append(buf, padAETitle(ac.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(defaultApplicationContext))

	for _, pc := range ac.PresentationContexts {
		buf = appendPresentationContextResultItem(buf, pc)
	}

	buf = appendUserInformation(buf, ac.MaxPDULength, "", "", ac.AsyncOpsInvoked, ac.AsyncOpsPerformed)

	return append(EncodeHeader(types.TypeAssociateAC, uint32(len(buf))), buf...)
}

func appendPresentationContextResultItem(buf []byte, pc PresentationContextResult) []byte {
	start := len(buf)
	buf = append(buf, 0x21, 0x00, 0x00, 0x00)
	buf = append(buf, pc.ID, 0x00, pc.Result, 0x00)

	if pc.Result == ResultAcceptance {
		buf = appendItem(buf, 0x40, []byte(pc.TransferSyntax))
	}

	length := len(buf) - start - 4
	binary.BigEndian.PutUint16(buf[start+2:start+4], uint16(length))
	return buf
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC PDU payload.
func DecodeAssociateAC(body []byte) (AssociateAC, error) {
	var ac AssociateAC
	if len(body) < 68 {
		return ac, newMalformed("A-ASSOCIATE-AC shorter than fixed fields")
	}

	ac.CalledAETitle = strings.TrimRight(string(body[4:20]), " ")
	ac.CallingAETitle = strings.TrimRight(string(body[20:36]), " ")

	offset := 68
	for offset+4 <= len(body) {
		itemType := body[offset]
		itemLength := binary.BigEndian.Uint16(body[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(body) {
			return ac, newMalformed("item length exceeds A-ASSOCIATE-AC payload")
		}
		item := body[offset+4 : itemEnd]

		switch itemType {
		case 0x21:
			if len(item) < 4 {
				return ac, newMalformed("presentation context result truncated")
			}
			pc := PresentationContextResult{ID: item[0], Result: item[2]}
			if pc.Result == ResultAcceptance {
				subOffset := 4
				for subOffset+4 <= len(item) {
					subType := item[subOffset]
					subLength := binary.BigEndian.Uint16(item[subOffset+2 : subOffset+4])
					subEnd := subOffset + 4 + int(subLength)
					if subEnd > len(item) {
						break
					}
					if subType == 0x40 {
						pc.TransferSyntax = strings.TrimRight(string(item[subOffset+4:subEnd]), "\x00 ")
					}
					subOffset = subEnd
				}
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case 0x50:
			userInfo, err := decodeUserInformation(item)
			if err != nil {
				return ac, err
			}
			ac.MaxPDULength = userInfo.maxPDULength
			ac.AsyncOpsInvoked = userInfo.asyncOpsInvoked
			ac.AsyncOpsPerformed = userInfo.asyncOpsPerformed
		}

		offset = itemEnd
	}

	return ac, nil
}

// AssociateRJ is the decoded/encoded form of an A-ASSOCIATE-RJ PDU
// payload: a fixed 4-octet body (result, source, reason + 1 reserved
// octet).
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// EncodeAssociateRJ encodes an A-ASSOCIATE-RJ PDU, header included.
func EncodeAssociateRJ(rj AssociateRJ) []byte {
	body := []byte{0x00, rj.Result, rj.Source, rj.Reason}
	return append(EncodeHeader(types.TypeAssociateRJ, uint32(len(body))), body...)
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ PDU payload.
func DecodeAssociateRJ(body []byte) (AssociateRJ, error) {
	if len(body) < 4 {
		return AssociateRJ{}, newMalformed("A-ASSOCIATE-RJ shorter than 4 octets")
	}
	return AssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

// PDV is one Presentation Data Value: a fragment of a command or data
// stream tied to one presentation context.
type PDV struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

// PDataTF is the decoded/encoded form of a P-DATA-TF PDU payload: one
// or more PDVs.
type PDataTF struct {
	PDVs []PDV
}

// EncodePDataTF encodes a P-DATA-TF PDU, header included. Callers
// must ensure the combined PDVs fit within the negotiated
// max_pdu_length; use FragmentPDVs to split a stream first.
func EncodePDataTF(pdtf PDataTF) []byte {
	body := make([]byte, 0, 256)
	for _, pdv := range pdtf.PDVs {
		body = appendPDV(body, pdv)
	}
	return append(EncodeHeader(types.TypePDataTF, uint32(len(body))), body...)
}

func appendPDV(buf []byte, pdv PDV) []byte {
	length := uint32(len(pdv.Data) + 2) // +2 for the PDV's own 2-octet header
	lengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBytes, length)
	buf = append(buf, lengthBytes...)
	buf = append(buf, pdv.ContextID)

	control := byte(0)
	if pdv.IsCommand {
		control |= 0x01
	}
	if pdv.IsLast {
		control |= 0x02
	}
	buf = append(buf, control)

	return append(buf, pdv.Data...)
}

// DecodePDataTF parses a P-DATA-TF PDU payload into its PDVs.
func DecodePDataTF(body []byte) (PDataTF, error) {
	var pdtf PDataTF
	offset := 0
	for offset < len(body) {
		if offset+pdvHeaderSize > len(body) {
			return pdtf, newMalformed("PDV header truncated")
		}
		pdvLength := binary.BigEndian.Uint32(body[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if end > len(body) || pdvLength < 2 {
			return pdtf, newMalformed("PDV length exceeds PDU payload")
		}

		control := body[offset+5]
		pdtf.PDVs = append(pdtf.PDVs, PDV{
			ContextID: body[offset+4],
			IsCommand: control&0x01 != 0,
			IsLast:    control&0x02 != 0,
			Data:      body[offset+6 : end],
		})

		offset = end
	}
	return pdtf, nil
}

// FragmentPDVs splits data into one or more PDVs no larger than fits
// within max_pdu_length (minus the 6-octet PDU header and 6-octet PDV
// header per fragment), tagging every fragment with contextID and
// isCommand, and setting IsLast only on the final fragment when
// isLast is true. Grounded in the fragmentation loop the donor
// codebase used for C-STORE payload writes.
func FragmentPDVs(contextID byte, data []byte, isCommand bool, isLast bool, maxPDULength uint32) []PDV {
	maxPDVData := int(maxPDULength) - headerSize - pdvHeaderSize
	if maxPDVData <= 0 {
		maxPDVData = 1
	}

	if len(data) == 0 {
		return []PDV{{ContextID: contextID, IsCommand: isCommand, IsLast: isLast, Data: nil}}
	}

	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		end := offset + maxPDVData
		lastFragment := false
		if end >= len(data) {
			end = len(data)
			lastFragment = true
		}
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			IsCommand: isCommand,
			IsLast:    lastFragment && isLast,
			Data:      data[offset:end],
		})
		offset = end
	}
	return pdvs
}

// ReleaseRQ/ReleaseRP bodies are a fixed 4 reserved octets.

// EncodeReleaseRQ encodes an A-RELEASE-RQ PDU, header included.
func EncodeReleaseRQ() []byte {
	return append(EncodeHeader(types.TypeReleaseRQ, 4), make([]byte, 4)...)
}

// DecodeReleaseRQ validates an A-RELEASE-RQ PDU payload.
func DecodeReleaseRQ(body []byte) error {
	if len(body) < 4 {
		return newMalformed("A-RELEASE-RQ shorter than 4 octets")
	}
	return nil
}

// EncodeReleaseRP encodes an A-RELEASE-RP PDU, header included.
func EncodeReleaseRP() []byte {
	return append(EncodeHeader(types.TypeReleaseRP, 4), make([]byte, 4)...)
}

// DecodeReleaseRP validates an A-RELEASE-RP PDU payload.
func DecodeReleaseRP(body []byte) error {
	if len(body) < 4 {
		return newMalformed("A-RELEASE-RP shorter than 4 octets")
	}
	return nil
}

// Abort is the decoded/encoded form of an A-ABORT PDU payload.
type Abort struct {
	Source byte
	Reason byte
}

// A-ABORT sources (PS3.8 Table 9-26).
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02
)

// EncodeAbort encodes an A-ABORT PDU, header included.
func EncodeAbort(a Abort) []byte {
	body := []byte{0x00, 0x00, a.Source, a.Reason}
	return append(EncodeHeader(types.TypeAbort, uint32(len(body))), body...)
}

// DecodeAbort parses an A-ABORT PDU payload.
func DecodeAbort(body []byte) (Abort, error) {
	if len(body) < 4 {
		return Abort{}, newMalformed("A-ABORT shorter than 4 octets")
	}
	return Abort{Source: body[2], Reason: body[3]}, nil
}
