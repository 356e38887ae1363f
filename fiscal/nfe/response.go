package nfe

import (
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
)

// Status is the reconciled, single-valued outcome of a response.
type Status int

const (
	// StatusProcessing is non-terminal: the document must be re-queried.
	StatusProcessing Status = iota
	StatusAuthorized
	StatusRejected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusProcessing:
		return "processing"
	case StatusAuthorized:
		return "authorized"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome carries the literal authority code and message alongside the
// reconciled status. Code and Message are never remapped.
type Outcome struct {
	Status   Status
	Code     string
	Message  string
	Protocol string
	Receipt  string
}

// authorizedCodes is the fixed allow-list of document-level success codes:
// 100 authorized, 150 authorized outside the regular deadline.
var authorizedCodes = map[string]bool{"100": true, "150": true}

// cancelledCodes: 135/155 event registered and bound, 101 cancellation
// homologated (protocol queries of already-cancelled documents).
var cancelledCodes = map[string]bool{"135": true, "155": true, "101": true}

// lot-level codes meaning "accepted, keep polling".
var processingLotCodes = map[string]bool{"103": true, "105": true}

// ExtractPayload locates the named element anywhere in a (possibly
// SOAP-wrapped) response and returns it serialized on its own.
func ExtractPayload(raw []byte, tag string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	el := doc.FindElement("//" + tag)
	if el == nil {
		return nil, fmt.Errorf("response has no <%s> element", tag)
	}

	out := etree.NewDocument()
	out.AddChild(el.Copy())
	return out.WriteToBytes()
}

// ParseAuthorization unwraps and decodes the authorization response.
func ParseAuthorization(raw []byte) (*RetEnviNFe, error) {
	payload, err := ExtractPayload(raw, "retEnviNFe")
	if err != nil {
		return nil, err
	}
	var ret RetEnviNFe
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode retEnviNFe: %w", err)
	}
	return &ret, nil
}

// ReconcileAuthorization resolves the two-level response. The nested
// document-level block is authoritative whenever present; a lot-level
// "accepted for processing" code never implies document authorization.
func ReconcileAuthorization(ret *RetEnviNFe) *Outcome {
	if ret.ProtNFe != nil {
		return reconcileProt(&ret.ProtNFe.InfProt)
	}

	// No document-level block. A receipt or a "processing" family code
	// keeps the document non-terminal.
	if ret.InfRec != nil {
		return &Outcome{
			Status:  StatusProcessing,
			Code:    ret.CStat,
			Message: ret.XMotivo,
			Receipt: ret.InfRec.NRec,
		}
	}
	if processingLotCodes[ret.CStat] || ret.CStat == "104" {
		// 104 "lot processed" without a document block is ambiguous;
		// treated as still processing, never as success.
		return &Outcome{Status: StatusProcessing, Code: ret.CStat, Message: ret.XMotivo}
	}

	return &Outcome{Status: StatusRejected, Code: ret.CStat, Message: ret.XMotivo}
}

// ParseReceiptQuery unwraps and decodes a lot-receipt query response.
func ParseReceiptQuery(raw []byte) (*RetConsReciNFe, error) {
	payload, err := ExtractPayload(raw, "retConsReciNFe")
	if err != nil {
		return nil, err
	}
	var ret RetConsReciNFe
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode retConsReciNFe: %w", err)
	}
	return &ret, nil
}

// ReconcileReceiptQuery resolves a receipt query for one access key.
func ReconcileReceiptQuery(ret *RetConsReciNFe, key AccessKey) *Outcome {
	for i := range ret.ProtNFe {
		p := &ret.ProtNFe[i].InfProt
		if p.ChNFe == string(key) {
			return reconcileProt(p)
		}
	}
	if processingLotCodes[ret.CStat] || ret.CStat == "104" {
		return &Outcome{Status: StatusProcessing, Code: ret.CStat, Message: ret.XMotivo}
	}
	// Any other lot code without a protocol for the key is a dead end,
	// e.g. 106 "lote nao localizado". Surface it verbatim.
	return &Outcome{Status: StatusRejected, Code: ret.CStat, Message: ret.XMotivo}
}

// ParseProtocolQuery unwraps and decodes a per-document situation query.
func ParseProtocolQuery(raw []byte) (*RetConsSitNFe, error) {
	payload, err := ExtractPayload(raw, "retConsSitNFe")
	if err != nil {
		return nil, err
	}
	var ret RetConsSitNFe
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode retConsSitNFe: %w", err)
	}
	return &ret, nil
}

// ReconcileProtocolQuery resolves a situation query.
func ReconcileProtocolQuery(ret *RetConsSitNFe) *Outcome {
	if cancelledCodes[ret.CStat] {
		out := &Outcome{Status: StatusCancelled, Code: ret.CStat, Message: ret.XMotivo}
		if ret.ProtNFe != nil {
			out.Protocol = ret.ProtNFe.InfProt.NProt
		}
		return out
	}
	if ret.ProtNFe != nil {
		return reconcileProt(&ret.ProtNFe.InfProt)
	}
	if authorizedCodes[ret.CStat] {
		// Top-level authorized code without the protocol block: accept,
		// per the fallback extraction order.
		return &Outcome{Status: StatusAuthorized, Code: ret.CStat, Message: ret.XMotivo}
	}
	return &Outcome{Status: StatusRejected, Code: ret.CStat, Message: ret.XMotivo}
}

// ParseEvent unwraps and decodes an event submission response.
func ParseEvent(raw []byte) (*RetEnvEvento, error) {
	payload, err := ExtractPayload(raw, "retEnvEvento")
	if err != nil {
		return nil, err
	}
	var ret RetEnvEvento
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode retEnvEvento: %w", err)
	}
	return &ret, nil
}

// ReconcileEvent resolves a cancellation submission: the per-event block is
// authoritative over the envelope code.
func ReconcileEvent(ret *RetEnvEvento, key AccessKey) *Outcome {
	for i := range ret.RetEvento {
		ev := &ret.RetEvento[i].InfEvento
		if ev.ChNFe != "" && ev.ChNFe != string(key) {
			continue
		}
		if cancelledCodes[ev.CStat] {
			return &Outcome{Status: StatusCancelled, Code: ev.CStat, Message: ev.XMotivo, Protocol: ev.NProt}
		}
		return &Outcome{Status: StatusRejected, Code: ev.CStat, Message: ev.XMotivo}
	}
	return &Outcome{Status: StatusRejected, Code: ret.CStat, Message: ret.XMotivo}
}

func reconcileProt(p *InfProt) *Outcome {
	out := &Outcome{Code: p.CStat, Message: p.XMotivo, Protocol: p.NProt}
	switch {
	case authorizedCodes[p.CStat]:
		out.Status = StatusAuthorized
	case cancelledCodes[p.CStat]:
		out.Status = StatusCancelled
	default:
		out.Status = StatusRejected
	}
	return out
}
