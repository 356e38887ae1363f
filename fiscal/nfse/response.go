package nfse

import (
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
)

// Status mirrors the reconciled outcome of a municipal response.
type Status int

const (
	// StatusProcessing: the lot was accepted but no invoice number exists
	// yet. Non-terminal; the receipt must be re-queried.
	StatusProcessing Status = iota
	StatusConfirmed
	StatusRejected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusProcessing:
		return "processing"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome carries the literal error code/description when the authority
// reported one; both are surfaced verbatim.
type Outcome struct {
	Status           Status
	Code             string
	Message          string
	InvoiceNumber    string
	VerificationCode string
	LotNumber        string
}

// extract locates the named element in a possibly SOAP-wrapped response.
func extract(raw []byte, tag string) ([]byte, error) {
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

// ParseLotReturn unwraps and decodes the lot submission response. Some
// gateway layers return the inner XML escaped inside a result element;
// the extractor handles both shapes.
func ParseLotReturn(raw []byte) (*RetornoEnvioLoteRPS, error) {
	payload, err := extract(raw, "RetornoEnvioLoteRPS")
	if err != nil {
		return nil, err
	}
	var ret RetornoEnvioLoteRPS
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode RetornoEnvioLoteRPS: %w", err)
	}
	return &ret, nil
}

// ReconcileLotReturn resolves the lot response. An explicit error block is
// failure; a confirmed invoice number is success; a successful lot with no
// invoice number is asynchronous processing, never success.
func ReconcileLotReturn(ret *RetornoEnvioLoteRPS) *Outcome {
	if len(ret.Erros) > 0 {
		e := ret.Erros[0]
		return &Outcome{Status: StatusRejected, Code: e.Codigo, Message: e.Descricao}
	}

	if len(ret.ChaveNFes) > 0 {
		k := ret.ChaveNFes[0].ChaveNFe
		if k.NumeroNFe != "" {
			return &Outcome{
				Status:           StatusConfirmed,
				InvoiceNumber:    k.NumeroNFe,
				VerificationCode: k.CodigoVerificacao,
				LotNumber:        ret.Cabecalho.NumeroLote,
			}
		}
	}

	// No document number and no error: the municipality queued the lot.
	return &Outcome{Status: StatusProcessing, LotNumber: ret.Cabecalho.NumeroLote}
}

// ParseQueryReturn unwraps and decodes an invoice query response.
func ParseQueryReturn(raw []byte) (*RetornoConsulta, error) {
	payload, err := extract(raw, "RetornoConsulta")
	if err != nil {
		return nil, err
	}
	var ret RetornoConsulta
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode RetornoConsulta: %w", err)
	}
	return &ret, nil
}

// ReconcileQueryReturn resolves a receipt query.
func ReconcileQueryReturn(ret *RetornoConsulta) *Outcome {
	if len(ret.Erros) > 0 {
		e := ret.Erros[0]
		return &Outcome{Status: StatusRejected, Code: e.Codigo, Message: e.Descricao}
	}
	if len(ret.NFes) > 0 {
		n := ret.NFes[0]
		out := &Outcome{
			Status:           StatusConfirmed,
			InvoiceNumber:    n.ChaveNFe.NumeroNFe,
			VerificationCode: n.ChaveNFe.CodigoVerificacao,
		}
		if n.StatusNFe == "C" {
			out.Status = StatusCancelled
		}
		return out
	}
	return &Outcome{Status: StatusProcessing}
}

// ParseCancelReturn unwraps and decodes a cancellation response.
func ParseCancelReturn(raw []byte) (*RetornoCancelamentoNFe, error) {
	payload, err := extract(raw, "RetornoCancelamentoNFe")
	if err != nil {
		return nil, err
	}
	var ret RetornoCancelamentoNFe
	if err := xml.Unmarshal(payload, &ret); err != nil {
		return nil, fmt.Errorf("decode RetornoCancelamentoNFe: %w", err)
	}
	return &ret, nil
}

// ReconcileCancelReturn resolves a cancellation: absence of an error block
// plus an affirmative header is what signals the invoice was cancelled.
func ReconcileCancelReturn(ret *RetornoCancelamentoNFe) *Outcome {
	if len(ret.Erros) > 0 {
		e := ret.Erros[0]
		return &Outcome{Status: StatusRejected, Code: e.Codigo, Message: e.Descricao}
	}
	if ret.Cabecalho.Sucesso == "true" {
		return &Outcome{Status: StatusCancelled}
	}
	return &Outcome{Status: StatusProcessing}
}
