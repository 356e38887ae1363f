// Package soap submits signed fiscal payloads to the government web
// services over mutually authenticated TLS and hands back the raw response
// for reconciliation.
package soap

import (
	"fmt"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

// Operation selects one authority web service method.
type Operation int

const (
	// State authority (goods invoices).
	OpAuthorize Operation = iota
	OpQueryReceipt
	OpQueryProtocol
	OpEvent

	// Municipal authority (service invoices).
	OpSendLot
	OpTestSendLot
	OpQueryLot
	OpQueryInvoice
	OpCancelInvoice
)

func (o Operation) String() string {
	switch o {
	case OpAuthorize:
		return "authorize"
	case OpQueryReceipt:
		return "queryReceipt"
	case OpQueryProtocol:
		return "queryProtocol"
	case OpEvent:
		return "event"
	case OpSendLot:
		return "sendLot"
	case OpTestSendLot:
		return "testSendLot"
	case OpQueryLot:
		return "queryLot"
	case OpQueryInvoice:
		return "queryInvoice"
	case OpCancelInvoice:
		return "cancelInvoice"
	}
	return "unknown"
}

// Municipal reports whether the operation targets the municipal lot
// service instead of the state authority.
func (o Operation) Municipal() bool { return o >= OpSendLot }

// Endpoint binds an operation to its URL and SOAP dispatch metadata.
type Endpoint struct {
	URL string

	// Action is the SOAPAction header (municipal, SOAP 1.1) or the wsdl
	// namespace of the body element (state, SOAP 1.2).
	Action string

	// RequestTag wraps the escaped payload on the municipal service.
	RequestTag string
}

const (
	stateProdBase     = "https://nfe.fazenda.sp.gov.br/ws"
	stateHomologBase  = "https://homologacao.nfe.fazenda.sp.gov.br/ws"
	cityProdLot       = "https://nfe.prefeitura.sp.gov.br/ws/lotenfe.asmx"
	cityHomologLot    = "https://nfeh.prefeitura.sp.gov.br/ws/lotenfe.asmx"
	cityActionPrefix  = "http://www.prefeitura.sp.gov.br/nfe/ws/"
	stateWsdlPrefix   = "http://www.portalfiscal.inf.br/nfe/wsdl/"
)

type stateService struct {
	path, wsdl string
}

var stateServices = map[Operation]stateService{
	OpAuthorize:     {"/nfeautorizacao4.asmx", "NFeAutorizacao4"},
	OpQueryReceipt:  {"/nferetautorizacao4.asmx", "NFeRetAutorizacao4"},
	OpQueryProtocol: {"/nfeconsultaprotocolo4.asmx", "NFeConsultaProtocolo4"},
	OpEvent:         {"/nferecepcaoevento4.asmx", "NFeRecepcaoEvento4"},
}

type cityService struct {
	action, requestTag string
}

var cityServices = map[Operation]cityService{
	OpSendLot:       {"envioLoteRPS", "EnvioLoteRPSRequest"},
	OpTestSendLot:   {"testeEnvioLoteRPS", "TesteEnvioLoteRPSRequest"},
	OpQueryLot:      {"consultaLote", "ConsultaLoteRequest"},
	OpQueryInvoice:  {"consultaNFe", "ConsultaNFeRequest"},
	OpCancelInvoice: {"cancelamentoNFe", "CancelamentoNFeRequest"},
}

// EndpointFor resolves the URL and dispatch metadata for one operation in
// one environment.
func EndpointFor(env fiscal.Environment, op Operation) (Endpoint, error) {
	if op.Municipal() {
		svc, ok := cityServices[op]
		if !ok {
			return Endpoint{}, fmt.Errorf("no endpoint for operation %s", op)
		}
		url := cityProdLot
		if env == fiscal.Homologation {
			url = cityHomologLot
		}
		return Endpoint{URL: url, Action: cityActionPrefix + svc.action, RequestTag: svc.requestTag}, nil
	}

	svc, ok := stateServices[op]
	if !ok {
		return Endpoint{}, fmt.Errorf("no endpoint for operation %s", op)
	}
	base := stateProdBase
	if env == fiscal.Homologation {
		base = stateHomologBase
	}
	return Endpoint{URL: base + svc.path, Action: stateWsdlPrefix + svc.wsdl}, nil
}

// trustedHosts are the only hosts for which the certificate bundle chain
// may serve as fallback trust anchors. Government intermediates are
// sometimes absent from stock system pools; an arbitrary host never gets
// that benefit.
var trustedHosts = map[string]bool{
	"nfe.fazenda.sp.gov.br":              true,
	"homologacao.nfe.fazenda.sp.gov.br":  true,
	"nfe.prefeitura.sp.gov.br":           true,
	"nfeh.prefeitura.sp.gov.br":          true,
}

func trustedHost(host string) bool { return trustedHosts[host] }
