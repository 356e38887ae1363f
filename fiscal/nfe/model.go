// Package nfe builds, signs and reconciles goods invoices filed with the
// state tax authority.
package nfe

import "encoding/xml"

const (
	// Namespace of every document and response exchanged with the state
	// authority.
	Namespace = "http://www.portalfiscal.inf.br/nfe"

	// LayoutVersion of the authorization web services.
	LayoutVersion = "4.00"

	// ModelGoods is the regular goods invoice, ModelConsumer the
	// consumer-facing variant that carries a QR code.
	ModelGoods    = "55"
	ModelConsumer = "65"

	// EmissionNormal is the tpEmis flag for regular online emission.
	EmissionNormal = "1"
)

// Document is the root element transmitted inside the authorization lot.
type Document struct {
	XMLName xml.Name `xml:"NFe"`
	Xmlns   string   `xml:"xmlns,attr"`
	Inf     InfNFe   `xml:"infNFe"`
}

// InfNFe is the signed node; its Id attribute is "NFe" + access key.
type InfNFe struct {
	ID      string `xml:"Id,attr"`
	Version string `xml:"versao,attr"`
	Ide     Ide    `xml:"ide"`
	Emit    Emit   `xml:"emit"`
	Dest    Dest   `xml:"dest"`
	Det     []Det  `xml:"det"`
	Total   Total  `xml:"total"`
	Transp  Transp `xml:"transp"`
	InfAdic *InfAdic `xml:"infAdic,omitempty"`
}

type Ide struct {
	CUF      string `xml:"cUF"`
	CNF      string `xml:"cNF"`
	NatOp    string `xml:"natOp"`
	Mod      string `xml:"mod"`
	Serie    string `xml:"serie"`
	NNF      string `xml:"nNF"`
	DhEmi    string `xml:"dhEmi"`
	TpNF     string `xml:"tpNF"`
	IdDest   string `xml:"idDest"`
	CMunFG   string `xml:"cMunFG"`
	TpImp    string `xml:"tpImp"`
	TpEmis   string `xml:"tpEmis"`
	CDV      string `xml:"cDV"`
	TpAmb    string `xml:"tpAmb"`
	FinNFe   string `xml:"finNFe"`
	IndFinal string `xml:"indFinal"`
	IndPres  string `xml:"indPres"`
	ProcEmi  string `xml:"procEmi"`
	VerProc  string `xml:"verProc"`
}

type Emit struct {
	CNPJ      string   `xml:"CNPJ"`
	XNome     string   `xml:"xNome"`
	EnderEmit Endereco `xml:"enderEmit"`
	IE        string   `xml:"IE"`
	CRT       string   `xml:"CRT"`
}

type Dest struct {
	CNPJ      string    `xml:"CNPJ,omitempty"`
	CPF       string    `xml:"CPF,omitempty"`
	XNome     string    `xml:"xNome"`
	EnderDest *Endereco `xml:"enderDest,omitempty"`
	IndIEDest string    `xml:"indIEDest"`
	IE        string    `xml:"IE,omitempty"`
}

type Endereco struct {
	XLgr    string `xml:"xLgr"`
	Nro     string `xml:"nro"`
	XCpl    string `xml:"xCpl,omitempty"`
	XBairro string `xml:"xBairro"`
	CMun    string `xml:"cMun"`
	XMun    string `xml:"xMun"`
	UF      string `xml:"UF"`
	CEP     string `xml:"CEP"`
}

type Det struct {
	NItem string `xml:"nItem,attr"`
	Prod  Prod   `xml:"prod"`
}

type Prod struct {
	CProd  string `xml:"cProd"`
	XProd  string `xml:"xProd"`
	NCM    string `xml:"NCM"`
	CFOP   string `xml:"CFOP"`
	UCom   string `xml:"uCom"`
	QCom   string `xml:"qCom"`
	VUnCom string `xml:"vUnCom"`
	VProd  string `xml:"vProd"`
}

type Total struct {
	ICMSTot ICMSTot `xml:"ICMSTot"`
}

type ICMSTot struct {
	VBC   string `xml:"vBC"`
	VICMS string `xml:"vICMS"`
	VProd string `xml:"vProd"`
	VDesc string `xml:"vDesc"`
	VNF   string `xml:"vNF"`
}

type Transp struct {
	ModFrete string `xml:"modFrete"`
}

type InfAdic struct {
	InfCpl string `xml:"infCpl,omitempty"`
}

// ---- responses ----

// RetEnviNFe is the authorization response. The lot-level cStat is not
// authoritative for the document: only the nested protNFe block is.
type RetEnviNFe struct {
	XMLName xml.Name `xml:"retEnviNFe"`
	TpAmb   string   `xml:"tpAmb"`
	CStat   string   `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	InfRec  *InfRec  `xml:"infRec"`
	ProtNFe *ProtNFe `xml:"protNFe"`
}

// InfRec carries the receipt number of an asynchronous lot.
type InfRec struct {
	NRec string `xml:"nRec"`
	TMed string `xml:"tMed"`
}

type ProtNFe struct {
	InfProt InfProt `xml:"infProt"`
}

type InfProt struct {
	ChNFe    string `xml:"chNFe"`
	DhRecbto string `xml:"dhRecbto"`
	NProt    string `xml:"nProt"`
	DigVal   string `xml:"digVal"`
	CStat    string `xml:"cStat"`
	XMotivo  string `xml:"xMotivo"`
}

// RetConsReciNFe answers a lot-receipt query.
type RetConsReciNFe struct {
	XMLName xml.Name  `xml:"retConsReciNFe"`
	CStat   string    `xml:"cStat"`
	XMotivo string    `xml:"xMotivo"`
	NRec    string    `xml:"nRec"`
	ProtNFe []ProtNFe `xml:"protNFe"`
}

// RetConsSitNFe answers a per-document protocol query.
type RetConsSitNFe struct {
	XMLName xml.Name `xml:"retConsSitNFe"`
	CStat   string   `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	ChNFe   string   `xml:"chNFe"`
	ProtNFe *ProtNFe `xml:"protNFe"`
}

// RetEnvEvento answers an event submission (cancellation).
type RetEnvEvento struct {
	XMLName   xml.Name    `xml:"retEnvEvento"`
	CStat     string      `xml:"cStat"`
	XMotivo   string      `xml:"xMotivo"`
	RetEvento []RetEvento `xml:"retEvento"`
}

type RetEvento struct {
	InfEvento RetInfEvento `xml:"infEvento"`
}

type RetInfEvento struct {
	TpEvento string `xml:"tpEvento"`
	ChNFe    string `xml:"chNFe"`
	CStat    string `xml:"cStat"`
	XMotivo  string `xml:"xMotivo"`
	NProt    string `xml:"nProt"`
}
