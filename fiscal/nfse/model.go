// Package nfse builds, signs and reconciles service invoices filed with
// the municipal authority. Documents are submitted as provisional service
// receipts (RPS) and become invoices when the municipality confirms them
// with a verification code.
package nfse

import "encoding/xml"

// Namespace of the municipal lot web service.
const Namespace = "http://www.prefeitura.sp.gov.br/nfe"

// RPS is one provisional service receipt inside a lot.
type RPS struct {
	XMLName       xml.Name `xml:"RPS"`
	Assinatura    string   `xml:"Assinatura"`
	ChaveRPS      ChaveRPS `xml:"ChaveRPS"`
	TipoRPS       string   `xml:"TipoRPS"`
	DataEmissao   string   `xml:"DataEmissao"`
	StatusRPS     string   `xml:"StatusRPS"`
	TributacaoRPS string   `xml:"TributacaoRPS"`
	ValorServicos string   `xml:"ValorServicos"`
	ValorDeducoes string   `xml:"ValorDeducoes"`
	CodigoServico string   `xml:"CodigoServico"`
	Aliquota      string   `xml:"AliquotaServicos"`
	ISSRetido     string   `xml:"ISSRetido"`
	Tomador       Tomador  `xml:"CPFCNPJTomador"`
	RazaoSocial   string   `xml:"RazaoSocialTomador,omitempty"`
	Email         string   `xml:"EmailTomador,omitempty"`
	Discriminacao string   `xml:"Discriminacao"`
}

// ChaveRPS identifies a receipt: issuer municipal registration, series and
// sequence number.
type ChaveRPS struct {
	InscricaoPrestador string `xml:"InscricaoPrestador"`
	SerieRPS           string `xml:"SerieRPS"`
	NumeroRPS          string `xml:"NumeroRPS"`
}

// Tomador carries either a CNPJ or a CPF, never both.
type Tomador struct {
	CNPJ string `xml:"CNPJ,omitempty"`
	CPF  string `xml:"CPF,omitempty"`
}

// ---- requests ----

type PedidoEnvioLoteRPS struct {
	XMLName   xml.Name  `xml:"PedidoEnvioLoteRPS"`
	Xmlns     string    `xml:"xmlns,attr"`
	Cabecalho Cabecalho `xml:"Cabecalho"`
	RPS       []RPS     `xml:"RPS"`
}

// Cabecalho is the lot header with aggregate totals; the authority
// cross-checks them against the items.
type Cabecalho struct {
	Versao              string    `xml:"Versao,attr"`
	Remetente           Remetente `xml:"CPFCNPJRemetente"`
	Transacao           string    `xml:"transacao"`
	DtInicio            string    `xml:"dtInicio"`
	DtFim               string    `xml:"dtFim"`
	QtdRPS              int       `xml:"QtdRPS"`
	ValorTotalServicos  string    `xml:"ValorTotalServicos"`
	ValorTotalDeducoes  string    `xml:"ValorTotalDeducoes"`
}

type Remetente struct {
	CNPJ string `xml:"CNPJ"`
}

type PedidoConsultaNFe struct {
	XMLName   xml.Name       `xml:"PedidoConsultaNFe"`
	Xmlns     string         `xml:"xmlns,attr"`
	Cabecalho CabecalhoSimples `xml:"Cabecalho"`
	ChaveRPS  ChaveRPS       `xml:"Detalhe>ChaveRPS"`
}

type PedidoCancelamentoNFe struct {
	XMLName   xml.Name         `xml:"PedidoCancelamentoNFe"`
	Xmlns     string           `xml:"xmlns,attr"`
	Cabecalho CabecalhoCancel  `xml:"Cabecalho"`
	Detalhe   DetalheCancel    `xml:"Detalhe"`
}

type CabecalhoSimples struct {
	Versao    string    `xml:"Versao,attr"`
	Remetente Remetente `xml:"CPFCNPJRemetente"`
}

type CabecalhoCancel struct {
	Versao     string    `xml:"Versao,attr"`
	Remetente  Remetente `xml:"CPFCNPJRemetente"`
	Transacao  string    `xml:"transacao"`
}

type DetalheCancel struct {
	ChaveNFe       ChaveNFe `xml:"ChaveNFe"`
	AssinaturaCanc string   `xml:"AssinaturaCancelamento"`
}

// ---- responses ----

// ChaveNFe binds a confirmed invoice to its authority-issued number and
// verification code.
type ChaveNFe struct {
	InscricaoPrestador string `xml:"InscricaoPrestador"`
	NumeroNFe          string `xml:"NumeroNFe"`
	CodigoVerificacao  string `xml:"CodigoVerificacao,omitempty"`
}

// Erro is the explicit failure block; its presence is what signals failure.
type Erro struct {
	Codigo    string `xml:"Codigo"`
	Descricao string `xml:"Descricao"`
}

type CabecalhoRetorno struct {
	Sucesso    string `xml:"Sucesso"`
	NumeroLote string `xml:"NumeroLote,omitempty"`
}

type RetornoEnvioLoteRPS struct {
	XMLName    xml.Name      `xml:"RetornoEnvioLoteRPS"`
	Cabecalho  CabecalhoRetorno `xml:"Cabecalho"`
	ChaveNFes  []ChaveNFeRPS `xml:"ChaveNFeRPS"`
	Erros      []Erro        `xml:"Erro"`
	Alertas    []Erro        `xml:"Alerta"`
}

type ChaveNFeRPS struct {
	ChaveNFe ChaveNFe `xml:"ChaveNFe"`
	ChaveRPS ChaveRPS `xml:"ChaveRPS"`
}

type RetornoConsulta struct {
	XMLName   xml.Name         `xml:"RetornoConsulta"`
	Cabecalho CabecalhoRetorno `xml:"Cabecalho"`
	NFes      []NFeConsultada  `xml:"NFe"`
	Erros     []Erro           `xml:"Erro"`
}

type NFeConsultada struct {
	ChaveNFe  ChaveNFe `xml:"ChaveNFe"`
	StatusNFe string   `xml:"StatusNFe"` // N normal, C cancelled
}

type RetornoCancelamentoNFe struct {
	XMLName   xml.Name         `xml:"RetornoCancelamentoNFe"`
	Cabecalho CabecalhoRetorno `xml:"Cabecalho"`
	Erros     []Erro           `xml:"Erro"`
}
