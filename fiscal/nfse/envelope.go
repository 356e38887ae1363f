package nfse

import (
	"crypto/rsa"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

// BuildLot wraps the receipts into the lot envelope. Aggregate totals and
// the emission date range are computed from the items, never supplied by
// the caller. One-receipt lots are the default and need no coordination.
func BuildLot(issuerTaxID string, receipts []*RPS) ([]byte, error) {
	if len(receipts) == 0 {
		return nil, &fiscal.ValidationError{Field: "receipts", Message: "lot has no receipts"}
	}

	cnpj := util.PadLeftZeros(util.OnlyDigits(issuerTaxID), 14)
	if len(cnpj) != 14 {
		return nil, &fiscal.ValidationError{Field: "issuerTaxID", Message: fmt.Sprintf("must have 14 digits, got %q", issuerTaxID)}
	}

	totalServices := decimal.Zero
	totalDeductions := decimal.Zero
	var first, last string

	items := make([]RPS, 0, len(receipts))
	for i, r := range receipts {
		v, err := decimal.NewFromString(r.ValorServicos)
		if err != nil {
			return nil, fmt.Errorf("receipt %d has malformed service value %q: %w", i, r.ValorServicos, err)
		}
		d, err := decimal.NewFromString(r.ValorDeducoes)
		if err != nil {
			return nil, fmt.Errorf("receipt %d has malformed deduction value %q: %w", i, r.ValorDeducoes, err)
		}
		totalServices = totalServices.Add(v)
		totalDeductions = totalDeductions.Add(d)

		if first == "" || r.DataEmissao < first {
			first = r.DataEmissao
		}
		if r.DataEmissao > last {
			last = r.DataEmissao
		}
		items = append(items, *r)
	}

	lot := PedidoEnvioLoteRPS{
		Xmlns: Namespace,
		Cabecalho: Cabecalho{
			Versao:             "1",
			Remetente:          Remetente{CNPJ: cnpj},
			Transacao:          "true",
			DtInicio:           first,
			DtFim:              last,
			QtdRPS:             len(items),
			ValorTotalServicos: util.Amount(totalServices),
			ValorTotalDeducoes: util.Amount(totalDeductions),
		},
		RPS: items,
	}

	return xml.Marshal(lot)
}

// ReceiptKey identifies one receipt the way the authority stores it: the
// municipal registration reduced to digits and padded to eight positions.
// Submission and query must derive the key identically or a query can
// never find the receipt it asks about.
func ReceiptKey(municipalRegistration, series string, number int64) ChaveRPS {
	return ChaveRPS{
		InscricaoPrestador: util.PadLeftZeros(util.OnlyDigits(municipalRegistration), 8),
		SerieRPS:           series,
		NumeroRPS:          fmt.Sprintf("%d", number),
	}
}

// BuildQuery asks for the invoice bound to one receipt.
func BuildQuery(issuerTaxID string, key ChaveRPS) ([]byte, error) {
	cnpj := util.PadLeftZeros(util.OnlyDigits(issuerTaxID), 14)
	req := PedidoConsultaNFe{
		Xmlns:     Namespace,
		Cabecalho: CabecalhoSimples{Versao: "1", Remetente: Remetente{CNPJ: cnpj}},
		ChaveRPS:  key,
	}
	return xml.Marshal(req)
}

// BuildCancel assembles the cancellation request, signing the short
// registration+number string with the issuer key.
func BuildCancel(issuerTaxID, municipalRegistration string, invoiceNumber int64, key *rsa.PrivateKey) ([]byte, error) {
	sig, err := SignCancellation(municipalRegistration, invoiceNumber, key)
	if err != nil {
		return nil, err
	}

	cnpj := util.PadLeftZeros(util.OnlyDigits(issuerTaxID), 14)
	req := PedidoCancelamentoNFe{
		Xmlns: Namespace,
		Cabecalho: CabecalhoCancel{
			Versao:    "1",
			Remetente: Remetente{CNPJ: cnpj},
			Transacao: "true",
		},
		Detalhe: DetalheCancel{
			ChaveNFe: ChaveNFe{
				InscricaoPrestador: util.PadLeftZeros(util.OnlyDigits(municipalRegistration), 8),
				NumeroNFe:          fmt.Sprintf("%d", invoiceNumber),
			},
			AssinaturaCanc: sig,
		},
	}
	return xml.Marshal(req)
}

// LotReference derives a deterministic, caller-visible identifier for the
// submission, from the instant it was assembled.
func LotReference(t time.Time) string {
	return t.Format("20060102150405")
}
