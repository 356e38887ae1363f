package nfse

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/model"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

var logger = logrus.WithField("component", "fiscal.nfse")

const serviceCodeWidth = 5

// Builder maps caller input into a signed provisional service receipt.
type Builder struct {
	Issuer model.IssuerProfile
	Env    fiscal.Environment

	// Series of the receipt numbering, e.g. "A". Defaults to "1".
	Series string

	// TaxRegime is the one-character municipal regime flag; 'T' (taxed
	// inside the municipality) unless configured otherwise.
	TaxRegime byte

	Now func() time.Time
}

func NewBuilder(issuer model.IssuerProfile, env fiscal.Environment) *Builder {
	return &Builder{Issuer: issuer, Env: env, Series: "1", TaxRegime: 'T', Now: time.Now}
}

// Build validates the request, assembles the receipt and signs it. The key
// is borrowed for this single call and not retained.
func (b *Builder) Build(req model.ServiceRequest, number int64, key *rsa.PrivateKey) (*RPS, error) {
	svc := req.Service

	if svc.GrossValue.Sign() <= 0 {
		return nil, &fiscal.ValidationError{Field: "service.grossValue", Message: "gross value must be positive"}
	}
	if svc.Deductions.Sign() < 0 || svc.Deductions.GreaterThan(svc.GrossValue) {
		return nil, &fiscal.ValidationError{Field: "service.deductions", Message: "deductions must be between zero and the gross value"}
	}

	code := util.PadLeftZeros(util.OnlyDigits(svc.Code), serviceCodeWidth)
	if len(code) != serviceCodeWidth {
		return nil, &fiscal.ValidationError{Field: "service.code", Message: fmt.Sprintf("must fit %d digits, got %q", serviceCodeWidth, svc.Code)}
	}
	if util.SignificantDigits(code) < 2 {
		return nil, &fiscal.ValidationError{Field: "service.code", Message: fmt.Sprintf("code %q has fewer than 2 significant digits", svc.Code)}
	}

	kind, taxID, err := recipientID(req.Recipient)
	if err != nil {
		return nil, err
	}

	loc, err := b.location()
	if err != nil {
		return nil, err
	}
	issued := b.Now().In(loc)

	sig := SignaturePayload{
		MunicipalRegistration: b.Issuer.MunicipalRegistration,
		Series:                b.Series,
		Number:                number,
		Issued:                issued,
		TaxRegime:             b.TaxRegime,
		Status:                'N',
		TaxWithheld:           svc.TaxWithheld,
		GrossValue:            svc.GrossValue,
		Deductions:            svc.Deductions,
		ServiceCode:           code,
		RecipientIDKind:       kind,
		RecipientTaxID:        taxID,
	}

	signed, err := sig.Sign(key)
	if err != nil {
		return nil, err
	}

	name := util.FoldASCII(req.Recipient.Name)
	if b.Env == fiscal.Homologation {
		name = fiscal.HomologationRecipientName
	}

	withheld := "false"
	if svc.TaxWithheld {
		withheld = "true"
	}

	rps := &RPS{
		Assinatura:    signed,
		ChaveRPS:      ReceiptKey(b.Issuer.MunicipalRegistration, b.Series, number),
		TipoRPS:       "RPS",
		DataEmissao:   issued.Format("2006-01-02"),
		StatusRPS:     "N",
		TributacaoRPS: string(b.TaxRegime),
		ValorServicos: util.Amount(svc.GrossValue),
		ValorDeducoes: util.Amount(svc.Deductions),
		CodigoServico: code,
		Aliquota:      svc.TaxRate.String(),
		ISSRetido:     withheld,
		RazaoSocial:   name,
		Email:         req.Recipient.Email,
		Discriminacao: util.FoldASCII(svc.Description),
	}

	if kind == '2' {
		rps.Tomador.CNPJ = taxID
	} else if kind == '1' {
		rps.Tomador.CPF = taxID[3:] // stored zero-padded to 14, CPF field takes 11
	}

	logger.WithFields(logrus.Fields{
		"series": b.Series,
		"number": number,
	}).Debug("service receipt built")

	return rps, nil
}

func (b *Builder) location() (*time.Location, error) {
	tz := b.Issuer.TimeZone
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &fiscal.ValidationError{Field: "issuer.timeZone", Message: fmt.Sprintf("unknown zone %q", tz)}
	}
	return loc, nil
}

func recipientID(r model.RecipientProfile) (byte, string, error) {
	id := util.OnlyDigits(r.TaxID)
	if id == "" {
		return '3', util.PadLeftZeros("", 14), nil
	}

	if r.Organization {
		id = util.PadLeftZeros(id, 14)
		if len(id) != 14 {
			return 0, "", &fiscal.ValidationError{Field: "recipient.taxID", Message: fmt.Sprintf("organization tax ID must have 14 digits, got %d", len(id))}
		}
		return '2', id, nil
	}

	if len(id) > 11 {
		return 0, "", &fiscal.ValidationError{Field: "recipient.taxID", Message: fmt.Sprintf("person tax ID must have 11 digits, got %d", len(id))}
	}
	return '1', util.PadLeftZeros(id, 14), nil
}
