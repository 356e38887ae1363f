package nfe

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/model"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

var logger = logrus.WithField("component", "fiscal.nfe")

const (
	ncmWidth     = 8
	versionStamp = "go-fiscal-client 1.0"
)

// Builder maps caller input into the canonical goods-invoice document.
type Builder struct {
	Issuer model.IssuerProfile
	Env    fiscal.Environment

	// Model is ModelGoods unless the caller emits consumer invoices.
	Model string

	// Now is replaceable in tests. The returned instant is converted to
	// the issuer's zone before the calendar date enters the access key.
	Now func() time.Time
}

func NewBuilder(issuer model.IssuerProfile, env fiscal.Environment) *Builder {
	return &Builder{Issuer: issuer, Env: env, Model: ModelGoods, Now: time.Now}
}

// Build produces the document for the given series/number plus its access
// key. It fails with ValidationError before anything is signed or sent.
func (b *Builder) Build(req model.GoodsRequest, series int, number int64) (*Document, AccessKey, error) {
	if len(req.Items) == 0 {
		return nil, "", &fiscal.ValidationError{Field: "items", Message: "document has no line items"}
	}

	loc, err := b.location()
	if err != nil {
		return nil, "", err
	}
	issued := b.Now().In(loc)

	control, err := NewControlNumber()
	if err != nil {
		return nil, "", fmt.Errorf("access key control number: %w", err)
	}

	issuerID := util.PadLeftZeros(util.OnlyDigits(b.Issuer.TaxID), 14)
	key, err := BuildAccessKey(b.Issuer.StateCode, issued, issuerID, b.Model, series, number, EmissionNormal, control)
	if err != nil {
		return nil, "", err
	}

	dest, err := buildDest(req.Recipient, b.Env)
	if err != nil {
		return nil, "", err
	}

	items, totals, err := buildItems(req.Items)
	if err != nil {
		return nil, "", err
	}

	natOp := req.OperationNature
	if natOp == "" {
		natOp = "VENDA"
	}

	doc := &Document{
		Xmlns: Namespace,
		Inf: InfNFe{
			ID:      "NFe" + string(key),
			Version: LayoutVersion,
			Ide: Ide{
				CUF:      util.OnlyDigits(b.Issuer.StateCode),
				CNF:      fmt.Sprintf("%08d", control),
				NatOp:    util.FoldASCII(natOp),
				Mod:      b.Model,
				Serie:    fmt.Sprintf("%d", series),
				NNF:      fmt.Sprintf("%d", number),
				DhEmi:    issued.Format("2006-01-02T15:04:05-07:00"),
				TpNF:     "1",
				IdDest:   "1",
				CMunFG:   b.Issuer.CityCode,
				TpImp:    "1",
				TpEmis:   EmissionNormal,
				CDV:      string(key[len(key)-1]),
				TpAmb:    b.Env.Code(),
				FinNFe:   "1",
				IndFinal: "1",
				IndPres:  "9",
				ProcEmi:  "0",
				VerProc:  versionStamp,
			},
			Emit: Emit{
				CNPJ:      issuerID,
				XNome:     util.FoldASCII(b.Issuer.LegalName),
				EnderEmit: buildEndereco(b.Issuer.Address),
				IE:        util.OnlyDigits(b.Issuer.StateRegistration),
				CRT:       b.Issuer.TaxRegimeCode,
			},
			Dest:   *dest,
			Det:    items,
			Total:  totals,
			Transp: Transp{ModFrete: "9"},
		},
	}

	if req.Notes != "" {
		doc.Inf.InfAdic = &InfAdic{InfCpl: util.FoldASCII(req.Notes)}
	}

	logger.WithFields(logrus.Fields{
		"key":    string(key),
		"series": series,
		"number": number,
	}).Debug("goods invoice built")

	return doc, key, nil
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

func buildEndereco(a model.Address) Endereco {
	return Endereco{
		XLgr:    util.FoldASCII(a.Street),
		Nro:     a.Number,
		XCpl:    util.FoldASCII(a.Complement),
		XBairro: util.FoldASCII(a.District),
		CMun:    util.OnlyDigits(a.CityCode),
		XMun:    util.FoldASCII(a.CityName),
		UF:      a.State,
		CEP:     util.OnlyDigits(a.ZipCode),
	}
}

func buildDest(r model.RecipientProfile, env fiscal.Environment) (*Dest, error) {
	id := util.OnlyDigits(r.TaxID)

	dest := &Dest{
		XNome:     util.FoldASCII(r.Name),
		IndIEDest: "9",
	}

	if r.Organization {
		id = util.PadLeftZeros(id, 14)
		if len(id) != 14 {
			return nil, &fiscal.ValidationError{Field: "recipient.taxID", Message: fmt.Sprintf("organization tax ID must have 14 digits, got %d", len(id))}
		}
		dest.CNPJ = id
	} else {
		id = util.PadLeftZeros(id, 11)
		if len(id) != 11 {
			return nil, &fiscal.ValidationError{Field: "recipient.taxID", Message: fmt.Sprintf("person tax ID must have 11 digits, got %d", len(id))}
		}
		dest.CPF = id
	}

	// Not a caller option: homologation documents always carry the
	// authority's disclaimer as recipient name.
	if env == fiscal.Homologation {
		dest.XNome = fiscal.HomologationRecipientName
	}

	if r.Address != nil {
		e := buildEndereco(*r.Address)
		dest.EnderDest = &e
	}

	return dest, nil
}

func buildItems(items []model.LineItem) ([]Det, Total, error) {
	dets := make([]Det, 0, len(items))
	grand := decimal.Zero

	for i, it := range items {
		if it.Sequence != i+1 {
			return nil, Total{}, &fiscal.ValidationError{
				Field:   fmt.Sprintf("items[%d].sequence", i),
				Message: fmt.Sprintf("line sequence must be dense starting at 1, got %d at position %d", it.Sequence, i+1),
			}
		}

		ncm := util.PadLeftZeros(util.OnlyDigits(it.Classification), ncmWidth)
		if len(ncm) != ncmWidth {
			return nil, Total{}, &fiscal.ValidationError{
				Field:   fmt.Sprintf("items[%d].classification", i),
				Message: fmt.Sprintf("classification must fit %d digits, got %q", ncmWidth, it.Classification),
			}
		}
		if util.SignificantDigits(ncm) < 2 {
			return nil, Total{}, &fiscal.ValidationError{
				Field:   fmt.Sprintf("items[%d].classification", i),
				Message: fmt.Sprintf("classification %q has fewer than 2 significant digits", it.Classification),
			}
		}

		if it.Quantity.Sign() <= 0 {
			return nil, Total{}, &fiscal.ValidationError{
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: "quantity must be positive",
			}
		}

		total := it.Total
		if total.IsZero() {
			total = it.Quantity.Mul(it.UnitPrice)
		}
		grand = grand.Add(total)

		cfop := it.CFOP
		if cfop == "" {
			cfop = "5102"
		}

		dets = append(dets, Det{
			NItem: fmt.Sprintf("%d", it.Sequence),
			Prod: Prod{
				CProd:  it.ProductCode,
				XProd:  util.FoldASCII(it.Description),
				NCM:    ncm,
				CFOP:   cfop,
				UCom:   it.Unit,
				QCom:   util.Quantity(it.Quantity),
				VUnCom: util.Amount(it.UnitPrice),
				VProd:  util.Amount(total),
			},
		})
	}

	totals := Total{ICMSTot: ICMSTot{
		VBC:   "0.00",
		VICMS: "0.00",
		VProd: util.Amount(grand),
		VDesc: "0.00",
		VNF:   util.Amount(grand),
	}}

	return dets, totals, nil
}
