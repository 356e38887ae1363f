package nfe

import (
	"crypto"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/cert"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

const (
	eventVersion = "1.00"

	// EventCancel is the tpEvento of the cancellation workflow.
	EventCancel = "110111"
)

type envEvento struct {
	XMLName xml.Name `xml:"envEvento"`
	Xmlns   string   `xml:"xmlns,attr"`
	Version string   `xml:"versao,attr"`
	IdLote  string   `xml:"idLote"`
	Evento  evento   `xml:"evento"`
}

type evento struct {
	Version string    `xml:"versao,attr"`
	Inf     infEvento `xml:"infEvento"`
}

type infEvento struct {
	ID         string    `xml:"Id,attr"`
	COrgao     string    `xml:"cOrgao"`
	TpAmb      string    `xml:"tpAmb"`
	CNPJ       string    `xml:"CNPJ"`
	ChNFe      string    `xml:"chNFe"`
	DhEvento   string    `xml:"dhEvento"`
	TpEvento   string    `xml:"tpEvento"`
	NSeqEvento string    `xml:"nSeqEvento"`
	VerEvento  string    `xml:"verEvento"`
	DetEvento  detEvento `xml:"detEvento"`
}

type detEvento struct {
	Version    string `xml:"versao,attr"`
	DescEvento string `xml:"descEvento"`
	NProt      string `xml:"nProt"`
	XJust      string `xml:"xJust"`
}

// BuildCancelEvent assembles and signs the cancellation event for an
// authorized document. The justification must be at least 15 characters,
// an authority-side rule enforced here to fail before transmission.
func BuildCancelEvent(env fiscal.Environment, issuerTaxID string, key AccessKey, protocol, reason string, at time.Time, cred *cert.Credential) ([]byte, error) {
	just := util.FoldASCII(reason)
	if len(just) < 15 {
		return nil, &fiscal.ValidationError{Field: "reason", Message: "cancellation reason must have at least 15 characters"}
	}
	if protocol == "" {
		return nil, &fiscal.ValidationError{Field: "protocol", Message: "cancellation requires the authorization protocol"}
	}

	ev := envEvento{
		Xmlns:   Namespace,
		Version: eventVersion,
		IdLote:  LotID(at),
		Evento: evento{
			Version: eventVersion,
			Inf: infEvento{
				ID:         fmt.Sprintf("ID%s%s01", EventCancel, key),
				COrgao:     string(key[:2]),
				TpAmb:      env.Code(),
				CNPJ:       util.PadLeftZeros(util.OnlyDigits(issuerTaxID), 14),
				ChNFe:      string(key),
				DhEvento:   at.Format("2006-01-02T15:04:05-07:00"),
				TpEvento:   EventCancel,
				NSeqEvento: "1",
				VerEvento:  eventVersion,
				DetEvento: detEvento{
					Version:    eventVersion,
					DescEvento: "Cancelamento",
					NProt:      protocol,
					XJust:      just,
				},
			},
		},
	}

	raw, err := xml.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel event: %w", err)
	}

	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse marshaled event: %w", err)
	}

	eventoEl := tree.Root().SelectElement("evento")
	infEl := eventoEl.SelectElement("infEvento")

	ctx := dsig.NewDefaultSigningContext(credentialKeyStore{cred: cred})
	ctx.Hash = crypto.SHA1
	ctx.IdAttribute = "Id"
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()

	signedInf, err := ctx.SignEnveloped(infEl)
	if err != nil {
		return nil, fmt.Errorf("sign infEvento: %w", err)
	}

	children := signedInf.ChildElements()
	sig := children[len(children)-1]
	if sig.Tag != "Signature" {
		return nil, fmt.Errorf("unexpected trailing element %q after signing", sig.Tag)
	}
	eventoEl.AddChild(sig.Copy())

	return tree.WriteToBytes()
}
