package nfe

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

// LotID derives the batch identifier from the submission instant. No
// external coordination: the authority only requires uniqueness within the
// issuer's open lots, and one-document lots are the default.
func LotID(t time.Time) string {
	return t.Format("20060102150405")
}

// BuildLot wraps one signed document into the authorization lot envelope.
// indSinc=1 asks for synchronous processing; the authority may still answer
// with a receipt number when it falls back to asynchronous mode.
func BuildLot(signedDoc []byte, lotID string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedDoc); err != nil {
		return nil, fmt.Errorf("parse signed document: %w", err)
	}

	env := etree.NewDocument()
	root := env.CreateElement("enviNFe")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("versao", LayoutVersion)
	root.CreateElement("idLote").SetText(lotID)
	root.CreateElement("indSinc").SetText("1")
	root.AddChild(doc.Root().Copy())

	return env.WriteToBytes()
}

type consReciNFe struct {
	XMLName xml.Name `xml:"consReciNFe"`
	Xmlns   string   `xml:"xmlns,attr"`
	Version string   `xml:"versao,attr"`
	TpAmb   string   `xml:"tpAmb"`
	NRec    string   `xml:"nRec"`
}

// BuildReceiptQuery asks for the outcome of an asynchronous lot.
func BuildReceiptQuery(env fiscal.Environment, receipt string) ([]byte, error) {
	return xml.Marshal(consReciNFe{
		Xmlns:   Namespace,
		Version: LayoutVersion,
		TpAmb:   env.Code(),
		NRec:    receipt,
	})
}

type consSitNFe struct {
	XMLName xml.Name `xml:"consSitNFe"`
	Xmlns   string   `xml:"xmlns,attr"`
	Version string   `xml:"versao,attr"`
	TpAmb   string   `xml:"tpAmb"`
	XServ   string   `xml:"xServ"`
	ChNFe   string   `xml:"chNFe"`
}

// BuildProtocolQuery asks for the current protocol of one document.
func BuildProtocolQuery(env fiscal.Environment, key AccessKey) ([]byte, error) {
	return xml.Marshal(consSitNFe{
		Xmlns:   Namespace,
		Version: LayoutVersion,
		TpAmb:   env.Code(),
		XServ:   "CONSULTAR",
		ChNFe:   string(key),
	})
}
