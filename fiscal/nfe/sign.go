package nfe

import (
	"crypto"
	"crypto/rsa"
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/fiscaldocs/go-fiscal-client/fiscal/cert"
)

// credentialKeyStore adapts the extracted credential to the signing
// context's key store interface.
type credentialKeyStore struct {
	cred *cert.Credential
}

func (s credentialKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	key, err := s.cred.RSAKey()
	if err != nil {
		return nil, nil, err
	}
	return key, s.cred.Certificate.Raw, nil
}

// Sign produces the enveloped signature over the infNFe node, referenced by
// its access-key Id, and returns the serialized document with the signature
// placed as a sibling of infNFe. The authority mandates RSA-SHA1 with
// inclusive C14N 1.0.
func Sign(doc *Document, cred *cert.Credential) ([]byte, error) {
	raw, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse marshaled document: %w", err)
	}

	root := tree.Root()
	inf := root.SelectElement("infNFe")
	if inf == nil {
		return nil, fmt.Errorf("document has no infNFe element")
	}

	ctx := dsig.NewDefaultSigningContext(credentialKeyStore{cred: cred})
	ctx.Hash = crypto.SHA1
	ctx.IdAttribute = "Id"
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()

	signedInf, err := ctx.SignEnveloped(inf)
	if err != nil {
		return nil, fmt.Errorf("sign infNFe: %w", err)
	}

	// SignEnveloped appends the signature inside the signed node; the
	// layout wants it as a sibling. The digest stays valid because the
	// enveloped transform excludes the signature either way.
	children := signedInf.ChildElements()
	sig := children[len(children)-1]
	if sig.Tag != "Signature" {
		return nil, fmt.Errorf("unexpected trailing element %q after signing", sig.Tag)
	}
	root.AddChild(sig.Copy())

	out, err := tree.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize signed document: %w", err)
	}
	return out, nil
}
