// Package cert extracts signing material from the issuer's certificate
// bundle. The credential is held in memory for a single signing and
// transport operation and never persisted.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

var logger = logrus.WithField("component", "fiscal.cert")

// Credential is the decoded bundle: the end-entity certificate used for
// signing and the mutual-TLS handshake, plus whatever intermediate/root
// material the bundle carried.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Chain       []*x509.Certificate
}

// FromPKCS12 decodes an encrypted PKCS#12 bundle. A wrong passphrase is
// reported as a CredentialError wrapping the MAC verification failure.
func FromPKCS12(bundle []byte, passphrase string) (*Credential, error) {
	blocks, err := pkcs12.ToPEM(bundle, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, &fiscal.CredentialError{Reason: "wrong passphrase", Err: err}
		}
		return nil, &fiscal.CredentialError{Reason: "decode PKCS#12", Err: err}
	}

	var (
		key   crypto.Signer
		certs []*x509.Certificate
	)

	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			c, parseErr := x509.ParseCertificate(block.Bytes)
			if parseErr != nil {
				return nil, &fiscal.CredentialError{Reason: "parse certificate", Err: parseErr}
			}
			certs = append(certs, c)
		default:
			k, parseErr := parsePrivateKey(block.Bytes)
			if parseErr != nil {
				return nil, &fiscal.CredentialError{Reason: "parse private key", Err: parseErr}
			}
			key = k
		}
	}

	if key == nil {
		return nil, &fiscal.CredentialError{Reason: "missing key", Err: fiscal.ErrNoPrivateKey}
	}
	if len(certs) == 0 {
		return nil, &fiscal.CredentialError{Reason: "no certificates in bundle"}
	}

	end, chain := SelectEndEntity(certs)
	logger.WithFields(logrus.Fields{
		"subject": end.Subject.CommonName,
		"chain":   len(chain),
	}).Debug("credential extracted")

	return &Credential{Certificate: end, PrivateKey: key, Chain: chain}, nil
}

// FromEncryptedPEM loads split material: a certificate PEM plus an
// ENCRYPTED PRIVATE KEY block (PKCS#8).
func FromEncryptedPEM(certPEM, keyPEM []byte, passphrase string) (*Credential, error) {
	var certs []*x509.Certificate
	rest := certPEM
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &fiscal.CredentialError{Reason: "parse certificate", Err: err}
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, &fiscal.CredentialError{Reason: "no CERTIFICATE block found in PEM"}
	}

	key, err := decryptPKCS8(keyPEM, []byte(passphrase))
	if err != nil {
		return nil, err
	}

	end, chain := SelectEndEntity(certs)
	return &Credential{Certificate: end, PrivateKey: key, Chain: chain}, nil
}

func decryptPKCS8(pemBytes, password []byte) (crypto.Signer, error) {
	if len(password) == 0 {
		return nil, &fiscal.CredentialError{Reason: "passphrase is required for ENCRYPTED PRIVATE KEY"}
	}

	for len(pemBytes) > 0 {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			break
		}
		if block.Type != "ENCRYPTED PRIVATE KEY" {
			continue
		}

		keyAny, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		if err != nil {
			return nil, &fiscal.CredentialError{Reason: "decrypt PKCS#8 private key", Err: err}
		}

		switch k := keyAny.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, &fiscal.CredentialError{Reason: fmt.Sprintf("unsupported key type %T", keyAny)}
		}
	}

	return nil, &fiscal.CredentialError{Reason: "missing key", Err: fiscal.ErrNoPrivateKey}
}

// SelectEndEntity picks the signing certificate out of an unordered bag:
// the one without the CA basic constraint. When every certificate claims to
// be a CA (or none parses cleanly as a leaf) the first one wins. The
// remaining certificates become the chain, in bundle order.
func SelectEndEntity(certs []*x509.Certificate) (*x509.Certificate, []*x509.Certificate) {
	if len(certs) == 0 {
		return nil, nil
	}

	selected := -1
	for i, c := range certs {
		if !c.IsCA {
			selected = i
			break
		}
	}
	if selected < 0 {
		selected = 0
	}

	chain := make([]*x509.Certificate, 0, len(certs)-1)
	for i, c := range certs {
		if i != selected {
			chain = append(chain, c)
		}
	}
	return certs[selected], chain
}

// RSAKey returns the private key as RSA, the only algorithm both
// authorities accept.
func (c *Credential) RSAKey() (*rsa.PrivateKey, error) {
	k, ok := c.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, &fiscal.CredentialError{Reason: fmt.Sprintf("authority requires an RSA key, bundle has %T", c.PrivateKey)}
	}
	return k, nil
}

// TLSCertificate assembles the client certificate for the mutual-TLS
// handshake, end-entity first, chain appended.
func (c *Credential) TLSCertificate() tls.Certificate {
	tc := tls.Certificate{
		Certificate: [][]byte{c.Certificate.Raw},
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
	for _, ch := range c.Chain {
		tc.Certificate = append(tc.Certificate, ch.Raw)
	}
	return tc
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if keyAny, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if k, ok := keyAny.(crypto.Signer); ok {
			return k, nil
		}
		return nil, fmt.Errorf("PKCS#8 key does not implement crypto.Signer: %T", keyAny)
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("unrecognized private key encoding")
}
