package nfse

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

// rpsSignatureLen is the exact length of the assembled signature string.
// The municipality rejects signatures over any other layout without
// explanation, so the length is validated before signing, never after.
const rpsSignatureLen = 86

// SignaturePayload is the raw material of the receipt signature, in the
// positional order mandated by the municipality.
type SignaturePayload struct {
	MunicipalRegistration string          // 8, zero-padded
	Series                string          // 5, space-padded right
	Number                int64           // 12, zero-padded
	Issued                time.Time       // YYYYMMDD
	TaxRegime             byte            // T, F, A, B, M, N, X, V, P
	Status                byte            // N normal, C cancelled
	TaxWithheld           bool            // S / N
	GrossValue            decimal.Decimal // cents, 15
	Deductions            decimal.Decimal // cents, 15
	ServiceCode           string          // 5, zero-padded
	RecipientIDKind       byte            // 1 CPF, 2 CNPJ, 3 absent
	RecipientTaxID        string          // 14, zero-padded
}

// Assemble concatenates the fixed-width fields and fails fast unless the
// result is exactly 86 ASCII characters.
func (p SignaturePayload) Assemble() (string, error) {
	im := util.PadLeftZeros(util.OnlyDigits(p.MunicipalRegistration), 8)
	if len(im) != 8 {
		return "", &fiscal.ValidationError{Field: "municipalRegistration", Message: fmt.Sprintf("must fit 8 digits, got %q", p.MunicipalRegistration)}
	}

	series := util.PadRightSpaces(p.Series, 5)
	if len(series) != 5 {
		return "", &fiscal.ValidationError{Field: "series", Message: fmt.Sprintf("must fit 5 characters, got %q", p.Series)}
	}

	if p.Number <= 0 || p.Number > 999_999_999_999 {
		return "", &fiscal.ValidationError{Field: "number", Message: fmt.Sprintf("out of range: %d", p.Number)}
	}

	withheld := byte('N')
	if p.TaxWithheld {
		withheld = 'S'
	}

	recipient := util.PadLeftZeros(util.OnlyDigits(p.RecipientTaxID), 14)
	if len(recipient) != 14 {
		return "", &fiscal.ValidationError{Field: "recipientTaxID", Message: fmt.Sprintf("must fit 14 digits, got %q", p.RecipientTaxID)}
	}

	code := util.PadLeftZeros(util.OnlyDigits(p.ServiceCode), 5)
	if len(code) != 5 {
		return "", &fiscal.ValidationError{Field: "serviceCode", Message: fmt.Sprintf("must fit 5 digits, got %q", p.ServiceCode)}
	}

	s := im +
		series +
		fmt.Sprintf("%012d", p.Number) +
		p.Issued.Format("20060102") +
		string(p.TaxRegime) +
		string(p.Status) +
		string(withheld) +
		util.Cents(p.GrossValue, 15) +
		util.Cents(p.Deductions, 15) +
		code +
		string(p.RecipientIDKind) +
		recipient

	if len(s) != rpsSignatureLen {
		return "", &fiscal.ValidationError{
			Field:   "signature",
			Message: fmt.Sprintf("assembled signature string has %d characters, want %d", len(s), rpsSignatureLen),
		}
	}
	return s, nil
}

// Sign assembles the positional string and signs it RSA-SHA1, returning the
// base64 signature the lot envelope carries.
func (p SignaturePayload) Sign(key *rsa.PrivateKey) (string, error) {
	s, err := p.Assemble()
	if err != nil {
		return "", err
	}
	return signASCII([]byte(s), key)
}

// SignCancellation signs the short cancellation string: municipal
// registration (8) + invoice number (12).
func SignCancellation(municipalRegistration string, invoiceNumber int64, key *rsa.PrivateKey) (string, error) {
	im := util.PadLeftZeros(util.OnlyDigits(municipalRegistration), 8)
	if len(im) != 8 {
		return "", &fiscal.ValidationError{Field: "municipalRegistration", Message: fmt.Sprintf("must fit 8 digits, got %q", municipalRegistration)}
	}
	s := im + fmt.Sprintf("%012d", invoiceNumber)
	return signASCII([]byte(s), key)
}

func signASCII(msg []byte, key *rsa.PrivateKey) (string, error) {
	digest := sha1.Sum(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign receipt string: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
