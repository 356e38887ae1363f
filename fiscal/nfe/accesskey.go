package nfe

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

// AccessKey is the 44-digit identifier of a goods invoice: state code,
// year/month of emission, issuer tax ID, document model, series, number,
// emission type, a random control number and a modulo-11 check digit.
type AccessKey string

const accessKeyLen = 44

// BuildAccessKey assembles the key body and appends the check digit.
// The emission time must already be in the issuer's civil zone: the
// authority validates the embedded AAMM against wall-clock date there.
func BuildAccessKey(stateCode string, issued time.Time, issuerTaxID, docModel string, series int, number int64, emissionType string, control int32) (AccessKey, error) {
	uf := util.OnlyDigits(stateCode)
	if len(uf) != 2 {
		return "", &fiscal.ValidationError{Field: "stateCode", Message: fmt.Sprintf("want 2 digits, got %q", stateCode)}
	}

	cnpj := util.PadLeftZeros(util.OnlyDigits(issuerTaxID), 14)
	if len(cnpj) != 14 {
		return "", &fiscal.ValidationError{Field: "issuerTaxID", Message: fmt.Sprintf("want 14 digits, got %d", len(cnpj))}
	}

	if len(util.OnlyDigits(docModel)) != 2 {
		return "", &fiscal.ValidationError{Field: "docModel", Message: fmt.Sprintf("want 2 digits, got %q", docModel)}
	}
	if series < 0 || series > 999 {
		return "", &fiscal.ValidationError{Field: "series", Message: fmt.Sprintf("out of range: %d", series)}
	}
	if number <= 0 || number > 999_999_999 {
		return "", &fiscal.ValidationError{Field: "number", Message: fmt.Sprintf("out of range: %d", number)}
	}
	if len(emissionType) != 1 {
		return "", &fiscal.ValidationError{Field: "emissionType", Message: fmt.Sprintf("want 1 digit, got %q", emissionType)}
	}

	body := uf +
		issued.Format("0601") + // AAMM
		cnpj +
		docModel +
		fmt.Sprintf("%03d", series) +
		fmt.Sprintf("%09d", number) +
		emissionType +
		fmt.Sprintf("%08d", control)

	dv, err := CheckDigit(body)
	if err != nil {
		return "", err
	}

	return AccessKey(fmt.Sprintf("%s%d", body, dv)), nil
}

// CheckDigit computes the modulo-11 digit over the 43-digit key body.
// Weights run 2..9 from the rightmost digit, cycling.
func CheckDigit(body string) (int, error) {
	if len(body) != accessKeyLen-1 {
		return 0, &fiscal.ValidationError{Field: "accessKey", Message: fmt.Sprintf("body must have 43 digits, got %d", len(body))}
	}

	sum := 0
	weight := 2
	for i := len(body) - 1; i >= 0; i-- {
		d := body[i]
		if d < '0' || d > '9' {
			return 0, &fiscal.ValidationError{Field: "accessKey", Message: fmt.Sprintf("non-digit %q at position %d", d, i)}
		}
		sum += int(d-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}

	rem := sum % 11
	if rem < 2 {
		return 0, nil
	}
	return 11 - rem, nil
}

// Valid recomputes the check digit and compares.
func (k AccessKey) Valid() bool {
	if len(k) != accessKeyLen {
		return false
	}
	dv, err := CheckDigit(string(k[:accessKeyLen-1]))
	if err != nil {
		return false
	}
	return int(k[accessKeyLen-1]-'0') == dv
}

// NewControlNumber draws the random 8-digit control number (cNF) embedded
// in the key.
func NewControlNumber() (int32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return 0, fmt.Errorf("draw control number: %w", err)
	}
	return int32(n.Int64()), nil
}
