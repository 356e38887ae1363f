package nfe

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

// qrBaseURL maps the environment to the consumer-invoice verification
// portal of the state authority.
func qrBaseURL(env fiscal.Environment) string {
	if env == fiscal.Production {
		return "https://www.nfce.fazenda.sp.gov.br/qrcode"
	}
	return "https://www.homologacao.nfce.fazenda.sp.gov.br/qrcode"
}

// VerificationURL builds the consumer-invoice (model 65) verification link:
// access key, layout version, environment and a SHA-1 over the parameter
// string salted with the issuer's CSC token.
func VerificationURL(env fiscal.Environment, key AccessKey, cscID, csc string) (string, error) {
	if !key.Valid() {
		return "", &fiscal.ValidationError{Field: "accessKey", Message: "invalid access key"}
	}
	if cscID == "" || csc == "" {
		return "", &fiscal.ValidationError{Field: "csc", Message: "CSC id and token are required for the QR code"}
	}

	params := fmt.Sprintf("%s|2|%s|%s", key, env.Code(), strings.TrimLeft(cscID, "0"))

	sum := sha1.Sum([]byte(params + csc))
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))

	return fmt.Sprintf("%s?p=%s|%s", qrBaseURL(env), params, hash), nil
}

// QRCodePNG renders the verification link as a PNG for the printed
// consumer receipt.
func QRCodePNG(url string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(url, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode QR code: %w", err)
	}
	return png, nil
}
